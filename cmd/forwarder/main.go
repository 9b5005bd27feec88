// Command forwarder — сервис копирования истории Telegram-чатов.
// Запуск без флагов поднимает движок с управляющим web-API; флаг -login
// проводит интерактивную авторизацию аккаунта и завершает процесс.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kr/pretty"

	"telegram-forwarder/internal/app"
	"telegram-forwarder/internal/infra/config"
	"telegram-forwarder/internal/infra/logger"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (optional)")
	loginPhone := flag.String("login", "", "run interactive login for the given phone and exit")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	if env.LogFile != "" {
		logger.InitFile(logger.FileOptions{
			Path:       env.LogFile,
			Level:      env.LogFileLevel,
			MaxSizeMB:  env.LogFileMaxSize,
			MaxBackups: env.LogFileMaxBackups,
			MaxAgeDays: env.LogFileMaxAge,
			Compress:   env.LogFileCompress,
		})
	}
	for _, warning := range config.Warnings() {
		logger.Warnf("config: %s", warning)
	}
	if logger.IsDebugEnabled() {
		redacted := env
		redacted.APIHash = "<redacted>"
		logger.Debugf("config: %# v", pretty.Formatter(redacted))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(env)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}

	if *loginPhone != "" {
		if err := a.Login(ctx, *loginPhone); err != nil {
			logger.Fatalf("login: %v", err)
		}
		logger.Infof("login complete for %s", *loginPhone)
		return
	}

	if err := a.Run(ctx); err != nil {
		logger.Fatalf("run: %v", err)
	}
}
