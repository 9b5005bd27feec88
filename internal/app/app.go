// Package app собирает движок пересылки из составных частей: хранилище,
// шина событий, реестр аккаунтов, регулятор скорости, пул связей, супервизор
// задач и управляющий web-сервер. Владеет порядком запуска и остановки.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	tgadapter "telegram-forwarder/internal/adapters/telegram"
	"telegram-forwarder/internal/adapters/web"
	"telegram-forwarder/internal/domain/accounts"
	"telegram-forwarder/internal/domain/forwarding"
	"telegram-forwarder/internal/infra/bus"
	"telegram-forwarder/internal/infra/config"
	"telegram-forwarder/internal/infra/logger"
	"telegram-forwarder/internal/infra/progstore"
)

// App — собранное приложение движка пересылки.
type App struct {
	env config.EnvConfig

	store    *progstore.Store
	events   *bus.Bus
	registry *accounts.Registry
	gov      *forwarding.Governor
	pool     *forwarding.Pool
	sup      *forwarding.Supervisor
	web      *web.Server
}

// New собирает приложение: открывает хранилище, поднимает аккаунты и задачи,
// готовит web-сервер. Ничего долгоживущего ещё не запускается.
func New(env config.EnvConfig) (*App, error) {
	store, err := progstore.Open(env.DBFile, env.DeliveredKeep)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	a := &App{
		env:      env,
		store:    store,
		events:   bus.New(bus.DefaultBacklog),
		registry: accounts.NewRegistry(store),
	}
	a.gov = forwarding.NewGovernor(env.DefaultRatePerMinute,
		time.Duration(env.DefaultDelaySeconds*float64(time.Second)))
	a.pool = forwarding.NewPool(a.gov)
	a.sup = forwarding.NewSupervisor(store, a.pool, a.gov, a.events, a.registry, forwarding.RateParams{
		DelaySeconds:  env.DefaultDelaySeconds,
		RatePerMinute: env.DefaultRatePerMinute,
	})

	if err := a.registry.Load(); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "load accounts")
	}
	if err := a.sup.Recover(); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "recover jobs")
	}

	if env.WebServerEnable {
		a.web = web.NewServer(env.WebServerAddress, a.sup, a.registry, a.events, a)
	}
	return a, nil
}

// Run запускает сервисы и блокируется до отмены ctx, после чего гасит всё
// в обратном порядке: web, задачи, связи аккаунтов, шину, хранилище.
func (a *App) Run(ctx context.Context) error {
	if a.web != nil {
		a.web.Start()
	}
	logger.Info("app: started")

	<-ctx.Done()
	logger.Info("app: shutting down")

	if a.web != nil {
		a.web.Stop()
	}
	a.sup.Close()
	a.pool.Close()
	a.events.Close()
	if err := a.store.Close(); err != nil {
		logger.Errorf("app: close store: %v", err)
	}
	logger.Info("app: stopped")
	return nil
}

// telegramOptions строит параметры подключения из конфигурации среды.
func (a *App) telegramOptions() tgadapter.Options {
	return tgadapter.Options{
		APIID:   a.env.APIID,
		APIHash: a.env.APIHash,
		TestDC:  a.env.TestDC,
	}
}

// ConnectAccount устанавливает живую связь аккаунта и кладёт её в пул.
func (a *App) ConnectAccount(ctx context.Context, id string) error {
	client, err := tgadapter.Connect(ctx, a.registry, id, a.telegramOptions())
	if err != nil {
		return err
	}
	a.pool.Put(client)
	return nil
}

// DisconnectAccount разрывает живую связь аккаунта, если она есть.
func (a *App) DisconnectAccount(id string) error {
	if _, ok := a.registry.Get(id); !ok {
		return accounts.ErrNotFound
	}
	a.pool.Remove(id)
	return nil
}

// Login проводит интерактивную авторизацию аккаунта по номеру телефона,
// создавая запись аккаунта при необходимости.
func (a *App) Login(ctx context.Context, phone string) error {
	var accountID string
	for _, acc := range a.registry.List() {
		if acc.Phone == phone {
			accountID = acc.ID
			break
		}
	}
	if accountID == "" {
		acc, err := a.registry.Create(phone)
		if err != nil {
			return err
		}
		accountID = acc.ID
		logger.Infof("app: registered new account %s for %s", accountID, phone)
	}
	return tgadapter.Login(ctx, a.registry, accountID, a.telegramOptions())
}
