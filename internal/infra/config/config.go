// Пакет config отвечает за сбор и предоставление конфигурации сервиса
// пересылки. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных значениях по умолчанию,
//  4. предоставляет доступ к результату через singleton.
//
// Бизнес-контекст: сервис копирует историю чатов между Telegram-каналами
// несколькими аккаунтами под жёсткими лимитами. Конфиг среды задаёт учётные
// данные приложения (API_ID/API_HASH), пути данных, дефолтные скоростные
// лимиты задач, параметры логирования и адрес управляющего web-сервера.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: учётные данные Telegram-приложения,
// каталоги данных, дефолты скоростных лимитов и конфигурация web-сервера.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	APIID   int
	APIHash string

	DataDir string
	DBFile  string

	LogLevel string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool

	// Дефолты скоростных лимитов новых задач
	DefaultDelaySeconds  float64
	DefaultRatePerMinute int
	// Граница хранения множества delivered в сторе прогресса
	DeliveredKeep int

	TestDC bool

	// Web Server
	WebServerEnable  bool
	WebServerAddress string
}

// Config хранит конфигурацию среды и накопленные предупреждения загрузки.
type Config struct {
	Env      EnvConfig
	warnings []string
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultLogLevel       = "info"
	defaultDataDir        = "data"
	defaultDBFile         = "data/forwarder.bbolt"
	defaultDelaySeconds   = 2.0
	defaultRatePerMinute  = 20
	defaultDeliveredKeep  = 100_000
	minDeliveredKeep      = 100_000
	defaultLogFileLevel   = "debug"
	defaultLogFileMaxSize = 50
	defaultLogFileBackups = 3
	defaultLogFileMaxAge  = 7
	// Web Server
	defaultWebServerEnable  = true
	defaultWebServerAddress = "127.0.0.1:8080"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации приложения.
// Повторный вызов запрещён (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	var warnings []string

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	dataDir := sanitizeValue("DATA_DIR", os.Getenv("DATA_DIR"), defaultDataDir, &warnings)
	dbFile := sanitizeValue("DB_FILE", os.Getenv("DB_FILE"), defaultDBFile, &warnings)
	delaySeconds := parseFloatDefault("DEFAULT_DELAY_SECONDS", defaultDelaySeconds, &warnings)
	ratePerMinute := parseIntDefault("DEFAULT_RATE_PER_MINUTE", defaultRatePerMinute, greaterThanZero, &warnings)
	deliveredKeep := parseIntDefault("DELIVERED_KEEP", defaultDeliveredKeep, greaterThanZero, &warnings)
	if deliveredKeep < minDeliveredKeep {
		appendWarningf(&warnings, "env DELIVERED_KEEP value %d below minimum; using %d", deliveredKeep, minDeliveredKeep)
		deliveredKeep = minDeliveredKeep
	}
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")

	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", true, &warnings)

	webServerEnable := parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warnings)
	webServerAddress := sanitizeValue("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"),
		defaultWebServerAddress, &warnings)

	env := EnvConfig{
		APIID:                apiID,
		APIHash:              apiHash,
		DataDir:              dataDir,
		DBFile:               dbFile,
		LogLevel:             logLevel,
		LogFile:              logFile,
		LogFileLevel:         logFileLevel,
		LogFileMaxSize:       logFileMaxSize,
		LogFileMaxBackups:    logFileMaxBackups,
		LogFileMaxAge:        logFileMaxAge,
		LogFileCompress:      logFileCompress,
		DefaultDelaySeconds:  delaySeconds,
		DefaultRatePerMinute: ratePerMinute,
		DeliveredKeep:        deliveredKeep,
		TestDC:               testDC,
		WebServerEnable:      webServerEnable,
		WebServerAddress:     webServerAddress,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перезапустить процесс.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseFloatDefault читает name как float64 > 0; иначе defaultVal с предупреждением.
func parseFloatDefault(name string, defaultVal float64, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %g", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v <= 0 {
		appendWarningf(warnings, "env %s value %q is not a valid positive number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — defaultVal с предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения
// набором {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeValue возвращает непустое значение переменной окружения. Если
// переменная не задана, подставляет fallback и пишет предупреждение.
func sanitizeValue(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
