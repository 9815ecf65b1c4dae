package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	// HTTP
	DefaultHTTPAddr = ":8080"

	// Storage
	DefaultDatabaseDSN      = "host=localhost user=user password=password dbname=residenthub port=5432 sslmode=disable"
	DefaultResidentCacheTTL = 5 * time.Minute

	// Realtime
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultTeardownTimeout  = 5 * time.Second
	DefaultPresenceBeat     = 15 * time.Second
	DefaultObserveTTL       = 10 * time.Minute

	// Chat
	DefaultTypingTimeout    = 2 * time.Second
	DefaultHistoryPageSize  = 50
	DefaultMaxMessageLength = 4096
)

// ErrMissingSecret повертається, якщо JWT_SECRET не задано.
var ErrMissingSecret = errors.New("config: JWT_SECRET is required")

// Config містить налаштування сервера та admin CLI.
type Config struct {
	HTTPAddr    string
	DatabaseDSN string

	// RedisAddr вмикає Redis транспорт. Порожнє значення означає транспорт у пам'яті.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	TypingTimeout    time.Duration
	HistoryPageSize  int
	SubscribeTimeout time.Duration
	TeardownTimeout  time.Duration
	// PresenceBeat визначає, як часто присутність оновлюється в Redis.
	PresenceBeat time.Duration
	// ObserveTTL звільняє будинки, які REST ендпоінт присутності більше не читає.
	ObserveTTL       time.Duration
	MaxMessageLength int
	ResidentCacheTTL time.Duration
}

// Load читає необов'язковий .env файл, а потім змінні оточення.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file loaded")
	}
	return FromEnv()
}

// FromEnv збирає Config зі змінних оточення зі значеннями за замовчуванням.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPAddr:         getEnv("HTTP_ADDR", DefaultHTTPAddr),
		DatabaseDSN:      getEnv("DATABASE_DSN", DefaultDatabaseDSN),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		TypingTimeout:    getEnvDuration("TYPING_TIMEOUT", DefaultTypingTimeout),
		HistoryPageSize:  getEnvInt("HISTORY_PAGE_SIZE", DefaultHistoryPageSize),
		SubscribeTimeout: getEnvDuration("SUBSCRIBE_TIMEOUT", DefaultSubscribeTimeout),
		TeardownTimeout:  getEnvDuration("TEARDOWN_TIMEOUT", DefaultTeardownTimeout),
		PresenceBeat:     getEnvDuration("PRESENCE_HEARTBEAT", DefaultPresenceBeat),
		ObserveTTL:       getEnvDuration("PRESENCE_OBSERVE_TTL", DefaultObserveTTL),
		MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", DefaultMaxMessageLength),
		ResidentCacheTTL: getEnvDuration("RESIDENT_CACHE_TTL", DefaultResidentCacheTTL),
	}
	if cfg.JWTSecret == "" {
		return nil, ErrMissingSecret
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return n
		}
		logrus.WithField("key", key).Warnf("Invalid int value %q, using default %d", value, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		logrus.WithField("key", key).Warnf("Invalid duration value %q, using default %s", value, defaultValue)
	}
	return defaultValue
}
