package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings shared by the server and worker binaries.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Dispatch  DispatchConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Provider  ProviderConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// DatabaseConfig accepts either a full URL or the discrete DB_* parts.
type DatabaseConfig struct {
	Driver   string
	URL      string
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// DSN returns the connection string for the configured database.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

// QueueConfig selects the job queue. An empty AMQP URL means in-memory.
type QueueConfig struct {
	AMQPURL    string
	MaxRetries int
}

type DispatchConfig struct {
	BatchSize         int
	MaxAttempts       int
	ProviderTimeout   time.Duration
	StuckTimeout      time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	SchedulerInterval time.Duration
}

type RateLimitConfig struct {
	PerMinute int
	MinDelay  time.Duration
	MaxDelay  time.Duration
}

type WebhookConfig struct {
	AppSecret   string
	VerifyToken string
}

const (
	ProviderCloud = "cloud"
	ProviderMock  = "mock"
)

type ProviderConfig struct {
	Mode       string
	BaseURL    string
	APIVersion string
}

// Load reads .env (if present) and the environment, applies defaults and
// returns every validation problem at once.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}
	cfg := &Config{}

	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Database.Driver = strings.ToLower(ldr.getString("DB_DRIVER", "postgres", false))
	cfg.Database.URL = ldr.getString("DATABASE_URL", "", false)
	cfg.Database.User = ldr.getString("DB_USER", "", false)
	cfg.Database.Password = ldr.getString("DB_PASSWORD", "", false)
	cfg.Database.Host = ldr.getString("DB_HOST", "localhost", false)
	cfg.Database.Port = ldr.getString("DB_PORT", "5432", false)
	cfg.Database.Name = ldr.getString("DB_NAME", "", false)
	if cfg.Database.URL == "" && cfg.Database.Name == "" {
		ldr.addError("DATABASE_URL or DB_NAME is required")
	}
	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "pgx" {
		ldr.addError("DB_DRIVER must be postgres or pgx")
	}

	cfg.Queue.AMQPURL = ldr.getString("AMQP_URL", "", false)
	cfg.Queue.MaxRetries = ldr.getInt("QUEUE_MAX_RETRIES", 3, false)

	cfg.Dispatch.BatchSize = ldr.getInt("BATCH_SIZE", 50, false)
	cfg.Dispatch.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 3, false)
	cfg.Dispatch.ProviderTimeout = ldr.getSeconds("PROVIDER_TIMEOUT_SECONDS", 15)
	cfg.Dispatch.StuckTimeout = ldr.getSeconds("STUCK_TIMEOUT_SECONDS", 300)
	cfg.Dispatch.BaseBackoff = ldr.getSeconds("BASE_BACKOFF_SECONDS", 10)
	cfg.Dispatch.MaxBackoff = ldr.getSeconds("MAX_BACKOFF_SECONDS", 300)
	cfg.Dispatch.SchedulerInterval = ldr.getSeconds("SCHEDULER_INTERVAL_SECONDS", 30)
	if cfg.Dispatch.BatchSize < 1 {
		ldr.addError("BATCH_SIZE must be >= 1")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		ldr.addError("MAX_ATTEMPTS must be >= 1")
	}

	cfg.RateLimit.PerMinute = ldr.getInt("RATE_LIMIT_PER_MINUTE", 60, false)
	cfg.RateLimit.MinDelay = ldr.getMillis("SEND_DELAY_MIN_MS", 200)
	cfg.RateLimit.MaxDelay = ldr.getMillis("SEND_DELAY_MAX_MS", 800)
	if cfg.RateLimit.PerMinute < 1 {
		ldr.addError("RATE_LIMIT_PER_MINUTE must be >= 1")
	}
	if cfg.RateLimit.MaxDelay < cfg.RateLimit.MinDelay {
		ldr.addError("SEND_DELAY_MAX_MS must be >= SEND_DELAY_MIN_MS")
	}

	cfg.Webhook.AppSecret = ldr.getString("WEBHOOK_APP_SECRET", "", true)
	cfg.Webhook.VerifyToken = ldr.getString("WEBHOOK_VERIFY_TOKEN", "", false)

	cfg.Provider.Mode = strings.ToLower(ldr.getString("PROVIDER_MODE", ProviderCloud, false))
	cfg.Provider.BaseURL = ldr.getString("WHATSAPP_API_BASE_URL", "https://graph.facebook.com", false)
	cfg.Provider.APIVersion = ldr.getString("WHATSAPP_API_VERSION", "v20.0", false)
	if cfg.Provider.Mode != ProviderCloud && cfg.Provider.Mode != ProviderMock {
		ldr.addError("PROVIDER_MODE must be cloud or mock")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	val, ok := os.LookupEnv(key)
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		if required {
			l.addError(fmt.Sprintf("%s is required", key))
		}
		return "", false
	}
	return val, true
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getSeconds(key string, def int) time.Duration {
	return time.Duration(l.getInt(key, def, false)) * time.Second
}

func (l *envLoader) getMillis(key string, def int) time.Duration {
	return time.Duration(l.getInt(key, def, false)) * time.Millisecond
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
