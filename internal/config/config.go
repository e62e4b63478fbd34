package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DefaultOrgID int64

	Logger   LoggerConfig
	DB       DBConfig
	Webhook  WebhookConfig
	Email    EmailConfig
	Reminder ReminderConfig
}

type LoggerConfig struct {
	Level string
}

type DBConfig struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}

// WebhookConfig configures the payment settlement gateway.
type WebhookConfig struct {
	Provider string
	Secret   string
	// TrustUnsigned skips signature verification when no secret is set.
	// Development only; the gateway refuses to start unsigned unless this
	// flag is set explicitly.
	TrustUnsigned bool
	Tolerance     time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

// ReminderConfig configures the overdue reminder scheduler. RedisAddr is
// optional; when set, runs take a distributed lock so overlapping instances
// do not deliver the same reminder twice.
type ReminderConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "factura"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		DefaultOrgID: getenvInt64("DEFAULT_ORG", 0),
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		DB: DBConfig{
			Type:            getenv("DATABASE_TYPE", "postgres"),
			Host:            getenv("DATABASE_HOST", "localhost"),
			Port:            getenv("DATABASE_PORT", "5432"),
			Name:            getenv("DATABASE_NAME", "factura"),
			User:            getenv("DATABASE_USER", "postgres"),
			Password:        getenv("DATABASE_PASSWORD", "postgres"),
			SSLMode:         getenv("DATABASE_SSLMODE", "disable"),
			MaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
			MaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
			ConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
			ConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),
		},
		Webhook: WebhookConfig{
			Provider:      getenv("PAYMENT_WEBHOOK_PROVIDER", "stripe"),
			Secret:        strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),
			TrustUnsigned: getenvBool("PAYMENT_WEBHOOK_TRUST_UNSIGNED", false),
			Tolerance:     getenvDuration("PAYMENT_WEBHOOK_TOLERANCE", 300*time.Second),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@factura.local"),
		},
		Reminder: ReminderConfig{
			Enabled:       getenvBool("REMINDER_ENABLED", true),
			RunInterval:   getenvDuration("REMINDER_RUN_INTERVAL", time.Hour),
			BatchSize:     getenvInt("REMINDER_BATCH_SIZE", 50),
			RedisAddr:     getenv("REMINDER_LOCK_REDIS_ADDR", ""),
			RedisPassword: getenv("REMINDER_LOCK_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("REMINDER_LOCK_REDIS_DB", 0),
			LockTTL:       getenvDuration("REMINDER_LOCK_TTL", 5*time.Minute),
		},
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
