package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration for the Runner.
type Config struct {
	// Server
	Port        string
	Environment string

	// Database (trade/position persistence)
	Database DatabaseConfig

	// Redis (market-data cache)
	Redis RedisConfig

	// JWT (admin surface auth)
	JWT JWTConfig

	// Admin
	Admin AdminConfig

	// Encryption
	Encryption EncryptionConfig

	// Runner (backtest/live session parameters)
	Runner RunnerConfig

	// Risk (default rule thresholds)
	Risk RiskConfig

	// Logging (audit trail, log rotation, Sentry alerting)
	Logging LoggingConfig
}

// LoggingConfig configures the ambient logging surface: the durable audit
// trail, rotating file output, and optional Sentry error alerting.
type LoggingConfig struct {
	AuditDir  string
	LogFile   string
	SentryDSN string
}

// RunnerConfig holds `run --start --end --freq --source` values loaded
// from the environment. cmd/runner takes these values from its CLI flags
// only and does not read this struct.
type RunnerConfig struct {
	Start  string
	End    string
	Freq   string
	Source string
}

// RiskConfig seeds the pluggable risk.Rule thresholds.
type RiskConfig struct {
	MaxNotional    float64
	MaxAbsPosition int64
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN renders the Postgres connection string pgxpool.New expects.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr renders the host:port pair go-redis expects.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

type JWTConfig struct {
	Secret string
	Expiry string
}

type AdminConfig struct {
	Email       string
	IPWhitelist []string
	Password    string // Bcrypt hashed password
}

type EncryptionConfig struct {
	MasterKey string
}

// Load loads configuration from environment variables, falling back to
// defaults suitable for a local paper-trading run.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "7999"),
		Environment: getEnv("ENVIRONMENT", "development"),

		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			Name:     getEnv("DB_NAME", "barrunner"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Expiry: getEnv("JWT_EXPIRY", "24h"),
		},

		Admin: AdminConfig{
			Email:       getEnv("ADMIN_EMAIL", "admin@example.com"),
			IPWhitelist: getEnvAsSlice("ADMIN_IP_WHITELIST", []string{"127.0.0.1", "::1"}, ","),
			Password:    getEnv("ADMIN_PASSWORD_HASH", ""),
		},

		Encryption: EncryptionConfig{
			MasterKey: getEnv("MASTER_ENCRYPTION_KEY", ""),
		},

		Runner: RunnerConfig{
			Start:  getEnv("RUNNER_START", ""),
			End:    getEnv("RUNNER_END", ""),
			Freq:   getEnv("RUNNER_FREQ", "1m"),
			Source: getEnv("RUNNER_SOURCE", "default"),
		},

		Risk: RiskConfig{
			MaxNotional:    getEnvAsFloat("RISK_MAX_NOTIONAL", 1000000.0),
			MaxAbsPosition: int64(getEnvAsInt("RISK_MAX_ABS_POSITION", 1000000)),
		},

		Logging: LoggingConfig{
			AuditDir:  getEnv("AUDIT_LOG_DIR", ""),
			LogFile:   getEnv("LOG_FILE", ""),
			SentryDSN: getEnv("SENTRY_DSN", ""),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.Encryption.MasterKey == "" {
			return fmt.Errorf("MASTER_ENCRYPTION_KEY is required in production")
		}
		if c.Admin.Password == "" {
			log.Println("WARNING: ADMIN_PASSWORD_HASH not set - admin login will use default password")
		}
	}
	return nil
}

// Helper functions
func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	return strings.Split(valueStr, sep)
}
