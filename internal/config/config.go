package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting of the service, read from the environment.
type Config struct {
	App      AppConfig
	Rate     RateConfig
	Database DatabaseConfig
	WhatsApp WhatsAppConfig
}

type AppConfig struct {
	Env     string
	Name    string
	Port    string
	Country string
}

// IsProduction reports whether NODE_ENV is production.
func (c AppConfig) IsProduction() bool {
	return c.Env == "production"
}

type RateConfig struct {
	Limit      int
	Delay      time.Duration
	TrustProxy bool
}

type DatabaseConfig struct {
	Connection string
	Host       string
	Port       int
	Name       string
	Username   string
	Password   string
	Logging    bool
}

type WhatsAppConfig struct {
	TempDir    string
	MaxRetries int
	QRWait     time.Duration
	StoreFlush time.Duration
	UseStore   bool
	AutoReply  bool
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Env:     getEnv("NODE_ENV", "development"),
			Name:    getEnv("APP_NAME", "expresso"),
			Port:    getEnv("APP_PORT", "8000"),
			Country: strings.ToUpper(getEnv("APP_COUNTRY", "ID")),
		},
		Rate: RateConfig{
			Limit:      getIntEnv("RATE_LIMIT", 100),
			Delay:      getDurationEnv("RATE_DELAY", 5*time.Minute),
			TrustProxy: getBoolEnv("TRUST_PROXY", false),
		},
		Database: DatabaseConfig{
			Connection: getEnv("TYPEORM_CONNECTION", "sqlite3"),
			Host:       getEnv("TYPEORM_HOST", "127.0.0.1"),
			Port:       getIntEnv("TYPEORM_PORT", 5432),
			Name:       getEnv("TYPEORM_DATABASE", "expresso"),
			Username:   getEnv("TYPEORM_USERNAME", "postgres"),
			Password:   getEnv("TYPEORM_PASSWORD", "postgres"),
			Logging:    getBoolEnv("TYPEORM_LOGGING", false),
		},
		WhatsApp: WhatsAppConfig{
			TempDir:    getEnv("WA_TEMP_DIR", "./temp"),
			MaxRetries: getIntEnv("WA_MAX_RETRIES", 10),
			QRWait:     getDurationEnv("WA_QR_WAIT", 30*time.Second),
			StoreFlush: getDurationEnv("WA_STORE_FLUSH", 12*time.Second),
			UseStore:   getBoolEnv("WA_USE_STORE", true),
			AutoReply:  getBoolEnv("WA_AUTO_REPLY", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Connection {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported TYPEORM_CONNECTION %q", c.Database.Connection)
	}
	if c.Rate.Limit <= 0 {
		return fmt.Errorf("RATE_LIMIT must be positive")
	}
	if c.WhatsApp.MaxRetries < 0 {
		return fmt.Errorf("WA_MAX_RETRIES must not be negative")
	}
	return nil
}

// Driver returns the database/sql driver name.
func (d DatabaseConfig) Driver() string {
	return d.Connection
}

// DSN builds the connection string for the configured driver. Sqlite databases
// are kept next to the WhatsApp credentials in dataDir.
func (d DatabaseConfig) DSN(dataDir string) string {
	if d.Connection == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			d.Host, d.Port, d.Username, d.Password, d.Name)
	}
	return fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dataDir, d.Name+".db"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
