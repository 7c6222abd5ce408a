// Package config loads service settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimezone    = "Asia/Bangkok"
	DefaultMaxAttempts = 3
)

// Config holds application configuration
type Config struct {
	Port        string
	StoreDriver string
	DBConn      string
	LogLevel    string

	// Location is the calendar interest days are counted in.
	Location    *time.Location
	MaxAttempts int
}

// NewConfig loads configuration from environment variables. Values in a
// .env file in the working directory are used when the variable is unset.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		StoreDriver: getEnv("STORE_DRIVER", "sqlite"),
		DBConn:      getEnv("DB_CONN", "recon.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	switch cfg.StoreDriver {
	case "sqlite", "postgres", "memory":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be sqlite, postgres or memory, got %q", cfg.StoreDriver)
	}
	if cfg.DBConn == "" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("DB_CONN is required")
	}

	tz := getEnv("RECONCILE_TIMEZONE", DefaultTimezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_TIMEZONE %q: %w", tz, err)
	}
	cfg.Location = loc

	attempts := getEnv("RECONCILE_MAX_ATTEMPTS", strconv.Itoa(DefaultMaxAttempts))
	cfg.MaxAttempts, err = strconv.Atoi(attempts)
	if err != nil || cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be a positive integer, got %q", attempts)
	}

	return cfg, nil
}

// Level is the logrus level for LogLevel, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
