// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	SQLiteDBPath string

	// AMQP (empty URL disables event publishing)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Balance coordination tuning
	CacheCapacity    int
	MetadataCapacity int
	StalenessTTL     time.Duration
	DebounceWindow   time.Duration
	HistoryLimit     int

	// Cache tracking janitor
	TrackingMaxAge        time.Duration
	TrackingSweepInterval time.Duration

	// Logging
	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/balances.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "balances"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "balance_updates"),

		CacheCapacity:    getEnvInt("CACHE_CAPACITY", 1000),
		MetadataCapacity: getEnvInt("METADATA_CAPACITY", 500),
		StalenessTTL:     getEnvDuration("STALENESS_TTL", 5*time.Minute),
		DebounceWindow:   getEnvDuration("DEBOUNCE_WINDOW", 100*time.Millisecond),
		HistoryLimit:     getEnvInt("HISTORY_LIMIT", 100),

		TrackingMaxAge:        getEnvDuration("TRACKING_MAX_AGE", time.Hour),
		TrackingSweepInterval: getEnvDuration("TRACKING_SWEEP_INTERVAL", 10*time.Minute),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate SQLite path. The directory is created by the store on open,
	// not here: validation must not touch the filesystem.
	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}

		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate coordination tuning
	if c.CacheCapacity < 1 {
		errors = append(errors, fmt.Sprintf("invalid cache capacity %d: must be at least 1", c.CacheCapacity))
	}
	if c.MetadataCapacity < 1 {
		errors = append(errors, fmt.Sprintf("invalid metadata capacity %d: must be at least 1", c.MetadataCapacity))
	}
	if c.StalenessTTL <= 0 {
		errors = append(errors, fmt.Sprintf("invalid staleness TTL %v: must be positive", c.StalenessTTL))
	}
	if c.DebounceWindow < 0 {
		errors = append(errors, fmt.Sprintf("invalid debounce window %v: must not be negative", c.DebounceWindow))
	}
	if c.HistoryLimit < 1 {
		errors = append(errors, fmt.Sprintf("invalid history limit %d: must be at least 1", c.HistoryLimit))
	}

	// Validate janitor configuration
	if c.TrackingMaxAge < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid tracking max age %v: must be at least 1 minute", c.TrackingMaxAge))
	}
	if c.TrackingSweepInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid tracking sweep interval %v: must be at least 1 second", c.TrackingSweepInterval))
	}

	// Validate log level
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of debug, info, warn, error", c.LogLevel))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
