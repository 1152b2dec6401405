package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/tinywideclouds/go-push-delivery/internal/gateway"
)

type DeliveryConfig struct {
	RetryCeiling  int
	WriteInterval time.Duration
}

type FeedbackConfig struct {
	Enabled       bool
	SweepInterval time.Duration
	ReadTimeout   time.Duration
}

type RedisConfig struct {
	Enabled         bool
	Addr            string
	Password        string
	DB              int
	InvalidTokenTTL time.Duration
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ListenAddr string
	NumWorkers int
	QueueSize  int

	Gateway  gateway.Config
	Delivery DeliveryConfig
	Feedback FeedbackConfig
	Redis    RedisConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("NUM_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_WORKERS", "source", "env")
			cfg.NumWorkers = workers
		}
	}
	if val := os.Getenv("QUEUE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil && size > 0 {
			logger.Debug("Overriding config value", "key", "QUEUE_SIZE", "source", "env")
			cfg.QueueSize = size
		}
	}

	// Gateway Overrides
	if val := os.Getenv("PUSH_ENVIRONMENT"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_ENVIRONMENT", "source", "env")
		cfg.Gateway.Environment = gateway.Environment(val)
	}
	if val := os.Getenv("PUSH_PROTOCOL"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_PROTOCOL", "source", "env")
		cfg.Gateway.Protocol = gateway.Protocol(val)
	}
	if val := os.Getenv("PUSH_CERT_FILE"); val != "" {
		cfg.Gateway.CertFile = val
	}
	if val := os.Getenv("PUSH_CERT_PASSPHRASE"); val != "" {
		cfg.Gateway.CertPassphrase = val
	}
	if val := os.Getenv("PUSH_KEY_FILE"); val != "" {
		cfg.Gateway.KeyFile = val
	}
	if val := os.Getenv("PUSH_TEAM_ID"); val != "" {
		cfg.Gateway.TeamID = val
	}
	if val := os.Getenv("PUSH_KEY_ID"); val != "" {
		cfg.Gateway.KeyID = val
	}
	if val := os.Getenv("PUSH_TOPIC"); val != "" {
		cfg.Gateway.Topic = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Feedback Overrides
	if val := os.Getenv("FEEDBACK_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Feedback.Enabled = enabled
	}

	// 2. Final Validation
	if cfg.Gateway.Environment == "" {
		return nil, fmt.Errorf("gateway environment is required (set via YAML or PUSH_ENVIRONMENT env var)")
	}
	if cfg.Gateway.Protocol == "" {
		return nil, fmt.Errorf("gateway protocol is required (set via YAML or PUSH_PROTOCOL env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.Feedback.Enabled && cfg.Feedback.SweepInterval <= 0 {
		cfg.Feedback.SweepInterval = time.Hour
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
