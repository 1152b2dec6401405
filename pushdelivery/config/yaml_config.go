package config

import (
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-delivery/internal/gateway"
)

type YamlGatewayConfig struct {
	Environment      string `yaml:"environment"`
	Protocol         string `yaml:"protocol"`
	CertFile         string `yaml:"cert_file"`
	CertPassphrase   string `yaml:"cert_passphrase"`
	KeyFile          string `yaml:"key_file"`
	TeamID           string `yaml:"team_id"`
	KeyID            string `yaml:"key_id"`
	Topic            string `yaml:"topic"`
	RootCAFile       string `yaml:"root_ca_file"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
	ConnectRetries   int    `yaml:"connect_retries"`
	RetryIntervalMs  int    `yaml:"retry_interval_ms"`
	SelectTimeoutMs  int    `yaml:"select_timeout_ms"`
}

type YamlDeliveryConfig struct {
	RetryCeiling    int `yaml:"retry_ceiling"`
	WriteIntervalMs int `yaml:"write_interval_ms"`
}

type YamlFeedbackConfig struct {
	Enabled         bool `yaml:"enabled"`
	SweepIntervalMs int  `yaml:"sweep_interval_ms"`
	ReadTimeoutMs   int  `yaml:"read_timeout_ms"`
}

type YamlRedisConfig struct {
	Addr                 string `yaml:"addr"`
	Password             string `yaml:"password"`
	DB                   int    `yaml:"db"`
	Enabled              bool   `yaml:"enabled"`
	InvalidTokenTTLHours int    `yaml:"invalid_token_ttl_hours"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ListenAddr string             `yaml:"listen_addr"`
	NumWorkers int                `yaml:"num_workers"`
	QueueSize  int                `yaml:"queue_size"`
	Gateway    YamlGatewayConfig  `yaml:"gateway"`
	Delivery   YamlDeliveryConfig `yaml:"delivery"`
	Feedback   YamlFeedbackConfig `yaml:"feedback"`
	Redis      YamlRedisConfig    `yaml:"redis"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ListenAddr: baseCfg.ListenAddr,
		NumWorkers: baseCfg.NumWorkers,
		QueueSize:  baseCfg.QueueSize,
		Gateway: gateway.Config{
			Environment:    gateway.Environment(baseCfg.Gateway.Environment),
			Protocol:       gateway.Protocol(baseCfg.Gateway.Protocol),
			CertFile:       baseCfg.Gateway.CertFile,
			CertPassphrase: baseCfg.Gateway.CertPassphrase,
			KeyFile:        baseCfg.Gateway.KeyFile,
			TeamID:         baseCfg.Gateway.TeamID,
			KeyID:          baseCfg.Gateway.KeyID,
			Topic:          baseCfg.Gateway.Topic,
			RootCAFile:     baseCfg.Gateway.RootCAFile,
			ConnectTimeout: time.Duration(baseCfg.Gateway.ConnectTimeoutMs) * time.Millisecond,
			ConnectRetries: baseCfg.Gateway.ConnectRetries,
			RetryInterval:  time.Duration(baseCfg.Gateway.RetryIntervalMs) * time.Millisecond,
			SelectTimeout:  time.Duration(baseCfg.Gateway.SelectTimeoutMs) * time.Millisecond,
		},
		Delivery: DeliveryConfig{
			RetryCeiling:  baseCfg.Delivery.RetryCeiling,
			WriteInterval: time.Duration(baseCfg.Delivery.WriteIntervalMs) * time.Millisecond,
		},
		Feedback: FeedbackConfig{
			Enabled:       baseCfg.Feedback.Enabled,
			SweepInterval: time.Duration(baseCfg.Feedback.SweepIntervalMs) * time.Millisecond,
			ReadTimeout:   time.Duration(baseCfg.Feedback.ReadTimeoutMs) * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr:            baseCfg.Redis.Addr,
			Password:        baseCfg.Redis.Password,
			DB:              baseCfg.Redis.DB,
			Enabled:         baseCfg.Redis.Enabled,
			InvalidTokenTTL: time.Duration(baseCfg.Redis.InvalidTokenTTLHours) * time.Hour,
		},
	}

	logger.Debug("YAML config mapping complete",
		"listen_addr", cfg.ListenAddr,
		"protocol", cfg.Gateway.Protocol,
		"environment", cfg.Gateway.Environment,
	)

	return cfg, nil
}
