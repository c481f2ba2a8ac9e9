// Package config provides configuration management for Mission Control.
// It supports loading configuration from environment variables, a config
// file, and built-in defaults, following the same layered approach used
// throughout the example corpus.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Mission Control.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DatabaseConfig holds the embedded relational store's configuration.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite (only supported value today)
	Path   string `mapstructure:"path"`
}

// EventsConfig configures the event bus backend.
type EventsConfig struct {
	// NATSURL selects the NATS-backed bus when set; empty means in-memory.
	NATSURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// GatewayConfig configures the external chat-gateway adapter.
type GatewayConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	WSURL   string `mapstructure:"wsUrl"`
	Token   string `mapstructure:"token"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkflowConfig holds the lifecycle engine's tunables (spec.md §4.7, §6).
type WorkflowConfig struct {
	// PollIntervalMs is the Agent Task Monitor's poll interval (default 10000).
	PollIntervalMs int `mapstructure:"pollIntervalMs"`
	// IdleTimeoutMs is the Agent Task Monitor's idle timeout (default 600000).
	IdleTimeoutMs int `mapstructure:"idleTimeoutMs"`
	// FirstActivityAckTimeoutMs bounds the wait for a first activity ack (default 90000).
	FirstActivityAckTimeoutMs int `mapstructure:"firstActivityAckTimeoutMs"`
	// ReconcileCron is an optional cron expression driving the Reconciler;
	// empty means "every ReconcileIntervalMs via a plain ticker".
	ReconcileCron      string `mapstructure:"reconcileCron"`
	ReconcileIntervalMs int   `mapstructure:"reconcileIntervalMs"`
}

// ReadTimeoutDuration returns the configured read timeout as a Duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the configured write timeout as a Duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the monitor poll interval as a Duration.
func (w WorkflowConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// IdleTimeout returns the monitor idle timeout as a Duration.
func (w WorkflowConfig) IdleTimeout() time.Duration {
	return time.Duration(w.IdleTimeoutMs) * time.Millisecond
}

// FirstActivityAckTimeout returns the ack-wait timeout as a Duration.
func (w WorkflowConfig) FirstActivityAckTimeout() time.Duration {
	return time.Duration(w.FirstActivityAckTimeoutMs) * time.Millisecond
}

// ReconcileInterval returns the reconciler's plain-ticker interval as a Duration.
func (w WorkflowConfig) ReconcileInterval() time.Duration {
	return time.Duration(w.ReconcileIntervalMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./missioncontrol.db")

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("gateway.baseUrl", "http://localhost:4000")
	v.SetDefault("gateway.wsUrl", "ws://localhost:4000/events")
	v.SetDefault("gateway.token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("workflow.pollIntervalMs", 10_000)
	v.SetDefault("workflow.idleTimeoutMs", 600_000)
	v.SetDefault("workflow.firstActivityAckTimeoutMs", 90_000)
	v.SetDefault("workflow.reconcileCron", "")
	v.SetDefault("workflow.reconcileIntervalMs", 30_000)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given search path or default locations.
// Environment variables use the MC_ prefix with snake_case naming, e.g.
// MC_FIRST_ACTIVITY_ACK_TIMEOUT_MS overrides workflow.firstActivityAckTimeoutMs.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("workflow.firstActivityAckTimeoutMs", "MC_FIRST_ACTIVITY_ACK_TIMEOUT_MS")
	_ = v.BindEnv("workflow.pollIntervalMs", "MC_POLL_INTERVAL_MS")
	_ = v.BindEnv("workflow.idleTimeoutMs", "MC_IDLE_TIMEOUT_MS")
	_ = v.BindEnv("workflow.reconcileCron", "MC_RECONCILE_CRON")
	_ = v.BindEnv("events.natsUrl", "MC_EVENTS_NATS_URL")
	_ = v.BindEnv("logging.level", "MC_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/missioncontrol/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be sqlite")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Workflow.PollIntervalMs <= 0 {
		errs = append(errs, "workflow.pollIntervalMs must be positive")
	}
	if cfg.Workflow.IdleTimeoutMs <= 0 {
		errs = append(errs, "workflow.idleTimeoutMs must be positive")
	}
	if cfg.Workflow.FirstActivityAckTimeoutMs <= 0 {
		errs = append(errs, "workflow.firstActivityAckTimeoutMs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
