// Package config provides configuration management for the Kokino broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Ticket     TicketConfig     `mapstructure:"ticket"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Bootstrap  BootstrapConfig  `mapstructure:"bootstrap"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
// Host must be an IPv4 literal; binding to "localhost" can resolve to ::1
// and break local WebSocket clients on dual-stack machines.
// WriteTimeout 0 disables the write deadline. Reply long-polls hold the
// connection up to the ticket's own timeout, which is per request, so any
// fixed write deadline would cut slow replies off mid-wait.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds, 0 = none
}

// DatabaseConfig holds embedded store configuration.
// Driver is "sqlite" (default, file-backed) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	DSN      string `mapstructure:"dsn"`  // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TicketConfig holds ticket store and delivery engine configuration.
type TicketConfig struct {
	DefaultTimeoutMs int `mapstructure:"defaultTimeoutMs"` // pending -> timeout deadline
	RetentionSeconds int `mapstructure:"retentionSeconds"` // terminal ticket retention
	CleanupSeconds   int `mapstructure:"cleanupSeconds"`   // sweep interval
	RetryDelayMs     int `mapstructure:"retryDelayMs"`     // executor-busy retry delay
}

// AgentConfig holds agent registry configuration.
type AgentConfig struct {
	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"` // expected heartbeat cadence
}

// BootstrapConfig holds bootstrap orchestration configuration.
type BootstrapConfig struct {
	ScriptTimeoutSeconds int `mapstructure:"scriptTimeoutSeconds"` // custom mode subprocess timeout
	MaxOutputBytes       int `mapstructure:"maxOutputBytes"`       // custom mode stdout cap
}

// CompactionConfig holds compaction detection thresholds.
type CompactionConfig struct {
	WarningTurns      int     `mapstructure:"warningTurns"`
	CriticalTurns     int     `mapstructure:"criticalTurns"`
	WarningTokens     int     `mapstructure:"warningTokens"`
	CriticalTokens    int     `mapstructure:"criticalTokens"`
	WarningErrorRate  float64 `mapstructure:"warningErrorRate"`
	CriticalErrorRate float64 `mapstructure:"criticalErrorRate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeout returns the default ticket timeout as a time.Duration.
func (t *TicketConfig) DefaultTimeout() time.Duration {
	return time.Duration(t.DefaultTimeoutMs) * time.Millisecond
}

// Retention returns the terminal ticket retention as a time.Duration.
func (t *TicketConfig) Retention() time.Duration {
	return time.Duration(t.RetentionSeconds) * time.Second
}

// CleanupInterval returns the cleanup sweep interval as a time.Duration.
func (t *TicketConfig) CleanupInterval() time.Duration {
	return time.Duration(t.CleanupSeconds) * time.Second
}

// RetryDelay returns the executor-busy retry delay as a time.Duration.
func (t *TicketConfig) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelayMs) * time.Millisecond
}

// HeartbeatInterval returns the expected heartbeat cadence as a time.Duration.
func (a *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatIntervalMs) * time.Millisecond
}

// ScriptTimeout returns the custom bootstrap script timeout as a time.Duration.
func (b *BootstrapConfig) ScriptTimeout() time.Duration {
	return time.Duration(b.ScriptTimeoutSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: IPv4 loopback, see ServerConfig
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4820)
	v.SetDefault("server.readTimeout", 30)
	// No write deadline: reply long-polls outlive any fixed cap.
	v.SetDefault("server.writeTimeout", 0)

	// Database defaults - embedded sqlite store
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "kokino.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kokino-broker")
	v.SetDefault("nats.maxReconnects", 10)

	// Ticket defaults
	v.SetDefault("ticket.defaultTimeoutMs", 30000)
	v.SetDefault("ticket.retentionSeconds", 60)
	v.SetDefault("ticket.cleanupSeconds", 60)
	v.SetDefault("ticket.retryDelayMs", 2000)

	// Agent defaults
	v.SetDefault("agent.heartbeatIntervalMs", 15000)

	// Bootstrap defaults
	v.SetDefault("bootstrap.scriptTimeoutSeconds", 30)
	v.SetDefault("bootstrap.maxOutputBytes", 1024*1024)

	// Compaction defaults
	v.SetDefault("compaction.warningTurns", 50)
	v.SetDefault("compaction.criticalTurns", 100)
	v.SetDefault("compaction.warningTokens", 100000)
	v.SetDefault("compaction.criticalTokens", 200000)
	v.SetDefault("compaction.warningErrorRate", 0.2)
	v.SetDefault("compaction.criticalErrorRate", 0.4)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KOKINO_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kokino/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KOKINO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kokino/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.Host == "" || cfg.Server.Host == "localhost" {
		errs = append(errs, "server.host must be an IPv4 address literal")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Ticket.DefaultTimeoutMs <= 0 {
		errs = append(errs, "ticket.defaultTimeoutMs must be positive")
	}
	if cfg.Ticket.RetryDelayMs <= 0 {
		errs = append(errs, "ticket.retryDelayMs must be positive")
	}
	if cfg.Agent.HeartbeatIntervalMs <= 0 {
		errs = append(errs, "agent.heartbeatIntervalMs must be positive")
	}
	if cfg.Bootstrap.MaxOutputBytes <= 0 {
		errs = append(errs, "bootstrap.maxOutputBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
