// Package config provides configuration management for Stoneforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Stoneforge daemon.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Session   SessionConfig   `mapstructure:"session"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Playbooks PlaybooksConfig `mapstructure:"playbooks"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig holds the embedded database configuration.
type StorageConfig struct {
	// Path is the SQLite database file, or ":memory:" for an ephemeral store.
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DaemonConfig holds dispatch daemon configuration.
type DaemonConfig struct {
	TickInterval       time.Duration `mapstructure:"tickInterval"`
	MaxSessionDuration time.Duration `mapstructure:"maxSessionDuration"` // 0 disables reaping
	RetryLimit         int           `mapstructure:"retryLimit"`
	GCEveryTicks       int           `mapstructure:"gcEveryTicks"`
	GCMaxAge           time.Duration `mapstructure:"gcMaxAge"`
	GCLimit            int           `mapstructure:"gcLimit"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdownTimeout"`
	// Actor is the entity id recorded on daemon-initiated mutations.
	Actor string `mapstructure:"actor"`
}

// SessionConfig holds agent session configuration.
type SessionConfig struct {
	// Command is the agent binary implementing the spawn contract.
	Command string `mapstructure:"command"`
	// Args are prepended to every invocation, before contract flags.
	Args                []string      `mapstructure:"args"`
	SpawnTimeout        time.Duration `mapstructure:"spawnTimeout"`
	GracefulStopTimeout time.Duration `mapstructure:"gracefulStopTimeout"`
	EventBuffer         int           `mapstructure:"eventBuffer"`
}

// WorktreeConfig holds git worktree configuration.
type WorktreeConfig struct {
	// Root is the workspace root containing the git repository.
	Root         string `mapstructure:"root"`
	BaseRef      string `mapstructure:"baseRef"`
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// PlaybooksConfig holds playbook loading configuration.
type PlaybooksConfig struct {
	Dir string `mapstructure:"dir"`
}

// OpsConfig holds the optional health/stats endpoint configuration.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("STONEFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.path", "stoneforge.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "stoneforged")
	v.SetDefault("nats.maxReconnects", 10)

	// Daemon defaults
	v.SetDefault("daemon.tickInterval", 2*time.Second)
	v.SetDefault("daemon.maxSessionDuration", time.Duration(0))
	v.SetDefault("daemon.retryLimit", 3)
	v.SetDefault("daemon.gcEveryTicks", 150)
	v.SetDefault("daemon.gcMaxAge", 7*24*time.Hour)
	v.SetDefault("daemon.gcLimit", 50)
	v.SetDefault("daemon.shutdownTimeout", 30*time.Second)
	v.SetDefault("daemon.actor", "el-daemon")

	// Session defaults
	v.SetDefault("session.command", "mock-agent")
	v.SetDefault("session.args", []string{})
	v.SetDefault("session.spawnTimeout", 30*time.Second)
	v.SetDefault("session.gracefulStopTimeout", 10*time.Second)
	v.SetDefault("session.eventBuffer", 100)

	// Worktree defaults
	v.SetDefault("worktree.root", ".")
	v.SetDefault("worktree.baseRef", "main")
	v.SetDefault("worktree.branchPrefix", "stoneforge/")

	// Playbooks defaults
	v.SetDefault("playbooks.dir", "")

	// Ops endpoint defaults
	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.addr", "127.0.0.1:7171")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STONEFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/stoneforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("STONEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("daemon.tickInterval", "STONEFORGE_DAEMON_TICK_INTERVAL")
	_ = v.BindEnv("daemon.maxSessionDuration", "STONEFORGE_DAEMON_MAX_SESSION_DURATION")
	_ = v.BindEnv("session.command", "STONEFORGE_SESSION_COMMAND")
	_ = v.BindEnv("worktree.baseRef", "STONEFORGE_WORKTREE_BASE_REF")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stoneforge/")

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

	if cfg.Storage.Path == "" {
		errs = append(errs, "storage.path is required (file path or :memory:)")
	}

	if cfg.Daemon.TickInterval <= 0 {
		errs = append(errs, "daemon.tickInterval must be positive")
	}
	if cfg.Daemon.RetryLimit < 0 {
		errs = append(errs, "daemon.retryLimit must be >= 0")
	}
	if cfg.Daemon.GCEveryTicks <= 0 {
		errs = append(errs, "daemon.gcEveryTicks must be positive")
	}
	if cfg.Daemon.Actor == "" {
		errs = append(errs, "daemon.actor is required")
	}

	if cfg.Session.Command == "" {
		errs = append(errs, "session.command is required")
	}
	if cfg.Session.SpawnTimeout <= 0 {
		errs = append(errs, "session.spawnTimeout must be positive")
	}
	if cfg.Session.GracefulStopTimeout <= 0 {
		errs = append(errs, "session.gracefulStopTimeout must be positive")
	}

	if cfg.Worktree.Root == "" {
		errs = append(errs, "worktree.root is required")
	}
	if cfg.Worktree.BaseRef == "" {
		errs = append(errs, "worktree.baseRef is required")
	}

	if cfg.Ops.Enabled && cfg.Ops.Addr == "" {
		errs = append(errs, "ops.addr is required when ops.enabled is set")
	}

	// Logging validation
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
