// Package config loads the coordinator's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/relay/internal/blueprint"
)

// Event bus backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Config holds coordinator configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// PollTimeout bounds how long a runner poll is held open.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// HeartbeatTimeout is how long a runner stays online without a heartbeat.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// DemandTimeout bounds how long a run with demands may stay pending.
	DemandTimeout time.Duration `yaml:"demand_timeout"`
	// SweepInterval is the period of the timeout and staleness sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// AuditDB is the sqlite path of the audit log. Empty disables it.
	AuditDB string `yaml:"audit_db"`

	Log        LogConfig                      `yaml:"log"`
	Events     EventsConfig                   `yaml:"events"`
	Blueprints map[string]blueprint.Blueprint `yaml:"blueprints"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EventsConfig selects where lifecycle events are published.
type EventsConfig struct {
	Backend string `yaml:"backend"`
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen:           "127.0.0.1:7466",
		PollTimeout:      30 * time.Second,
		HeartbeatTimeout: 120 * time.Second,
		DemandTimeout:    5 * time.Minute,
		SweepInterval:    5 * time.Second,
		AuditDB:          "~/.relay/audit.db",
		Log:              LogConfig{Level: "info", Format: "text"},
		Events:           EventsConfig{Backend: BackendMemory, Subject: "relay.events"},
	}
}

// DefaultPath returns ~/.relay/relay.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(home, ".relay", "relay.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.AuditDB = ExpandHome(cfg.AuditDB)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.AuditDB = ExpandHome(cfg.AuditDB)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"poll_timeout":      c.PollTimeout,
		"heartbeat_timeout": c.HeartbeatTimeout,
		"demand_timeout":    c.DemandTimeout,
		"sweep_interval":    c.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	switch c.Events.Backend {
	case BackendMemory:
	case BackendNATS, BackendRedis:
		if c.Events.URL == "" {
			return fmt.Errorf("events.url is required for backend %q", c.Events.Backend)
		}
	default:
		return fmt.Errorf("invalid events backend %q, must be: memory, nats, or redis", c.Events.Backend)
	}

	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be: text or json", c.Log.Format)
	}
	return nil
}

// Logger builds the slog logger described by c.Log. An invalid level falls
// back to info; Validate reports it.
func (c *Config) Logger() *slog.Logger {
	logger, err := c.Log.NewLogger()
	if err != nil {
		return LogConfig{Format: c.Log.Format}.mustLogger()
	}
	return logger
}

// NewLogger builds a logger writing to stderr in the configured format.
func (l LogConfig) NewLogger() (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, must be: text or json", l.Format)
	}
}

func (l LogConfig) mustLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
