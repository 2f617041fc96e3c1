// Package config loads the optional TOML file that tunes the orchestrator and
// its persistence for the stepwise binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/stepwise-analytics/stepwise/pkg/gateway"
)

var ErrKafkaBrokersRequired = errors.New("kafka event bus requires at least one broker")

// Duration is a time.Duration written as a string ("300ms", "24h") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Persistence  PersistenceConfig  `toml:"persistence"`
	Events       EventsConfig       `toml:"events"`
	Tracing      TracingConfig      `toml:"tracing"`
}

type OrchestratorConfig struct {
	// Debounce is how long payload edits are coalesced before a save.
	Debounce Duration `toml:"debounce" validate:"min=0"`
}

type PersistenceConfig struct {
	// LocalCacheURL is memory:// or redis://host:port/db.
	LocalCacheURL string `toml:"local_cache_url" validate:"required"`
	// RemoteURL is the snapshot API (http, https) or a repository (file, postgres).
	RemoteURL      string   `toml:"remote_url"       validate:"required"`
	CacheTTL       Duration `toml:"cache_ttl"        validate:"min=0"`
	MaxAttempts    int      `toml:"max_attempts"     validate:"min=1,max=10"`
	RetryBaseDelay Duration `toml:"retry_base_delay" validate:"min=0"`
	WriteTimeout   Duration `toml:"write_timeout"    validate:"min=0"`
	ReadTimeout    Duration `toml:"read_timeout"     validate:"min=0"`
}

type EventsConfig struct {
	Bus          string   `toml:"bus"           validate:"omitempty,oneof=none gochannel kafka"`
	KafkaBrokers []string `toml:"kafka_brokers" validate:"dive,hostname_port"`
}

type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)

	return cfg
}

// Load reads path, applies defaults and validates the result. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes TOML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Orchestrator.Debounce == 0 {
		cfg.Orchestrator.Debounce = Duration(300 * time.Millisecond)
	}

	defaults := gateway.DefaultConfig()

	if cfg.Persistence.LocalCacheURL == "" {
		cfg.Persistence.LocalCacheURL = "memory://"
	}

	if cfg.Persistence.RemoteURL == "" {
		cfg.Persistence.RemoteURL = "http://localhost:9091"
	}

	if cfg.Persistence.CacheTTL == 0 {
		cfg.Persistence.CacheTTL = Duration(24 * time.Hour)
	}

	if cfg.Persistence.MaxAttempts == 0 {
		cfg.Persistence.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.Persistence.RetryBaseDelay == 0 {
		cfg.Persistence.RetryBaseDelay = Duration(defaults.BaseDelay)
	}

	if cfg.Persistence.WriteTimeout == 0 {
		cfg.Persistence.WriteTimeout = Duration(defaults.WriteTimeout)
	}

	if cfg.Persistence.ReadTimeout == 0 {
		cfg.Persistence.ReadTimeout = Duration(defaults.ReadTimeout)
	}

	if cfg.Events.Bus == "" {
		cfg.Events.Bus = "none"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "stepwise"
	}
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Events.Bus == "kafka" && len(c.Events.KafkaBrokers) == 0 {
		return ErrKafkaBrokersRequired
	}

	return nil
}

// Gateway converts the persistence section into the gateway's write policy.
func (p PersistenceConfig) Gateway() gateway.Config {
	return gateway.Config{
		MaxAttempts:  p.MaxAttempts,
		BaseDelay:    p.RetryBaseDelay.Std(),
		WriteTimeout: p.WriteTimeout.Std(),
		ReadTimeout:  p.ReadTimeout.Std(),
	}
}
