package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Registry drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Transport types
const (
	TransportGateway = "gateway"
	TransportNATS    = "nats"
	TransportLog     = "log"
)

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	// Relative seed files resolve against the config directory
	if cfg.Registry.SeedFile != "" && !filepath.IsAbs(cfg.Registry.SeedFile) {
		cfg.Registry.SeedFile = filepath.Join(filepath.Dir(path), cfg.Registry.SeedFile)
	}

	ApplyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields
func ApplyDefaults(cfg *Config) {
	if cfg.Sweep.Interval == 0 {
		cfg.Sweep.Interval = 5 * time.Minute
	}
	if cfg.Sweep.ResponseTimeout == 0 {
		cfg.Sweep.ResponseTimeout = 3 * time.Minute
	}
	if cfg.Sweep.HeartbeatFreshnessWindow == 0 {
		cfg.Sweep.HeartbeatFreshnessWindow = 3 * time.Minute
	}
	if cfg.Sweep.DispatchPacing == 0 {
		cfg.Sweep.DispatchPacing = 50 * time.Millisecond
	}
	if cfg.Sweep.OperationTimeout == 0 {
		cfg.Sweep.OperationTimeout = 10 * time.Second
	}
	if cfg.Sweep.Concurrency == 0 {
		cfg.Sweep.Concurrency = 16
	}

	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = DriverMemory
	}
	if cfg.Registry.Driver == DriverPostgres {
		if cfg.Registry.Postgres.Port == 0 {
			cfg.Registry.Postgres.Port = 5432
		}
		if cfg.Registry.Postgres.SSLMode == "" {
			cfg.Registry.Postgres.SSLMode = "disable"
		}
		if cfg.Registry.Postgres.ApplicationName == "" {
			cfg.Registry.Postgres.ApplicationName = "pingwatch"
		}
	}

	if cfg.Transport.Type == "" {
		cfg.Transport.Type = TransportLog
	}
	if cfg.Transport.Gateway.Timeout == 0 {
		cfg.Transport.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Transport.NATS.Timeout == 0 {
		cfg.Transport.NATS.Timeout = 5 * time.Second
	}
	if cfg.Transport.NATS.Subject == "" {
		cfg.Transport.NATS.Subject = "push.send"
	}

	if cfg.Events.Stream == "" {
		cfg.Events.Stream = "LIVENESS"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "liveness.transitions"
	}

	if cfg.API.Port == "" {
		cfg.API.Port = "8088"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	sw := cfg.Sweep
	if sw.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if sw.ResponseTimeout <= 0 {
		return fmt.Errorf("sweep.response_timeout must be positive")
	}
	if sw.HeartbeatFreshnessWindow <= 0 {
		return fmt.Errorf("sweep.heartbeat_freshness_window must be positive")
	}
	if sw.DispatchPacing < 0 {
		return fmt.Errorf("sweep.dispatch_pacing must not be negative")
	}
	if sw.OperationTimeout <= 0 {
		return fmt.Errorf("sweep.operation_timeout must be positive")
	}
	if sw.Concurrency <= 0 {
		return fmt.Errorf("sweep.concurrency must be positive")
	}
	// Each cycle re-probes, so a probe must be able to expire within one interval.
	if sw.Interval < sw.ResponseTimeout {
		return fmt.Errorf("sweep.interval (%s) must be at least sweep.response_timeout (%s)", sw.Interval, sw.ResponseTimeout)
	}

	switch cfg.Registry.Driver {
	case DriverMemory:
	case DriverPostgres:
		pg := cfg.Registry.Postgres
		if pg.Host == "" {
			return fmt.Errorf("registry.postgres.host is required")
		}
		if pg.Database == "" {
			return fmt.Errorf("registry.postgres.database is required")
		}
	default:
		return fmt.Errorf("registry.driver must be 'memory' or 'postgres', got %q", cfg.Registry.Driver)
	}

	switch cfg.Transport.Type {
	case TransportLog:
	case TransportGateway:
		if cfg.Transport.Gateway.URL == "" {
			return fmt.Errorf("transport.gateway.url is required")
		}
	case TransportNATS:
		if cfg.Transport.NATS.URL == "" {
			return fmt.Errorf("transport.nats.url is required")
		}
	default:
		return fmt.Errorf("transport.type must be 'gateway', 'nats' or 'log', got %q", cfg.Transport.Type)
	}

	if cfg.Events.Enabled && cfg.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is required when events are enabled")
	}

	return nil
}

// PostgresPassword resolves the password from its environment variable
func (c *Config) PostgresPassword() string {
	if c.Registry.Postgres.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Registry.Postgres.PasswordEnv)
}

// GatewayAPIKey resolves the gateway API key from its environment variable
func (c *Config) GatewayAPIKey() string {
	if c.Transport.Gateway.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Transport.Gateway.APIKeyEnv)
}

// APIKey resolves the key callers must present on API writes
func (c *Config) APIKey() string {
	if c.API.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.API.APIKeyEnv)
}
