package config

import "time"

// Config represents the complete pingwatch configuration
type Config struct {
	Sweep     SweepConfig     `yaml:"sweep" toml:"sweep"`
	Registry  RegistryConfig  `yaml:"registry" toml:"registry"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	API       APIConfig       `yaml:"api" toml:"api"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// SweepConfig contains the liveness policy tunables
type SweepConfig struct {
	Interval                 time.Duration `yaml:"interval" toml:"interval"`
	ResponseTimeout          time.Duration `yaml:"response_timeout" toml:"response_timeout"`
	HeartbeatFreshnessWindow time.Duration `yaml:"heartbeat_freshness_window" toml:"heartbeat_freshness_window"`
	DispatchPacing           time.Duration `yaml:"dispatch_pacing" toml:"dispatch_pacing"`
	OperationTimeout         time.Duration `yaml:"operation_timeout" toml:"operation_timeout"`
	Concurrency              int           `yaml:"concurrency" toml:"concurrency"`
}

// RegistryConfig selects the device registry backend
type RegistryConfig struct {
	Driver   string         `yaml:"driver" toml:"driver"` // "memory" or "postgres"
	SeedFile string         `yaml:"seed_file,omitempty" toml:"seed_file"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" toml:"postgres"`
}

// PostgresConfig defines the PostgreSQL connection
type PostgresConfig struct {
	Host            string `yaml:"host" toml:"host"`
	Port            int    `yaml:"port" toml:"port"`
	Database        string `yaml:"database" toml:"database"`
	Username        string `yaml:"username" toml:"username"`
	PasswordEnv     string `yaml:"password_env,omitempty" toml:"password_env"`
	SSLMode         string `yaml:"sslmode,omitempty" toml:"sslmode"`
	MaxConns        int32  `yaml:"max_conns,omitempty" toml:"max_conns"`
	ApplicationName string `yaml:"application_name,omitempty" toml:"application_name"`
}

// TransportConfig selects the push transport
type TransportConfig struct {
	Type    string        `yaml:"type" toml:"type"` // "gateway", "nats" or "log"
	Gateway GatewayConfig `yaml:"gateway,omitempty" toml:"gateway"`
	NATS    NATSConfig    `yaml:"nats,omitempty" toml:"nats"`
}

// GatewayConfig defines the HTTP push gateway
type GatewayConfig struct {
	URL       string        `yaml:"url" toml:"url"`
	APIKeyEnv string        `yaml:"api_key_env,omitempty" toml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout,omitempty" toml:"timeout"`
}

// NATSConfig defines the NATS request/reply push bridge
type NATSConfig struct {
	URL     string        `yaml:"url" toml:"url"`
	Subject string        `yaml:"subject" toml:"subject"`
	Timeout time.Duration `yaml:"timeout,omitempty" toml:"timeout"`
}

// EventsConfig defines transition event publishing
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	NATSURL       string `yaml:"nats_url,omitempty" toml:"nats_url"`
	Stream        string `yaml:"stream,omitempty" toml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty" toml:"subject_prefix"`
}

// APIConfig defines the HTTP API listener
type APIConfig struct {
	Port string `yaml:"port" toml:"port"`
	// APIKeyEnv names the variable holding the X-Api-Key required on writes.
	// Unset disables the check.
	APIKeyEnv string `yaml:"api_key_env" toml:"api_key_env"`
}

// LoggingConfig defines log output settings
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}
