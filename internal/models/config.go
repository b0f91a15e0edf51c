package models

// Config holds the application configuration
type Config struct {
	API            APIConfig            `json:"api" toml:"api" yaml:"api"`
	Storage        StorageConfig        `json:"storage" toml:"storage" yaml:"storage"`
	Queue          QueueConfig          `json:"queue" toml:"queue" yaml:"queue"`
	Connectivity   ConnectivityConfig   `json:"connectivity" toml:"connectivity" yaml:"connectivity"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" toml:"circuit_breaker" yaml:"circuit_breaker"`
	Server         ServerConfig         `json:"server" toml:"server" yaml:"server"`
	Tracing        TracingConfig        `json:"tracing" toml:"tracing" yaml:"tracing"`
	LogLevel       string               `json:"log_level" toml:"log_level" yaml:"log_level"`
}

// DeliveryMode selects how queued messages reach the server.
type DeliveryMode string

const (
	// DeliveryModeDirect posts each message to the conversation's message endpoint.
	DeliveryModeDirect DeliveryMode = "direct"
	// DeliveryModeRelay hands each message to the server-side offline queue.
	DeliveryModeRelay DeliveryMode = "relay"
)

// APIConfig holds messaging API related configurations
type APIConfig struct {
	BaseURL    string       `json:"base_url" toml:"base_url" yaml:"base_url"`
	Token      string       `json:"token" toml:"token" yaml:"token"`
	TimeoutSec int          `json:"timeout_sec" toml:"timeout_sec" yaml:"timeout_sec"`
	Mode       DeliveryMode `json:"mode" toml:"mode" yaml:"mode"`
}

// StorageBackend selects the key-value store behind the durable queue.
type StorageBackend string

const (
	StorageBackendSQLite StorageBackend = "sqlite"
	StorageBackendRedis  StorageBackend = "redis"
	// StorageBackendMemory keeps the queue in process memory only.
	StorageBackendMemory StorageBackend = "memory"
)

// StorageConfig holds durable queue storage configuration
type StorageConfig struct {
	Backend   StorageBackend `json:"backend" toml:"backend" yaml:"backend"`
	Path      string         `json:"path" toml:"path" yaml:"path"`
	RedisAddr string         `json:"redis_addr" toml:"redis_addr" yaml:"redis_addr"`
	RedisDB   int            `json:"redis_db" toml:"redis_db" yaml:"redis_db"`
	KeyPrefix string         `json:"key_prefix" toml:"key_prefix" yaml:"key_prefix"`
	// Encrypt enables at-rest encryption of stored values. The secret comes from
	// BIZMSG_ENCRYPTION_SECRET.
	Encrypt bool `json:"encrypt" toml:"encrypt" yaml:"encrypt"`
}

// QueueConfig holds offline queue behaviour
type QueueConfig struct {
	MaxAttempts     int                `json:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
	SyncIntervalSec int                `json:"sync_interval_sec" toml:"sync_interval_sec" yaml:"sync_interval_sec"`
	Foreground      *bool              `json:"foreground,omitempty" toml:"foreground,omitempty" yaml:"foreground,omitempty"`
	RetryBackoff    RetryBackoffConfig `json:"retry_backoff" toml:"retry_backoff" yaml:"retry_backoff"`
}

// RetryBackoffConfig configures per-message retry spacing. A zero InitialDelayMs
// disables it and every drain retries every retryable message.
type RetryBackoffConfig struct {
	InitialDelayMs int     `json:"initial_delay_ms" toml:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms" toml:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier" toml:"multiplier" yaml:"multiplier"`
	Jitter         bool    `json:"jitter" toml:"jitter" yaml:"jitter"`
}

// ConnectivityConfig configures the network connectivity signal
type ConnectivityConfig struct {
	// ProbeURL is a WebSocket endpoint; an open connection means online. Empty
	// means connectivity is only set manually through the control API.
	ProbeURL         string `json:"probe_url" toml:"probe_url" yaml:"probe_url"`
	ProbeIntervalSec int    `json:"probe_interval_sec" toml:"probe_interval_sec" yaml:"probe_interval_sec"`
	InitiallyOnline  bool   `json:"initially_online" toml:"initially_online" yaml:"initially_online"`
}

// CircuitBreakerConfig configures the delivery circuit breaker
type CircuitBreakerConfig struct {
	MaxFailures     int `json:"max_failures" toml:"max_failures" yaml:"max_failures"`
	ResetTimeoutSec int `json:"reset_timeout_sec" toml:"reset_timeout_sec" yaml:"reset_timeout_sec"`
}

// ServerConfig holds the local control API configuration
type ServerConfig struct {
	Port int `json:"port" toml:"port" yaml:"port"`
	// AuthToken protects the control API. Empty disables authentication.
	AuthToken string `json:"auth_token" toml:"auth_token" yaml:"auth_token"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled" toml:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" toml:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" toml:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" toml:"environment" yaml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" toml:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" toml:"sample_rate" yaml:"sample_rate"`
	UseStdout      bool    `json:"use_stdout" toml:"use_stdout" yaml:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
