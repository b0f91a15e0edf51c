package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"bizmsg/internal/constants"
	"bizmsg/internal/database"
	"bizmsg/internal/models"
	"bizmsg/internal/security"
	"bizmsg/internal/validation"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingAPIURL    = models.ConfigError{Message: "missing messaging API base URL"}
	ErrMissingDBPath    = models.ConfigError{Message: "missing storage path"}
	ErrMissingRedisAddr = models.ConfigError{Message: "missing Redis address"}
)

// Environment variables that override file settings.
const (
	EnvAPIURL      = "BIZMSG_API_URL"
	EnvAPIToken    = "BIZMSG_API_TOKEN"
	EnvDBPath      = "BIZMSG_DB_PATH"
	EnvRedisAddr   = "BIZMSG_REDIS_ADDR"
	EnvControlKey  = "BIZMSG_CONTROL_TOKEN"
	EnvEnvironment = "BIZMSG_ENV"
	EnvPort        = "PORT"
)

// LoadConfig reads a JSON, TOML or YAML file, chosen by extension, applies defaults
// and environment overrides, and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := decode(path, file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func decode(path string, data []byte, config *models.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, config)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(config)
	case ".json", "":
		return json.Unmarshal(data, config)
	default:
		return models.ConfigError{Message: fmt.Sprintf("unsupported config format %q", filepath.Ext(path))}
	}
}

func validate(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid messaging API base URL: %s", c.API.BaseURL)}
	}

	switch c.API.Mode {
	case "":
		c.API.Mode = models.DeliveryModeDirect
	case models.DeliveryModeDirect, models.DeliveryModeRelay:
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown delivery mode: %s", c.API.Mode)}
	}
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if err := validation.ValidateTimeout(c.API.TimeoutSec, "api.timeout_sec"); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = models.StorageBackendSQLite
		fallthrough
	case models.StorageBackendSQLite:
		if c.Storage.Path == "" {
			return ErrMissingDBPath
		}
	case models.StorageBackendRedis:
		if c.Storage.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	case models.StorageBackendMemory:
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown storage backend: %s", c.Storage.Backend)}
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = constants.DefaultStorageKeyPrefix
	}

	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.Queue.SyncIntervalSec <= 0 {
		c.Queue.SyncIntervalSec = constants.DefaultSyncIntervalSec
	}
	if c.Queue.Foreground == nil {
		foreground := true
		c.Queue.Foreground = &foreground
	}
	backoff := &c.Queue.RetryBackoff
	if backoff.InitialDelayMs < 0 || backoff.MaxDelayMs < 0 || backoff.Multiplier < 0 {
		return models.ConfigError{Message: "retry backoff values must not be negative"}
	}
	if backoff.InitialDelayMs > 0 && backoff.MaxDelayMs == 0 {
		backoff.MaxDelayMs = constants.DefaultRetryBackoffMaxMs
	}
	if backoff.InitialDelayMs > 0 && backoff.Multiplier == 0 {
		backoff.Multiplier = constants.DefaultBackoffMultiplier
	}

	if c.Connectivity.ProbeURL != "" {
		u, err := url.Parse(c.Connectivity.ProbeURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return models.ConfigError{Message: fmt.Sprintf("connectivity probe URL must be ws:// or wss://: %s", c.Connectivity.ProbeURL)}
		}
	}
	if c.Connectivity.ProbeIntervalSec <= 0 {
		c.Connectivity.ProbeIntervalSec = constants.DefaultProbeIntervalSec
	}

	if c.CircuitBreaker.MaxFailures <= 0 {
		c.CircuitBreaker.MaxFailures = constants.DefaultCircuitMaxFailures
	}
	if c.CircuitBreaker.ResetTimeoutSec <= 0 {
		c.CircuitBreaker.ResetTimeoutSec = constants.DefaultCircuitResetTimeoutSec
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if err := validation.ValidateNumericRange(c.Server.Port, "server.port", 1, 65535); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample_rate must be between 0 and 1"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv(EnvAPIURL); url != "" {
		c.API.BaseURL = url
	}

	// SECURITY: the API token should be set via environment variables
	if token := os.Getenv(EnvAPIToken); token != "" {
		c.API.Token = token
	}

	if token := os.Getenv(EnvControlKey); token != "" {
		c.Server.AuthToken = token
	}

	if path := os.Getenv(EnvDBPath); path != "" {
		c.Storage.Path = path
	}
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		c.Storage.RedisAddr = addr
	}
	if port := os.Getenv(EnvPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		} else {
			fmt.Fprintf(os.Stderr, "WARNING: ignoring invalid %s value %q\n", EnvPort, port)
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if c.Storage.Encrypt && os.Getenv(database.EncryptionSecretEnv) == "" {
		return models.ConfigError{Message: fmt.Sprintf("storage encryption is enabled but %s is not set", database.EncryptionSecretEnv)}
	}

	isProduction := os.Getenv(EnvEnvironment) == "production"

	if isProduction {
		if c.API.Token == "" {
			return models.ConfigError{Message: fmt.Sprintf("messaging API token is required in production (set %s environment variable)", EnvAPIToken)}
		}
		if strings.HasPrefix(c.API.BaseURL, "http://") {
			return models.ConfigError{Message: "messaging API must use https in production"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.API.Token == "" {
		fmt.Fprintf(os.Stderr, "WARNING: messaging API token not set. Set %s environment variable.\n", EnvAPIToken)
	}

	return nil
}
