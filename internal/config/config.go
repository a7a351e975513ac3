package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Remote mirror drivers.
const (
	RemoteAuto     = "auto"
	RemoteNone     = "none"
	RemoteMemory   = "memory"
	RemoteREST     = "rest"
	RemotePostgres = "postgres"
)

// Config holds the configuration for the relay server.
// Environment variables are parsed from the RELAY_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`

	// Device identity reported by /status; DeviceID is generated and persisted when empty.
	DeviceID   string `envconfig:"DEVICE_ID" default:""`
	DeviceName string `envconfig:"DEVICE_NAME" default:"relay"`
	AppVersion string `envconfig:"APP_VERSION" default:"dev"`

	// HTTP Configuration
	HTTPPort     int    `envconfig:"HTTP_PORT" default:"8765"`
	BindAddress  string `envconfig:"BIND_ADDRESS" default:"0.0.0.0"`
	PairingToken string `envconfig:"PAIRING_TOKEN" default:""`

	// Local store; empty DataDir resolves through localstate.
	DataDir string `envconfig:"DATA_DIR" default:""`

	// Remote mirror
	RemoteDriver  string        `envconfig:"REMOTE_DRIVER" default:"auto"`
	RemoteURL     string        `envconfig:"REMOTE_URL" default:""`
	RemoteAPIKey  string        `envconfig:"REMOTE_API_KEY" default:""`
	RemoteDSN     string        `envconfig:"REMOTE_DSN" default:""`
	RemoteTimeout time.Duration `envconfig:"REMOTE_TIMEOUT" default:"10s"`
	RealtimeFeed  bool          `envconfig:"REALTIME_FEED" default:"true"`

	// Reconciler
	PushInterval    time.Duration `envconfig:"PUSH_INTERVAL" default:"2s"`
	PullInterval    time.Duration `envconfig:"PULL_INTERVAL" default:"30s"`
	PushBatchSize   int           `envconfig:"PUSH_BATCH_SIZE" default:"100"`
	MaxSyncAttempts int           `envconfig:"MAX_SYNC_ATTEMPTS" default:"8"`
	ConflictPolicy  string        `envconfig:"CONFLICT_POLICY" default:"version"`

	// Stream broker
	SubscriberBuffer int `envconfig:"SUBSCRIBER_BUFFER" default:"256"`

	// Inference collaborator
	InferenceDriver string `envconfig:"INFERENCE_DRIVER" default:"echo"`
	InferenceURL    string `envconfig:"INFERENCE_URL" default:"http://127.0.0.1:11434/v1"`
	InferenceModel  string `envconfig:"INFERENCE_MODEL" default:"llama3.2"`
	InferenceAPIKey string `envconfig:"INFERENCE_API_KEY" default:""`

	// Health
	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"10"`
	HealthProbeTimeoutSeconds int `envconfig:"HEALTH_PROBE_TIMEOUT_SECONDS" default:"2"`
}

// ResolveDefaults validates enums and derives RemoteDriver when set to "auto" or empty.
func (c *Config) ResolveDefaults() error {
	if c.RemoteDriver == "" || c.RemoteDriver == RemoteAuto {
		switch {
		case c.RemoteURL != "":
			c.RemoteDriver = RemoteREST
		case c.RemoteDSN != "":
			c.RemoteDriver = RemotePostgres
		default:
			c.RemoteDriver = RemoteNone
		}
	}

	switch c.RemoteDriver {
	case RemoteNone, RemoteMemory:
	case RemoteREST:
		if c.RemoteURL == "" {
			return fmt.Errorf("REMOTE_URL is required for remote driver %q", c.RemoteDriver)
		}
	case RemotePostgres:
		if c.RemoteDSN == "" {
			return fmt.Errorf("REMOTE_DSN is required for remote driver %q", c.RemoteDriver)
		}
	default:
		return fmt.Errorf("unsupported REMOTE_DRIVER: %s", c.RemoteDriver)
	}

	switch c.ConflictPolicy {
	case "version", "wallclock":
	default:
		return fmt.Errorf("unsupported CONFLICT_POLICY: %s", c.ConflictPolicy)
	}

	switch c.InferenceDriver {
	case "echo", "openai":
	default:
		return fmt.Errorf("unsupported INFERENCE_DRIVER: %s", c.InferenceDriver)
	}

	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be positive")
	}
	if c.MaxSyncAttempts <= 0 {
		return fmt.Errorf("MAX_SYNC_ATTEMPTS must be positive")
	}
	return nil
}

// New creates a new Config by parsing environment variables
// prefixed with RELAY_, e.g. RELAY_HTTP_PORT, RELAY_REMOTE_URL.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("RELAY", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("device_name", cfg.DeviceName).
		Int("port", cfg.HTTPPort).
		Str("remote_driver", cfg.RemoteDriver).
		Bool("realtime_feed", cfg.RealtimeFeed).
		Dur("push_interval", cfg.PushInterval).
		Dur("pull_interval", cfg.PullInterval).
		Str("conflict_policy", cfg.ConflictPolicy).
		Str("inference_driver", cfg.InferenceDriver).
		Bool("pairing_required", cfg.PairingToken != "").
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	cfg := &Config{
		Environment: EnvTesting,
		DeviceID:    "test-device",
		DeviceName:  "test",
		AppVersion:  "test",
	}

	cfg.HTTPPort = 8765
	cfg.BindAddress = "127.0.0.1"

	cfg.RemoteDriver = RemoteMemory
	cfg.RemoteTimeout = 2 * time.Second
	cfg.RealtimeFeed = true

	cfg.PushInterval = 50 * time.Millisecond
	cfg.PullInterval = 100 * time.Millisecond
	cfg.PushBatchSize = 100
	cfg.MaxSyncAttempts = 3
	cfg.ConflictPolicy = "version"

	cfg.SubscriberBuffer = 64
	cfg.InferenceDriver = "echo"

	cfg.HealthIntervalSeconds = 1
	cfg.HealthProbeTimeoutSeconds = 1
	return cfg
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.HTTPPort)
}

// SyncEnabled reports whether a remote mirror is configured.
func (c *Config) SyncEnabled() bool {
	return c.RemoteDriver != RemoteNone
}
