package config

import (
	"os"
	"testing"
)

func unsetRemoteEnv() {
	_ = os.Unsetenv("RELAY_REMOTE_DRIVER")
	_ = os.Unsetenv("RELAY_REMOTE_URL")
	_ = os.Unsetenv("RELAY_REMOTE_DSN")
	_ = os.Unsetenv("RELAY_CONFLICT_POLICY")
}

func TestConfigLoad_Defaults(t *testing.T) {
	unsetRemoteEnv()
	_ = os.Unsetenv("RELAY_HTTP_PORT")

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.HTTPPort != 8765 || cfg.RemoteDriver != RemoteNone || cfg.ConflictPolicy != "version" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SyncEnabled() {
		t.Fatalf("sync should be disabled without a remote")
	}
}

func TestConfigLoad_PortEnvOverride(t *testing.T) {
	_ = os.Setenv("RELAY_HTTP_PORT", "9999")
	defer func() { _ = os.Unsetenv("RELAY_HTTP_PORT") }()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.HTTPPort != 9999 {
		t.Fatalf("port env override failed, got %d", cfg.HTTPPort)
	}
}

func TestResolveDefaults_AutoREST(t *testing.T) {
	unsetRemoteEnv()
	_ = os.Setenv("RELAY_REMOTE_URL", "https://mirror.example.test")
	defer unsetRemoteEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.RemoteDriver != RemoteREST {
		t.Fatalf("expected rest driver, got %s", cfg.RemoteDriver)
	}
}

func TestResolveDefaults_AutoPostgres(t *testing.T) {
	unsetRemoteEnv()
	_ = os.Setenv("RELAY_REMOTE_DSN", "postgres://relay@localhost/relay")
	defer unsetRemoteEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.RemoteDriver != RemotePostgres {
		t.Fatalf("expected postgres driver, got %s", cfg.RemoteDriver)
	}
}

func TestResolveDefaults_Invalid(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown driver":     func(c *Config) { c.RemoteDriver = "spanner" },
		"rest without url":   func(c *Config) { c.RemoteDriver = RemoteREST },
		"pg without dsn":     func(c *Config) { c.RemoteDriver = RemotePostgres },
		"bad policy":         func(c *Config) { c.ConflictPolicy = "random" },
		"bad inference":      func(c *Config) { c.InferenceDriver = "magic" },
		"zero buffer":        func(c *Config) { c.SubscriberBuffer = 0 },
		"zero sync attempts": func(c *Config) { c.MaxSyncAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewForTesting()
			mutate(cfg)
			if err := cfg.ResolveDefaults(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewForTesting_Valid(t *testing.T) {
	cfg := NewForTesting()
	if err := cfg.ResolveDefaults(); err != nil {
		t.Fatalf("testing config invalid: %v", err)
	}
	if !cfg.IsTesting() || cfg.GetHTTPAddr() != "127.0.0.1:8765" {
		t.Fatalf("unexpected testing config: %+v", cfg)
	}
}
