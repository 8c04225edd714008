package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() unexpected error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("default port = %s, want 8080", cfg.Server.Port)
	}
	if cfg.Server.HealthPort != "9090" {
		t.Errorf("default health port = %s, want 9090", cfg.Server.HealthPort)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("default storage type = %s, want memory", cfg.Storage.Type)
	}
	if cfg.RateLimit.SweepInterval != time.Minute {
		t.Errorf("default sweep interval = %s, want 1m", cfg.RateLimit.SweepInterval)
	}
	if cfg.Webhooks.Workers != 8 {
		t.Errorf("default webhook workers = %d, want 8", cfg.Webhooks.Workers)
	}
	if cfg.Production {
		t.Error("production should default to false")
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "9999")
	t.Setenv("GATEWAY_STORAGE_TYPE", "sqlite")
	t.Setenv("GATEWAY_SQLITE_PATH", "/tmp/keys.db")
	t.Setenv("GATEWAY_WEBHOOK_TIMEOUT", "3s")
	t.Setenv("GATEWAY_PRODUCTION", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() unexpected error: %v", err)
	}

	if cfg.Server.Port != "9999" {
		t.Errorf("port = %s, want 9999", cfg.Server.Port)
	}
	if cfg.Storage.Type != "sqlite" || cfg.Storage.SQLitePath != "/tmp/keys.db" {
		t.Errorf("storage = %+v, want sqlite at /tmp/keys.db", cfg.Storage)
	}
	if cfg.Webhooks.DeliveryTimeout != 3*time.Second {
		t.Errorf("webhook timeout = %s, want 3s", cfg.Webhooks.DeliveryTimeout)
	}
	if !cfg.Production {
		t.Error("production should be true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: true,
		},
		{
			name:    "port collision with health port",
			mutate:  func(c *Config) { c.Server.HealthPort = c.Server.Port },
			wantErr: true,
		},
		{
			name:    "port collision with admin port",
			mutate:  func(c *Config) { c.Server.AdminPort = c.Server.Port },
			wantErr: true,
		},
		{
			name:    "unknown storage type",
			mutate:  func(c *Config) { c.Storage.Type = "cassandra" },
			wantErr: true,
		},
		{
			name:    "postgres without URL",
			mutate:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: true,
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Storage.Type = "sqlite"; c.Storage.SQLitePath = "" },
			wantErr: true,
		},
		{
			name:    "non-positive sweep interval",
			mutate:  func(c *Config) { c.RateLimit.SweepInterval = 0 },
			wantErr: true,
		},
		{
			name:    "non-positive queue size",
			mutate:  func(c *Config) { c.Webhooks.QueueSize = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server:        loadServerConfig(),
				Storage:       loadStorageConfig(),
				RateLimit:     loadRateLimitConfig(),
				Webhooks:      loadWebhookConfig(),
				Observability: loadObservabilityConfig(),
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}
