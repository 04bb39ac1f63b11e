package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "CONNECT_TIMEOUT", "RECONNECT_MAX_ATTEMPTS", "SEND_RATE_PER_30S", "INIT_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.ConnectTimeout != 15*time.Second {
		t.Errorf("ConnectTimeout = %v, want 15s", cfg.ConnectTimeout)
	}
	if cfg.ReconnectMaxAttempts != 10 {
		t.Errorf("ReconnectMaxAttempts = %d, want 10", cfg.ReconnectMaxAttempts)
	}
	if cfg.SendRatePer30s != 20 {
		t.Errorf("SendRatePer30s = %d, want 20", cfg.SendRatePer30s)
	}
	if cfg.InitTimeout != 30*time.Second {
		t.Errorf("InitTimeout = %v, want 30s", cfg.InitTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		check func(*Config) bool
	}{
		{"duration string", "RECONNECT_MAX_DELAY", "2m", func(c *Config) bool { return c.ReconnectMaxDelay == 2*time.Minute }},
		{"duration seconds", "INIT_TIMEOUT", "45", func(c *Config) bool { return c.InitTimeout == 45*time.Second }},
		{"non-positive duration keeps default", "CONNECT_TIMEOUT", "0", func(c *Config) bool { return c.ConnectTimeout == 15*time.Second }},
		{"int", "SUBSCRIBER_QUEUE", "32", func(c *Config) bool { return c.SubscriberQueue == 32 }},
		{"ingest queue", "INGEST_QUEUE", "64", func(c *Config) bool { return c.IngestQueue == 64 && c.SubscriberQueue == 256 }},
		{"non-positive int keeps default", "SEND_BURST", "-3", func(c *Config) bool { return c.SendBurst == 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("%s=%q not applied: %+v", tt.key, tt.value, cfg)
			}
		})
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Setenv("RECONNECT_BASE_DELAY", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed duration")
	}
	t.Setenv("RECONNECT_BASE_DELAY", "")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "many")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed integer")
	}
}

func TestValidateRelayReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("RELAY_API_TOKEN", "token")
	cfg, _ := Load()
	if err := cfg.ValidateRelayReady(); err != nil {
		t.Errorf("expected valid relay config, got %v", err)
	}

	t.Setenv("RELAY_API_TOKEN", "")
	cfg, _ = Load()
	if err := cfg.ValidateRelayReady(); err == nil {
		t.Errorf("expected error when RELAY_API_TOKEN missing")
	}

	t.Setenv("RELAY_API_TOKEN", "token")
	t.Setenv("RECONNECT_BASE_DELAY", "2m")
	t.Setenv("RECONNECT_MAX_DELAY", "1m")
	cfg, _ = Load()
	if err := cfg.ValidateRelayReady(); err == nil {
		t.Errorf("expected error when max delay below base delay")
	}
}

func TestLoadEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "  a2V5  ")
	t.Setenv("ENCRYPTION_KEY_ID", "k2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.EncryptionKey != "a2V5" || cfg.EncryptionKeyID != "k2" {
		t.Errorf("encryption = %q/%q, want a2V5/k2", cfg.EncryptionKey, cfg.EncryptionKeyID)
	}
}
