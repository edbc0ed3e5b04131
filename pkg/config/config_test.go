package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"pong timeout must exceed ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"registry shards must be > 0", func(c *Config) { c.Signaling.RegistryShards = 0 }},
		{"sweep interval required with timeout", func(c *Config) { c.Signaling.SweepInterval = 0 }},
		{"unknown transport policy", func(c *Config) { c.WebRTC.ICETransportPolicy = "nohost" }},
		{"unknown bundle policy", func(c *Config) { c.WebRTC.BundlePolicy = "tight" }},
		{"baseline scale above one", func(c *Config) { c.Quality.BaselineScale = 1.5 }},
		{"min width above max", func(c *Config) { c.Quality.MinWidth = 2000 }},
		{"thresholds out of order", func(c *Config) { c.Quality.Thresholds.HighLatencyMs = 500 }},
		{"key size", func(c *Config) { c.Encryption.KeySize = 512 }},
		{"curve", func(c *Config) { c.Encryption.Curve = "curve25519" }},
		{"tag length", func(c *Config) { c.Encryption.GCMTagLength = 100 }},
		{"redis channel", func(c *Config) { c.Redis.Enabled = true; c.Redis.Channel = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Quality.BaselineScale != 1.0 {
		t.Errorf("expected baseline scale 1.0, got %v", cfg.Quality.BaselineScale)
	}
	if cfg.Encryption.Curve != "secp256r1" {
		t.Errorf("expected default curve secp256r1, got %s", cfg.Encryption.Curve)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
signaling:
  enabled: false
  negotiation_timeout: 45s
webrtc:
  turn_servers: ["turn:turn.example.org:3478"]
  turn_username: alice
  turn_credential: secret
  ice_transport_policy: relay
encryption:
  key_size: 128
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Signaling.Enabled {
		t.Error("expected signaling to be disabled")
	}
	if cfg.Signaling.NegotiationTimeout != 45*time.Second {
		t.Errorf("expected 45s negotiation timeout, got %v", cfg.Signaling.NegotiationTimeout)
	}
	if cfg.WebRTC.ICETransportPolicy != "relay" {
		t.Errorf("expected relay policy, got %s", cfg.WebRTC.ICETransportPolicy)
	}
	if cfg.Encryption.KeySize != 128 {
		t.Errorf("expected key size 128, got %d", cfg.Encryption.KeySize)
	}
	// untouched sections keep defaults
	if cfg.WebRTC.BundlePolicy != "balanced" {
		t.Errorf("expected default bundle policy, got %s", cfg.WebRTC.BundlePolicy)
	}
}

func TestLoad_InvalidFileFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("encryption:\n  curve: ed25519\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CAMRELAY_ENCRYPTION_ENABLED", "false")
	t.Setenv("CAMRELAY_TURN_SERVERS", "turn:a:3478, turn:b:3478")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Encryption.Enabled {
		t.Error("expected encryption disabled by env")
	}
	if len(cfg.WebRTC.TURNServers) != 2 || cfg.WebRTC.TURNServers[1] != "turn:b:3478" {
		t.Errorf("unexpected turn servers: %v", cfg.WebRTC.TURNServers)
	}
}
