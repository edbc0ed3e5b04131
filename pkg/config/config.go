package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Signal configures the websocket transport.
	Signal struct {
		Path         string        `yaml:"path"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Signaling struct {
		Enabled            bool          `yaml:"enabled"`
		RegistryShards     int           `yaml:"registry_shards"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"` // 0 disables
		MaxConnectionAge   time.Duration `yaml:"max_connection_age"`  // 0 disables
		SweepInterval      time.Duration `yaml:"sweep_interval"`
	} `yaml:"signaling"`

	WebRTC struct {
		STUNServers        []string `yaml:"stun_servers"`
		TURNServers        []string `yaml:"turn_servers"`
		TURNUsername       string   `yaml:"turn_username"`
		TURNCredential     string   `yaml:"turn_credential"`
		ICETransportPolicy string   `yaml:"ice_transport_policy"`
		BundlePolicy       string   `yaml:"bundle_policy"`
	} `yaml:"webrtc"`

	Quality struct {
		Enabled        bool    `yaml:"enabled"`
		BaselineScale  float64 `yaml:"baseline_scale"`
		NativeWidth    int     `yaml:"native_width"`
		NativeHeight   int     `yaml:"native_height"`
		MinWidth       int     `yaml:"min_width"`
		MinHeight      int     `yaml:"min_height"`
		MaxWidth       int     `yaml:"max_width"`
		MaxHeight      int     `yaml:"max_height"`
		MaxBitrateKbps int     `yaml:"max_bitrate_kbps"`
		MinBitrateKbps int     `yaml:"min_bitrate_kbps"`

		Thresholds struct {
			SevereLatencyMs   int     `yaml:"severe_latency_ms"`
			SevereLossPct     float64 `yaml:"severe_loss_pct"`
			HighLatencyMs     int     `yaml:"high_latency_ms"`
			HighLossPct       float64 `yaml:"high_loss_pct"`
			ModerateLatencyMs int     `yaml:"moderate_latency_ms"`
			ModerateLossPct   float64 `yaml:"moderate_loss_pct"`
		} `yaml:"thresholds"`
	} `yaml:"quality"`

	Encryption struct {
		Enabled      bool   `yaml:"enabled"`
		KeySize      int    `yaml:"key_size"` // bits
		Curve        string `yaml:"curve"`
		GCMTagLength int    `yaml:"gcm_tag_length"` // bits
	} `yaml:"encryption"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		DevLogin        bool          `yaml:"dev_login"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	// Signaling
	if c.Signaling.RegistryShards <= 0 {
		return fmt.Errorf("signaling.registry_shards must be > 0")
	}
	if c.Signaling.NegotiationTimeout < 0 || c.Signaling.MaxConnectionAge < 0 {
		return fmt.Errorf("signaling timeouts must be >= 0")
	}
	if (c.Signaling.NegotiationTimeout > 0 || c.Signaling.MaxConnectionAge > 0) && c.Signaling.SweepInterval <= 0 {
		return fmt.Errorf("signaling.sweep_interval must be > 0 when a timeout is set")
	}

	// WebRTC
	switch c.WebRTC.ICETransportPolicy {
	case "all", "relay":
	default:
		return fmt.Errorf("webrtc.ice_transport_policy must be all or relay")
	}
	switch c.WebRTC.BundlePolicy {
	case "balanced", "max-compat", "max-bundle":
	default:
		return fmt.Errorf("webrtc.bundle_policy must be balanced, max-compat or max-bundle")
	}

	// Quality
	q := c.Quality
	if q.BaselineScale <= 0 || q.BaselineScale > 1 {
		return fmt.Errorf("quality.baseline_scale must be in (0, 1]")
	}
	if q.NativeWidth <= 0 || q.NativeHeight <= 0 {
		return fmt.Errorf("quality.native_width and native_height must be > 0")
	}
	if q.MinWidth <= 0 || q.MinHeight <= 0 || q.MinWidth > q.MaxWidth || q.MinHeight > q.MaxHeight {
		return fmt.Errorf("quality min dimensions must be > 0 and <= max dimensions")
	}
	if q.MaxBitrateKbps <= 0 || q.MinBitrateKbps < 0 || q.MinBitrateKbps > q.MaxBitrateKbps {
		return fmt.Errorf("quality bitrate bounds must satisfy 0 <= min <= max, max > 0")
	}
	t := q.Thresholds
	if !(t.ModerateLatencyMs <= t.HighLatencyMs && t.HighLatencyMs <= t.SevereLatencyMs) {
		return fmt.Errorf("quality.thresholds latency must be ordered moderate <= high <= severe")
	}
	if !(t.ModerateLossPct <= t.HighLossPct && t.HighLossPct <= t.SevereLossPct) {
		return fmt.Errorf("quality.thresholds loss must be ordered moderate <= high <= severe")
	}

	// Encryption
	switch c.Encryption.KeySize {
	case 128, 192, 256:
	default:
		return fmt.Errorf("encryption.key_size must be 128, 192 or 256")
	}
	switch c.Encryption.Curve {
	case "secp256r1", "secp384r1", "secp521r1":
	default:
		return fmt.Errorf("encryption.curve must be secp256r1, secp384r1 or secp521r1")
	}
	if c.Encryption.GCMTagLength < 96 || c.Encryption.GCMTagLength > 128 || c.Encryption.GCMTagLength%8 != 0 {
		return fmt.Errorf("encryption.gcm_tag_length must be a multiple of 8 in [96, 128]")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		return fmt.Errorf("auth.refresh_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Signaling.Enabled = true
	cfg.Signaling.RegistryShards = 32
	cfg.Signaling.NegotiationTimeout = 2 * time.Minute
	cfg.Signaling.MaxConnectionAge = 0
	cfg.Signaling.SweepInterval = 30 * time.Second

	cfg.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}
	cfg.WebRTC.ICETransportPolicy = "all"
	cfg.WebRTC.BundlePolicy = "balanced"

	cfg.Quality.Enabled = true
	cfg.Quality.BaselineScale = 1.0
	cfg.Quality.NativeWidth = 1280
	cfg.Quality.NativeHeight = 720
	cfg.Quality.MinWidth = 160
	cfg.Quality.MinHeight = 120
	cfg.Quality.MaxWidth = 1280
	cfg.Quality.MaxHeight = 720
	cfg.Quality.MaxBitrateKbps = 2500
	cfg.Quality.MinBitrateKbps = 150
	cfg.Quality.Thresholds.SevereLatencyMs = 300
	cfg.Quality.Thresholds.SevereLossPct = 5
	cfg.Quality.Thresholds.HighLatencyMs = 150
	cfg.Quality.Thresholds.HighLossPct = 2
	cfg.Quality.Thresholds.ModerateLatencyMs = 50
	cfg.Quality.Thresholds.ModerateLossPct = 0.5

	cfg.Encryption.Enabled = true
	cfg.Encryption.KeySize = 256
	cfg.Encryption.Curve = "secp256r1"
	cfg.Encryption.GCMTagLength = 128

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "camrelay:deliveries"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour // 7 days
	cfg.Auth.AllowedOrigins = []string{"*"}
	cfg.Auth.DevLogin = false

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CAMRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CAMRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CAMRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("CAMRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if v := os.Getenv("CAMRELAY_SIGNALING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Signaling.Enabled = b
		}
	}
	if v := os.Getenv("CAMRELAY_ENCRYPTION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Encryption.Enabled = b
		}
	}
	if v := os.Getenv("CAMRELAY_TURN_SERVERS"); v != "" {
		c.WebRTC.TURNServers = splitList(v)
	}
	if v := os.Getenv("CAMRELAY_TURN_USERNAME"); v != "" {
		c.WebRTC.TURNUsername = v
	}
	if v := os.Getenv("CAMRELAY_TURN_CREDENTIAL"); v != "" {
		c.WebRTC.TURNCredential = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
