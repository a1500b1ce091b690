package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ICEServer is one STUN or TURN server handed to the peer connection
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config holds the settings shared by the relay, viewer and publisher
type Config struct {
	Relay struct {
		Address             string        `yaml:"address"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		MessagesPerSecond   float64       `yaml:"messages_per_second"`
		Burst               int           `yaml:"burst"`
		SendBuffer          int           `yaml:"send_buffer"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
	} `yaml:"relay"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		KeyframeInterval time.Duration `yaml:"keyframe_interval"`
	} `yaml:"webrtc"`

	Viewer struct {
		Address         string        `yaml:"address"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RelayURL        string        `yaml:"relay_url"`
		RelayToken      string        `yaml:"relay_token"`
		RemoteID        string        `yaml:"remote_id"`
		SideChannelURL  string        `yaml:"side_channel_url"`
		DialAttempts    int           `yaml:"dial_attempts"`
	} `yaml:"viewer"`

	Producer struct {
		TargetFPS          int     `yaml:"target_fps"`
		ScaleFactor        float64 `yaml:"scale_factor"`
		Quality            float64 `yaml:"quality"`
		PerformanceLevel   string  `yaml:"performance_level"`
		HighWaterMarkBytes uint64  `yaml:"high_water_mark_bytes"`
		SendQueueSize      int     `yaml:"send_queue_size"`
	} `yaml:"producer"`

	Publisher struct {
		Address         string        `yaml:"address"`
		TargetFPS       float64       `yaml:"target_fps"`
		FrameID         string        `yaml:"frame_id"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxFrameBytes   int64         `yaml:"max_frame_bytes"`
	} `yaml:"publisher"`

	Sink struct {
		Kind  string `yaml:"kind"` // redis | log
		Redis struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
			Channel  string `yaml:"channel"`
		} `yaml:"redis"`
		PublishTimeout   time.Duration `yaml:"publish_timeout"`
		FailureThreshold int           `yaml:"failure_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"sink"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
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

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("relay.max_message_size_bytes must be >= 0")
	}
	if c.Relay.MessagesPerSecond <= 0 || c.Relay.Burst <= 0 {
		return fmt.Errorf("relay.messages_per_second and relay.burst must be > 0")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Viewer
	if c.Viewer.Address == "" {
		return fmt.Errorf("viewer.address must not be empty")
	}
	if c.Viewer.DialAttempts <= 0 {
		return fmt.Errorf("viewer.dial_attempts must be > 0")
	}

	// Producer
	if c.Producer.TargetFPS < 1 || c.Producer.TargetFPS > 30 {
		return fmt.Errorf("producer.target_fps must be within 1..30")
	}
	if c.Producer.ScaleFactor <= 0 || c.Producer.ScaleFactor > 1 {
		return fmt.Errorf("producer.scale_factor must be within (0,1]")
	}
	if c.Producer.Quality <= 0 || c.Producer.Quality > 1 {
		return fmt.Errorf("producer.quality must be within (0,1]")
	}
	if c.Producer.HighWaterMarkBytes == 0 {
		return fmt.Errorf("producer.high_water_mark_bytes must be > 0")
	}
	if c.Producer.SendQueueSize <= 0 {
		return fmt.Errorf("producer.send_queue_size must be > 0")
	}

	// Publisher
	if c.Publisher.Address == "" {
		return fmt.Errorf("publisher.address must not be empty")
	}
	if c.Publisher.TargetFPS <= 0 {
		return fmt.Errorf("publisher.target_fps must be > 0")
	}
	if c.Publisher.FrameID == "" {
		return fmt.Errorf("publisher.frame_id must not be empty")
	}

	// Sink
	switch c.Sink.Kind {
	case "log":
	case "redis":
		if c.Sink.Redis.Address == "" {
			return fmt.Errorf("sink.redis.address must not be empty when sink.kind=redis")
		}
		if c.Sink.Redis.Channel == "" {
			return fmt.Errorf("sink.redis.channel must not be empty when sink.kind=redis")
		}
		if c.Sink.Redis.PoolSize <= 0 {
			return fmt.Errorf("sink.redis.pool_size must be > 0 when sink.kind=redis")
		}
	default:
		return fmt.Errorf("sink.kind must be one of redis, log; got %q", c.Sink.Kind)
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
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
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

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

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 25 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 15 * time.Second
	cfg.Relay.MaxMessageSizeBytes = 64 * 1024
	cfg.Relay.MessagesPerSecond = 50
	cfg.Relay.Burst = 100
	cfg.Relay.SendBuffer = 64
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.KeyframeInterval = 3 * time.Second

	cfg.Viewer.Address = ":8083"
	cfg.Viewer.ShutdownTimeout = 15 * time.Second
	cfg.Viewer.RelayURL = "ws://localhost:8081/ws"
	cfg.Viewer.SideChannelURL = "ws://localhost:8082/frames"
	cfg.Viewer.DialAttempts = 5

	cfg.Producer.TargetFPS = 10
	cfg.Producer.ScaleFactor = 0.75
	cfg.Producer.Quality = 0.7
	cfg.Producer.PerformanceLevel = "balanced"
	cfg.Producer.HighWaterMarkBytes = 1 << 20
	cfg.Producer.SendQueueSize = 8

	cfg.Publisher.Address = ":8082"
	cfg.Publisher.TargetFPS = 10
	cfg.Publisher.FrameID = "drone_camera"
	cfg.Publisher.ShutdownTimeout = 15 * time.Second
	cfg.Publisher.MaxFrameBytes = 4 << 20

	cfg.Sink.Kind = "log"
	cfg.Sink.Redis.Address = "localhost:6379"
	cfg.Sink.Redis.PoolSize = 10
	cfg.Sink.Redis.Channel = "dronelink:frames"
	cfg.Sink.PublishTimeout = 500 * time.Millisecond
	cfg.Sink.FailureThreshold = 5
	cfg.Sink.OpenTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("DRONELINK_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if url := os.Getenv("DRONELINK_RELAY_URL"); url != "" {
		c.Viewer.RelayURL = url
	}
	if addr := os.Getenv("DRONELINK_PUBLISHER_ADDRESS"); addr != "" {
		c.Publisher.Address = addr
	}
	if level := os.Getenv("DRONELINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("DRONELINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("DRONELINK_REDIS_ADDRESS"); addr != "" {
		c.Sink.Redis.Address = addr
	}
}
