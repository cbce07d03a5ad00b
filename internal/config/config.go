package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pgrelay/backend/internal/logging"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Publish  PublishConfig  `yaml:"publish"`
	Mock     MockConfig     `yaml:"mock"`
	Log      logging.Config `yaml:"log"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	// AuthToken, when set, must be presented by every client as a bearer
	// token or ?token= query parameter.
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"` // 0 = unlimited

	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`
}

const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMock     = "mock"
)

type UpstreamConfig struct {
	Driver           string        `yaml:"driver"`
	DSN              string        `yaml:"dsn"`
	Topics           []string      `yaml:"topics"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	BackoffFloor     time.Duration `yaml:"backoff_floor"`
	BackoffCeiling   time.Duration `yaml:"backoff_ceiling"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type GatewayConfig struct {
	OutboxSize   int           `yaml:"outbox_size"`
	Shards       int           `yaml:"shards"`
	IntakeBuffer int           `yaml:"intake_buffer"`
	MaxLag       uint64        `yaml:"max_lag"` // 0 disables eviction
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	LagWarnEvery time.Duration `yaml:"lag_warn_every"`
}

type PublishConfig struct {
	Enabled         bool    `yaml:"enabled"`
	RatePerSecond   float64 `yaml:"rate_per_second"` // 0 = unlimited
	Burst           int     `yaml:"burst"`
	MaxPayloadBytes int64   `yaml:"max_payload_bytes"`
}

type MockConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Pattern      string        `yaml:"pattern"`
	FailEvery    int           `yaml:"fail_every"`
	FailConnects int           `yaml:"fail_connects"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "127.0.0.1",
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
			ReadLimit:    4096,
		},
		Upstream: UpstreamConfig{
			Driver:           DriverPostgres,
			DSN:              "postgres://localhost:5432/postgres",
			ConnectTimeout:   10 * time.Second,
			BackoffFloor:     500 * time.Millisecond,
			BackoffCeiling:   30 * time.Second,
			FailureThreshold: 5,
		},
		Gateway: GatewayConfig{
			OutboxSize:   64,
			Shards:       32,
			IntakeBuffer: 1024,
			DrainTimeout: 5 * time.Second,
			LagWarnEvery: 10 * time.Second,
		},
		Publish: PublishConfig{
			Enabled:         true,
			RatePerSecond:   100,
			Burst:           50,
			MaxPayloadBytes: 1 << 20,
		},
		Mock: MockConfig{
			Interval: 500 * time.Millisecond,
			Pattern:  "steady",
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns a fully populated configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads path and overlays it on the defaults. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.PingInterval > 0 && c.Server.PongTimeout <= c.Server.PingInterval {
		errs = append(errs, errors.New("server.pong_timeout must exceed server.ping_interval"))
	}

	switch c.Upstream.Driver {
	case DriverPostgres, DriverRedis:
		if c.Upstream.DSN == "" {
			errs = append(errs, fmt.Errorf("upstream.dsn is required for driver %q", c.Upstream.Driver))
		}
	case DriverMock:
	default:
		errs = append(errs, fmt.Errorf("unknown upstream.driver %q", c.Upstream.Driver))
	}
	if len(c.Upstream.Topics) == 0 {
		errs = append(errs, errors.New("upstream.topics must name at least one topic"))
	}
	if slices.Contains(c.Upstream.Topics, "") {
		errs = append(errs, errors.New("upstream.topics contains an empty topic"))
	}
	if c.Upstream.BackoffFloor <= 0 {
		errs = append(errs, errors.New("upstream.backoff_floor must be positive"))
	}
	if c.Upstream.BackoffCeiling < c.Upstream.BackoffFloor {
		errs = append(errs, errors.New("upstream.backoff_ceiling must not be below backoff_floor"))
	}

	if c.Gateway.OutboxSize < 1 {
		errs = append(errs, errors.New("gateway.outbox_size must be at least 1"))
	}
	if c.Gateway.Shards < 1 {
		errs = append(errs, errors.New("gateway.shards must be at least 1"))
	}
	if c.Gateway.IntakeBuffer < 0 {
		errs = append(errs, errors.New("gateway.intake_buffer must not be negative"))
	}

	if c.Publish.RatePerSecond < 0 {
		errs = append(errs, errors.New("publish.rate_per_second must not be negative"))
	}
	if c.Publish.RatePerSecond > 0 && c.Publish.Burst < 1 {
		errs = append(errs, errors.New("publish.burst must be at least 1 when rate limiting"))
	}

	switch c.Mock.Pattern {
	case "", "steady", "burst", "stall":
	default:
		errs = append(errs, fmt.Errorf("unknown mock.pattern %q", c.Mock.Pattern))
	}
	return errors.Join(errs...)
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateToken returns a random 16-byte hex token suitable for
// server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
