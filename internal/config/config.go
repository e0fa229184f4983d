package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is used when PROXY_PORT is unset, invalid, zero, or out of range.
const DefaultPort = 8402

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Limits   LimitsConfig   `yaml:"limits"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Payment  PaymentConfig  `yaml:"payment"`
	Balance  BalanceConfig  `yaml:"balance"`
	Routing  RoutingOptions `yaml:"routing"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	// The proxy binds loopback only; host is not configurable.
	Port             int           `yaml:"port"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	// Disabled registers the proxy but does not intercept requests.
	Disabled bool `yaml:"disabled"`
}

type UpstreamConfig struct {
	BaseURL          string        `yaml:"base_url"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	FirstByteTimeout time.Duration `yaml:"first_byte_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SignerTimeout    time.Duration `yaml:"signer_timeout"`
	HeartbeatEvery   time.Duration `yaml:"heartbeat_every"`
}

type LimitsConfig struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	MaxMessages  int   `yaml:"max_messages"`
}

type DedupConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	MaxEntries        int           `yaml:"max_entries"`
	StreamBufferBytes int           `yaml:"stream_buffer_bytes"`
}

type PaymentConfig struct {
	// WalletKey is a 0x-prefixed hex private key. WALLET_KEY overrides it.
	WalletKey  string        `yaml:"wallet_key"`
	PreAuthCap time.Duration `yaml:"preauth_ttl_cap"`
	SafetySkew time.Duration `yaml:"safety_skew"`
}

type BalanceConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelemetryConfig struct {
	LogLevel string `yaml:"log_level"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             DefaultPort,
			GracefulShutdown: 4 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:          "https://api.clawrouter.ai/v1",
			ConnectTimeout:   5 * time.Second,
			FirstByteTimeout: 10 * time.Second,
			RequestTimeout:   60 * time.Second,
			SignerTimeout:    5 * time.Second,
			HeartbeatEvery:   10 * time.Second,
		},
		Limits: LimitsConfig{
			MaxBodyBytes: 150 * 1024,
			MaxMessages:  200,
		},
		Dedup: DedupConfig{
			TTL:               30 * time.Second,
			MaxEntries:        256,
			StreamBufferBytes: 1 << 20,
		},
		Payment: PaymentConfig{
			PreAuthCap: 5 * time.Minute,
			SafetySkew: 10 * time.Second,
		},
		Balance: BalanceConfig{
			PollInterval: 60 * time.Second,
		},
		Routing: DefaultRoutingOptions(),
		Telemetry: TelemetryConfig{
			LogLevel: "info",
		},
	}
}

// ApplyEnv overlays the recognized environment variables onto the config.
func (c *Config) ApplyEnv() {
	if key := os.Getenv("WALLET_KEY"); key != "" {
		c.Payment.WalletKey = key
	}
	if port := os.Getenv("PROXY_PORT"); port != "" {
		c.Server.Port = ParsePort(port)
	}
	if v := os.Getenv("CLAWROUTER_DISABLED"); isTruthy(v) {
		c.Server.Disabled = true
	}
	if u := os.Getenv("UPSTREAM_URL"); u != "" {
		c.Upstream.BaseURL = u
	}
}

// ParsePort parses a port string, falling back to DefaultPort for anything
// invalid, zero, or out of range.
func ParsePort(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return DefaultPort
	}
	return n
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
