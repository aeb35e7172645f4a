package kraken

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/charleschow/kraken-stream/market"
)

const (
	// DefaultURL is the public v2 streaming endpoint.
	DefaultURL = "wss://ws.kraken.com/v2"
	// DefaultAuthURL is the authenticated v2 streaming endpoint, used when
	// credentials are configured and no explicit URL was given.
	DefaultAuthURL = "wss://ws-auth.kraken.com/v2"

	defaultQueueCapacity = 8192
)

// ReconnectEvent describes one reconnect attempt about to be made.
type ReconnectEvent struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Reason      string
}

// ConnectionTimeouts bound the transport's blocking operations.
type ConnectionTimeouts struct {
	Dial  time.Duration
	Read  time.Duration // max silence between inbound frames
	Write time.Duration
}

// SecurityConfig tunes TLS on the transport.
type SecurityConfig struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// TLSConfig builds the tls.Config the transport dials with, or nil when
// nothing needs overriding.
func (s SecurityConfig) TLSConfig() *tls.Config {
	if !s.InsecureSkipVerify && s.ServerName == "" {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: s.InsecureSkipVerify,
		ServerName:         s.ServerName,
	}
}

// RateLimitConfig gates outbound frames with a token bucket.
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

// TelemetryConfig labels the metrics the client collects. Export wiring is
// the caller's concern; the client only maintains the counters.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	Metrics        bool   `yaml:"metrics"`
}

// GapConfig controls sequence-gap detection on private channels.
type GapConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Tolerance uint64 `yaml:"tolerance"`
}

// Config is the full client configuration. Build one with NewConfig, or
// start from ConfigFromEnv / ConfigFromFile.
type Config struct {
	URL       string
	APIKey    string
	APISecret string

	QueueCapacity     int
	UseQueue          bool
	OfflineMode       bool
	ValidateChecksums bool

	Backoff        BackoffStrategy
	CircuitBreaker CircuitBreakerConfig
	Gap            GapConfig
	Timeouts       ConnectionTimeouts
	Security       SecurityConfig
	RateLimit      RateLimitConfig
	Telemetry      TelemetryConfig

	OnReconnect func(ReconnectEvent)
	OnGap       func(market.GapInfo)

	// RecorderPath, when set, opens a SQLite history store for triggered
	// alerts and own trades at that path.
	RecorderPath string

	LogLevel string
}

// ConfigBuilder assembles a Config. Zero-valued fields get defaults in
// Build.
type ConfigBuilder struct {
	cfg Config
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		QueueCapacity:     defaultQueueCapacity,
		UseQueue:          true,
		ValidateChecksums: true,
		Gap:               GapConfig{Enabled: true, Tolerance: 0},
		Telemetry:         TelemetryConfig{Metrics: true},
	}}
}

func (b *ConfigBuilder) URL(url string) *ConfigBuilder { b.cfg.URL = url; return b }

func (b *ConfigBuilder) APIKey(key string) *ConfigBuilder { b.cfg.APIKey = key; return b }

func (b *ConfigBuilder) APISecret(secret string) *ConfigBuilder { b.cfg.APISecret = secret; return b }

func (b *ConfigBuilder) QueueCapacity(n int) *ConfigBuilder { b.cfg.QueueCapacity = n; return b }

func (b *ConfigBuilder) ValidateChecksums(v bool) *ConfigBuilder {
	b.cfg.ValidateChecksums = v
	return b
}

func (b *ConfigBuilder) Backoff(s BackoffStrategy) *ConfigBuilder { b.cfg.Backoff = s; return b }

func (b *ConfigBuilder) CircuitBreaker(cfg CircuitBreakerConfig) *ConfigBuilder {
	b.cfg.CircuitBreaker = cfg
	return b
}

func (b *ConfigBuilder) OnReconnect(fn func(ReconnectEvent)) *ConfigBuilder {
	b.cfg.OnReconnect = fn
	return b
}

func (b *ConfigBuilder) GapDetection(enabled bool) *ConfigBuilder {
	b.cfg.Gap.Enabled = enabled
	return b
}

func (b *ConfigBuilder) GapTolerance(tolerance uint64) *ConfigBuilder {
	b.cfg.Gap.Tolerance = tolerance
	return b
}

func (b *ConfigBuilder) OnGap(fn func(market.GapInfo)) *ConfigBuilder {
	b.cfg.OnGap = fn
	return b
}

func (b *ConfigBuilder) Telemetry(cfg TelemetryConfig) *ConfigBuilder {
	b.cfg.Telemetry = cfg
	return b
}

func (b *ConfigBuilder) ConnectionTimeouts(t ConnectionTimeouts) *ConfigBuilder {
	b.cfg.Timeouts = t
	return b
}

func (b *ConfigBuilder) Security(s SecurityConfig) *ConfigBuilder {
	b.cfg.Security = s
	return b
}

func (b *ConfigBuilder) RateLimiting(enabled bool, requestsPerSec float64, burst int) *ConfigBuilder {
	b.cfg.RateLimit = RateLimitConfig{Enabled: enabled, RequestsPerSec: requestsPerSec, Burst: burst}
	return b
}

func (b *ConfigBuilder) UseQueue(v bool) *ConfigBuilder { b.cfg.UseQueue = v; return b }

func (b *ConfigBuilder) OfflineMode(v bool) *ConfigBuilder { b.cfg.OfflineMode = v; return b }

func (b *ConfigBuilder) RecorderPath(path string) *ConfigBuilder {
	b.cfg.RecorderPath = path
	return b
}

func (b *ConfigBuilder) LogLevel(level string) *ConfigBuilder { b.cfg.LogLevel = level; return b }

// Build fills in defaults and returns the finished Config.
func (b *ConfigBuilder) Build() Config {
	cfg := b.cfg
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.URL == "" {
		if cfg.APIKey != "" && cfg.APISecret != "" {
			cfg.URL = DefaultAuthURL
		} else {
			cfg.URL = DefaultURL
		}
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ConservativeBackoff()
	}
	if cfg.Timeouts.Dial == 0 {
		cfg.Timeouts.Dial = 10 * time.Second
	}
	if cfg.Timeouts.Read == 0 {
		cfg.Timeouts.Read = 30 * time.Second
	}
	if cfg.Timeouts.Write == 0 {
		cfg.Timeouts.Write = 5 * time.Second
	}
}

// ConfigFromEnv loads configuration from the environment, reading a .env
// file first when present.
func ConfigFromEnv() Config {
	_ = godotenv.Load()

	b := NewConfig().
		URL(envStr("KRAKEN_WS_URL", "")).
		APIKey(envStr("KRAKEN_API_KEY", "")).
		APISecret(envStr("KRAKEN_API_SECRET", "")).
		QueueCapacity(envInt("KRAKEN_QUEUE_CAPACITY", defaultQueueCapacity)).
		ValidateChecksums(envBool("KRAKEN_VALIDATE_CHECKSUMS", true)).
		GapDetection(envBool("KRAKEN_GAP_DETECTION", true)).
		GapTolerance(uint64(envInt("KRAKEN_GAP_TOLERANCE", 0))).
		LogLevel(envStr("LOG_LEVEL", "info"))

	if rps := envInt("KRAKEN_RATE_LIMIT_RPS", 0); rps > 0 {
		b.RateLimiting(true, float64(rps), envInt("KRAKEN_RATE_LIMIT_BURST", rps))
	}

	return b.Build()
}

// fileConfig is the YAML representation accepted by ConfigFromFile.
// Durations are strings ("5s", "250ms") parsed with time.ParseDuration.
type fileConfig struct {
	URL               string          `yaml:"url"`
	APIKey            string          `yaml:"api_key"`
	APISecret         string          `yaml:"api_secret"`
	QueueCapacity     int             `yaml:"queue_capacity"`
	ValidateChecksums *bool           `yaml:"validate_checksums"`
	Backoff           string          `yaml:"backoff"` // aggressive | conservative | infinite
	Gap               GapConfig       `yaml:"gap"`
	Timeouts          fileTimeouts    `yaml:"timeouts"`
	Security          SecurityConfig  `yaml:"security"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Telemetry         TelemetryConfig `yaml:"telemetry"`
	RecorderPath      string          `yaml:"recorder_path"`
	LogLevel          string          `yaml:"log_level"`
}

type fileTimeouts struct {
	Dial  string `yaml:"dial"`
	Read  string `yaml:"read"`
	Write string `yaml:"write"`
}

func (ft fileTimeouts) parse() (ConnectionTimeouts, error) {
	var out ConnectionTimeouts
	for _, f := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{ft.Dial, &out.Dial, "dial"},
		{ft.Read, &out.Read, "read"},
		{ft.Write, &out.Write, "write"},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return out, fmt.Errorf("timeout %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return out, nil
}

// ConfigFromFile loads configuration from a YAML file.
func ConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	timeouts, err := fc.Timeouts.parse()
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := Config{
		URL:           fc.URL,
		APIKey:        fc.APIKey,
		APISecret:     fc.APISecret,
		QueueCapacity: fc.QueueCapacity,
		UseQueue:      true,
		Gap:           fc.Gap,
		Timeouts:      timeouts,
		Security:      fc.Security,
		RateLimit:     fc.RateLimit,
		Telemetry:     fc.Telemetry,
		RecorderPath:  fc.RecorderPath,
		LogLevel:      fc.LogLevel,
	}
	cfg.ValidateChecksums = fc.ValidateChecksums == nil || *fc.ValidateChecksums

	switch fc.Backoff {
	case "", "conservative":
		cfg.Backoff = ConservativeBackoff()
	case "aggressive":
		cfg.Backoff = AggressiveBackoff()
	case "infinite":
		cfg.Backoff = InfiniteBackoff()
	default:
		return Config{}, fmt.Errorf("config %s: unknown backoff preset %q", path, fc.Backoff)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
