// Package config loads client settings from TOML.
//
// Every field has a working default, so an empty file (or no file at all)
// yields a client that talks to http://localhost:8080 with the stock
// endpoint paths and a 10 second request timeout.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"

	"github.com/vinayprograms/streamrpc/logging"
	"github.com/vinayprograms/streamrpc/telemetry"
	"github.com/vinayprograms/streamrpc/transport"
)

// Defaults.
const (
	DefaultBaseURL         = "http://localhost:8080"
	DefaultSSEPath         = "/sse"
	DefaultMessagePath     = "/mcp/message"
	DefaultProtocolVersion = "2024-11-05"
	DefaultClientName      = "streamrpc"
	DefaultClientVersion   = "1.0.0"
	DefaultRequestTimeout  = 10 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
)

// Environment overrides.
const (
	EnvBaseURL  = "STREAMRPC_BASE_URL"
	EnvLogLevel = "STREAMRPC_LOG_LEVEL"
)

// Duration is a time.Duration that decodes from strings like "1.5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Protocol  ProtocolConfig  `toml:"protocol"`
	Timeouts  TimeoutConfig   `toml:"timeouts"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Log       LogConfig       `toml:"log"`
	Tracing   TracingConfig   `toml:"tracing"`
}

// ServerConfig locates the peer.
type ServerConfig struct {
	BaseURL     string            `toml:"base_url"`
	SSEPath     string            `toml:"sse_path"`
	MessagePath string            `toml:"message_path"`
	Headers     map[string]string `toml:"headers"`
}

// ProtocolConfig describes what the client announces during the handshake.
type ProtocolConfig struct {
	Version       string `toml:"version"`
	ClientName    string `toml:"client_name"`
	ClientVersion string `toml:"client_version"`
}

// TimeoutConfig bounds waiting.
type TimeoutConfig struct {
	Request Duration `toml:"request"`
	Connect Duration `toml:"connect"`
}

// RateLimitConfig throttles outbound POSTs. PerSecond <= 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	OutputPath string `toml:"output_path"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
}

// TracingConfig enables OTLP export.
type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Protocol string `toml:"protocol"`
	Insecure bool   `toml:"insecure"`
	Debug    bool   `toml:"debug"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:     DefaultBaseURL,
			SSEPath:     DefaultSSEPath,
			MessagePath: DefaultMessagePath,
		},
		Protocol: ProtocolConfig{
			Version:       DefaultProtocolVersion,
			ClientName:    DefaultClientName,
			ClientVersion: DefaultClientVersion,
		},
		Timeouts: TimeoutConfig{
			Request: Duration{DefaultRequestTimeout},
			Connect: Duration{DefaultConnectTimeout},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"streamrpc.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "streamrpc", "config.toml"))
	}
	return paths
}

// Load reads the first file found in StandardPaths, or returns defaults
// when none exists. The returned path is empty in that case.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	cfg := Default()
	cfg.applyEnv()
	return cfg, "", cfg.Validate()
}

// LoadFile reads a TOML file over the defaults, applies environment
// overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults, applies environment overrides
// and validates the result. Unknown keys are rejected.
func Parse(text string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for values the client cannot use.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server.base_url: missing host")
	}
	if strings.TrimSpace(c.Server.SSEPath) == "" {
		return fmt.Errorf("server.sse_path must not be empty")
	}
	if strings.TrimSpace(c.Server.MessagePath) == "" {
		return fmt.Errorf("server.message_path must not be empty")
	}
	if c.Protocol.Version == "" {
		return fmt.Errorf("protocol.version must not be empty")
	}
	if c.Timeouts.Request.Duration <= 0 {
		return fmt.Errorf("timeouts.request must be positive")
	}
	if c.Timeouts.Connect.Duration <= 0 {
		return fmt.Errorf("timeouts.connect must be positive")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1 when per_second is set")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Protocol != "" && c.Tracing.Protocol != "grpc" && c.Tracing.Protocol != "http" {
		return fmt.Errorf("tracing.protocol must be grpc or http")
	}
	return nil
}

// Logging converts the log section for logging.NewWithConfig.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		OutputPath: c.Log.OutputPath,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAge,
		Compress:   c.Log.Compress,
	}
}

// Transport converts the server, protocol, timeout and rate limit sections
// into an SSE transport configuration. Logger, tracer and HTTP client are
// left for the caller.
func (c *Config) Transport() transport.SSEConfig {
	cfg := transport.SSEConfig{
		BaseURL:         c.Server.BaseURL,
		SSEPath:         c.Server.SSEPath,
		MessagePath:     c.Server.MessagePath,
		ProtocolVersion: c.Protocol.Version,
		RequestTimeout:  c.Timeouts.Request.Duration,
		ConnectTimeout:  c.Timeouts.Connect.Duration,
	}
	if len(c.Server.Headers) > 0 {
		cfg.Headers = make(map[string]string, len(c.Server.Headers))
		for k, v := range c.Server.Headers {
			cfg.Headers[k] = v
		}
	}
	if c.RateLimit.PerSecond > 0 {
		cfg.RateLimit = rate.Limit(c.RateLimit.PerSecond)
		cfg.Burst = c.RateLimit.Burst
	}
	return cfg
}

// Telemetry converts the tracing section for telemetry.InitProvider.
func (c *Config) Telemetry() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    telemetry.ResolveServiceName(c.Protocol.ClientName),
		ServiceVersion: c.Protocol.ClientVersion,
		Endpoint:       c.Tracing.Endpoint,
		Protocol:       c.Tracing.Protocol,
		Insecure:       c.Tracing.Insecure,
		Debug:          c.Tracing.Debug,
	}
}
