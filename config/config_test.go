package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timeouts.Request.Duration != 10*time.Second {
		t.Errorf("request timeout = %v", cfg.Timeouts.Request)
	}
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(`
[server]
base_url = "https://peer.example:9443/api"
sse_path = "events"
message_path = "/rpc"

[server.headers]
Authorization = "Bearer abc"

[protocol]
version = "2025-03-26"

[timeouts]
request = "1.5s"
connect = "250ms"

[rate_limit]
per_second = 5
burst = 2

[log]
level = "debug"
format = "json"

[tracing]
enabled = true
endpoint = "localhost:4318"
protocol = "http"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.BaseURL != "https://peer.example:9443/api" {
		t.Errorf("base_url = %q", cfg.Server.BaseURL)
	}
	if cfg.Server.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("headers = %v", cfg.Server.Headers)
	}
	if cfg.Timeouts.Request.Duration != 1500*time.Millisecond {
		t.Errorf("request = %v", cfg.Timeouts.Request)
	}
	if cfg.Timeouts.Connect.Duration != 250*time.Millisecond {
		t.Errorf("connect = %v", cfg.Timeouts.Connect)
	}
	// Unset keys keep their defaults.
	if cfg.Protocol.ClientName != DefaultClientName {
		t.Errorf("client_name = %q", cfg.Protocol.ClientName)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"unknown key", "[server]\nbase = \"x\"", "unknown keys"},
		{"bad duration", "[timeouts]\nrequest = \"soon\"", "duration"},
		{"bad scheme", "[server]\nbase_url = \"ftp://h\"", "scheme"},
		{"missing host", "[server]\nbase_url = \"http://\"", "host"},
		{"empty sse path", "[server]\nsse_path = \" \"", "sse_path"},
		{"zero timeout", "[timeouts]\nrequest = \"0s\"", "timeouts.request"},
		{"burst required", "[rate_limit]\nper_second = 3", "burst"},
		{"bad log level", "[log]\nlevel = \"loud\"", "log.level"},
		{"bad tracing protocol", "[tracing]\nenabled = true\nprotocol = \"udp\"", "tracing.protocol"},
		{"not toml", "[server", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvBaseURL, "http://override:1234")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Parse(`[server]
base_url = "http://file:1"`)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.BaseURL != "http://override:1234" {
		t.Errorf("base_url = %q", cfg.Server.BaseURL)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streamrpc.toml")
	if err := os.WriteFile(path, []byte("[protocol]\nclient_name = \"probe\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol.ClientName != "probe" {
		t.Errorf("client_name = %q", cfg.Protocol.ClientName)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("missing file should fail")
	}

	bad := filepath.Join(dir, "bad.toml")
	os.WriteFile(bad, []byte("nope = 1"), 0600)
	if _, err := LoadFile(bad); err == nil || !strings.Contains(err.Error(), bad) {
		t.Errorf("err = %v, want path in message", err)
	}
}

func TestLoad_CurrentDirectory(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)
	t.Setenv("HOME", dir)

	cfg, path, err := Load()
	if err != nil || path != "" {
		t.Fatalf("Load without file = %q, %v", path, err)
	}
	if cfg.Server.BaseURL != DefaultBaseURL {
		t.Errorf("base_url = %q", cfg.Server.BaseURL)
	}

	os.WriteFile("streamrpc.toml", []byte("[log]\nlevel = \"debug\"\n"), 0600)
	cfg, path, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if path != "streamrpc.toml" || cfg.Log.Level != "debug" {
		t.Errorf("Load = %q, level %q", path, cfg.Log.Level)
	}
}

func TestConfig_Transport(t *testing.T) {
	cfg := Default()
	cfg.Server.Headers = map[string]string{"X-Team": "infra"}
	cfg.RateLimit = RateLimitConfig{PerSecond: 4, Burst: 2}

	tc := cfg.Transport()
	if tc.BaseURL != DefaultBaseURL || tc.SSEPath != DefaultSSEPath || tc.MessagePath != DefaultMessagePath {
		t.Errorf("urls = %+v", tc)
	}
	if tc.RequestTimeout != DefaultRequestTimeout || tc.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("timeouts = %v/%v", tc.RequestTimeout, tc.ConnectTimeout)
	}
	if tc.RateLimit != rate.Limit(4) || tc.Burst != 2 {
		t.Errorf("rate = %v burst %d", tc.RateLimit, tc.Burst)
	}

	// Headers are copied.
	tc.Headers["X-Team"] = "changed"
	if cfg.Server.Headers["X-Team"] != "infra" {
		t.Error("Transport must not share the header map")
	}

	cfg.RateLimit = RateLimitConfig{}
	if tc := cfg.Transport(); tc.RateLimit != 0 {
		t.Errorf("disabled rate limit = %v", tc.RateLimit)
	}
}

func TestConfig_TelemetryAndLogging(t *testing.T) {
	cfg := Default()
	cfg.Tracing = TracingConfig{Enabled: true, Endpoint: "collector:4317", Insecure: true, Debug: true}
	cfg.Log.OutputPath = "/tmp/streamrpc.log"

	pc := cfg.Telemetry()
	if pc.ServiceName != DefaultClientName || pc.ServiceVersion != DefaultClientVersion {
		t.Errorf("service = %s/%s", pc.ServiceName, pc.ServiceVersion)
	}
	if pc.Endpoint != "collector:4317" || !pc.Insecure || !pc.Debug {
		t.Errorf("provider config = %+v", pc)
	}

	lc := cfg.Logging()
	if lc.Level != "info" || lc.Format != "console" || lc.OutputPath != "/tmp/streamrpc.log" {
		t.Errorf("logging config = %+v", lc)
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("2m")); err != nil || d.Duration != 2*time.Minute {
		t.Fatalf("UnmarshalText = %v, %v", d, err)
	}
	out, _ := d.MarshalText()
	if string(out) != "2m0s" {
		t.Errorf("MarshalText = %s", out)
	}
}
