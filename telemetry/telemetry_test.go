package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewTracerWithProvider(tp, "test", debug), sr
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// --- Unit Tests ---

func TestGetTracer_NoopWhenUnset(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	if tr == nil {
		t.Fatal("GetTracer() should never return nil")
	}
	// Should not panic
	_, span := tr.StartCallSpan(context.Background(), "ping", 1)
	tr.EndCallSpan(span, CallSpanOptions{Status: "SUCCESS"}, nil)
}

func TestCallSpan(t *testing.T) {
	tr, sr := newRecorder(false)

	_, span := tr.StartCallSpan(context.Background(), "tools/list", 4)
	tr.EndCallSpan(span, CallSpanOptions{Status: "SUCCESS", Params: `{"secret":1}`}, nil)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "rpc.tools/list" {
		t.Errorf("name = %q", s.Name())
	}
	if v, ok := attr(s, "rpc.jsonrpc.request_id"); !ok || v.AsInt64() != 4 {
		t.Errorf("request_id = %v", v)
	}
	if v, _ := attr(s, "rpc.status"); v.AsString() != "SUCCESS" {
		t.Errorf("status = %v", v)
	}
	if _, ok := attr(s, "rpc.params"); ok {
		t.Error("params should only be recorded in debug mode")
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("span status = %v", s.Status())
	}
}

func TestCallSpan_ErrorAndDebug(t *testing.T) {
	tr, sr := newRecorder(true)
	if !tr.Debug() {
		t.Fatal("Debug() = false")
	}

	_, span := tr.StartCallSpan(context.Background(), "missing", 9)
	tr.EndCallSpan(span, CallSpanOptions{
		Status:    "ERROR",
		ErrorCode: -32601,
		Params:    strings.Repeat("x", 5000),
	}, errors.New("RPC error -32601: Method not found"))

	s := sr.Ended()[0]
	if s.Status().Code != codes.Error {
		t.Errorf("span status = %v", s.Status())
	}
	if v, _ := attr(s, "rpc.jsonrpc.error_code"); v.AsInt64() != -32601 {
		t.Errorf("error_code = %v", v)
	}
	v, ok := attr(s, "rpc.params")
	if !ok || len(v.AsString()) != 4003 {
		t.Errorf("params should be truncated to 4000 chars plus ellipsis, got %d", len(v.AsString()))
	}
}

func TestConnectSpan(t *testing.T) {
	tr, sr := newRecorder(false)

	_, span := tr.StartConnectSpan(context.Background(), "http://peer/sse")
	tr.EndConnectSpan(span, 503, errors.New("stream returned 503"))

	s := sr.Ended()[0]
	if v, _ := attr(s, "http.response.status_code"); v.AsInt64() != 503 {
		t.Errorf("status code = %v", v)
	}
	if v, _ := attr(s, "stream.url"); v.AsString() != "http://peer/sse" {
		t.Errorf("url = %v", v)
	}
}

func TestSessionSpan(t *testing.T) {
	tr, sr := newRecorder(false)

	_, span := tr.StartSessionSpan(context.Background(), "local", "tools/call")
	tr.EndSessionSpan(span, SessionSpanOptions{
		Target: "echo",
		Args:   map[string]interface{}{"text": "hi", "n": 3},
	}, nil)

	s := sr.Ended()[0]
	if s.Name() != "mcp.local.tools/call" {
		t.Errorf("name = %q", s.Name())
	}
	if v, _ := attr(s, "mcp.arg.n"); v.AsString() != "3" {
		t.Errorf("arg n = %v", v)
	}
	if v, _ := attr(s, "mcp.target"); v.AsString() != "echo" {
		t.Errorf("target = %v", v)
	}
}

func TestNewProvider_InjectHeaders(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	p, err := NewProvider(ProviderConfig{ServiceName: "probe"}, sdktrace.WithSpanProcessor(sr))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	if GetTracer() != p.Tracer() {
		t.Error("provider tracer should be installed globally")
	}

	ctx, span := p.Tracer().StartSpan(context.Background(), "outer")
	h := http.Header{}
	InjectHeaders(ctx, h)
	span.End()

	if h.Get("Traceparent") == "" {
		t.Error("expected traceparent header")
	}

	extracted := ExtractHeaders(context.Background(), h)
	_, child := p.Tracer().StartSpan(extracted, "inner")
	child.End()

	spans := sr.Ended()
	if spans[1].Parent().TraceID() != spans[0].SpanContext().TraceID() {
		t.Error("extracted context should continue the trace")
	}
}

func TestInitProvider_Errors(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestResolveServiceName(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	if got := ResolveServiceName(""); got != DefaultServiceName {
		t.Errorf("got %q", got)
	}
	t.Setenv("OTEL_SERVICE_NAME", "from-env")
	if got := ResolveServiceName(""); got != "from-env" {
		t.Errorf("got %q", got)
	}
	if got := ResolveServiceName("explicit"); got != "explicit" {
		t.Errorf("got %q", got)
	}
}
