// Package telemetry wires OpenTelemetry tracing into the stream client.
//
// Calls, stream connects and session operations each get a span. Payload
// content is only attached in debug mode.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with RPC-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payloads in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerWithProvider creates a tracer from an explicit provider.
func NewTracerWithProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Call Spans ---

// CallSpanOptions describes the outcome of one request.
type CallSpanOptions struct {
	Status    string // ledger status
	ErrorCode int    // JSON-RPC error code, 0 when none
	Params    string // Only included if debug=true
	Result    string // Only included if debug=true
}

// StartCallSpan starts a client span for one JSON-RPC request.
func (t *Tracer) StartCallSpan(ctx context.Context, method string, id int64) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "rpc."+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
		attribute.Int64("rpc.jsonrpc.request_id", id),
	)
	return ctx, span
}

// EndCallSpan ends a call span with attributes.
func (t *Tracer) EndCallSpan(span trace.Span, opts CallSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("rpc.status", opts.Status),
	}
	if opts.ErrorCode != 0 {
		attrs = append(attrs, attribute.Int("rpc.jsonrpc.error_code", opts.ErrorCode))
	}

	if t.debug {
		if opts.Params != "" {
			attrs = append(attrs, attribute.String("rpc.params", truncate(opts.Params, 4000)))
		}
		if opts.Result != "" {
			attrs = append(attrs, attribute.String("rpc.result", truncate(opts.Result, 4000)))
		}
	}

	span.SetAttributes(attrs...)
	finish(span, err)
}

// --- Stream Spans ---

// StartConnectSpan starts a span covering the stream handshake.
func (t *Tracer) StartConnectSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "stream.connect", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("stream.url", url))
	return ctx, span
}

// EndConnectSpan ends a connect span.
func (t *Tracer) EndConnectSpan(span trace.Span, status int, err error) {
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	finish(span, err)
}

// --- Session Spans ---

// SessionSpanOptions contains options for session operation spans.
type SessionSpanOptions struct {
	Server string
	Target string // tool, resource or prompt name
	Args   map[string]interface{}
	Result string // Only included if debug=true
}

// StartSessionSpan starts a span for a session operation such as
// initialize or tools/call.
func (t *Tracer) StartSessionSpan(ctx context.Context, server, operation string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "mcp."+server+"."+operation, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("mcp.server", server),
		attribute.String("mcp.operation", operation),
	)
	return ctx, span
}

// EndSessionSpan ends a session span with attributes.
func (t *Tracer) EndSessionSpan(span trace.Span, opts SessionSpanOptions, err error) {
	if opts.Target != "" {
		span.SetAttributes(attribute.String("mcp.target", opts.Target))
	}
	for k, v := range opts.Args {
		span.SetAttributes(attribute.String("mcp.arg."+k, truncateAny(v, 500)))
	}
	if t.debug && opts.Result != "" {
		span.SetAttributes(attribute.String("mcp.result", truncate(opts.Result, 4000)))
	}
	finish(span, err)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectHeaders writes the trace context of ctx into outbound HTTP headers.
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHeaders reads trace context from inbound HTTP headers.
func ExtractHeaders(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case fmt.Stringer:
		return truncate(val.String(), maxLen)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprint(v), maxLen)
	}
	return truncate(string(data), maxLen)
}
