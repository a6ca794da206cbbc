package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vinayprograms/streamrpc/envelope"
	rpcerrors "github.com/vinayprograms/streamrpc/errors"
	"github.com/vinayprograms/streamrpc/logging"
	"github.com/vinayprograms/streamrpc/telemetry"
)

// Header names.
const (
	HeaderProtocolVersion = "MCP-Protocol-Version"
)

const maxErrorBody = 512

// SSEConfig holds SSE transport configuration.
type SSEConfig struct {
	// BaseURL is the peer's base address. A trailing slash is added.
	BaseURL string

	// SSEPath is the stream endpoint, resolved against BaseURL.
	SSEPath string

	// MessagePath is the initial POST endpoint, resolved against BaseURL.
	// The peer may replace it with an endpoint event.
	MessagePath string

	// ProtocolVersion is sent on every POST until SetProtocolVersion
	// replaces it.
	ProtocolVersion string

	// Headers are added to both the stream request and every POST.
	Headers map[string]string

	// RequestTimeout bounds each request from send to response.
	RequestTimeout time.Duration

	// ConnectTimeout bounds the stream handshake.
	ConnectTimeout time.Duration

	// RateLimit throttles POSTs. Zero disables throttling.
	RateLimit rate.Limit
	Burst     int

	// HTTPClient is used for both directions. It must not set a Timeout,
	// which would cut the stream. Default: a fresh http.Client.
	HTTPClient *http.Client

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// DefaultSSEConfig returns configuration with sensible defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		BaseURL:         "http://localhost:8080",
		SSEPath:         "/sse",
		MessagePath:     "/mcp/message",
		ProtocolVersion: "2024-11-05",
		RequestTimeout:  10 * time.Second,
		ConnectTimeout:  10 * time.Second,
	}
}

// SSETransport implements Transport using Server-Sent Events for
// peer→client traffic and HTTP POST for client→peer traffic.
type SSETransport struct {
	config  SSEConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *logging.Logger
	tracer  *telemetry.Tracer

	baseURL    *url.URL
	streamURL  *url.URL
	messageURL atomic.Pointer[url.URL]
	version    atomic.Pointer[string]

	// connectMu serializes Connect calls. mu guards state transitions and
	// the fields below it.
	connectMu  sync.Mutex
	mu         sync.Mutex
	state      atomic.Int32
	conn       *streamConn
	dialCancel context.CancelFunc

	pending *pendingTable
}

// streamConn is one open stream and its reader goroutine.
type streamConn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ Transport     = (*SSETransport)(nil)
	_ VersionSetter = (*SSETransport)(nil)
	_ StateReporter = (*SSETransport)(nil)
)

// NewSSETransport creates an unconnected SSE transport.
func NewSSETransport(cfg SSEConfig) (*SSETransport, error) {
	defaults := DefaultSSEConfig()
	if cfg.SSEPath == "" {
		cfg.SSEPath = defaults.SSEPath
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = defaults.MessagePath
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = defaults.ProtocolVersion
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	base, err := NormalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, rpcerrors.InvalidInput(err.Error())
	}
	streamURL, err := resolve(base, NormalizePath(cfg.SSEPath))
	if err != nil {
		return nil, rpcerrors.InvalidInput(fmt.Sprintf("invalid stream path %q: %v", cfg.SSEPath, err))
	}
	messageURL, err := resolve(base, NormalizePath(cfg.MessagePath))
	if err != nil {
		return nil, rpcerrors.InvalidInput(fmt.Sprintf("invalid message path %q: %v", cfg.MessagePath, err))
	}

	t := &SSETransport{
		config:    cfg,
		client:    cfg.HTTPClient,
		log:       cfg.Logger,
		tracer:    cfg.Tracer,
		baseURL:   base,
		streamURL: streamURL,
		pending:   newPendingTable(),
	}
	if t.client == nil {
		t.client = &http.Client{}
	}
	if t.log == nil {
		t.log = logging.Nop()
	}
	t.log = t.log.WithComponent("transport")
	if t.tracer == nil {
		t.tracer = telemetry.GetTracer()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}

	t.messageURL.Store(messageURL)
	version := cfg.ProtocolVersion
	t.version.Store(&version)
	return t, nil
}

// State returns the current connection state.
func (t *SSETransport) State() State {
	return State(t.state.Load())
}

// StreamURL returns the resolved stream endpoint.
func (t *SSETransport) StreamURL() *url.URL {
	u := *t.streamURL
	return &u
}

// MessageURL returns the current POST endpoint.
func (t *SSETransport) MessageURL() *url.URL {
	u := *t.messageURL.Load()
	return &u
}

// ProtocolVersion returns the version advertised on POSTs.
func (t *SSETransport) ProtocolVersion() string {
	return *t.version.Load()
}

// SetProtocolVersion replaces the version advertised on POSTs.
func (t *SSETransport) SetProtocolVersion(version string) {
	if version == "" {
		return
	}
	t.version.Store(&version)
}

// Pending returns the number of requests awaiting a response.
func (t *SSETransport) Pending() int {
	return t.pending.len()
}

// Connect opens the event stream. It returns once the peer has accepted the
// stream request; reading continues in the background.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	switch t.State() {
	case StateConnected:
		t.mu.Unlock()
		return nil
	case StateClosed:
		t.mu.Unlock()
		return rpcerrors.Closed("transport closed")
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	t.dialCancel = cancel
	t.state.Store(int32(StateConnecting))
	t.mu.Unlock()

	spanCtx, span := t.tracer.StartConnectSpan(ctx, t.streamURL.String())
	resp, err := t.openStream(spanCtx, streamCtx, cancel)

	t.mu.Lock()
	t.dialCancel = nil
	if t.State() == StateClosed {
		t.mu.Unlock()
		cancel()
		if resp != nil {
			resp.Body.Close()
		}
		err = rpcerrors.Closed("transport closed during connect")
		t.tracer.EndConnectSpan(span, 0, err)
		return err
	}
	if err != nil {
		t.state.Store(int32(StateUnconnected))
		t.mu.Unlock()
		cancel()
		t.tracer.EndConnectSpan(span, statusOf(err), err)
		t.log.Warn("stream connect failed", map[string]interface{}{
			"url":   t.streamURL.String(),
			"error": err,
		})
		return err
	}

	conn := &streamConn{cancel: cancel, done: make(chan struct{})}
	t.conn = conn
	t.pending.reopen()
	t.state.Store(int32(StateConnected))
	t.mu.Unlock()

	t.tracer.EndConnectSpan(span, resp.StatusCode, nil)
	t.log.Info("stream connected", map[string]interface{}{
		"url": t.streamURL.String(),
	})

	go t.readLoop(conn, resp.Body)
	return nil
}

// openStream issues the stream request. The handshake is bounded by the
// connect timeout and by ctx; both cancel streamCtx.
func (t *SSETransport) openStream(ctx, streamCtx context.Context, cancel context.CancelFunc) (*http.Response, error) {
	timer := time.AfterFunc(t.config.ConnectTimeout, cancel)
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.streamURL.String(), nil)
	if err != nil {
		timer.Stop()
		stop()
		return nil, rpcerrors.WrapWithCode(err, rpcerrors.ErrCodeInvalidInput, "building stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.applyHeaders(req.Header)
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := t.client.Do(req)
	timedOut := !timer.Stop()
	canceled := !stop()

	urlMeta := rpcerrors.WithMetadata("url", t.streamURL.String())
	switch {
	case timedOut:
		closeBody(resp)
		return nil, rpcerrors.Timeout(fmt.Sprintf("stream connect timed out after %s", t.config.ConnectTimeout), urlMeta)
	case canceled:
		closeBody(resp)
		return nil, rpcerrors.Wrap(ctx.Err(), "stream connect", urlMeta)
	case err != nil:
		return nil, rpcerrors.Wrap(err, "opening stream", urlMeta)
	}

	if resp.StatusCode >= 400 {
		body := readSnippet(resp.Body)
		resp.Body.Close()
		return nil, rpcerrors.Transport(
			fmt.Sprintf("stream returned status %d", resp.StatusCode),
			urlMeta,
			rpcerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			rpcerrors.WithMetadata("body", body),
		)
	}
	return resp, nil
}

// readLoop consumes frames until the stream ends.
func (t *SSETransport) readLoop(conn *streamConn, body io.ReadCloser) {
	defer close(conn.done)
	defer body.Close()

	fr := newFrameReader(body)
	for {
		f, err := fr.next()
		if err != nil {
			t.streamEnded(conn, err)
			return
		}
		t.dispatch(f)
	}
}

// streamEnded fails everything in flight unless the end was caused by Close.
func (t *SSETransport) streamEnded(conn *streamConn, cause error) {
	t.mu.Lock()
	if t.State() == StateClosed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state.Store(int32(StateUnconnected))
	n := t.pending.failAll(rpcerrors.Transport("connection lost", rpcerrors.WithCause(cause)))
	t.mu.Unlock()

	conn.cancel()
	t.log.Warn("stream ended", map[string]interface{}{
		"url":     t.streamURL.String(),
		"error":   cause,
		"pending": n,
	})
}

func (t *SSETransport) dispatch(f frame) {
	switch f.event {
	case EventEndpoint:
		t.updateEndpoint(f.data)
	case EventMessage:
		t.deliver(f.data)
	default:
		t.log.Debug("ignoring event", map[string]interface{}{"event": f.event})
	}
}

func (t *SSETransport) updateEndpoint(data string) {
	ref := strings.TrimSpace(data)
	if ref == "" {
		return
	}
	u, err := resolve(t.baseURL, ref)
	if err != nil {
		t.log.Warn("ignoring invalid endpoint", map[string]interface{}{
			"endpoint": ref,
			"error":    err,
		})
		return
	}
	t.messageURL.Store(u)
	t.log.Info("message endpoint updated", map[string]interface{}{"url": u.String()})
}

func (t *SSETransport) deliver(data string) {
	msg, ok := envelope.Parse([]byte(data))
	if !ok {
		t.log.Debug("dropping unparseable message", map[string]interface{}{"size": len(data)})
		return
	}
	if msg.Method != "" || !msg.HasID {
		t.log.Debug("ignoring peer-initiated message", map[string]interface{}{"method": msg.Method})
		return
	}
	if !t.pending.resolve(msg.ID, msg) {
		t.log.Debug("dropping uncorrelated response", map[string]interface{}{"id": msg.ID})
	}
}

// SendRequest posts payload and waits for the response with the same id.
func (t *SSETransport) SendRequest(ctx context.Context, payload []byte, id int64) (*envelope.Message, error) {
	if err := t.checkConnected(rpcerrors.WithRequestID(id)); err != nil {
		return nil, err
	}

	slot, err := t.pending.register(id)
	if err != nil {
		if t.State() == StateClosed {
			return nil, rpcerrors.Closed("transport closed", rpcerrors.WithRequestID(id))
		}
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	// The POST runs alongside the wait so that Close or stream loss, which
	// complete the slot, also abandon a POST the peer has not answered.
	posted := make(chan error, 1)
	go func() { posted <- t.post(reqCtx, payload) }()

	for {
		select {
		case err := <-posted:
			posted = nil
			if err == nil {
				continue
			}
			if t.pending.remove(id) {
				return nil, t.waitError(ctx, err, id)
			}
			r := <-slot
			return r.msg, r.err
		case r := <-slot:
			return r.msg, r.err
		case <-reqCtx.Done():
			if t.pending.remove(id) {
				return nil, t.waitError(ctx, reqCtx.Err(), id)
			}
			// Delivery won the race; its result is already in the slot.
			r := <-slot
			return r.msg, r.err
		}
	}
}

// waitError classifies a failed wait. The request deadline yields a typed
// timeout; a caller context ending yields its own error.
func (t *SSETransport) waitError(ctx context.Context, err error, id int64) error {
	if ctx.Err() != nil {
		return rpcerrors.Wrap(ctx.Err(), "waiting for response", rpcerrors.WithRequestID(id))
	}
	if rpcerrors.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return rpcerrors.Timeout(
			fmt.Sprintf("no response within %s", t.config.RequestTimeout),
			rpcerrors.WithRequestID(id),
		)
	}
	return err
}

// SendNotification posts payload without waiting for anything.
func (t *SSETransport) SendNotification(ctx context.Context, payload []byte) error {
	if err := t.checkConnected(); err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()
	return t.post(reqCtx, payload)
}

func (t *SSETransport) checkConnected(opts ...rpcerrors.Option) error {
	switch t.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return rpcerrors.Closed("transport closed", opts...)
	default:
		return rpcerrors.Transport("not connected", opts...)
	}
}

// post sends one envelope to the current message endpoint.
func (t *SSETransport) post(ctx context.Context, payload []byte) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				return rpcerrors.Timeout("rate limit wait would exceed deadline", rpcerrors.WithCause(err))
			}
			return rpcerrors.Wrap(ctx.Err(), "rate limit wait")
		}
	}

	target := t.messageURL.Load().String()
	urlMeta := rpcerrors.WithMetadata("url", target)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return rpcerrors.WrapWithCode(err, rpcerrors.ErrCodeInvalidInput, "building message request", urlMeta)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(HeaderProtocolVersion, t.ProtocolVersion())
	t.applyHeaders(req.Header)
	telemetry.InjectHeaders(ctx, req.Header)

	resp, err := t.client.Do(req)
	if err != nil {
		return rpcerrors.Wrap(err, "sending message", urlMeta)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return rpcerrors.Transport(
			fmt.Sprintf("message endpoint returned status %d", resp.StatusCode),
			urlMeta,
			rpcerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			rpcerrors.WithMetadata("body", readSnippet(resp.Body)),
		)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

func (t *SSETransport) applyHeaders(h http.Header) {
	for k, v := range t.config.Headers {
		h.Set(k, v)
	}
}

// Close shuts the transport down. Pending requests fail with a closed error.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.State() == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state.Store(int32(StateClosed))
	conn := t.conn
	t.conn = nil
	dial := t.dialCancel
	n := t.pending.failAll(rpcerrors.Closed("transport closed"))
	t.mu.Unlock()

	if dial != nil {
		dial()
	}
	if conn != nil {
		conn.cancel()
		<-conn.done
	}

	t.log.Info("transport closed", map[string]interface{}{"failed_pending": n})
	return nil
}

func closeBody(resp *http.Response) {
	if resp != nil {
		resp.Body.Close()
	}
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}

// statusOf extracts the HTTP status recorded on a transport error.
func statusOf(err error) int {
	status, _ := strconv.Atoi(rpcerrors.GetMetadata(err)["status"])
	return status
}
