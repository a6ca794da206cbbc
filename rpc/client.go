// Package rpc issues JSON-RPC 2.0 requests over a Transport and records
// every attempt in an exchange ledger.
package rpc

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/streamrpc/envelope"
	rpcerrors "github.com/vinayprograms/streamrpc/errors"
	"github.com/vinayprograms/streamrpc/ledger"
	"github.com/vinayprograms/streamrpc/logging"
	"github.com/vinayprograms/streamrpc/telemetry"
	"github.com/vinayprograms/streamrpc/transport"
)

// Client correlates requests with responses through a Transport.
// It is safe for concurrent use.
type Client struct {
	transport transport.Transport
	ledger    *ledger.Ledger
	log       *logging.Logger
	tracer    *telemetry.Tracer
	nextID    atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Default: a nop logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l.WithComponent("rpc") }
}

// WithTracer sets the tracer. Default: the global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithLedger records into an existing ledger instead of a fresh one.
func WithLedger(l *ledger.Ledger) Option {
	return func(c *Client) { c.ledger = l }
}

// WithInitialID sets the first request id. Default: 1.
func WithInitialID(id int64) Option {
	return func(c *Client) { c.nextID.Store(id) }
}

// New creates a client over t. The transport is used as is; connecting it
// is the caller's job.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		ledger:    ledger.New(),
		log:       logging.Nop(),
		tracer:    telemetry.GetTracer(),
	}
	c.nextID.Store(1)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ledger returns the exchange ledger.
func (c *Client) Ledger() *ledger.Ledger {
	return c.ledger
}

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// NextID returns the id the next Call will use without consuming it.
func (c *Client) NextID() int64 {
	return c.nextID.Load()
}

// staged is an exchange in progress. It becomes a ledger.Exchange once the
// outcome is known.
type staged struct {
	id       int64
	method   string
	params   json.RawMessage
	request  json.RawMessage
	sentAt   time.Time
	response *envelope.Message
	received time.Time
}

func (s *staged) finish(status ledger.Status, detail string) ledger.Exchange {
	ex := ledger.Exchange{
		ID:          s.id,
		Method:      s.method,
		Params:      s.params,
		Request:     s.request,
		SentAt:      s.sentAt,
		ReceivedAt:  s.received,
		Status:      status,
		ErrorDetail: detail,
	}
	if s.response != nil {
		ex.Response = s.response.Raw
	}
	return ex
}

// Call sends a request and waits for its response. It returns the raw
// result on success.
//
// Errors carry a code from the errors package: ErrCodeTimeout when no
// response arrived in time, ErrCodeTransport or ErrCodeClosed when the
// transport failed, ErrCodeProtocol when the peer answered with an error
// (the *envelope.Error is in the chain), and ErrCodeMalformed when the
// response had neither result nor error. Every call that reaches the
// transport appends exactly one exchange to the ledger.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := envelope.MarshalParams(params)
	if err != nil {
		return nil, rpcerrors.WrapWithCode(err, rpcerrors.ErrCodeInvalidInput, "encode params", rpcerrors.WithMethod(method))
	}

	id := c.nextID.Add(1) - 1
	payload, err := envelope.Encode(envelope.NewRequest(id, method, rawParams))
	if err != nil {
		return nil, rpcerrors.WrapWithCode(err, rpcerrors.ErrCodeInvalidInput, "encode request",
			rpcerrors.WithMethod(method), rpcerrors.WithRequestID(id))
	}

	ctx, span := c.tracer.StartCallSpan(ctx, method, id)
	ex := &staged{
		id:      id,
		method:  method,
		params:  rawParams,
		request: payload,
		sentAt:  time.Now(),
	}

	msg, err := c.transport.SendRequest(ctx, payload, id)
	if msg != nil {
		ex.response = msg
		ex.received = time.Now()
	}

	result, status, detail, err := classify(method, id, msg, err)
	record := ex.finish(status, detail)
	c.ledger.Record(record)

	spanOpts := telemetry.CallSpanOptions{
		Status: string(status),
		Params: string(rawParams),
		Result: string(result),
	}
	if msg != nil && msg.Error != nil {
		spanOpts.ErrorCode = msg.Error.Code
	}
	c.tracer.EndCallSpan(span, spanOpts, err)

	fields := map[string]interface{}{
		"id":     id,
		"method": method,
		"status": string(status),
	}
	if d, ok := record.Latency(); ok {
		fields["latency_ms"] = d.Milliseconds()
	}
	if err != nil {
		fields["error"] = err
	}
	c.log.Debug("call", fields)

	return result, err
}

// classify maps a transport outcome to a ledger status and the error
// returned to the caller.
func classify(method string, id int64, msg *envelope.Message, err error) (json.RawMessage, ledger.Status, string, error) {
	opts := []rpcerrors.Option{rpcerrors.WithMethod(method), rpcerrors.WithRequestID(id)}

	switch {
	case err != nil:
		if rpcerrors.IsTimeout(err) {
			return nil, ledger.StatusTimeout, err.Error(), err
		}
		return nil, ledger.StatusFailed, err.Error(), err

	case msg.HasError():
		detail := msg.ErrorDetail()
		perr := rpcerrors.Protocol(msg.Error.Message, append(opts,
			rpcerrors.WithCause(msg.Error),
			rpcerrors.WithMetadata("rpc_code", strconv.Itoa(msg.Error.Code)))...)
		return nil, ledger.StatusError, detail, perr

	case !msg.HasResult():
		return nil, ledger.StatusError, "missing result", rpcerrors.Malformed("response has neither result nor error", opts...)
	}
	return msg.Result, ledger.StatusSuccess, "", nil
}

// Notify sends a notification. It consumes no id and records nothing.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	rawParams, err := envelope.MarshalParams(params)
	if err != nil {
		return rpcerrors.WrapWithCode(err, rpcerrors.ErrCodeInvalidInput, "encode params", rpcerrors.WithMethod(method))
	}
	payload, err := envelope.Encode(envelope.NewNotification(method, rawParams))
	if err != nil {
		return rpcerrors.WrapWithCode(err, rpcerrors.ErrCodeInvalidInput, "encode notification", rpcerrors.WithMethod(method))
	}
	if err := c.transport.SendNotification(ctx, payload); err != nil {
		c.log.Debug("notify failed", map[string]interface{}{"method": method, "error": err})
		return err
	}
	c.log.Debug("notify", map[string]interface{}{"method": method})
	return nil
}

// Connect connects the underlying transport.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
