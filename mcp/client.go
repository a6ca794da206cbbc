// Package mcp provides an MCP (Model Context Protocol) session client over
// the streaming transport.
//
// A Client performs the initialize handshake lazily on first use, pins the
// negotiated protocol version on the transport, and offers typed wrappers
// for tools, resources and prompts. Every request goes through an rpc.Client,
// so each one lands in the exchange ledger.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	rpcerrors "github.com/vinayprograms/streamrpc/errors"
	"github.com/vinayprograms/streamrpc/ledger"
	"github.com/vinayprograms/streamrpc/lifecycle"
	"github.com/vinayprograms/streamrpc/logging"
	"github.com/vinayprograms/streamrpc/rpc"
	"github.com/vinayprograms/streamrpc/telemetry"
	"github.com/vinayprograms/streamrpc/transport"
)

// DefaultProtocolVersion is announced when none is configured.
const DefaultProtocolVersion = "2024-11-05"

// ServerConfig configures an MCP server connection.
type ServerConfig struct {
	// Transport locates the server. Logger and Tracer are filled in from the
	// client options when unset.
	Transport transport.SSEConfig

	// ProtocolVersion is announced in initialize. Default: DefaultProtocolVersion.
	ProtocolVersion string

	// ClientInfo identifies this client. Default: streamrpc 1.0.0.
	ClientInfo Implementation
}

// Client is an MCP session with one server.
type Client struct {
	name      string
	sessionID string
	config    ServerConfig

	transport transport.Transport
	rpc       *rpc.Client
	gate      *lifecycle.Gate
	log       *logging.Logger
	tracer    *telemetry.Tracer

	mu         sync.RWMutex
	initResult *InitializeResult
	tools      []Tool
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger *logging.Logger
	tracer *telemetry.Tracer
	ledger *ledger.Ledger
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLedger records exchanges into a shared ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.Nop(), tracer: telemetry.GetTracer()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewClient creates an SSE transport for config and a session over it.
// Nothing is sent until the first call or Initialize.
func NewClient(name string, config ServerConfig, opts ...Option) (*Client, error) {
	o := buildOptions(opts)

	tc := config.Transport
	if tc.Logger == nil {
		tc.Logger = o.logger
	}
	if tc.Tracer == nil {
		tc.Tracer = o.tracer
	}
	if config.ProtocolVersion != "" {
		tc.ProtocolVersion = config.ProtocolVersion
	}
	t, err := transport.NewSSETransport(tc)
	if err != nil {
		return nil, err
	}
	return newClient(name, config, t, o), nil
}

// NewClientWithTransport creates a session over an existing transport.
func NewClientWithTransport(name string, t transport.Transport, config ServerConfig, opts ...Option) *Client {
	return newClient(name, config, t, buildOptions(opts))
}

func newClient(name string, config ServerConfig, t transport.Transport, o options) *Client {
	if config.ProtocolVersion == "" {
		config.ProtocolVersion = DefaultProtocolVersion
	}
	if config.ClientInfo.Name == "" {
		config.ClientInfo = Implementation{Name: "streamrpc", Version: "1.0.0"}
	}

	sessionID := uuid.New().String()
	log := o.logger.WithComponent("mcp").WithSession(sessionID)

	rpcOpts := []rpc.Option{rpc.WithLogger(o.logger), rpc.WithTracer(o.tracer)}
	if o.ledger != nil {
		rpcOpts = append(rpcOpts, rpc.WithLedger(o.ledger))
	}

	c := &Client{
		name:      name,
		sessionID: sessionID,
		config:    config,
		transport: t,
		rpc:       rpc.New(t, rpcOpts...),
		log:       log,
		tracer:    o.tracer,
	}
	c.gate = lifecycle.NewGate(c.handshake)
	return c
}

// Name returns the server name given at construction.
func (c *Client) Name() string { return c.name }

// SessionID returns the client-side session identifier used in logs.
func (c *Client) SessionID() string { return c.sessionID }

// Ledger returns the exchange ledger.
func (c *Client) Ledger() *ledger.Ledger { return c.rpc.Ledger() }

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport { return c.transport }

// Initialize connects the transport and performs the MCP handshake. It is
// safe to call more than once and from several goroutines; a failed
// handshake is retried by the next call.
func (c *Client) Initialize(ctx context.Context) error {
	return c.gate.Ensure(ctx)
}

// IsInitialized reports whether the handshake has completed.
func (c *Client) IsInitialized() bool {
	return c.gate.Done()
}

// InitializeResult returns the server's initialize response, or nil before
// the handshake completes.
func (c *Client) InitializeResult() *InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initResult
}

func (c *Client) handshake(ctx context.Context) (err error) {
	ctx, span := c.tracer.StartSessionSpan(ctx, c.name, MethodInitialize)
	defer func() { c.tracer.EndSessionSpan(span, telemetry.SessionSpanOptions{Server: c.name}, err) }()

	if err := c.transport.Connect(ctx); err != nil {
		return rpcerrors.Wrap(err, "connect "+c.name)
	}

	raw, err := c.rpc.Call(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: c.config.ProtocolVersion,
		Capabilities: map[string]interface{}{
			"roots":    map[string]interface{}{"listChanged": true},
			"sampling": map[string]interface{}{},
		},
		ClientInfo: c.config.ClientInfo,
	})
	if err != nil {
		return rpcerrors.Wrap(err, "initialize failed")
	}

	var result InitializeResult
	if err := decode(raw, &result, MethodInitialize); err != nil {
		return err
	}

	if result.ProtocolVersion != "" {
		if vs, ok := c.transport.(transport.VersionSetter); ok {
			vs.SetProtocolVersion(result.ProtocolVersion)
		}
	}

	c.mu.Lock()
	c.initResult = &result
	c.mu.Unlock()

	if err := c.rpc.Notify(ctx, NotificationInitialized, map[string]interface{}{}); err != nil {
		c.log.Warn("initialized notification failed", map[string]interface{}{"error": err})
	}

	c.log.Info("session initialized", map[string]interface{}{
		"server":           c.name,
		"server_name":      result.ServerInfo.Name,
		"server_version":   result.ServerInfo.Version,
		"protocol_version": result.ProtocolVersion,
	})
	return nil
}

// Call invokes a method after ensuring initialization and returns the raw
// result. When a failed call finds the stream gone, the session is marked
// uninitialized so the next call reconnects and repeats the handshake.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.rpc.Call(ctx, method, params)
		if err != nil && c.streamLost() {
			c.gate.Reset()
			c.log.Warn("session lost", map[string]interface{}{
				"server": c.name,
				"method": method,
				"error":  err,
			})
		}
		return err
	})
	return result, err
}

func (c *Client) streamLost() bool {
	sr, ok := c.transport.(transport.StateReporter)
	return ok && sr.State() == transport.StateUnconnected
}

// call runs method inside a session span and decodes the result into out.
func (c *Client) call(ctx context.Context, method, target string, params any, out any) (err error) {
	ctx, span := c.tracer.StartSessionSpan(ctx, c.name, method)
	var raw json.RawMessage
	defer func() {
		c.tracer.EndSessionSpan(span, telemetry.SessionSpanOptions{
			Server: c.name,
			Target: target,
			Result: string(raw),
		}, err)
	}()

	raw, err = c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	return decode(raw, out, method)
}

func decode(raw json.RawMessage, out any, method string) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return rpcerrors.WrapWithCode(err, rpcerrors.ErrCodeMalformed,
			fmt.Sprintf("failed to parse %s result", method), rpcerrors.WithMethod(method))
	}
	return nil
}

// ListTools fetches every page of tools from the server and caches them.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	tools := []Tool{}
	err := paginate(MethodToolsList, func(cursor string) (string, error) {
		page, err := c.ListToolsPage(ctx, cursor)
		if err != nil {
			return "", err
		}
		tools = append(tools, page.Tools...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// ListToolsPage fetches one page of tools starting at cursor.
func (c *Client) ListToolsPage(ctx context.Context, cursor string) (*ToolsListResult, error) {
	var result ToolsListResult
	if err := c.call(ctx, MethodToolsList, cursor, PageParams{Cursor: cursor}, &result); err != nil {
		return nil, err
	}
	if result.Tools == nil {
		return nil, rpcerrors.Malformed("tools/list did not return a tools array", rpcerrors.WithMethod(MethodToolsList))
	}
	return &result, nil
}

// paginate calls fetch with each cursor until a page carries none.
func paginate(method string, fetch func(cursor string) (next string, err error)) error {
	seen := make(map[string]bool)
	cursor := ""
	for {
		next, err := fetch(cursor)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		if seen[next] {
			return rpcerrors.Malformed(fmt.Sprintf("%s repeated cursor %q", method, next), rpcerrors.WithMethod(method))
		}
		seen[next] = true
		cursor = next
	}
}

// Tools returns the tools cached by the last ListTools.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tool(nil), c.tools...)
}

// Tool lists tools and returns the one named name.
func (c *Client) Tool(ctx context.Context, name string) (*Tool, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], nil
		}
	}
	return nil, rpcerrors.InvalidInput(fmt.Sprintf("no tool named %q", name), rpcerrors.WithMetadata("server", c.name))
}

// CallTool invokes a tool on the server. A nil args map is sent as {}.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	var result ToolCallResult
	if err := c.call(ctx, MethodToolsCall, name, ToolCallParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources fetches every page of resources.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	err := paginate(MethodResourcesList, func(cursor string) (string, error) {
		page, err := c.ListResourcesPage(ctx, cursor)
		if err != nil {
			return "", err
		}
		resources = append(resources, page.Resources...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// ListResourcesPage fetches one page of resources starting at cursor.
func (c *Client) ListResourcesPage(ctx context.Context, cursor string) (*ResourcesListResult, error) {
	var result ResourcesListResult
	if err := c.call(ctx, MethodResourcesList, cursor, PageParams{Cursor: cursor}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	var result ReadResourceResult
	if err := c.call(ctx, MethodResourcesRead, uri, map[string]string{"uri": uri}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPrompts fetches every page of prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	err := paginate(MethodPromptsList, func(cursor string) (string, error) {
		page, err := c.ListPromptsPage(ctx, cursor)
		if err != nil {
			return "", err
		}
		prompts = append(prompts, page.Prompts...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

// ListPromptsPage fetches one page of prompts starting at cursor.
func (c *Client) ListPromptsPage(ctx context.Context, cursor string) (*PromptsListResult, error) {
	var result PromptsListResult
	if err := c.call(ctx, MethodPromptsList, cursor, PageParams{Cursor: cursor}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPrompt renders a prompt. A nil args map is sent as {}.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	if args == nil {
		args = map[string]string{}
	}
	params := map[string]interface{}{"name": name, "arguments": args}
	var result GetPromptResult
	if err := c.call(ctx, MethodPromptsGet, name, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close shuts down the transport. Pending calls fail.
func (c *Client) Close() error {
	return c.transport.Close()
}
