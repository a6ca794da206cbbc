package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vinayprograms/streamrpc/envelope"
	rpcerrors "github.com/vinayprograms/streamrpc/errors"
	"github.com/vinayprograms/streamrpc/ledger"
	"github.com/vinayprograms/streamrpc/telemetry"
	"github.com/vinayprograms/streamrpc/transport"
	"github.com/vinayprograms/streamrpc/transport/ssetest"
)

// newPeer starts a fake MCP server with two tools, one resource and one prompt.
func newPeer(t *testing.T, tools ...string) *ssetest.Server {
	t.Helper()
	if len(tools) == 0 {
		tools = []string{"echo", "delete_all"}
	}
	peer := ssetest.New()
	t.Cleanup(peer.Close)

	peer.HandleResult(MethodInitialize, map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": "fake", "version": "0.1"},
	})

	defs := make([]map[string]any, 0, len(tools))
	for _, name := range tools {
		defs = append(defs, map[string]any{"name": name, "description": name + " tool", "inputSchema": map[string]any{"type": "object"}})
	}
	peer.HandleResult(MethodToolsList, map[string]any{"tools": defs})

	peer.Handle(MethodToolsCall, func(_ context.Context, req *envelope.Request) ssetest.Reply {
		var p ToolCallParams
		json.Unmarshal(req.Params, &p)
		text, _ := json.Marshal(p.Arguments)
		return ssetest.Reply{Result: ToolCallResult{Content: []Content{{Type: "text", Text: p.Name + ":" + string(text)}}}}
	})
	peer.HandleResult(MethodResourcesList, map[string]any{
		"resources": []any{map[string]any{"uri": "file:///readme", "name": "readme"}},
	})
	peer.Handle(MethodResourcesRead, func(_ context.Context, req *envelope.Request) ssetest.Reply {
		var p struct{ URI string }
		json.Unmarshal(req.Params, &p)
		return ssetest.Reply{Result: ReadResourceResult{Contents: []ResourceContents{{URI: p.URI, Text: "hello"}}}}
	})
	peer.HandleResult(MethodPromptsList, map[string]any{
		"prompts": []any{map[string]any{"name": "greet", "arguments": []any{map[string]any{"name": "who", "required": true}}}},
	})
	peer.Handle(MethodPromptsGet, func(_ context.Context, req *envelope.Request) ssetest.Reply {
		var p struct {
			Name      string
			Arguments map[string]string
		}
		json.Unmarshal(req.Params, &p)
		return ssetest.Reply{Result: GetPromptResult{Messages: []PromptMessage{
			{Role: "user", Content: Content{Type: "text", Text: "hello " + p.Arguments["who"]}},
		}}}
	})
	return peer
}

func serverConfig(peer *ssetest.Server) ServerConfig {
	tc := transport.DefaultSSEConfig()
	tc.BaseURL = peer.URL
	tc.RequestTimeout = 2 * time.Second
	return ServerConfig{Transport: tc}
}

func newTestClient(t *testing.T, peer *ssetest.Server, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient("fake", serverConfig(peer), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// --- Unit Tests ---

func TestToolCallResult_Text(t *testing.T) {
	r := ToolCallResult{Content: []Content{
		{Type: "text", Text: "a"},
		{Type: "image", Data: "xx"},
		{Type: "text", Text: "b"},
	}}
	if r.Text() != "a\nb" {
		t.Errorf("Text() = %q", r.Text())
	}
}

func TestInitializeResult_HasCapability(t *testing.T) {
	var nilResult *InitializeResult
	if nilResult.HasCapability("tools") {
		t.Error("nil result has no capabilities")
	}
	r := &InitializeResult{Capabilities: map[string]json.RawMessage{"tools": json.RawMessage(`{}`)}}
	if !r.HasCapability("tools") || r.HasCapability("prompts") {
		t.Error("unexpected capability lookup")
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("bad", ServerConfig{Transport: transport.SSEConfig{BaseURL: "::"}})
	if !rpcerrors.Is(err, rpcerrors.ErrCodeInvalidInput) {
		t.Errorf("err = %v", err)
	}
}

// --- Integration Tests ---

func TestClient_Initialize(t *testing.T) {
	peer := newPeer(t)
	c := newTestClient(t, peer)

	if c.IsInitialized() || c.InitializeResult() != nil {
		t.Fatal("client must start uninitialized")
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}

	if len(peer.PostsFor(MethodInitialize)) != 1 {
		t.Errorf("initialize sent %d times", len(peer.PostsFor(MethodInitialize)))
	}
	if len(peer.PostsFor(NotificationInitialized)) != 1 {
		t.Error("initialized notification not sent")
	}

	res := c.InitializeResult()
	if res.ServerInfo.Name != "fake" || !res.HasCapability("tools") {
		t.Errorf("result = %+v", res)
	}

	var params InitializeParams
	json.Unmarshal(peer.PostsFor(MethodInitialize)[0].Request.Params, &params)
	if params.ProtocolVersion != DefaultProtocolVersion || params.ClientInfo.Name != "streamrpc" {
		t.Errorf("initialize params = %+v", params)
	}
	if _, ok := params.Capabilities["sampling"]; !ok {
		t.Errorf("capabilities = %v", params.Capabilities)
	}

	// The negotiated version is used from then on.
	sse := c.Transport().(*transport.SSETransport)
	if sse.ProtocolVersion() != "2025-03-26" {
		t.Errorf("pinned version = %q", sse.ProtocolVersion())
	}
	note := peer.PostsFor(NotificationInitialized)[0]
	if note.Header.Get(transport.HeaderProtocolVersion) != "2025-03-26" {
		t.Errorf("notification version header = %q", note.Header.Get(transport.HeaderProtocolVersion))
	}
}

func TestClient_LazyInitialization(t *testing.T) {
	peer := newPeer(t)
	c := newTestClient(t, peer)

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if !c.IsInitialized() || len(tools) != 2 {
		t.Errorf("initialized = %v, tools = %v", c.IsInitialized(), tools)
	}

	methods := []string{}
	for _, ex := range c.Ledger().All() {
		methods = append(methods, ex.Method)
	}
	if len(methods) != 2 || methods[0] != MethodInitialize || methods[1] != MethodToolsList {
		t.Errorf("ledger methods = %v", methods)
	}
}

func TestClient_ConcurrentFirstCalls(t *testing.T) {
	peer := newPeer(t)
	c := newTestClient(t, peer)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ListTools(context.Background()); err != nil {
				t.Errorf("ListTools: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(peer.PostsFor(MethodInitialize)); n != 1 {
		t.Errorf("initialize sent %d times, want 1", n)
	}
}

func TestClient_InitializeFailureRetried(t *testing.T) {
	peer := newPeer(t)
	attempts := 0
	var mu sync.Mutex
	peer.Handle(MethodInitialize, func(context.Context, *envelope.Request) ssetest.Reply {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return ssetest.Reply{Error: &envelope.Error{Code: envelope.InternalError, Message: "warming up"}}
		}
		return ssetest.Reply{Result: map[string]any{"protocolVersion": DefaultProtocolVersion}}
	})
	c := newTestClient(t, peer)

	err := c.Initialize(context.Background())
	if !rpcerrors.IsProtocol(err) {
		t.Fatalf("first Initialize = %v, want protocol error", err)
	}
	if c.IsInitialized() {
		t.Fatal("failed handshake must not mark the session initialized")
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(peer.PostsFor(NotificationInitialized)) != 1 {
		t.Error("initialized notification must follow the successful handshake only")
	}
}

func TestClient_ReinitializesAfterStreamLoss(t *testing.T) {
	peer := newPeer(t)
	c := newTestClient(t, peer)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	peer.WaitForClient(time.Second)

	peer.DropClients()
	sse := c.Transport().(*transport.SSETransport)
	deadline := time.Now().Add(2 * time.Second)
	for sse.State() != transport.StateUnconnected {
		if time.Now().After(deadline) {
			t.Fatal("stream loss not observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.ListTools(context.Background()); !rpcerrors.IsTransportFailure(err) {
		t.Fatalf("call on lost stream = %v, want transport failure", err)
	}
	if c.IsInitialized() {
		t.Fatal("session must be uninitialized after stream loss")
	}

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("call after loss: %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("tools = %d", len(tools))
	}
	if n := len(peer.PostsFor(MethodInitialize)); n != 2 {
		t.Errorf("initialize sent %d times, want 2", n)
	}
	if peer.StreamCount() != 2 {
		t.Errorf("streams = %d, want 2", peer.StreamCount())
	}
}

func TestClient_ToolsResourcesPrompts(t *testing.T) {
	peer := newPeer(t)
	c := newTestClient(t, peer)
	ctx := context.Background()

	tool, err := c.Tool(ctx, "echo")
	if err != nil || tool.Description != "echo tool" {
		t.Fatalf("Tool = %+v, %v", tool, err)
	}
	if _, err := c.Tool(ctx, "missing"); !rpcerrors.Is(err, rpcerrors.ErrCodeInvalidInput) {
		t.Errorf("missing tool err = %v", err)
	}
	if len(c.Tools()) != 2 {
		t.Errorf("cached tools = %v", c.Tools())
	}

	res, err := c.CallTool(ctx, "echo", map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text() != `echo:{"msg":"hi"}` {
		t.Errorf("CallTool text = %q", res.Text())
	}
	res, _ = c.CallTool(ctx, "echo", nil)
	if res.Text() != "echo:{}" {
		t.Errorf("nil args sent as %q", res.Text())
	}

	resources, err := c.ListResources(ctx)
	if err != nil || len(resources) != 1 || resources[0].URI != "file:///readme" {
		t.Errorf("ListResources = %v, %v", resources, err)
	}
	read, err := c.ReadResource(ctx, "file:///readme")
	if err != nil || read.Contents[0].Text != "hello" {
		t.Errorf("ReadResource = %+v, %v", read, err)
	}

	prompts, err := c.ListPrompts(ctx)
	if err != nil || len(prompts) != 1 || !prompts[0].Arguments[0].Required {
		t.Errorf("ListPrompts = %v, %v", prompts, err)
	}
	prompt, err := c.GetPrompt(ctx, "greet", map[string]string{"who": "gopher"})
	if err != nil || prompt.Messages[0].Content.Text != "hello gopher" {
		t.Errorf("GetPrompt = %+v, %v", prompt, err)
	}
}

func TestClient_MalformedResult(t *testing.T) {
	peer := newPeer(t)
	peer.HandleResult(MethodToolsList, map[string]any{"items": []any{}})
	c := newTestClient(t, peer)

	_, err := c.ListTools(context.Background())
	if !rpcerrors.IsMalformed(err) {
		t.Errorf("err = %v, want MALFORMED", err)
	}

	peer.HandleResult(MethodResourcesList, "not an object")
	if _, err := c.ListResources(context.Background()); !rpcerrors.IsMalformed(err) {
		t.Errorf("err = %v, want MALFORMED", err)
	}
}

func TestClient_Pagination(t *testing.T) {
	peer := newPeer(t)
	pages := func(key string, first, second any) ssetest.HandlerFunc {
		return func(_ context.Context, req *envelope.Request) ssetest.Reply {
			var p PageParams
			json.Unmarshal(req.Params, &p)
			switch p.Cursor {
			case "":
				return ssetest.Reply{Result: map[string]any{key: []any{first}, "nextCursor": "page-2"}}
			case "page-2":
				return ssetest.Reply{Result: map[string]any{key: []any{second}}}
			}
			return ssetest.Reply{Error: &envelope.Error{Code: envelope.InvalidParams, Message: "bad cursor " + p.Cursor}}
		}
	}
	peer.Handle(MethodToolsList, pages("tools", map[string]any{"name": "a"}, map[string]any{"name": "b"}))
	peer.Handle(MethodResourcesList, pages("resources", map[string]any{"uri": "r://1"}, map[string]any{"uri": "r://2"}))
	peer.Handle(MethodPromptsList, pages("prompts", map[string]any{"name": "p1"}, map[string]any{"name": "p2"}))
	c := newTestClient(t, peer)
	ctx := context.Background()

	first, err := c.ListToolsPage(ctx, "")
	if err != nil || len(first.Tools) != 1 || first.NextCursor != "page-2" {
		t.Fatalf("first page = %+v, %v", first, err)
	}
	second, err := c.ListToolsPage(ctx, first.NextCursor)
	if err != nil || second.Tools[0].Name != "b" || second.NextCursor != "" {
		t.Fatalf("second page = %+v, %v", second, err)
	}

	tools, err := c.ListTools(ctx)
	if err != nil || len(tools) != 2 || tools[0].Name != "a" || tools[1].Name != "b" {
		t.Errorf("ListTools = %v, %v", tools, err)
	}
	if len(c.Tools()) != 2 {
		t.Errorf("cached tools = %v", c.Tools())
	}

	posts := peer.PostsFor(MethodToolsList)
	if string(posts[0].Request.Params) != `{}` || string(posts[1].Request.Params) != `{"cursor":"page-2"}` {
		t.Errorf("params = %s, %s", posts[0].Request.Params, posts[1].Request.Params)
	}

	resources, err := c.ListResources(ctx)
	if err != nil || len(resources) != 2 || resources[1].URI != "r://2" {
		t.Errorf("ListResources = %v, %v", resources, err)
	}
	page, err := c.ListResourcesPage(ctx, "")
	if err != nil || page.NextCursor != "page-2" {
		t.Errorf("ListResourcesPage = %+v, %v", page, err)
	}

	prompts, err := c.ListPrompts(ctx)
	if err != nil || len(prompts) != 2 || prompts[1].Name != "p2" {
		t.Errorf("ListPrompts = %v, %v", prompts, err)
	}
	promptPage, err := c.ListPromptsPage(ctx, "page-2")
	if err != nil || promptPage.NextCursor != "" || promptPage.Prompts[0].Name != "p2" {
		t.Errorf("ListPromptsPage = %+v, %v", promptPage, err)
	}
}

func TestClient_RepeatedCursor(t *testing.T) {
	peer := newPeer(t)
	peer.HandleResult(MethodToolsList, map[string]any{"tools": []any{}, "nextCursor": "again"})
	c := newTestClient(t, peer)

	if _, err := c.ListTools(context.Background()); !rpcerrors.IsMalformed(err) {
		t.Errorf("err = %v, want MALFORMED", err)
	}
	if n := len(peer.PostsFor(MethodToolsList)); n != 2 {
		t.Errorf("tools/list sent %d times, want 2", n)
	}
}

func TestClient_GenericCallAndErrors(t *testing.T) {
	peer := newPeer(t)
	c := newTestClient(t, peer)

	_, err := c.Call(context.Background(), "unknown/method", nil)
	var rpcErr *envelope.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != envelope.MethodNotFound {
		t.Fatalf("err = %v", err)
	}
	if ex, _ := c.Ledger().Last(); ex.Status != ledger.StatusError {
		t.Errorf("status = %s", ex.Status)
	}

	c.Close()
	if _, err := c.Call(context.Background(), MethodToolsList, nil); !rpcerrors.IsTransportFailure(err) {
		t.Errorf("call after close = %v", err)
	}
}

func TestClient_SessionSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := telemetry.NewTracerWithProvider(tp, "mcp-test", false)

	peer := newPeer(t)
	c := newTestClient(t, peer, WithTracer(tracer))
	if _, err := c.CallTool(context.Background(), "echo", nil); err != nil {
		t.Fatal(err)
	}

	names := map[string]bool{}
	for _, s := range rec.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{"mcp.fake.initialize", "mcp.fake.tools/call", "rpc.initialize", "rpc.tools/call", "stream.connect"} {
		if !names[want] {
			t.Errorf("missing span %q in %v", want, names)
		}
	}
}

// --- Manager Tests ---

func TestManager_Empty(t *testing.T) {
	m := NewManager()

	if m.ServerCount() != 0 {
		t.Errorf("expected 0 servers, got %d", m.ServerCount())
	}
	if tools := m.AllTools(); len(tools) != 0 {
		t.Errorf("expected 0 tools, got %d", len(tools))
	}
	if _, found := m.FindTool("nonexistent"); found {
		t.Error("expected tool not to be found")
	}
	if _, err := m.CallTool(context.Background(), "nope", "x", nil); err == nil {
		t.Error("expected error for unknown server")
	}
	if err := m.Disconnect("nope"); err == nil {
		t.Error("expected error disconnecting unknown server")
	}
}

func TestManager_ConnectAndRoute(t *testing.T) {
	alpha := newPeer(t, "search", "shared")
	beta := newPeer(t, "deploy", "shared")

	shared := ledger.New()
	m := NewManager(WithLedger(shared))
	defer m.Close()

	ctx := context.Background()
	if err := m.Connect(ctx, "alpha", serverConfig(alpha)); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(ctx, "beta", serverConfig(beta)); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(ctx, "alpha", serverConfig(alpha)); !rpcerrors.Is(err, rpcerrors.ErrCodeConflict) {
		t.Errorf("duplicate connect = %v, want CONFLICT", err)
	}

	if got := m.Servers(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("Servers = %v", got)
	}
	if len(m.AllTools()) != 4 {
		t.Errorf("AllTools = %v", m.AllTools())
	}
	if srv, ok := m.FindTool("deploy"); !ok || srv != "beta" {
		t.Errorf("FindTool(deploy) = %s, %v", srv, ok)
	}
	if srv, _ := m.FindTool("shared"); srv != "alpha" {
		t.Errorf("FindTool(shared) = %s, want alpha", srv)
	}

	res, err := m.CallTool(ctx, "beta", "deploy", map[string]interface{}{"env": "prod"})
	if err != nil || res.Text() != `deploy:{"env":"prod"}` {
		t.Errorf("CallTool = %v, %v", res, err)
	}

	// Both sessions record into the shared ledger.
	if shared.Len() != 5 {
		t.Errorf("shared ledger has %d entries, want 5", shared.Len())
	}

	if err := m.Disconnect("alpha"); err != nil {
		t.Fatal(err)
	}
	if m.ServerCount() != 1 {
		t.Errorf("ServerCount = %d", m.ServerCount())
	}
}

func TestManager_DeniedTools(t *testing.T) {
	peer := newPeer(t)
	m := NewManager()
	defer m.Close()

	if err := m.Connect(context.Background(), "fake", serverConfig(peer)); err != nil {
		t.Fatal(err)
	}
	m.SetDeniedTools("fake", []string{"delete_all"})

	for _, tool := range m.AllTools() {
		if tool.Tool.Name == "delete_all" {
			t.Error("denied tool listed")
		}
	}
	if _, found := m.FindTool("delete_all"); found {
		t.Error("denied tool found")
	}
	if _, err := m.CallTool(context.Background(), "fake", "delete_all", nil); !rpcerrors.Is(err, rpcerrors.ErrCodeInvalidInput) {
		t.Errorf("denied call = %v", err)
	}
	if len(peer.PostsFor(MethodToolsCall)) != 0 {
		t.Error("denied tool must not reach the server")
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	peer := ssetest.NewWithConfig(ssetest.Config{StreamStatus: 503})
	defer peer.Close()

	m := NewManager()
	err := m.Connect(context.Background(), "down", serverConfig(peer))
	if !rpcerrors.IsTransportFailure(err) {
		t.Errorf("err = %v, want transport failure", err)
	}
	if m.ServerCount() != 0 {
		t.Error("failed server must not be registered")
	}
}
