// Package ssetest provides an in-process JSON-RPC peer speaking the split
// SSE + POST protocol, for tests and demos.
//
// The peer accepts POSTed envelopes on any path, answers requests through
// registered handlers, and writes responses to every connected stream as
// "message" events. Tests can also push raw frames, change the advertised
// endpoint, or drop streams to simulate connection loss.
package ssetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/streamrpc/envelope"
)

// Reply is what a handler returns for one request.
type Reply struct {
	Result any
	Error  *envelope.Error

	// Raw, when set, is sent verbatim instead of a built response.
	Raw string

	// Delay postpones the response.
	Delay time.Duration

	// Drop suppresses the response entirely.
	Drop bool
}

// HandlerFunc answers one request.
type HandlerFunc func(ctx context.Context, req *envelope.Request) Reply

// Post is one recorded POST.
type Post struct {
	Path    string
	Header  http.Header
	Body    []byte
	Method  string // JSON-RPC method
	ID      int64
	HasID   bool
	Request *envelope.Request
}

// Config holds peer configuration.
type Config struct {
	// SSEPath is where the stream is served. Default: /sse.
	SSEPath string

	// EndpointEvent, when set, is sent as an endpoint event to each new stream.
	EndpointEvent string

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration

	// StreamStatus, when non-zero, rejects stream requests with that status.
	StreamStatus int

	// PostStatus, when non-zero, rejects POSTs with that status.
	PostStatus int

	// HoldPosts records each POST and then leaves it unanswered until the
	// client gives up or the peer closes.
	HoldPosts bool
}

// Server is a fake peer backed by httptest.Server.
type Server struct {
	*httptest.Server

	config Config

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	posts    []Post
	streams  int

	clientsMu sync.RWMutex
	clients   map[int]chan []byte
	nextID    int
	connected chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New starts a peer with default configuration.
func New() *Server {
	return NewWithConfig(Config{})
}

// NewWithConfig starts a peer.
func NewWithConfig(cfg Config) *Server {
	if cfg.SSEPath == "" {
		cfg.SSEPath = "/sse"
	}
	s := &Server{
		config:    cfg,
		handlers:  make(map[string]HandlerFunc),
		clients:   make(map[int]chan []byte),
		connected: make(chan struct{}, 64),
		done:      make(chan struct{}),
	}

	s.Server = httptest.NewServer(http.HandlerFunc(s.route))
	return s
}

// route sends GETs on the stream path to the stream handler and every POST
// to the message handler.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == s.config.SSEPath:
		s.handleSSE(w, r)
	case r.Method == http.MethodPost:
		s.handlePost(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Handle registers fn for a method, replacing any previous handler.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// HandleResult registers a handler that always returns result.
func (s *Server) HandleResult(method string, result any) {
	s.Handle(method, func(context.Context, *envelope.Request) Reply {
		return Reply{Result: result}
	})
}

// Posts returns every POST received so far.
func (s *Server) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Post(nil), s.posts...)
}

// PostsFor returns the POSTs carrying a given JSON-RPC method.
func (s *Server) PostsFor(method string) []Post {
	var out []Post
	for _, p := range s.Posts() {
		if p.Method == method {
			out = append(out, p)
		}
	}
	return out
}

// StreamCount returns how many streams have been opened in total.
func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

// Clients returns the number of currently connected streams.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// WaitForClient blocks until a stream connects or the timeout elapses.
func (s *Server) WaitForClient(timeout time.Duration) bool {
	select {
	case <-s.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Send writes a raw frame to every connected stream.
func (s *Server) Send(event, data string) {
	s.broadcast(formatFrame(event, data))
}

// SendMessage marshals v and sends it as a message event.
func (s *Server) SendMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Send("message", string(data))
	return nil
}

// SendResult sends a success response for id.
func (s *Server) SendResult(id int64, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.SendMessage(&envelope.Response{JSONRPC: envelope.Version, ID: id, Result: data})
}

// SendEndpoint announces a new message endpoint.
func (s *Server) SendEndpoint(path string) {
	s.Send("endpoint", path)
}

// SendRawBytes writes bytes to every stream without framing.
func (s *Server) SendRawBytes(data []byte) {
	s.broadcast(data)
}

// DropClients ends every open stream, simulating connection loss.
func (s *Server) DropClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
}

// Close drops all streams and shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.DropClients()
		s.Server.Close()
	})
}

// handleSSE serves one event stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.config.StreamStatus != 0 {
		http.Error(w, "stream rejected", s.config.StreamStatus)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Register before the headers go out so nothing broadcast after the
	// client sees the stream open can be missed.
	clientCh := make(chan []byte, 100)
	s.clientsMu.Lock()
	id := s.nextID
	s.nextID++
	s.clients[id] = clientCh
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, id)
		s.clientsMu.Unlock()
	}()

	s.mu.Lock()
	s.streams++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.config.EndpointEvent != "" {
		w.Write(formatFrame("endpoint", s.config.EndpointEvent))
	}
	flusher.Flush()

	select {
	case s.connected <- struct{}{}:
	default:
	}

	var heartbeat <-chan time.Time
	if s.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case data, ok := <-clientCh:
			if !ok {
				return
			}
			w.Write(data)
			flusher.Flush()
		}
	}
}

// handlePost records an envelope and answers it asynchronously on the stream.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024*1024))
	if err != nil {
		http.Error(w, "Read error", http.StatusBadRequest)
		return
	}

	msg, ok := envelope.Parse(body)
	req, decodeErr := envelope.DecodeRequest(body)
	if !ok || decodeErr != nil {
		writeHTTPError(w, &envelope.Error{Code: envelope.ParseError, Message: "Parse error"})
		return
	}

	s.mu.Lock()
	s.posts = append(s.posts, Post{
		Path:    r.URL.Path,
		Header:  r.Header.Clone(),
		Body:    body,
		Method:  req.Method,
		ID:      msg.ID,
		HasID:   msg.HasID,
		Request: req,
	})
	handler := s.handlers[req.Method]
	s.mu.Unlock()

	if s.config.HoldPosts {
		select {
		case <-r.Context().Done():
		case <-s.done:
		}
		return
	}
	if s.config.PostStatus != 0 {
		http.Error(w, "post rejected", s.config.PostStatus)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted"}`))

	if !msg.HasID {
		return
	}
	go s.respond(handler, req)
}

func (s *Server) respond(handler HandlerFunc, req *envelope.Request) {
	var reply Reply
	if handler == nil {
		reply = Reply{Error: &envelope.Error{Code: envelope.MethodNotFound, Message: "Method not found"}}
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		reply = handler(ctx, req)
		cancel()
	}

	if reply.Drop {
		return
	}
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-s.done:
			return
		}
	}

	if reply.Raw != "" {
		s.Send("message", reply.Raw)
		return
	}

	resp := &envelope.Response{JSONRPC: envelope.Version, ID: req.ID, Error: reply.Error}
	if reply.Error == nil {
		data, err := json.Marshal(reply.Result)
		if err != nil {
			resp.Error = &envelope.Error{Code: envelope.InternalError, Message: err.Error()}
		} else {
			resp.Result = data
		}
	}
	s.SendMessage(resp)
}

// broadcast sends a frame to all connected clients.
func (s *Server) broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, ch := range s.clients {
		select {
		case ch <- data:
		default:
			// Client buffer full, skip
		}
	}
}

// formatFrame encodes one event; multi-line data becomes several data lines.
func formatFrame(event, data string) []byte {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return []byte(b.String())
}

// writeHTTPError writes a JSON-RPC error as HTTP response.
func writeHTTPError(w http.ResponseWriter, rpcErr *envelope.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": envelope.Version,
		"id":      nil,
		"error":   rpcErr,
	})
}
