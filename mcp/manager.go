package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	rpcerrors "github.com/vinayprograms/streamrpc/errors"
)

// Manager manages multiple MCP server connections.
type Manager struct {
	clients     map[string]*Client
	deniedTools map[string]map[string]bool // server -> tool -> denied
	opts        []Option
	mu          sync.RWMutex
}

// NewManager creates a new MCP manager. opts apply to every client it
// creates.
func NewManager(opts ...Option) *Manager {
	return &Manager{
		clients:     make(map[string]*Client),
		deniedTools: make(map[string]map[string]bool),
		opts:        opts,
	}
}

// Connect connects to an MCP server, initializes the session and caches
// its tools.
func (m *Manager) Connect(ctx context.Context, name string, config ServerConfig) error {
	client, err := NewClient(name, config, m.opts...)
	if err != nil {
		return rpcerrors.Wrap(err, "failed to create client", rpcerrors.WithMetadata("server", name))
	}
	if err := m.Add(ctx, client); err != nil {
		client.Close()
		return err
	}
	return nil
}

// Add initializes an existing client and registers it under its name.
func (m *Manager) Add(ctx context.Context, client *Client) error {
	name := client.Name()

	m.mu.RLock()
	_, exists := m.clients[name]
	m.mu.RUnlock()
	if exists {
		return rpcerrors.New(rpcerrors.ErrCodeConflict, fmt.Sprintf("server %q already connected", name))
	}

	if err := client.Initialize(ctx); err != nil {
		return rpcerrors.Wrap(err, "failed to initialize", rpcerrors.WithMetadata("server", name))
	}
	if _, err := client.ListTools(ctx); err != nil {
		return rpcerrors.Wrap(err, "failed to list tools", rpcerrors.WithMetadata("server", name))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[name]; exists {
		return rpcerrors.New(rpcerrors.ErrCodeConflict, fmt.Sprintf("server %q already connected", name))
	}
	m.clients[name] = client
	return nil
}

// SetDeniedTools sets tools to exclude from a server's tool list.
// These tools will not be returned by AllTools or FindTool and cannot be
// called through the manager.
func (m *Manager) SetDeniedTools(server string, tools []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	denied := make(map[string]bool)
	for _, t := range tools {
		denied[t] = true
	}
	m.deniedTools[server] = denied
}

// Client returns the client for a server.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Disconnect disconnects from an MCP server.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[name]
	if !ok {
		return notConnected(name)
	}

	delete(m.clients, name)
	return client.Close()
}

// AllTools returns all tools from all connected servers, excluding denied
// tools, ordered by server then tool name.
func (m *Manager) AllTools() []ToolWithServer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []ToolWithServer
	for server, client := range m.clients {
		denied := m.deniedTools[server]
		for _, tool := range client.Tools() {
			if denied[tool.Name] {
				continue
			}
			tools = append(tools, ToolWithServer{
				Server: server,
				Tool:   tool,
			})
		}
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Server != tools[j].Server {
			return tools[i].Server < tools[j].Server
		}
		return tools[i].Tool.Name < tools[j].Tool.Name
	})
	return tools
}

// ToolWithServer pairs a tool with its server name.
type ToolWithServer struct {
	Server string
	Tool   Tool
}

// CallTool calls a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*ToolCallResult, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	denied := m.deniedTools[server][tool]
	m.mu.RUnlock()

	if !ok {
		return nil, notConnected(server)
	}
	if denied {
		return nil, rpcerrors.InvalidInput(fmt.Sprintf("tool %q is denied on server %q", tool, server))
	}
	return client.CallTool(ctx, tool, args)
}

// FindTool finds which server has a tool, excluding denied tools. When
// several servers offer it, the first by name wins.
func (m *Manager) FindTool(name string) (server string, found bool) {
	for _, t := range m.AllTools() {
		if t.Tool.Name == name {
			return t.Server, true
		}
	}
	return "", false
}

// Close disconnects all servers.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			lastErr = err
		}
		delete(m.clients, name)
	}
	return lastErr
}

// ServerCount returns the number of connected servers.
func (m *Manager) ServerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Servers returns the names of connected servers, sorted.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func notConnected(server string) error {
	return rpcerrors.InvalidInput(fmt.Sprintf("server %q not connected", server), rpcerrors.WithMetadata("server", server))
}
