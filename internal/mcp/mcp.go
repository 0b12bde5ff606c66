// Package mcp connects config-declared MCP servers and exposes their tools
// to the orchestrator and to agents granted the server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

const protocolVersion = "2024-11-05"

// toolSeparator joins server and tool name in the proxied tool id, so calls
// route back to the right connection.
const toolSeparator = "__"

// Connection is one live MCP server.
type Connection struct {
	Name   string
	client *mcpclient.Client
	tools  []models.ToolDef
}

// Manager owns the set of connections declared in config.
type Manager struct {
	log *observability.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager builds an empty manager; Connect brings servers up.
func NewManager(log *observability.Logger) *Manager {
	return &Manager{
		log:   log.With("component", "mcp"),
		conns: make(map[string]*Connection),
	}
}

// Connect dials every enabled server. A server that fails to connect is
// logged and skipped; the rest stay usable.
func (m *Manager) Connect(ctx context.Context, servers map[string]config.MCPServer) {
	for name, server := range servers {
		if !server.Enabled {
			continue
		}
		conn, err := dial(ctx, name, server)
		if err != nil {
			m.log.Error(ctx, "mcp server connection failed", "server", name, "error", err)
			continue
		}
		m.mu.Lock()
		if old := m.conns[name]; old != nil {
			_ = old.client.Close()
		}
		m.conns[name] = conn
		m.mu.Unlock()
		m.log.Info(ctx, "mcp server connected", "server", name, "tools", len(conn.tools))
	}
}

func dial(ctx context.Context, name string, server config.MCPServer) (*Connection, error) {
	var (
		cli *mcpclient.Client
		err error
	)
	switch server.Transport {
	case "sse":
		cli, err = mcpclient.NewSSEMCPClient(server.URL)
	default:
		env := make([]string, 0, len(server.Env))
		for k, v := range server.Env {
			env = append(env, k+"="+v)
		}
		cli, err = mcpclient.NewStdioMCPClient(server.Command, env, server.Args...)
	}
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "scalyclaw", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listResp, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]models.ToolDef, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = []byte(`{"type":"object"}`)
		}
		tools = append(tools, models.ToolDef{
			Name:        name + toolSeparator + t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return &Connection{Name: name, client: cli, tools: tools}, nil
}

// ServerNames lists connected servers sorted by name.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for name := range m.conns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Tools returns the proxied tool defs for the given servers; nil servers
// means all connected servers.
func (m *Manager) Tools(servers []string) []models.ToolDef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ToolDef
	if servers == nil {
		for _, name := range m.sortedNamesLocked() {
			out = append(out, m.conns[name].tools...)
		}
		return out
	}
	for _, name := range servers {
		if conn, ok := m.conns[name]; ok {
			out = append(out, conn.tools...)
		}
	}
	return out
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsProxied reports whether a tool name belongs to a connected server.
func (m *Manager) IsProxied(toolName string) bool {
	server, _, ok := splitToolName(toolName)
	if !ok {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, connected := m.conns[server]
	return connected
}

// Granted reports whether toolName belongs to one of the named servers. An
// empty grant list means no server is granted.
func (m *Manager) Granted(toolName string, servers []string) bool {
	server, _, ok := splitToolName(toolName)
	if !ok {
		return false
	}
	for _, s := range servers {
		if s == server {
			return true
		}
	}
	return false
}

// Call routes a proxied tool call to its server and flattens the textual
// content of the result.
func (m *Manager) Call(ctx context.Context, toolName string, args map[string]any) (string, error) {
	server, tool, ok := splitToolName(toolName)
	if !ok {
		return "", fmt.Errorf("not an mcp tool: %q", toolName)
	}
	m.mu.RLock()
	conn := m.conns[server]
	m.mu.RUnlock()
	if conn == nil {
		return "", fmt.Errorf("mcp server %q not connected", server)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	resp, err := conn.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", toolName, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("mcp tool %s: %s", toolName, joined)
	}
	return joined, nil
}

// Close shuts every connection down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, conn := range m.conns {
		_ = conn.client.Close()
		delete(m.conns, name)
	}
}

func splitToolName(toolName string) (server, tool string, ok bool) {
	i := strings.Index(toolName, toolSeparator)
	if i <= 0 || i+len(toolSeparator) >= len(toolName) {
		return "", "", false
	}
	return toolName[:i], toolName[i+len(toolSeparator):], true
}
