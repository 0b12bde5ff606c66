// Package tools implements the native tool registry and dispatch. Every
// handler returns a JSON string; failures become {"error": "..."} so nothing
// escapes past the orchestrator.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// Invocation carries the shared tool-call context.
type Invocation struct {
	Name      string
	Payload   json.RawMessage
	ChannelID string
	AgentID   string
	ModelID   string

	// Send delivers text to the originating channel mid-call.
	Send func(ctx context.Context, text string) error

	// Messages is the live conversation, exposed for compact_context.
	// MessagesMu guards it when tool calls run concurrently.
	Messages   *[]models.ChatMessage
	MessagesMu *sync.Mutex

	// AllowedTools and AllowedSkills are nil for the orchestrator; agents
	// run with explicit allow-lists.
	AllowedTools  map[string]bool
	AllowedSkills map[string]bool

	// MCPServers is the caller's server grant. Agent calls to a proxied
	// tool are rejected unless its server is listed here.
	MCPServers []string
}

// Handler runs one tool call.
type Handler func(ctx context.Context, inv *Invocation) (string, error)

type entry struct {
	def       models.ToolDef
	handler   Handler
	execution bool
}

// Proxy is the MCP surface the registry dispatches through. *mcp.Manager
// implements it.
type Proxy interface {
	IsProxied(toolName string) bool
	Granted(toolName string, servers []string) bool
	Tools(servers []string) []models.ToolDef
	Call(ctx context.Context, toolName string, args map[string]any) (string, error)
}

// Registry holds the built-in tools plus the MCP proxy branch.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	mcp     Proxy
	log     *observability.Logger
}

// NewRegistry builds an empty registry; handler packages register into it.
func NewRegistry(mc Proxy, log *observability.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		mcp:     mc,
		log:     log.With("component", "tools"),
	}
}

// Register binds a tool. Execution tools run on the tools queue instead of
// in-process.
func (r *Registry) Register(def models.ToolDef, h Handler, execution bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = entry{def: def, handler: h, execution: execution}
}

// Names lists every registered tool name sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Defs returns the tool defs visible to a caller: the allowed built-ins plus
// the MCP tools for the granted servers (nil allowed and nil servers mean
// everything, which is the orchestrator's view).
func (r *Registry) Defs(allowed map[string]bool, mcpServers []string) []models.ToolDef {
	r.mu.RLock()
	defs := make([]models.ToolDef, 0, len(r.entries))
	for name, e := range r.entries {
		if allowed != nil && !allowed[name] {
			continue
		}
		defs = append(defs, e.def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	if r.mcp != nil {
		defs = append(defs, r.mcp.Tools(mcpServers)...)
	}
	return defs
}

// IsExecution reports whether the tool runs on the tools queue.
func (r *Registry) IsExecution(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.execution
}

// Dispatch runs one call and always returns a JSON string. Allow-list
// violations, unknown tools, and handler errors all come back as error
// payloads.
func (r *Registry) Dispatch(ctx context.Context, inv *Invocation) string {
	if r.mcp != nil && r.mcp.IsProxied(inv.Name) {
		if inv.AgentID != "" && !r.mcp.Granted(inv.Name, inv.MCPServers) {
			return errJSON(fmt.Sprintf("tool %q is not on a server granted to this agent", inv.Name))
		}
		var args map[string]any
		if len(inv.Payload) > 0 {
			if err := json.Unmarshal(inv.Payload, &args); err != nil {
				return errJSON(fmt.Sprintf("bad arguments for %s: %v", inv.Name, err))
			}
		}
		out, err := r.mcp.Call(ctx, inv.Name, args)
		if err != nil {
			return errJSON(err.Error())
		}
		return resultJSON(out)
	}

	if inv.AllowedTools != nil && !inv.AllowedTools[inv.Name] {
		return errJSON(fmt.Sprintf("tool %q is not in this agent's allow-list", inv.Name))
	}

	r.mu.RLock()
	e, ok := r.entries[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return errJSON(fmt.Sprintf("unknown tool %q", inv.Name))
	}

	out, err := e.handler(ctx, inv)
	if err != nil {
		r.log.Warn(ctx, "tool call failed", "tool", inv.Name, "channel", inv.ChannelID, "error", err)
		return errJSON(err.Error())
	}
	return out
}

func errJSON(msg string) string {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return string(raw)
}

func resultJSON(value any) string {
	raw, err := json.Marshal(map[string]any{"result": value})
	if err != nil {
		return errJSON(fmt.Sprintf("encode result: %v", err))
	}
	return string(raw)
}
