// Package prompt assembles the system prompt from workspace files, the
// config cache, and the live registries. The result is cached until a
// reload, skill change, agent change, or memory clear invalidates it.
package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/scalyclaw/scalyclaw/internal/agents"
	"github.com/scalyclaw/scalyclaw/internal/mcp"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

// tableCap bounds the skills and agents tables; overflow gets a hint line.
const tableCap = 20

// Workspace file names read when present, in emission order.
var identityFiles = []string{"IDENTITY.md", "SOUL.md", "USER.md"}

const coreInstructions = `You are ScalyClaw, a personal assistant with tools, long-term memory,
scheduling, and skills. Use tools when they help; answer directly when they
do not. Keep replies concise and concrete. Never invent tool results. When a
request needs a skill you have, run it rather than describing what it would
do.`

// Builder produces and caches the system prompt.
type Builder struct {
	dir    string
	skills *skills.Registry
	agents *agents.Registry
	mcp    *mcp.Manager
	log    *observability.Logger

	mu     sync.Mutex
	cached string
}

// NewBuilder wires the builder over the workspace directory and registries.
func NewBuilder(dir string, sk *skills.Registry, ag *agents.Registry, mc *mcp.Manager, log *observability.Logger) *Builder {
	return &Builder{
		dir:    dir,
		skills: sk,
		agents: ag,
		mcp:    mc,
		log:    log.With("component", "prompt"),
	}
}

// Invalidate drops the cache; the next Build recomputes.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	b.cached = ""
	b.mu.Unlock()
}

// Build returns the system prompt, recomputing only when invalidated.
func (b *Builder) Build(ctx context.Context) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cached != "" {
		return b.cached
	}
	b.cached = b.compose(ctx)
	return b.cached
}

func (b *Builder) compose(ctx context.Context) string {
	var sections []string

	for _, name := range identityFiles {
		if text := b.readFile(name); text != "" {
			sections = append(sections, text)
		}
	}

	sections = append(sections, coreInstructions)

	if text := b.readFile("KNOWLEDGE.md"); text != "" {
		sections = append(sections, "# Knowledge\n\n"+text)
	}
	if text := b.readFile("EXTENSIONS.md"); text != "" {
		sections = append(sections, "# Extensions\n\n"+text)
	}

	if table := b.skillsTable(); table != "" {
		sections = append(sections, table)
	}
	if table := b.agentsTable(); table != "" {
		sections = append(sections, table)
	}
	if list := b.mcpList(); list != "" {
		sections = append(sections, list)
	}

	b.log.Debug(ctx, "system prompt rebuilt", "sections", len(sections))
	return strings.Join(sections, "\n\n")
}

func (b *Builder) readFile(name string) string {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (b *Builder) skillsTable() string {
	enabled := b.skills.ListEnabled()
	if len(enabled) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Registered Skills\n\n")
	sb.WriteString("| Skill | Description |\n|---|---|\n")
	for i, s := range enabled {
		if i == tableCap {
			fmt.Fprintf(&sb, "\n...and %d more; use list_skills to see all.\n", len(enabled)-tableCap)
			break
		}
		fmt.Fprintf(&sb, "| %s | %s |\n", s.ID, oneLine(s.Manifest.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Builder) agentsTable() string {
	all := b.agents.List()
	var enabled []string
	for _, a := range all {
		if a.Enabled {
			enabled = append(enabled, fmt.Sprintf("| %s | %s |", a.ID, oneLine(a.Manifest.Description)))
		}
	}
	if len(enabled) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Registered Agents\n\n")
	sb.WriteString("| Agent | Description |\n|---|---|\n")
	for i, line := range enabled {
		if i == tableCap {
			fmt.Fprintf(&sb, "\n...and %d more; use list_agents to see all.\n", len(enabled)-tableCap)
			break
		}
		sb.WriteString(line + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Builder) mcpList() string {
	names := b.mcp.ServerNames()
	if len(names) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Connected MCP Servers\n")
	for _, name := range names {
		var toolNames []string
		for _, def := range b.mcp.Tools([]string{name}) {
			toolNames = append(toolNames, def.Name)
		}
		fmt.Fprintf(&sb, "\n- %s: %s", name, strings.Join(toolNames, ", "))
	}
	return sb.String()
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return strings.TrimSpace(s)
}
