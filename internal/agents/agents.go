// Package agents manages on-disk agent bundles: directories named <id>-agent
// holding an AGENT.md with {name, description} frontmatter and a free-text
// system prompt body.
package agents

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/observability"
)

const (
	// ManifestFilename is the manifest inside a bundle.
	ManifestFilename = "AGENT.md"

	// IDSuffix is required on every bundle directory name.
	IDSuffix = "-agent"

	// BuiltinID is the immutable default agent.
	BuiltinID = "scaly-agent"

	frontmatterDelimiter = "---"
)

// Manifest is the frontmatter of an AGENT.md.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Agent is one loaded bundle plus its registered config state.
type Agent struct {
	ID            string
	Dir           string
	Manifest      Manifest
	SystemPrompt  string
	Enabled       bool
	MaxIterations int
	Models        []string
	Skills        []string
	Tools         []string
	MCPServers    []string
}

// Builtin reports whether the agent is the immutable default.
func (a *Agent) Builtin() bool { return a.ID == BuiltinID }

// ValidID reports whether a bundle id has the right shape.
func ValidID(id string) bool {
	if !strings.HasSuffix(id, IDSuffix) || len(id) <= len(IDSuffix) {
		return false
	}
	for _, r := range id {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return false
		}
	}
	return true
}

// Registry loads agent bundles from the agents directory.
type Registry struct {
	dir string
	log *observability.Logger

	mu     sync.RWMutex
	agents map[string]*Agent

	refs     func() []config.AgentRef
	onChange func()
}

// NewRegistry builds a registry over dir. refs supplies registered state
// from the live config; onChange fires after every reload.
func NewRegistry(dir string, refs func() []config.AgentRef, onChange func(), log *observability.Logger) *Registry {
	return &Registry{
		dir:      dir,
		log:      log.With("component", "agents"),
		agents:   make(map[string]*Agent),
		refs:     refs,
		onChange: onChange,
	}
}

// Load scans the agents directory and replaces the in-memory set.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(r.dir, 0o755); err != nil {
				return fmt.Errorf("create agents dir: %w", err)
			}
			entries = nil
		} else {
			return fmt.Errorf("read agents dir: %w", err)
		}
	}

	refByID := make(map[string]config.AgentRef)
	for _, ref := range r.refs() {
		refByID[ref.ID] = ref
	}

	loaded := make(map[string]*Agent)
	for _, entry := range entries {
		if !entry.IsDir() || !ValidID(entry.Name()) {
			continue
		}
		id := entry.Name()
		dir := filepath.Join(r.dir, id)
		manifest, prompt, err := parseManifestFile(filepath.Join(dir, ManifestFilename))
		if err != nil {
			r.log.Warn(ctx, "skipping agent bundle", "id", id, "error", err)
			continue
		}
		agent := &Agent{ID: id, Dir: dir, Manifest: *manifest, SystemPrompt: prompt}
		if ref, ok := refByID[id]; ok {
			agent.Enabled = ref.Enabled
			agent.MaxIterations = ref.MaxIterations
			agent.Models = ref.Models
			agent.Skills = ref.Skills
			agent.Tools = ref.Tools
			agent.MCPServers = ref.MCPServers
		}
		loaded[id] = agent
	}

	r.mu.Lock()
	r.agents = loaded
	r.mu.Unlock()

	r.log.Info(ctx, "agents loaded", "count", len(loaded))
	if r.onChange != nil {
		r.onChange()
	}
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns every loaded agent sorted by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GuardFunc validates an agent definition before it is accepted.
type GuardFunc func(ctx context.Context, agentID, name, description string, skills []string, systemPrompt string) error

// Create writes a new bundle after the agent guard approves it.
func (r *Registry) Create(ctx context.Context, id string, manifest Manifest, systemPrompt string, skills []string, guard GuardFunc) (*Agent, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("agent id must be lowercase alphanumeric ending in %q: got %q", IDSuffix, id)
	}
	if id == BuiltinID {
		return nil, fmt.Errorf("agent %q is built in and cannot be replaced", BuiltinID)
	}
	if manifest.Name == "" || manifest.Description == "" {
		return nil, fmt.Errorf("agent name and description are required")
	}
	if guard != nil {
		if err := guard(ctx, id, manifest.Name, manifest.Description, skills, systemPrompt); err != nil {
			return nil, err
		}
	}

	dir := filepath.Join(r.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}
	front, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	content := fmt.Sprintf("%s\n%s%s\n\n%s\n", frontmatterDelimiter, front, frontmatterDelimiter, strings.TrimSpace(systemPrompt))
	if err := os.WriteFile(filepath.Join(dir, ManifestFilename), []byte(content), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	a, _ := r.Get(id)
	return a, nil
}

// Delete removes a bundle. The built-in agent is refused.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if id == BuiltinID {
		return fmt.Errorf("agent %q is built in and cannot be deleted", BuiltinID)
	}
	if _, ok := r.Get(id); !ok {
		return fmt.Errorf("agent %q not found", id)
	}
	if err := os.RemoveAll(filepath.Join(r.dir, id)); err != nil {
		return fmt.Errorf("remove bundle: %w", err)
	}
	return r.Load(ctx)
}

func parseManifestFile(path string) (*Manifest, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read manifest: %w", err)
	}
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, "", err
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(front))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	if m.Name == "" {
		return nil, "", fmt.Errorf("agent name is required")
	}
	return &m, strings.TrimSpace(string(body)), nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan manifest: %w", err)
	}
	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
