package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/agents"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/memory"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/vault"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// Deps wires the built-in handlers to the subsystems they reach.
type Deps struct {
	Memory       *memory.Engine
	Vault        *vault.Vault
	Config       *config.Store
	Scheduler    *scheduler.Scheduler
	Agents       *agents.Registry
	Skills       *skills.Registry
	AgentGuard   agents.GuardFunc
	WorkspaceDir string
	Log          *observability.Logger
}

func def(name, description, schema string) models.ToolDef {
	return models.ToolDef{Name: name, Description: description, InputSchema: json.RawMessage(schema)}
}

const objSchema = `{"type":"object"}`

// RegisterBuiltins installs the local fast tools.
func RegisterBuiltins(r *Registry, d *Deps) {
	r.Register(def("memory_store",
		"Save a long-term memory. Types: fact, conversation, analysis, research.",
		`{"type":"object","properties":{"type":{"type":"string"},"subject":{"type":"string"},"content":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}},"source":{"type":"string"},"confidence":{"type":"integer","minimum":1,"maximum":3},"expiresInDays":{"type":"integer"}},"required":["type","subject","content"]}`),
		d.memoryStore, false)

	r.Register(def("memory_search",
		"Search long-term memory by meaning. Tags filter with AND semantics.",
		`{"type":"object","properties":{"query":{"type":"string"},"topK":{"type":"integer"},"type":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}},"required":["query"]}`),
		d.memorySearch, false)

	r.Register(def("memory_delete", "Delete a memory by id.",
		`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		d.memoryDelete, false)

	r.Register(def("memory_list", "List stored memories, optionally by type.",
		`{"type":"object","properties":{"type":{"type":"string"},"limit":{"type":"integer"}}}`),
		d.memoryList, false)

	r.Register(def("vault_set", "Store a secret under a name.",
		`{"type":"object","properties":{"name":{"type":"string"},"value":{"type":"string"}},"required":["name","value"]}`),
		d.vaultSet, false)

	r.Register(def("vault_get", "Read a secret by name.",
		`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		d.vaultGet, false)

	r.Register(def("vault_delete", "Delete a secret by name.",
		`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
		d.vaultDelete, false)

	r.Register(def("vault_list", "List stored secret names.", objSchema), d.vaultList, false)

	r.Register(def("create_reminder", "Schedule a one-time reminder message.",
		`{"type":"object","properties":{"message":{"type":"string"},"delayMs":{"type":"integer"}},"required":["message","delayMs"]}`),
		d.createReminder, false)

	r.Register(def("create_recurrent_reminder",
		"Schedule a repeating reminder with a cron pattern or interval.",
		`{"type":"object","properties":{"message":{"type":"string"},"cron":{"type":"string"},"intervalMs":{"type":"integer"},"timezone":{"type":"string"}},"required":["message"]}`),
		d.createRecurrentReminder, false)

	r.Register(def("create_task", "Schedule a one-time assistant task.",
		`{"type":"object","properties":{"description":{"type":"string"},"delayMs":{"type":"integer"}},"required":["description","delayMs"]}`),
		d.createTask, false)

	r.Register(def("create_recurrent_task",
		"Schedule a repeating assistant task with a cron pattern or interval.",
		`{"type":"object","properties":{"description":{"type":"string"},"cron":{"type":"string"},"intervalMs":{"type":"integer"},"timezone":{"type":"string"}},"required":["description"]}`),
		d.createRecurrentTask, false)

	r.Register(def("cancel_reminder", "Cancel a reminder by id.",
		`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		d.cancelReminder, false)

	r.Register(def("cancel_task", "Cancel a scheduled task by id.",
		`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		d.cancelTask, false)

	r.Register(def("list_scheduled_jobs", "List scheduled reminders and tasks for this channel.", objSchema),
		d.listScheduled, false)

	r.Register(def("list_skills", "List installed skills.", objSchema), d.listSkills, false)

	r.Register(def("list_agents", "List registered agents.", objSchema), d.listAgents, false)

	r.Register(def("create_agent", "Create a new agent bundle.",
		`{"type":"object","properties":{"id":{"type":"string"},"name":{"type":"string"},"description":{"type":"string"},"systemPrompt":{"type":"string"},"skills":{"type":"array","items":{"type":"string"}}},"required":["id","name","description","systemPrompt"]}`),
		d.createAgent, false)

	r.Register(def("delete_agent", "Delete an agent bundle by id.",
		`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		d.deleteAgent, false)

	r.Register(def("toggle_model", "Enable or disable a model by id.",
		`{"type":"object","properties":{"id":{"type":"string"},"enabled":{"type":"boolean"}},"required":["id","enabled"]}`),
		d.toggleModel, false)

	r.Register(def("get_config", "Read the current configuration with secrets masked.", objSchema),
		d.getConfig, false)

	r.Register(def("read_file", "Read a file from the workspace.",
		`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		d.readFile, false)

	r.Register(def("write_file", "Write a file in the workspace.",
		`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		d.writeFile, false)

	r.Register(def("compact_context",
		"Drop older conversation turns when the context is getting crowded.", objSchema),
		d.compactContext, false)
}

func (d *Deps) memoryStore(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Type          string   `json:"type"`
		Subject       string   `json:"subject"`
		Content       string   `json:"content"`
		Tags          []string `json:"tags"`
		Source        string   `json:"source"`
		Confidence    int      `json:"confidence"`
		ExpiresInDays int      `json:"expiresInDays"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	m := &models.Memory{
		Type:       models.MemoryType(args.Type),
		Subject:    args.Subject,
		Content:    args.Content,
		Tags:       args.Tags,
		Source:     args.Source,
		Confidence: args.Confidence,
	}
	if m.Source == "" {
		m.Source = "channel:" + inv.ChannelID
	}
	if args.ExpiresInDays > 0 {
		exp := time.Now().AddDate(0, 0, args.ExpiresInDays)
		m.ExpiresAt = &exp
	}
	stored, err := d.Memory.Store(ctx, m)
	if err != nil {
		return "", err
	}
	return resultJSON(map[string]string{"id": stored.ID}), nil
}

func (d *Deps) memorySearch(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Query string   `json:"query"`
		TopK  int      `json:"topK"`
		Type  string   `json:"type"`
		Tags  []string `json:"tags"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	matches, err := d.Memory.Search(ctx, args.Query, memory.SearchOptions{
		TopK: args.TopK,
		Type: models.MemoryType(args.Type),
		Tags: args.Tags,
	})
	if err != nil {
		return "", err
	}
	return resultJSON(matches), nil
}

func (d *Deps) memoryDelete(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if err := d.Memory.Delete(ctx, args.ID); err != nil {
		return "", err
	}
	return resultJSON("deleted"), nil
}

func (d *Deps) memoryList(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Type  string `json:"type"`
		Limit int    `json:"limit"`
	}
	if len(inv.Payload) > 0 {
		if err := json.Unmarshal(inv.Payload, &args); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
	}
	if args.Limit <= 0 {
		args.Limit = 50
	}
	list, err := d.Memory.List(ctx, models.MemoryType(args.Type), nil, args.Limit)
	if err != nil {
		return "", err
	}
	return resultJSON(list), nil
}

func (d *Deps) vaultSet(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if err := d.Vault.SetNamed(ctx, args.Name, args.Value); err != nil {
		return "", err
	}
	return resultJSON("stored"), nil
}

func (d *Deps) vaultGet(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	value, err := d.Vault.Get(ctx, args.Name)
	if err != nil {
		return "", err
	}
	return resultJSON(value), nil
}

func (d *Deps) vaultDelete(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if err := d.Vault.DeleteNamed(ctx, args.Name); err != nil {
		return "", err
	}
	return resultJSON("deleted"), nil
}

func (d *Deps) vaultList(ctx context.Context, _ *Invocation) (string, error) {
	names, err := d.Vault.List(ctx)
	if err != nil {
		return "", err
	}
	return resultJSON(names), nil
}

func (d *Deps) createReminder(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Message string `json:"message"`
		DelayMs int64  `json:"delayMs"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	job, err := d.Scheduler.CreateReminder(ctx, inv.ChannelID, args.Message, time.Duration(args.DelayMs)*time.Millisecond)
	if err != nil {
		return "", err
	}
	return resultJSON(job), nil
}

func (d *Deps) createRecurrentReminder(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Message    string `json:"message"`
		Cron       string `json:"cron"`
		IntervalMs int64  `json:"intervalMs"`
		Timezone   string `json:"timezone"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	job, err := d.Scheduler.CreateRecurrentReminder(ctx, inv.ChannelID, args.Message, scheduler.RepeatOptions{
		CronPattern: args.Cron,
		Interval:    time.Duration(args.IntervalMs) * time.Millisecond,
		Timezone:    args.Timezone,
	})
	if err != nil {
		return "", err
	}
	return resultJSON(job), nil
}

func (d *Deps) createTask(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Description string `json:"description"`
		DelayMs     int64  `json:"delayMs"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	job, err := d.Scheduler.CreateTask(ctx, inv.ChannelID, args.Description, time.Duration(args.DelayMs)*time.Millisecond)
	if err != nil {
		return "", err
	}
	return resultJSON(job), nil
}

func (d *Deps) createRecurrentTask(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Description string `json:"description"`
		Cron        string `json:"cron"`
		IntervalMs  int64  `json:"intervalMs"`
		Timezone    string `json:"timezone"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	job, err := d.Scheduler.CreateRecurrentTask(ctx, inv.ChannelID, args.Description, scheduler.RepeatOptions{
		CronPattern: args.Cron,
		Interval:    time.Duration(args.IntervalMs) * time.Millisecond,
		Timezone:    args.Timezone,
	})
	if err != nil {
		return "", err
	}
	return resultJSON(job), nil
}

func (d *Deps) cancelReminder(ctx context.Context, inv *Invocation) (string, error) {
	return d.cancelScheduled(ctx, inv, true)
}

func (d *Deps) cancelTask(ctx context.Context, inv *Invocation) (string, error) {
	return d.cancelScheduled(ctx, inv, false)
}

func (d *Deps) cancelScheduled(ctx context.Context, inv *Invocation, reminder bool) (string, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	var err error
	if reminder {
		err = d.Scheduler.CancelReminder(ctx, args.ID, inv.ChannelID)
	} else {
		err = d.Scheduler.CancelTask(ctx, args.ID, inv.ChannelID)
	}
	if err != nil {
		return "", err
	}
	return resultJSON("cancelled"), nil
}

func (d *Deps) listScheduled(ctx context.Context, inv *Invocation) (string, error) {
	jobs, err := d.Scheduler.List(ctx, inv.ChannelID)
	if err != nil {
		return "", err
	}
	return resultJSON(jobs), nil
}

func (d *Deps) listSkills(_ context.Context, _ *Invocation) (string, error) {
	type row struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     bool   `json:"enabled"`
	}
	var rows []row
	for _, s := range d.Skills.List() {
		rows = append(rows, row{ID: s.ID, Name: s.Manifest.Name, Description: s.Manifest.Description, Enabled: s.Enabled})
	}
	return resultJSON(rows), nil
}

func (d *Deps) listAgents(_ context.Context, _ *Invocation) (string, error) {
	type row struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     bool   `json:"enabled"`
	}
	var rows []row
	for _, a := range d.Agents.List() {
		rows = append(rows, row{ID: a.ID, Name: a.Manifest.Name, Description: a.Manifest.Description, Enabled: a.Enabled})
	}
	return resultJSON(rows), nil
}

func (d *Deps) createAgent(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		SystemPrompt string   `json:"systemPrompt"`
		Skills       []string `json:"skills"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	agent, err := d.Agents.Create(ctx, args.ID, agents.Manifest{Name: args.Name, Description: args.Description},
		args.SystemPrompt, args.Skills, d.AgentGuard)
	if err != nil {
		return "", err
	}
	if err := d.Config.Update(ctx, func(cfg *config.Config) error {
		for _, ref := range cfg.Agents {
			if ref.ID == args.ID {
				return nil
			}
		}
		cfg.Agents = append(cfg.Agents, config.AgentRef{ID: args.ID, Enabled: true, Skills: args.Skills})
		return nil
	}); err != nil {
		return "", err
	}
	return resultJSON(map[string]string{"id": agent.ID}), nil
}

func (d *Deps) deleteAgent(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if err := d.Agents.Delete(ctx, args.ID); err != nil {
		return "", err
	}
	if err := d.Config.Update(ctx, func(cfg *config.Config) error {
		refs := cfg.Agents[:0]
		for _, ref := range cfg.Agents {
			if ref.ID != args.ID {
				refs = append(refs, ref)
			}
		}
		cfg.Agents = refs
		return nil
	}); err != nil {
		return "", err
	}
	return resultJSON("deleted"), nil
}

func (d *Deps) toggleModel(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	found := false
	err := d.Config.Update(ctx, func(cfg *config.Config) error {
		for i := range cfg.Models.Models {
			if cfg.Models.Models[i].ID == args.ID {
				cfg.Models.Models[i].Enabled = args.Enabled
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("model %q not found", args.ID)
	}
	return resultJSON(map[string]any{"id": args.ID, "enabled": args.Enabled}), nil
}

func (d *Deps) getConfig(_ context.Context, _ *Invocation) (string, error) {
	cfg, err := d.Config.Get()
	if err != nil {
		return "", err
	}
	redacted, err := config.Redact(cfg)
	if err != nil {
		return "", err
	}
	return resultJSON(redacted), nil
}

func (d *Deps) workspacePath(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("path must stay inside the workspace: %q", rel)
	}
	return filepath.Join(d.WorkspaceDir, clean), nil
}

func (d *Deps) readFile(_ context.Context, inv *Invocation) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	path, err := d.workspacePath(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return resultJSON(string(data)), nil
}

func (d *Deps) writeFile(_ context.Context, inv *Invocation) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	path, err := d.workspacePath(args.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return resultJSON("written"), nil
}

// compactContext keeps the last quarter of the conversation, never splitting
// an assistant turn from its tool results.
func (d *Deps) compactContext(_ context.Context, inv *Invocation) (string, error) {
	if inv.Messages == nil {
		return resultJSON("nothing to compact"), nil
	}
	if inv.MessagesMu != nil {
		inv.MessagesMu.Lock()
		defer inv.MessagesMu.Unlock()
	}
	msgs := *inv.Messages
	if len(msgs) < 8 {
		return resultJSON("context is already small"), nil
	}
	keep := len(msgs) / 4
	if keep < 4 {
		keep = 4
	}
	start := len(msgs) - keep
	for start > 0 && msgs[start].Role == models.RoleTool {
		start--
	}
	*inv.Messages = msgs[start:]
	return resultJSON(fmt.Sprintf("kept %d of %d messages", len(msgs)-start, len(msgs))), nil
}
