// Package orchestrator runs the bounded tool-calling loop that answers a
// channel message: model selection, context budgeting, narration, concurrent
// tool execution, and cooperative cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/scalyclaw/scalyclaw/internal/agents"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/llm"
	"github.com/scalyclaw/scalyclaw/internal/memory"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/prompt"
	"github.com/scalyclaw/scalyclaw/internal/storage"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// StopSignal is the stop predicate's verdict, consulted between rounds.
type StopSignal int

const (
	StopNone StopSignal = iota
	StopCancelled
	StopBudget
)

const (
	historyLimit      = 100
	memoryMinInput    = 10
	memoryTopK        = 5
	agentBudgetEvery  = 5
	defaultIterations = 10
)

// Request is one orchestrator run.
type Request struct {
	ChannelID string
	Input     string

	// Send delivers narration and progress text to the channel.
	Send func(ctx context.Context, text string) error

	// OnRound, when set, is called after each completed tool round.
	OnRound func(ctx context.Context, round int, toolName string)

	// Stop, when set, is consulted after each round.
	Stop func(ctx context.Context) StopSignal
}

// FileRewriter lets the node fetch worker-local files referenced by a tool
// result before the result reaches the model or the user.
type FileRewriter interface {
	Rewrite(ctx context.Context, channelID, result string) string
}

// Orchestrator wires the loop's collaborators.
type Orchestrator struct {
	registry *llm.Registry
	usage    llm.UsageRecorder
	store    *storage.Store
	memory   *memory.Engine
	prompt   *prompt.Builder
	tools    *tools.Registry
	budget   *budget.Checker
	files    FileRewriter
	cfg      func() *config.Config
	log      *observability.Logger
	metrics  *observability.Metrics
}

func New(registry *llm.Registry, usage llm.UsageRecorder, store *storage.Store, mem *memory.Engine,
	pb *prompt.Builder, tr *tools.Registry, bc *budget.Checker, files FileRewriter,
	cfg func() *config.Config, log *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		usage:    usage,
		store:    store,
		memory:   mem,
		prompt:   pb,
		tools:    tr,
		budget:   bc,
		files:    files,
		cfg:      cfg,
		log:      log.With("component", "orchestrator"),
		metrics:  metrics,
	}
}

// scope distinguishes the main loop from an agent run.
type scope struct {
	usageType     models.UsageType
	agentID       string
	maxIterations int
	modelPool     []string
	systemPrompt  string
	allowedTools  map[string]bool
	allowedSkills map[string]bool
	mcpServers    []string
	budgetEvery   int
}

// Run executes the main loop. The returned text is empty when the final
// content was already delivered as progress.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (string, error) {
	cfg := o.cfg()
	sc := scope{
		usageType:     models.UsageOrchestrator,
		maxIterations: cfg.Orchestrator.MaxIterations,
		modelPool:     cfg.Models.Orchestrator,
	}
	return o.run(ctx, req, cfg, sc)
}

// RunAgent executes the loop scoped to one agent's grants.
func (o *Orchestrator) RunAgent(ctx context.Context, agent *agents.Agent, req *Request) (string, error) {
	cfg := o.cfg()
	// A nil server list means every server to the tool registry; agents
	// without an explicit grant get none.
	servers := agent.MCPServers
	if servers == nil {
		servers = []string{}
	}
	sc := scope{
		usageType:     models.UsageAgent,
		agentID:       agent.ID,
		maxIterations: agent.MaxIterations,
		modelPool:     agent.Models,
		systemPrompt:  agent.SystemPrompt,
		allowedTools:  allowSet(agent.Tools),
		allowedSkills: allowSet(agent.Skills),
		mcpServers:    servers,
		budgetEvery:   agentBudgetEvery,
	}
	return o.run(ctx, req, cfg, sc)
}

func allowSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func (o *Orchestrator) run(ctx context.Context, req *Request, cfg *config.Config, sc scope) (string, error) {
	if st, err := o.budget.Check(ctx); err == nil && !st.Allowed {
		return "", fmt.Errorf("budget exhausted: daily $%.2f of $%.2f, monthly $%.2f of $%.2f",
			st.CurrentDayCost, st.DailyLimit, st.CurrentMonthCost, st.MonthlyLimit)
	}

	system, memories := o.prepare(ctx, req.Input, sc)
	if len(memories) > 0 {
		system += "\n\n## Relevant Memories\n" + formatMemories(memories)
	}

	entry, err := o.registry.SelectScoped(&cfg.Models, sc.modelPool)
	if err != nil {
		return "", fmt.Errorf("no usable model: %w (enable one in the models config)", err)
	}

	acct := newAccountant(entry.ContextWindow)
	msgs, err := o.loadHistory(ctx, req.ChannelID, acct.remaining(len(system)))
	if err != nil {
		o.log.Warn(ctx, "history load failed, starting fresh", "channel", req.ChannelID, "error", err)
		msgs = nil
	}
	msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: req.Input})

	maxIter := sc.maxIterations
	if maxIter <= 0 {
		maxIter = defaultIterations
	}

	var (
		final        string
		lastProgress string
		totalIn      int
		totalOut     int
	)

	for round := 1; round <= maxIter; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if req.Stop != nil && round > 1 {
			if sig := req.Stop(ctx); sig != StopNone {
				break
			}
		}
		if sc.budgetEvery > 0 && round > 1 && (round-1)%sc.budgetEvery == 0 {
			if st, err := o.budget.Check(ctx); err == nil && !st.Allowed {
				break
			}
		}

		resp, err := o.registry.Chat(ctx, &models.ChatRequest{
			Model:        entry.ID,
			SystemPrompt: system,
			Messages:     msgs,
			Tools:        o.tools.Defs(sc.allowedTools, sc.mcpServers),
			MaxTokens:    cfg.Orchestrator.MaxTokens,
			Temperature:  cfg.Orchestrator.Temperature,
		}, sc.usageType, req.ChannelID, sc.agentID, o.usage)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("chat round %d: %w", round, err)
		}

		totalIn += resp.Usage.InputTokens
		totalOut += resp.Usage.OutputTokens
		acct.calibrate(len(system)+messageChars(msgs), resp.Usage.InputTokens)

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			break
		}
		if cfg.Orchestrator.MaxTokensPerTurn > 0 && totalIn > cfg.Orchestrator.MaxTokensPerTurn {
			o.log.Warn(ctx, "per-turn token ceiling reached", "channel", req.ChannelID, "round", round, "inputTokens", totalIn)
			break
		}

		narration := strings.TrimSpace(resp.Content)
		if narration == "" && round == 1 {
			narration = summarizeCalls(resp.ToolCalls)
		}
		if narration != "" && narration != lastProgress && req.Send != nil {
			if err := req.Send(ctx, narration); err != nil {
				o.log.Warn(ctx, "narration send failed", "channel", req.ChannelID, "error", err)
			} else {
				lastProgress = narration
			}
		}

		msgs = append(msgs, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		results := o.executeCalls(ctx, req, sc, entry.ID, resp.ToolCalls, &msgs)
		for i, tc := range resp.ToolCalls {
			used := len(system) + messageChars(msgs)
			msgs = append(msgs, models.ChatMessage{
				Role:       models.RoleTool,
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    truncate(results[i], acct.remaining(used)),
			})
		}
		msgs = trimHistory(msgs, acct.remaining(len(system)))

		if req.OnRound != nil {
			req.OnRound(ctx, round, resp.ToolCalls[0].Name)
		}
		if req.Stop != nil {
			if sig := req.Stop(ctx); sig != StopNone {
				break
			}
		}
	}

	o.log.Info(ctx, "run finished",
		"channel", req.ChannelID,
		"model", entry.ID,
		"inputTokens", totalIn,
		"outputTokens", totalOut)

	if final != "" && final == lastProgress {
		return "", nil
	}
	return final, nil
}

// prepare builds the system prompt and, for sufficiently long input, runs the
// memory search concurrently. A failed search degrades to no memories.
func (o *Orchestrator) prepare(ctx context.Context, input string, sc scope) (string, []models.MemoryMatch) {
	var (
		wg      sync.WaitGroup
		system  string
		matches []models.MemoryMatch
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if sc.systemPrompt != "" {
			system = sc.systemPrompt
			return
		}
		system = o.prompt.Build(ctx)
	}()
	if len(input) >= memoryMinInput && o.memory != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			found, err := o.memory.Search(ctx, input, memory.SearchOptions{TopK: memoryTopK})
			if err != nil {
				o.log.Warn(ctx, "memory search failed", "error", err)
				return
			}
			matches = found
		}()
	}
	wg.Wait()
	return system, matches
}

func formatMemories(matches []models.MemoryMatch) string {
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Type, m.Subject, m.Content)
	}
	return b.String()
}

// loadHistory converts the channel transcript into chat turns and trims it
// to the budget.
func (o *Orchestrator) loadHistory(ctx context.Context, channelID string, budgetChars int) ([]models.ChatMessage, error) {
	rows, err := o.store.GetChannelMessages(ctx, channelID, historyLimit)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.ChatMessage, 0, len(rows))
	for _, row := range rows {
		switch row.Role {
		case models.RoleUser, models.RoleAssistant:
			msgs = append(msgs, models.ChatMessage{Role: row.Role, Content: row.Content})
		}
	}
	return trimHistory(msgs, budgetChars), nil
}

// executeCalls runs one round's tool calls concurrently and returns results
// in call order.
func (o *Orchestrator) executeCalls(ctx context.Context, req *Request, sc scope, modelID string,
	calls []models.ToolCall, msgs *[]models.ChatMessage) []string {
	results := make([]string, len(calls))
	var wg sync.WaitGroup
	var msgsMu sync.Mutex
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc models.ToolCall) {
			defer wg.Done()
			out := o.tools.Dispatch(ctx, &tools.Invocation{
				Name:          tc.Name,
				Payload:       tc.Input,
				ChannelID:     req.ChannelID,
				AgentID:       sc.agentID,
				ModelID:       modelID,
				Send:          req.Send,
				Messages:      msgs,
				MessagesMu:    &msgsMu,
				AllowedTools:  sc.allowedTools,
				AllowedSkills: sc.allowedSkills,
				MCPServers:    sc.mcpServers,
			})
			if o.files != nil {
				out = o.files.Rewrite(ctx, req.ChannelID, out)
			}
			results[i] = out
		}(i, tc)
	}
	wg.Wait()
	return results
}
