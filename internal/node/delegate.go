package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// delegateTimeout bounds one delegated agent run end to end.
const delegateTimeout = 10 * time.Minute

// RegisterDelegation installs the delegate_agent tool, which hands a task to
// a registered agent over the agents queue and waits for its result.
func (d *Dispatcher) RegisterDelegation(r *tools.Registry) {
	r.Register(models.ToolDef{
		Name:        "delegate_agent",
		Description: "Delegate a task to a named agent and wait for its result.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"agentId":{"type":"string"},"task":{"type":"string"}},"required":["agentId","task"]}`),
	}, d.delegateAgent, false)
}

func (d *Dispatcher) delegateAgent(ctx context.Context, inv *tools.Invocation) (string, error) {
	// Agents do not delegate further; one hop keeps runs bounded.
	if inv.AgentID != "" {
		return "", fmt.Errorf("agent %q cannot delegate to another agent", inv.AgentID)
	}
	var args struct {
		AgentID string `json:"agentId"`
		Task    string `json:"task"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if args.Task == "" {
		return "", fmt.Errorf("task is required")
	}
	agent, ok := d.agents.Get(args.AgentID)
	if !ok {
		return "", fmt.Errorf("agent %q not found", args.AgentID)
	}
	if !agent.Enabled {
		return "", fmt.Errorf("agent %q is disabled", args.AgentID)
	}

	job := AgentJob{Kind: AgentJobKind, AgentID: agent.ID, ChannelID: inv.ChannelID, Input: args.Task}
	id, err := d.fabric.Enqueue(ctx, queue.Agents, job, queue.Options{ChannelID: inv.ChannelID})
	if err != nil {
		return "", fmt.Errorf("enqueue agent run: %w", err)
	}
	res, err := d.fabric.WaitUntilFinished(ctx, id, delegateTimeout)
	if err != nil {
		return "", fmt.Errorf("wait for agent %s: %w", agent.ID, err)
	}
	if res.Status != queue.StateCompleted {
		if res.Error != "" {
			return "", fmt.Errorf("agent %s failed: %s", agent.ID, res.Error)
		}
		return "", fmt.Errorf("agent %s finished with status %s", agent.ID, res.Status)
	}
	raw, _ := json.Marshal(map[string]any{"agentId": agent.ID, "result": res.Value})
	return string(raw), nil
}
