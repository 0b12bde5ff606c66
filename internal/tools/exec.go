package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

// ExecKind marks a queued payload as a worker-side tool execution.
const ExecKind = "tool-exec"

// ExecPayload travels over the tools queue to a worker process.
type ExecPayload struct {
	Kind      string          `json:"kind"`
	Tool      string          `json:"tool"`
	Payload   json.RawMessage `json:"payload"`
	ChannelID string          `json:"channelId"`
}

// ExecDeps wires the execution-class handlers. These tools never run in the
// node process; they are enqueued to the tools queue and awaited.
type ExecDeps struct {
	Fabric  *queue.Fabric
	Skills  *skills.Registry
	Shield  *guard.CommandShield
	Timeout time.Duration

	registry *Registry
}

const defaultExecTimeout = 10 * time.Minute

// RegisterExecution installs the tools that run on workers.
func RegisterExecution(r *Registry, d *ExecDeps) {
	d.registry = r
	r.Register(def("execute_skill", "Run an installed skill with JSON parameters.",
		`{"type":"object","properties":{"skillId":{"type":"string"},"params":{"type":"object"}},"required":["skillId"]}`),
		d.executeSkill, true)

	r.Register(def("execute_code", "Run a short script on a worker. Languages: python, node, bash.",
		`{"type":"object","properties":{"language":{"type":"string"},"code":{"type":"string"}},"required":["language","code"]}`),
		d.executeCode, true)

	r.Register(def("execute_command", "Run a shell command on a worker.",
		`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		d.executeCommand, true)

	r.Register(def("submit_job", "Run another tool as a background job and wait for its result.",
		`{"type":"object","properties":{"tool":{"type":"string"},"payload":{"type":"object"}},"required":["tool"]}`),
		d.submitJob, true)

	r.Register(def("submit_parallel_jobs", "Run several tool jobs concurrently and collect all results.",
		`{"type":"object","properties":{"jobs":{"type":"array","items":{"type":"object","properties":{"tool":{"type":"string"},"payload":{"type":"object"}},"required":["tool"]}}},"required":["jobs"]}`),
		d.submitParallel, true)
}

func (d *ExecDeps) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultExecTimeout
}

// ErrSkillDenied reports an agent calling a skill outside its grant.
type ErrSkillDenied struct{ SkillID string }

func (e *ErrSkillDenied) Error() string {
	return fmt.Sprintf("skill %q is not in this agent's allowed set", e.SkillID)
}

func (d *ExecDeps) executeSkill(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		SkillID string          `json:"skillId"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	sk, ok := d.Skills.Get(args.SkillID)
	if !ok {
		return "", fmt.Errorf("skill %q is not installed", args.SkillID)
	}
	if !sk.Enabled {
		return "", fmt.Errorf("skill %q is disabled", args.SkillID)
	}
	if inv.AllowedSkills != nil && !inv.AllowedSkills[args.SkillID] {
		return "", &ErrSkillDenied{SkillID: args.SkillID}
	}
	return d.roundTrip(ctx, inv, "execute_skill", inv.Payload)
}

func (d *ExecDeps) executeCode(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Language string `json:"language"`
		Code     string `json:"code"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	switch args.Language {
	case "python", "node", "bash":
	default:
		return "", fmt.Errorf("unsupported language %q", args.Language)
	}
	if d.Shield != nil {
		if v := d.Shield.Check(args.Code); !v.Allowed {
			return "", fmt.Errorf("blocked by command shield: %s", v.Reason)
		}
	}
	return d.roundTrip(ctx, inv, "execute_code", inv.Payload)
}

func (d *ExecDeps) executeCommand(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if args.Command == "" {
		return "", fmt.Errorf("command is required")
	}
	if d.Shield != nil {
		if v := d.Shield.Check(args.Command); !v.Allowed {
			return "", fmt.Errorf("blocked by command shield: %s", v.Reason)
		}
	}
	return d.roundTrip(ctx, inv, "execute_command", inv.Payload)
}

func (d *ExecDeps) submitJob(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Tool    string          `json:"tool"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	return d.runNested(ctx, inv, args.Tool, args.Payload)
}

func (d *ExecDeps) submitParallel(ctx context.Context, inv *Invocation) (string, error) {
	var args struct {
		Jobs []struct {
			Tool    string          `json:"tool"`
			Payload json.RawMessage `json:"payload"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal(inv.Payload, &args); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if len(args.Jobs) == 0 {
		return "", fmt.Errorf("jobs must not be empty")
	}
	type outcome struct {
		Tool   string `json:"tool"`
		Result string `json:"result,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	results := make([]outcome, len(args.Jobs))
	var wg sync.WaitGroup
	for i, job := range args.Jobs {
		wg.Add(1)
		go func(i int, tool string, payload json.RawMessage) {
			defer wg.Done()
			res, err := d.runNested(ctx, inv, tool, payload)
			results[i].Tool = tool
			if err != nil {
				results[i].Error = err.Error()
				return
			}
			results[i].Result = res
		}(i, job.Tool, job.Payload)
	}
	wg.Wait()
	return resultJSON(results), nil
}

// runNested runs one submitted tool call through the registry, so allow-list
// and shield checks apply and non-execution tools run in process instead of
// being shipped to a worker that would reject them.
func (d *ExecDeps) runNested(ctx context.Context, inv *Invocation, tool string, payload json.RawMessage) (string, error) {
	switch tool {
	case "":
		return "", fmt.Errorf("tool is required")
	case "submit_job", "submit_parallel_jobs":
		return "", fmt.Errorf("tool %q cannot be nested", tool)
	}
	if d.registry == nil {
		return d.roundTrip(ctx, inv, tool, payload)
	}
	nested := *inv
	nested.Name = tool
	nested.Payload = payload
	return d.registry.Dispatch(ctx, &nested), nil
}

// roundTrip enqueues one execution on the tools queue and blocks on the
// result key.
func (d *ExecDeps) roundTrip(ctx context.Context, inv *Invocation, tool string, payload json.RawMessage) (string, error) {
	body := ExecPayload{Kind: ExecKind, Tool: tool, Payload: payload, ChannelID: inv.ChannelID}
	id, err := d.Fabric.Enqueue(ctx, queue.Tools, body, queue.Options{ChannelID: inv.ChannelID})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", tool, err)
	}
	res, err := d.Fabric.WaitUntilFinished(ctx, id, d.timeout())
	if err != nil {
		return "", fmt.Errorf("wait for %s: %w", tool, err)
	}
	if res.Status != queue.StateCompleted {
		if res.Error != "" {
			return "", fmt.Errorf("%s failed: %s", tool, res.Error)
		}
		return "", fmt.Errorf("%s finished with status %s", tool, res.Status)
	}
	return res.Value, nil
}
