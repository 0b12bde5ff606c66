// Package node runs the consumers that turn queued channel messages into
// orchestrator runs, scheduled deliveries, and proactive sweeps.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/internal/agents"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/proactive"
	"github.com/scalyclaw/scalyclaw/internal/progress"
	"github.com/scalyclaw/scalyclaw/internal/prompt"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/session"
	"github.com/scalyclaw/scalyclaw/internal/storage"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// MessageJobKind marks inbound-message payloads on the messages queue.
const MessageJobKind = "inbound-message"

// AgentJobKind marks delegation payloads on the agents queue.
const AgentJobKind = "agent-run"

// MessageJob is the messages-queue payload.
type MessageJob struct {
	Kind      string `json:"kind"`
	ChannelID string `json:"channelId"`
	Text      string `json:"text"`
	Source    string `json:"source,omitempty"`
}

// AgentJob is the agents-queue payload.
type AgentJob struct {
	Kind      string `json:"kind"`
	AgentID   string `json:"agentId"`
	ChannelID string `json:"channelId"`
	Input     string `json:"input"`
}

// Dispatcher wires queue consumption to the orchestrator and scheduler.
type Dispatcher struct {
	store     kv.Store
	db        *storage.Store
	fabric    *queue.Fabric
	orch      *orchestrator.Orchestrator
	sched     *scheduler.Scheduler
	sessions  *session.Manager
	guards    *guard.Pipeline
	agents    *agents.Registry
	prompt    *prompt.Builder
	pub       *progress.Publisher
	proactive *proactive.Engine
	log       *observability.Logger

	// OnRestart and OnShutdown are set by the command layer.
	OnRestart  func()
	OnShutdown func()
}

func NewDispatcher(store kv.Store, db *storage.Store, fabric *queue.Fabric, orch *orchestrator.Orchestrator,
	sched *scheduler.Scheduler, sessions *session.Manager, guards *guard.Pipeline, ag *agents.Registry,
	pb *prompt.Builder, pub *progress.Publisher, pe *proactive.Engine, log *observability.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		db:        db,
		fabric:    fabric,
		orch:      orch,
		sched:     sched,
		sessions:  sessions,
		guards:    guards,
		agents:    ag,
		prompt:    pb,
		pub:       pub,
		proactive: pe,
		log:       log.With("component", "dispatcher"),
	}
}

// Register installs the node-side queue processors.
func (d *Dispatcher) Register() {
	d.fabric.RegisterProcessor(queue.Messages, d.processMessage)
	d.fabric.RegisterProcessor(queue.Agents, d.processAgent)
	d.fabric.RegisterProcessor(queue.Internal, d.processInternal)
}

// HandleInbound is the channel-manager message handler: slash commands run
// immediately, everything else is enqueued.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg *models.InboundMessage) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}
	if err := proactive.TouchActivity(ctx, d.store, msg.ChannelID); err != nil {
		d.log.Warn(ctx, "activity touch failed", "channel", msg.ChannelID, "error", err)
	}

	if handled, reply, err := d.slashCommand(ctx, msg.ChannelID, text); handled {
		return reply, err
	}
	if reply, confirmed := d.pendingUpdate(ctx, msg.ChannelID, text); confirmed {
		return reply, nil
	}

	if admitted, err := d.sessions.Admit(ctx, msg.ChannelID); err != nil {
		return "", err
	} else if !admitted {
		return "You're sending messages a bit fast. Give me a moment.", nil
	}

	job := MessageJob{Kind: MessageJobKind, ChannelID: msg.ChannelID, Text: text}
	id, err := d.fabric.Enqueue(ctx, queue.Messages, job, queue.Options{ChannelID: msg.ChannelID})
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	if err := d.sessions.TrackJob(ctx, msg.ChannelID, id); err != nil {
		d.log.Warn(ctx, "job tracking failed", "channel", msg.ChannelID, "error", err)
	}
	return "", nil
}

// EnqueueText queues a message job with an explicit job id, for the chat API.
func (d *Dispatcher) EnqueueText(ctx context.Context, jobID, channelID, text string) error {
	job := MessageJob{Kind: MessageJobKind, ChannelID: channelID, Text: text}
	_, err := d.fabric.Enqueue(ctx, queue.Messages, job, queue.Options{JobID: jobID, ChannelID: channelID})
	return err
}

func (d *Dispatcher) processMessage(ctx context.Context, job *queue.Job) (string, error) {
	var payload MessageJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode message job: %w", err)
	}
	if payload.Kind != MessageJobKind {
		return "", fmt.Errorf("unexpected payload kind %q", payload.Kind)
	}
	defer func() {
		_ = d.sessions.UntrackJob(ctx, payload.ChannelID, job.ID)
	}()
	return d.runConversation(ctx, job.ID, payload.ChannelID, payload.Text, payload.Source)
}

func (d *Dispatcher) runConversation(ctx context.Context, jobID, channelID, text, source string) (string, error) {
	if cancelled, _ := d.sessions.GlobalCancelled(ctx); cancelled {
		return "", nil
	}
	if cancelled, _ := d.sessions.ChannelCancelled(ctx, channelID); cancelled {
		return "", nil
	}
	if verdict := d.guards.CheckInbound(ctx, channelID, text); !verdict.Safe {
		_ = d.publishComplete(ctx, jobID, channelID, verdict.Reason)
		return verdict.Reason, nil
	}

	sessionID := uuid.NewString()
	acquired, err := d.sessions.Acquire(ctx, channelID, sessionID)
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", fmt.Errorf("channel %s is busy", channelID)
	}
	defer func() {
		if err := d.sessions.Release(ctx, channelID, sessionID); err != nil {
			d.log.Warn(ctx, "session release failed", "channel", channelID, "error", err)
		}
	}()

	meta := map[string]string{}
	if source != "" {
		meta["source"] = source
	}
	if _, err := d.db.StoreMessage(ctx, &models.Message{
		Channel:  channelID,
		Role:     models.RoleUser,
		Content:  text,
		Metadata: meta,
	}); err != nil {
		d.log.Warn(ctx, "user message store failed", "channel", channelID, "error", err)
	}

	final, err := d.orch.Run(ctx, &orchestrator.Request{
		ChannelID: channelID,
		Input:     text,
		Send: func(ctx context.Context, t string) error {
			return d.pub.Publish(ctx, channelID, &models.ProgressEvent{
				JobID:   jobID,
				Type:    models.ProgressUpdate,
				Message: t,
			})
		},
		OnRound: func(ctx context.Context, round int, toolName string) {
			if err := d.sessions.Heartbeat(ctx, channelID, sessionID, session.StateToolExec, round, toolName); err != nil {
				d.log.Debug(ctx, "heartbeat failed", "channel", channelID, "error", err)
			}
		},
		Stop: func(ctx context.Context) orchestrator.StopSignal {
			if cancelled, _ := d.sessions.GlobalCancelled(ctx); cancelled {
				return orchestrator.StopCancelled
			}
			if cancelled, _ := d.sessions.ChannelCancelled(ctx, channelID); cancelled {
				return orchestrator.StopCancelled
			}
			if cancelling, _ := d.sessions.Cancelling(ctx, channelID); cancelling {
				return orchestrator.StopCancelled
			}
			return orchestrator.StopNone
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	if final != "" {
		// The reply passes the content guard before anything leaves the
		// node; tool results can smuggle injected instructions into it.
		if verdict := d.guards.CheckContent(ctx, channelID, final); !verdict.Safe {
			d.log.Warn(ctx, "assistant reply held back", "channel", channelID, "reason", verdict.Reason)
			final = "I prepared a response but held it back: " + verdict.Reason
		}
		if _, err := d.db.StoreMessage(ctx, &models.Message{
			Channel:  channelID,
			Role:     models.RoleAssistant,
			Content:  final,
			Metadata: meta,
		}); err != nil {
			d.log.Warn(ctx, "assistant message store failed", "channel", channelID, "error", err)
		}
	}
	if err := d.publishComplete(ctx, jobID, channelID, final); err != nil {
		d.log.Warn(ctx, "completion publish failed", "channel", channelID, "error", err)
	}
	return final, nil
}

func (d *Dispatcher) publishComplete(ctx context.Context, jobID, channelID, result string) error {
	return d.pub.Publish(ctx, channelID, &models.ProgressEvent{
		JobID:  jobID,
		Type:   models.ProgressComplete,
		Result: result,
	})
}

func (d *Dispatcher) processAgent(ctx context.Context, job *queue.Job) (string, error) {
	var payload AgentJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode agent job: %w", err)
	}
	agent, ok := d.agents.Get(payload.AgentID)
	if !ok {
		return "", fmt.Errorf("agent %q not found", payload.AgentID)
	}
	if !agent.Enabled {
		return "", fmt.Errorf("agent %q is disabled", payload.AgentID)
	}
	return d.orch.RunAgent(ctx, agent, &orchestrator.Request{
		ChannelID: payload.ChannelID,
		Input:     payload.Input,
		Send: func(ctx context.Context, t string) error {
			return d.pub.Publish(ctx, payload.ChannelID, &models.ProgressEvent{
				JobID:   job.ID,
				Type:    models.ProgressUpdate,
				Message: t,
			})
		},
	})
}

func (d *Dispatcher) processInternal(ctx context.Context, job *queue.Job) (string, error) {
	if fire, ok := scheduler.DecodeFire(job.Payload); ok {
		return "", d.sched.HandleFire(ctx, fire, d)
	}
	var generic struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(job.Payload, &generic); err == nil && generic.Kind == proactive.FireKind {
		return "", d.proactive.Sweep(ctx)
	}
	return "", fmt.Errorf("unrecognised internal payload")
}

// DeliverReminder sends the reminder text straight to the channel.
func (d *Dispatcher) DeliverReminder(ctx context.Context, channelID, text string) error {
	if _, err := d.db.StoreMessage(ctx, &models.Message{
		Channel:  channelID,
		Role:     models.RoleAssistant,
		Content:  text,
		Metadata: map[string]string{"source": "scheduled-fire"},
	}); err != nil {
		d.log.Warn(ctx, "reminder store failed", "channel", channelID, "error", err)
	}
	return d.pub.Publish(ctx, channelID, &models.ProgressEvent{
		JobID:  uuid.NewString(),
		Type:   models.ProgressComplete,
		Result: text,
	})
}

// DeliverTask runs the task description through the orchestrator.
func (d *Dispatcher) DeliverTask(ctx context.Context, channelID, description string) error {
	_, err := d.runConversation(ctx, uuid.NewString(), channelID, description, "scheduled-fire")
	return err
}

// --- slash commands ---

const updateAwaitTTL = 2 * time.Minute

func (d *Dispatcher) slashCommand(ctx context.Context, channelID, text string) (bool, string, error) {
	if !strings.HasPrefix(text, "/") {
		return false, "", nil
	}
	cmd := strings.ToLower(strings.Fields(text)[0])
	switch cmd {
	case "/stop":
		return true, d.stopChannel(ctx, channelID), nil
	case "/clear":
		if _, err := d.db.ClearMessages(ctx, channelID); err != nil {
			return true, "", err
		}
		d.prompt.Invalidate()
		return true, "Conversation cleared.", nil
	case "/restart":
		_ = d.sessions.SetGlobalCancel(ctx)
		if d.OnRestart != nil {
			go d.OnRestart()
		}
		return true, "Restarting.", nil
	case "/shutdown":
		_ = d.sessions.SetGlobalCancel(ctx)
		if d.OnShutdown != nil {
			go d.OnShutdown()
		}
		return true, "Shutting down.", nil
	case "/update":
		fields := map[string]string{
			"channel":     channelID,
			"requestedAt": time.Now().UTC().Format(time.RFC3339),
		}
		if err := d.store.HSet(ctx, kv.KeyUpdateAwait, fields); err != nil {
			return true, "", err
		}
		_ = d.store.Expire(ctx, kv.KeyUpdateAwait, updateAwaitTTL)
		return true, "Reply yes to confirm the update.", nil
	default:
		return false, "", nil
	}
}

// stopChannel cancels everything running for the channel. The cancel flag is
// channel-scoped; other channels keep running.
func (d *Dispatcher) stopChannel(ctx context.Context, channelID string) string {
	if err := d.sessions.SetChannelCancel(ctx, channelID); err != nil {
		d.log.Warn(ctx, "channel cancel failed", "channel", channelID, "error", err)
	}
	if err := d.sessions.RequestCancel(ctx, channelID); err != nil {
		d.log.Warn(ctx, "session cancel failed", "channel", channelID, "error", err)
	}
	if n, err := d.fabric.DrainChannel(ctx, channelID); err != nil {
		d.log.Warn(ctx, "channel drain failed", "channel", channelID, "error", err)
	} else if n > 0 {
		d.log.Info(ctx, "drained pending jobs", "channel", channelID, "count", n)
	}
	jobs, err := d.sessions.ActiveJobs(ctx, channelID)
	if err != nil {
		d.log.Warn(ctx, "active job lookup failed", "channel", channelID, "error", err)
	}
	for _, id := range jobs {
		if err := d.fabric.CancelJob(ctx, id); err != nil {
			d.log.Warn(ctx, "job cancel failed", "job", id, "error", err)
		}
		_ = d.sessions.UntrackJob(ctx, channelID, id)
	}
	return "Got it, stopping."
}

// pendingUpdate applies a queued /update when the user confirms.
func (d *Dispatcher) pendingUpdate(ctx context.Context, channelID, text string) (string, bool) {
	switch strings.ToLower(text) {
	case "yes", "y", "confirm":
	default:
		return "", false
	}
	fields, err := d.store.HGetAll(ctx, kv.KeyUpdateAwait)
	if err != nil || len(fields) == 0 || fields["channel"] != channelID {
		return "", false
	}
	_ = d.store.Del(ctx, kv.KeyUpdateAwait)
	if d.OnRestart != nil {
		go d.OnRestart()
	}
	return "Applying the update and restarting.", true
}
