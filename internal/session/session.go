// Package session implements the per-channel advisory session, the sliding
// rate limit, and the cancellation flags that coordinate node and workers.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
)

// Session states. CANCELLING is sticky: heartbeats and phase updates never
// flip it back; only release clears it.
const (
	StateIdle       = "IDLE"
	StateProcessing = "PROCESSING"
	StateToolExec   = "TOOL_EXEC"
	StateResponding = "RESPONDING"
	StateDraining   = "DRAINING"
	StateCancelling = "CANCELLING"
)

const (
	// staleAfter is how old a heartbeat must be before another owner may
	// steal the session.
	staleAfter = 60 * time.Second
	// safetyTTL caps a session's life even if release never happens.
	safetyTTL = 5 * time.Minute
	// rateWindow is the sliding-window span for per-channel admission.
	rateWindow = 60 * time.Second
	// cancelFlagTTL is the life of the cancel flags raised by /stop,
	// /restart, and /shutdown.
	cancelFlagTTL = 30 * time.Second
)

// Record mirrors the session hash for one channel.
type Record struct {
	SessionID string
	State     string
	StartedAt time.Time
	Heartbeat time.Time
	Round     int
	ToolName  string
}

// Manager owns the control-plane keys for sessions, rate, and cancel.
type Manager struct {
	store     kv.Store
	log       *observability.Logger
	metrics   *observability.Metrics
	rateLimit int
}

// NewManager builds the control plane. rateLimit is messages per minute per
// channel; zero disables rate limiting.
func NewManager(store kv.Store, rateLimit int, log *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:     store,
		log:       log.With("component", "session"),
		metrics:   metrics,
		rateLimit: rateLimit,
	}
}

func sessionKey(channelID string) string { return kv.PrefixSession + channelID }
func jobsKey(channelID string) string    { return kv.PrefixChannelJobs + channelID }

func decodeRecord(h map[string]string) *Record {
	if len(h) == 0 {
		return nil
	}
	started, _ := strconv.ParseInt(h["startedAt"], 10, 64)
	hb, _ := strconv.ParseInt(h["heartbeat"], 10, 64)
	round, _ := strconv.Atoi(h["round"])
	return &Record{
		SessionID: h["sessionId"],
		State:     h["state"],
		StartedAt: time.UnixMilli(started),
		Heartbeat: time.UnixMilli(hb),
		Round:     round,
		ToolName:  h["toolName"],
	}
}

// Get loads the current session record; nil when the channel is idle.
func (m *Manager) Get(ctx context.Context, channelID string) (*Record, error) {
	h, err := m.store.HGetAll(ctx, sessionKey(channelID))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeRecord(h), nil
}

// Acquire claims the channel session for sessionID. A fresh session held by
// someone else denies; a stale one (heartbeat older than 60s) is stolen. The
// check and the takeover write are a single atomic store operation.
func (m *Manager) Acquire(ctx context.Context, channelID, sessionID string) (bool, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	fields := map[string]string{
		"sessionId": sessionID,
		"state":     StateProcessing,
		"startedAt": now,
		"heartbeat": now,
		"round":     "0",
		"toolName":  "",
	}
	status, err := m.store.Claim(ctx, sessionKey(channelID), "sessionId", sessionID, "heartbeat",
		staleAfter, safetyTTL, fields)
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	if status == kv.ClaimStolen {
		m.log.Warn(ctx, "stole stale session", "channel", channelID, "session", sessionID)
	}
	return status != kv.ClaimDenied, nil
}

// Heartbeat refreshes the session and optionally advances phase bookkeeping.
// Non-owners are ignored; a sticky CANCELLING state is preserved.
func (m *Manager) Heartbeat(ctx context.Context, channelID, sessionID, state string, round int, toolName string) error {
	key := sessionKey(channelID)
	rec, err := m.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if rec == nil || rec.SessionID != sessionID {
		return nil
	}
	fields := map[string]string{
		"heartbeat": strconv.FormatInt(time.Now().UnixMilli(), 10),
		"round":     strconv.Itoa(round),
		"toolName":  toolName,
	}
	if rec.State != StateCancelling && state != "" {
		fields["state"] = state
	}
	if err := m.store.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return m.store.Expire(ctx, key, safetyTTL)
}

// RequestCancel flips an existing session to CANCELLING. Idempotent; a
// missing session is not an error.
func (m *Manager) RequestCancel(ctx context.Context, channelID string) error {
	key := sessionKey(channelID)
	exists, err := m.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return nil
	}
	return m.store.HSet(ctx, key, map[string]string{"state": StateCancelling})
}

// Cancelling reports whether the channel session is in CANCELLING state.
func (m *Manager) Cancelling(ctx context.Context, channelID string) (bool, error) {
	state, ok, err := m.store.HGet(ctx, sessionKey(channelID), "state")
	if err != nil {
		return false, err
	}
	return ok && state == StateCancelling, nil
}

// Release drops the session if sessionID still holds it. Idempotent.
func (m *Manager) Release(ctx context.Context, channelID, sessionID string) error {
	key := sessionKey(channelID)
	current, ok, err := m.store.HGet(ctx, key, "sessionId")
	if err != nil {
		return fmt.Errorf("load session owner: %w", err)
	}
	if !ok || current != sessionID {
		return nil
	}
	return m.store.Del(ctx, key)
}

// Admit runs the per-channel sliding-window rate check. True admits the
// message.
func (m *Manager) Admit(ctx context.Context, channelID string) (bool, error) {
	if m.rateLimit <= 0 {
		return true, nil
	}
	ok, err := m.store.RateCheck(ctx, kv.PrefixRate+channelID, m.rateLimit, rateWindow)
	if err != nil {
		return false, err
	}
	if !ok && m.metrics != nil {
		m.metrics.RateLimitDrops.WithLabelValues(channelID).Inc()
	}
	return ok, nil
}

// SetGlobalCancel raises the short-TTL flag checked at loop tops by every
// long-running processor.
func (m *Manager) SetGlobalCancel(ctx context.Context) error {
	return m.store.Set(ctx, kv.KeyCancelFlag, "1", cancelFlagTTL)
}

// GlobalCancelled reports whether the global cancel flag is raised.
func (m *Manager) GlobalCancelled(ctx context.Context) (bool, error) {
	return m.store.Exists(ctx, kv.KeyCancelFlag)
}

// SetChannelCancel raises the cancel flag for a single channel. /stop uses
// this so other channels keep running.
func (m *Manager) SetChannelCancel(ctx context.Context, channelID string) error {
	return m.store.Set(ctx, kv.PrefixCancel+channelID, "1", cancelFlagTTL)
}

// ChannelCancelled reports whether the channel's cancel flag is raised.
func (m *Manager) ChannelCancelled(ctx context.Context, channelID string) (bool, error) {
	return m.store.Exists(ctx, kv.PrefixCancel+channelID)
}

// TrackJob records an active job id for the channel; bulk cancellation reads
// the set.
func (m *Manager) TrackJob(ctx context.Context, channelID, jobID string) error {
	key := jobsKey(channelID)
	if err := m.store.SAdd(ctx, key, jobID); err != nil {
		return err
	}
	return m.store.Expire(ctx, key, safetyTTL)
}

// UntrackJob removes a finished job id from the channel set.
func (m *Manager) UntrackJob(ctx context.Context, channelID, jobID string) error {
	return m.store.SRem(ctx, jobsKey(channelID), jobID)
}

// ActiveJobs lists the job ids currently tracked for the channel.
func (m *Manager) ActiveJobs(ctx context.Context, channelID string) ([]string, error) {
	return m.store.SMembers(ctx, jobsKey(channelID))
}
