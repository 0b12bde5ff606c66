// Package proactive periodically nudges idle channels with a model-written
// follow-up grounded in recent conversation and pending scheduled results.
package proactive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/llm"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/progress"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/storage"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

const (
	// JobID keys the repeatable queue job so reload replaces it in place.
	JobID = "proactive-sweep"
	// FireKind marks the payload on the internal queue.
	FireKind = "proactive-fire"

	skipToken      = "[SKIP]"
	activityWindow = 7 * 24 * time.Hour
	recentMessages = 20
)

var channelsKey = kv.PrefixActivity + "__channels"

// TouchActivity records user activity on a channel. Called by the message
// dispatcher for every inbound message.
func TouchActivity(ctx context.Context, store kv.Store, channelID string) error {
	if err := store.SAdd(ctx, channelsKey, channelID); err != nil {
		return err
	}
	return store.Set(ctx, kv.PrefixActivity+channelID, time.Now().UTC().Format(time.RFC3339), activityWindow)
}

// Engine is the sweep that runs on each cron fire.
type Engine struct {
	store    kv.Store
	db       *storage.Store
	registry *llm.Registry
	usage    llm.UsageRecorder
	fabric   *queue.Fabric
	pub      *progress.Publisher
	cfg      func() *config.Config
	log      *observability.Logger
	now      func() time.Time
}

func New(store kv.Store, db *storage.Store, registry *llm.Registry, usage llm.UsageRecorder,
	fabric *queue.Fabric, pub *progress.Publisher, cfg func() *config.Config,
	log *observability.Logger) *Engine {
	return &Engine{
		store:    store,
		db:       db,
		registry: registry,
		usage:    usage,
		fabric:   fabric,
		pub:      pub,
		cfg:      cfg,
		log:      log.With("component", "proactive"),
		now:      time.Now,
	}
}

// Install registers or replaces the repeatable sweep job. Disabled config
// removes it.
func (e *Engine) Install(ctx context.Context) error {
	pc := e.cfg().Proactive
	if pc == nil || !pc.Enabled {
		return e.fabric.RemoveRepeatable(ctx, JobID, queue.Internal)
	}
	pattern := pc.CronPattern
	if pattern == "" {
		pattern = "*/30 * * * *"
	}
	_, err := e.fabric.Enqueue(ctx, queue.Internal, map[string]string{"kind": FireKind}, queue.Options{
		JobID:  JobID,
		Repeat: &queue.RepeatSpec{Pattern: pattern, Timezone: pc.Timezone},
	})
	return err
}

// Sweep evaluates every known channel once.
func (e *Engine) Sweep(ctx context.Context) error {
	pc := e.cfg().Proactive
	if pc == nil || !pc.Enabled {
		return nil
	}
	loc := e.location(ctx, pc)
	now := e.now().In(loc)
	if inQuietHours(now, pc.QuietHoursStart, pc.QuietHoursEnd) {
		return nil
	}
	channels, err := e.store.SMembers(ctx, channelsKey)
	if err != nil {
		return fmt.Errorf("list active channels: %w", err)
	}
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.sweepChannel(ctx, pc, loc, now, ch); err != nil {
			e.log.Warn(ctx, "channel sweep failed", "channel", ch, "error", err)
		}
	}
	return nil
}

func (e *Engine) sweepChannel(ctx context.Context, pc *config.ProactiveConfig, loc *time.Location, now time.Time, channelID string) error {
	last, ok, err := e.lastActivity(ctx, channelID)
	if err != nil || !ok {
		return err
	}
	idle := now.Sub(last)
	if idle < time.Duration(pc.IdleThresholdMinutes)*time.Minute || idle > activityWindow {
		return nil
	}
	if held, err := e.cooldownHeld(ctx, channelID); err != nil || held {
		return err
	}
	if capped, err := e.dayCapReached(ctx, pc, loc, now, channelID); err != nil || capped {
		return err
	}

	text, err := e.compose(ctx, pc, channelID, last)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	if err := e.pub.Publish(ctx, channelID, &models.ProgressEvent{
		JobID:  JobID + ":" + channelID,
		Type:   models.ProgressComplete,
		Result: text,
	}); err != nil {
		return err
	}
	e.stamp(ctx, pc, loc, now, channelID)
	e.log.Info(ctx, "proactive message sent", "channel", channelID, "idleMinutes", int(idle.Minutes()))
	return nil
}

func (e *Engine) lastActivity(ctx context.Context, channelID string) (time.Time, bool, error) {
	raw, ok, err := e.store.Get(ctx, kv.PrefixActivity+channelID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (e *Engine) cooldownHeld(ctx context.Context, channelID string) (bool, error) {
	return e.store.Exists(ctx, kv.PrefixProactive+"cooldown:"+channelID)
}

func dayKey(channelID string, now time.Time) string {
	return kv.PrefixProactive + "count:" + channelID + ":" + now.Format("2006-01-02")
}

func (e *Engine) dayCapReached(ctx context.Context, pc *config.ProactiveConfig, loc *time.Location, now time.Time, channelID string) (bool, error) {
	if pc.MaxPerDay <= 0 {
		return false, nil
	}
	raw, _, err := e.store.Get(ctx, dayKey(channelID, now))
	if err != nil {
		return false, err
	}
	n, _ := strconv.Atoi(raw)
	return n >= pc.MaxPerDay, nil
}

// stamp records the cooldown and the per-day counter. The counter's TTL is
// aligned to local midnight so the cap resets with the user's day.
func (e *Engine) stamp(ctx context.Context, pc *config.ProactiveConfig, loc *time.Location, now time.Time, channelID string) {
	cooldown := time.Duration(pc.CooldownMinutes) * time.Minute
	if cooldown > 0 {
		if err := e.store.Set(ctx, kv.PrefixProactive+"cooldown:"+channelID, "1", cooldown); err != nil {
			e.log.Warn(ctx, "cooldown stamp failed", "channel", channelID, "error", err)
		}
	}
	key := dayKey(channelID, now)
	raw, _, _ := e.store.Get(ctx, key)
	n, _ := strconv.Atoi(raw)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).Add(24 * time.Hour)
	if err := e.store.Set(ctx, key, strconv.Itoa(n+1), time.Until(midnight)); err != nil {
		e.log.Warn(ctx, "day counter stamp failed", "channel", channelID, "error", err)
	}
}

// compose asks the model for a follow-up. An empty return means skip.
func (e *Engine) compose(ctx context.Context, pc *config.ProactiveConfig, channelID string, lastActivity time.Time) (string, error) {
	recent, err := e.db.GetChannelMessages(ctx, channelID, recentMessages)
	if err != nil {
		return "", fmt.Errorf("recent messages: %w", err)
	}
	if len(recent) == 0 {
		return "", nil
	}
	pending, err := e.db.GetScheduledResultsSince(ctx, channelID, lastActivity)
	if err != nil {
		e.log.Warn(ctx, "pending results lookup failed", "channel", channelID, "error", err)
	}

	model := pc.Model
	if model == "" {
		cfg := e.cfg()
		entry, err := e.registry.SelectScoped(&cfg.Models, nil)
		if err != nil {
			return "", fmt.Errorf("no usable model: %w", err)
		}
		model = entry.ID
	}

	resp, err := e.registry.Chat(ctx, &models.ChatRequest{
		Model:        model,
		SystemPrompt: proactiveSystem,
		Messages: []models.ChatMessage{{
			Role:    models.RoleUser,
			Content: buildContext(recent, pending),
		}},
		MaxTokens: 512,
	}, models.UsageProactive, channelID, "", e.usage)
	if err != nil {
		return "", fmt.Errorf("proactive completion: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" || strings.Contains(text, skipToken) {
		return "", nil
	}
	return text, nil
}

const proactiveSystem = `You are ScalyClaw checking in on a quiet conversation.
Given the recent transcript and any results that arrived while the user was
away, write one short, natural follow-up message. If there is nothing worth
saying, reply with exactly [SKIP].`

func buildContext(recent, pending []*models.Message) string {
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range recent {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	if len(pending) > 0 {
		b.WriteString("\nResults delivered while the user was away:\n")
		for _, m := range pending {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}
	return b.String()
}

func (e *Engine) location(ctx context.Context, pc *config.ProactiveConfig) *time.Location {
	if pc.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(pc.Timezone)
	if err != nil {
		e.log.Warn(ctx, "bad proactive timezone, using local", "timezone", pc.Timezone)
		return time.Local
	}
	return loc
}

// inQuietHours handles windows that wrap midnight, e.g. start 22 end 7.
func inQuietHours(now time.Time, start, end int) bool {
	if start == end {
		return false
	}
	h := now.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
