// Package scheduler maintains the scheduled-job hashes in the KV store and
// their paired queue entries on the internal queue. The hash is the source
// of truth; a fire with a non-active hash is a no-op.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// terminalTTL is the retention window stamped on a hash when it leaves the
// active state.
const terminalTTL = 7 * 24 * time.Hour

// FirePayload is the internal-queue job body for a scheduled fire.
type FirePayload struct {
	Kind        string `json:"kind"`
	ScheduledID string `json:"scheduledId"`
	ChannelID   string `json:"channelId"`
}

// FireKind tags internal-queue payloads belonging to the scheduler.
const FireKind = "scheduled-fire"

// ErrNotFound is returned when a scheduled id has no hash.
var ErrNotFound = fmt.Errorf("scheduled job not found")

// ErrWrongType is returned when a reminder operation targets a task or the
// reverse.
var ErrWrongType = fmt.Errorf("scheduled job type mismatch")

// Scheduler creates, cancels, and fires scheduled entries.
type Scheduler struct {
	store  kv.Store
	fabric *queue.Fabric
	log    *observability.Logger
}

// New builds a scheduler over the shared store and queue fabric.
func New(store kv.Store, fabric *queue.Fabric, log *observability.Logger) *Scheduler {
	return &Scheduler{store: store, fabric: fabric, log: log.With("component", "scheduler")}
}

func hashKey(id string) string { return kv.PrefixScheduled + id }

// idsKey indexes every scheduled id so List does not need key scans.
const idsKey = kv.PrefixScheduled + "__ids"

func (s *Scheduler) writeJob(ctx context.Context, job *models.ScheduledJob) error {
	fields := map[string]string{
		"id":          job.ID,
		"state":       string(job.State),
		"type":        string(job.Type),
		"channelId":   job.ChannelID,
		"description": job.Description,
		"cronPattern": job.CronPattern,
		"timezone":    job.Timezone,
		"createdAt":   job.CreatedAt.Format(time.RFC3339),
	}
	if job.NextRun != nil {
		fields["nextRun"] = job.NextRun.Format(time.RFC3339)
	}
	if err := s.store.SAdd(ctx, idsKey, job.ID); err != nil {
		return fmt.Errorf("index scheduled id: %w", err)
	}
	return s.store.HSet(ctx, hashKey(job.ID), fields)
}

// Get loads one scheduled entry.
func (s *Scheduler) Get(ctx context.Context, id string) (*models.ScheduledJob, error) {
	h, err := s.store.HGetAll(ctx, hashKey(id))
	if err != nil {
		return nil, fmt.Errorf("load scheduled job: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	job := &models.ScheduledJob{
		ID:          h["id"],
		State:       models.ScheduledJobState(h["state"]),
		Type:        models.ScheduledJobType(h["type"]),
		ChannelID:   h["channelId"],
		Description: h["description"],
		CronPattern: h["cronPattern"],
		Timezone:    h["timezone"],
	}
	if t, err := time.Parse(time.RFC3339, h["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if h["nextRun"] != "" {
		if t, err := time.Parse(time.RFC3339, h["nextRun"]); err == nil {
			job.NextRun = &t
		}
	}
	return job, nil
}

// CreateReminder schedules a one-shot text delivery after delay.
func (s *Scheduler) CreateReminder(ctx context.Context, channelID, message string, delay time.Duration) (*models.ScheduledJob, error) {
	return s.createOneShot(ctx, models.ScheduledReminder, channelID, message, delay)
}

// CreateTask schedules a one-shot orchestrator run after delay.
func (s *Scheduler) CreateTask(ctx context.Context, channelID, description string, delay time.Duration) (*models.ScheduledJob, error) {
	return s.createOneShot(ctx, models.ScheduledTask, channelID, description, delay)
}

func (s *Scheduler) createOneShot(ctx context.Context, typ models.ScheduledJobType, channelID, text string, delay time.Duration) (*models.ScheduledJob, error) {
	if delay <= 0 {
		return nil, fmt.Errorf("delay must be positive")
	}
	id := uuid.NewString()
	next := time.Now().Add(delay)
	job := &models.ScheduledJob{
		ID:          id,
		State:       models.ScheduledActive,
		Type:        typ,
		ChannelID:   channelID,
		Description: text,
		NextRun:     &next,
		CreatedAt:   time.Now(),
	}
	if err := s.writeJob(ctx, job); err != nil {
		return nil, err
	}
	payload := FirePayload{Kind: FireKind, ScheduledID: id, ChannelID: channelID}
	if _, err := s.fabric.Enqueue(ctx, queue.Internal, payload, queue.Options{
		JobID:     id,
		ChannelID: channelID,
		Delay:     delay,
	}); err != nil {
		_ = s.store.Del(ctx, hashKey(id))
		return nil, fmt.Errorf("enqueue scheduled fire: %w", err)
	}
	return job, nil
}

// RepeatOptions picks a cron pattern or a fixed interval for recurring
// entries.
type RepeatOptions struct {
	CronPattern string
	Interval    time.Duration
	Timezone    string
}

// CreateRecurrentReminder schedules a repeating text delivery.
func (s *Scheduler) CreateRecurrentReminder(ctx context.Context, channelID, text string, opts RepeatOptions) (*models.ScheduledJob, error) {
	return s.createRecurrent(ctx, models.ScheduledRecurrentReminder, channelID, text, opts)
}

// CreateRecurrentTask schedules a repeating orchestrator run.
func (s *Scheduler) CreateRecurrentTask(ctx context.Context, channelID, description string, opts RepeatOptions) (*models.ScheduledJob, error) {
	return s.createRecurrent(ctx, models.ScheduledRecurrentTask, channelID, description, opts)
}

func (s *Scheduler) createRecurrent(ctx context.Context, typ models.ScheduledJobType, channelID, text string, opts RepeatOptions) (*models.ScheduledJob, error) {
	if opts.CronPattern == "" && opts.Interval <= 0 {
		return nil, fmt.Errorf("recurrent job needs a cron pattern or an interval")
	}
	if opts.CronPattern != "" {
		if err := queue.ValidatePattern(opts.CronPattern); err != nil {
			return nil, err
		}
	}
	id := uuid.NewString()
	job := &models.ScheduledJob{
		ID:          id,
		State:       models.ScheduledActive,
		Type:        typ,
		ChannelID:   channelID,
		Description: text,
		CronPattern: opts.CronPattern,
		Timezone:    opts.Timezone,
		CreatedAt:   time.Now(),
	}
	if err := s.writeJob(ctx, job); err != nil {
		return nil, err
	}
	payload := FirePayload{Kind: FireKind, ScheduledID: id, ChannelID: channelID}
	repeat := &queue.RepeatSpec{Pattern: opts.CronPattern, Timezone: opts.Timezone}
	if opts.Interval > 0 {
		repeat.EveryMs = opts.Interval.Milliseconds()
	}
	if _, err := s.fabric.Enqueue(ctx, queue.Internal, payload, queue.Options{
		JobID:     id,
		ChannelID: channelID,
		Repeat:    repeat,
	}); err != nil {
		_ = s.store.Del(ctx, hashKey(id))
		return nil, fmt.Errorf("enqueue recurrent fire: %w", err)
	}
	return job, nil
}

// CancelReminder cancels a reminder: a task id is refused.
func (s *Scheduler) CancelReminder(ctx context.Context, id, channelID string) error {
	return s.cancelTyped(ctx, id, channelID, true)
}

// CancelTask cancels a task: a reminder id is refused.
func (s *Scheduler) CancelTask(ctx context.Context, id, channelID string) error {
	return s.cancelTyped(ctx, id, channelID, false)
}

func (s *Scheduler) cancelTyped(ctx context.Context, id, channelID string, wantReminder bool) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if channelID != "" && job.ChannelID != channelID {
		return ErrNotFound
	}
	if job.Type.IsReminder() != wantReminder {
		return ErrWrongType
	}
	return s.transition(ctx, job, models.ScheduledCancelled)
}

// CancelAdmin cancels without channel or type scoping.
func (s *Scheduler) CancelAdmin(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, job, models.ScheduledCancelled)
}

// CompleteAdmin marks an entry completed without scoping.
func (s *Scheduler) CompleteAdmin(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, job, models.ScheduledCompleted)
}

// Delete removes the hash and the paired queue entry outright.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.fabric.RemoveRepeatable(ctx, id, queue.Internal); err != nil {
		s.log.Warn(ctx, "queue removal failed during delete", "id", id, "error", err)
	}
	if err := s.store.SRem(ctx, idsKey, id); err != nil {
		return err
	}
	return s.store.Del(ctx, hashKey(id))
}

// transition moves the entry to a terminal state, stamps the retention TTL,
// and removes the paired queue entry. Idempotent on retry.
func (s *Scheduler) transition(ctx context.Context, job *models.ScheduledJob, to models.ScheduledJobState) error {
	if err := s.store.HSet(ctx, hashKey(job.ID), map[string]string{"state": string(to)}); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if err := s.store.Expire(ctx, hashKey(job.ID), terminalTTL); err != nil {
		return fmt.Errorf("stamp retention: %w", err)
	}
	if err := s.fabric.RemoveRepeatable(ctx, job.ID, queue.Internal); err != nil {
		s.log.Warn(ctx, "queue removal failed", "id", job.ID, "error", err)
	}
	return nil
}

// MarkFailed records terminal failure after queue retries are exhausted.
func (s *Scheduler) MarkFailed(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, job, models.ScheduledFailed)
}

// Deliverer performs the user-visible side of a fire. Reminder variants send
// the stored text; task variants run the orchestrator with the description.
type Deliverer interface {
	DeliverReminder(ctx context.Context, channelID, text string) error
	DeliverTask(ctx context.Context, channelID, description string) error
}

// HandleFire processes one scheduled-fire payload from the internal queue.
// Non-active entries are skipped silently; recurring entries update next-run
// and stay active; one-shots complete.
func (s *Scheduler) HandleFire(ctx context.Context, payload *FirePayload, deliver Deliverer) error {
	job, err := s.Get(ctx, payload.ScheduledID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if job.State != models.ScheduledActive {
		return nil
	}

	if job.Type.IsReminder() {
		err = deliver.DeliverReminder(ctx, job.ChannelID, job.Description)
	} else {
		err = deliver.DeliverTask(ctx, job.ChannelID, job.Description)
	}
	if err != nil {
		return fmt.Errorf("deliver scheduled %s: %w", job.Type, err)
	}

	if job.Type.IsRecurrent() {
		if job.CronPattern != "" {
			if next, nErr := nextCron(job.CronPattern, job.Timezone); nErr == nil {
				_ = s.store.HSet(ctx, hashKey(job.ID), map[string]string{"nextRun": next.Format(time.RFC3339)})
			}
		}
		return nil
	}
	return s.transition(ctx, job, models.ScheduledCompleted)
}

// DecodeFire parses an internal-queue payload; ok is false when the payload
// belongs to another subsystem.
func DecodeFire(raw json.RawMessage) (*FirePayload, bool) {
	var p FirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	if p.Kind != FireKind {
		return nil, false
	}
	return &p, true
}

// List returns entries for a channel, or all when channelID is empty.
// Expired hashes are pruned from the id index as they are discovered.
func (s *Scheduler) List(ctx context.Context, channelID string) ([]*models.ScheduledJob, error) {
	ids, err := s.store.SMembers(ctx, idsKey)
	if err != nil {
		return nil, fmt.Errorf("list scheduled ids: %w", err)
	}
	out := make([]*models.ScheduledJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err == ErrNotFound {
			_ = s.store.SRem(ctx, idsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if channelID != "" && job.ChannelID != channelID {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func nextCron(pattern, tz string) (time.Time, error) {
	spec := &queue.RepeatSpec{Pattern: pattern, Timezone: tz}
	return queue.NextRun(spec, time.Now())
}
