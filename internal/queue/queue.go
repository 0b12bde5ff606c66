// Package queue implements the named job queues over the shared key-value
// store. Each queue keeps a priority list, a waiting list, a delayed zset,
// and a repeat metadata hash; job bodies live under their own keys so lists
// and zsets only carry ids.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

// Queue names. Everything enqueued goes to one of these.
const (
	Messages = "messages"
	Agents   = "agents"
	Internal = "internal"
	Tools    = "tools"
)

// Names lists every queue in the fabric.
var Names = []string{Messages, Agents, Internal, Tools}

// JobState is the lifecycle of a job record.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// BackoffSpec controls retry spacing.
type BackoffSpec struct {
	Type    string `json:"type"` // "exponential" or "fixed"
	DelayMs int64  `json:"delayMs"`
}

// RepeatSpec makes a job repeatable: either a cron pattern or a fixed
// interval, evaluated in the given timezone.
type RepeatSpec struct {
	Pattern  string `json:"pattern,omitempty"`
	EveryMs  int64  `json:"everyMs,omitempty"`
	Timezone string `json:"tz,omitempty"`
}

// Job is the persisted job record.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	ChannelID    string          `json:"channelId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority,omitempty"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	Backoff      BackoffSpec     `json:"backoff"`
	Repeat       *RepeatSpec     `json:"repeat,omitempty"`
	State        JobState        `json:"state"`
	FailedReason string          `json:"failedReason,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
}

// Result is the terminal record awaited by WaitUntilFinished.
type Result struct {
	Status JobState `json:"status"`
	Value  string   `json:"value,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Options tunes a single enqueue. Zero values fall back to the fabric
// defaults from config.
type Options struct {
	JobID     string
	ChannelID string
	Delay     time.Duration
	Priority  int
	Attempts  int
	Backoff   *BackoffSpec
	Repeat    *RepeatSpec
}

// resultTTL keeps terminal results around long enough for request/reply
// callers and post-mortems.
const resultTTL = 30 * time.Minute

// cancelFlagTTL bounds how long a cancel mark outlives its job.
const cancelFlagTTL = 10 * time.Minute

func waitingKey(queue string) string  { return kv.PrefixQueue + queue + ":waiting" }
func priorityKey(queue string) string { return kv.PrefixQueue + queue + ":priority" }
func delayedKey(queue string) string  { return kv.PrefixQueue + queue + ":delayed" }
func repeatKey(queue string) string   { return kv.PrefixQueue + queue + ":repeat" }
func jobKey(id string) string         { return kv.PrefixQueue + "job:" + id }
func resultKey(id string) string      { return kv.PrefixQueue + "result:" + id }
func cancelKey(id string) string      { return kv.PrefixQueue + "cancelled:" + id }

// ValidatePattern checks a user-entered cron pattern before it is accepted
// into a repeat spec.
func ValidatePattern(pattern string) error {
	if !gronx.New().IsValid(pattern) {
		return fmt.Errorf("invalid cron pattern %q", pattern)
	}
	return nil
}

// NextRun computes the next fire time for a repeat spec after now.
func NextRun(spec *RepeatSpec, now time.Time) (time.Time, error) {
	if spec.EveryMs > 0 {
		return now.Add(time.Duration(spec.EveryMs) * time.Millisecond), nil
	}
	loc := time.Local
	if spec.Timezone != "" {
		l, err := time.LoadLocation(spec.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", spec.Timezone, err)
		}
		loc = l
	}
	sched, err := cron.ParseStandard(spec.Pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron pattern %q: %w", spec.Pattern, err)
	}
	return sched.Next(now.In(loc)), nil
}

// retryDelay computes the wait before attempt n (1-based) retries.
func retryDelay(b BackoffSpec, attemptsMade int) time.Duration {
	base := time.Duration(b.DelayMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	if b.Type == "fixed" {
		return base
	}
	d := base
	for i := 1; i < attemptsMade; i++ {
		d *= 2
	}
	return d
}

// Enqueue stores the job record and places its id on the right structure:
// delayed zset when a delay or repeat is set, priority list for priority 1,
// otherwise the waiting list.
func (f *Fabric) Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = f.defaultAttempts
	}
	backoff := f.defaultBackoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	job := &Job{
		ID:         id,
		Queue:      queue,
		ChannelID:  opts.ChannelID,
		Payload:    raw,
		Priority:   opts.Priority,
		Attempts:   attempts,
		Backoff:    backoff,
		Repeat:     opts.Repeat,
		State:      StateWaiting,
		EnqueuedAt: time.Now(),
	}

	if opts.Repeat != nil {
		if opts.Repeat.Pattern != "" {
			if err := ValidatePattern(opts.Repeat.Pattern); err != nil {
				return "", err
			}
		} else if opts.Repeat.EveryMs <= 0 {
			return "", fmt.Errorf("repeat spec needs a pattern or a positive interval")
		}
		next, err := NextRun(opts.Repeat, time.Now())
		if err != nil {
			return "", err
		}
		specRaw, _ := json.Marshal(opts.Repeat)
		if err := f.store.HSet(ctx, repeatKey(queue), map[string]string{id: string(specRaw)}); err != nil {
			return "", fmt.Errorf("store repeat spec: %w", err)
		}
		job.State = StateDelayed
		if err := f.saveJob(ctx, job, 0); err != nil {
			return "", err
		}
		if err := f.store.ZAdd(ctx, delayedKey(queue), float64(next.UnixMilli()), id); err != nil {
			return "", fmt.Errorf("schedule repeat: %w", err)
		}
		return id, nil
	}

	if opts.Delay > 0 {
		job.State = StateDelayed
		if err := f.saveJob(ctx, job, 0); err != nil {
			return "", err
		}
		due := time.Now().Add(opts.Delay)
		if err := f.store.ZAdd(ctx, delayedKey(queue), float64(due.UnixMilli()), id); err != nil {
			return "", fmt.Errorf("delay job: %w", err)
		}
		return id, nil
	}

	if err := f.saveJob(ctx, job, 0); err != nil {
		return "", err
	}
	list := waitingKey(queue)
	if opts.Priority == 1 {
		list = priorityKey(queue)
	}
	if err := f.store.RPush(ctx, list, id); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// RemoveRepeatable drops the repeat spec and any pending delayed occurrence.
// Idempotent so scheduler-side removal pairing can retry.
func (f *Fabric) RemoveRepeatable(ctx context.Context, jobID, queue string) error {
	h, err := f.store.HGetAll(ctx, repeatKey(queue))
	if err != nil {
		return fmt.Errorf("load repeat specs: %w", err)
	}
	if _, ok := h[jobID]; ok {
		if err := f.store.HSet(ctx, repeatKey(queue), map[string]string{jobID: ""}); err != nil {
			return err
		}
	}
	// HSet to empty keeps a tombstone; the consumer treats empty specs as
	// removed and clears them on promotion.
	if err := f.store.ZRem(ctx, delayedKey(queue), jobID); err != nil {
		return fmt.Errorf("remove delayed occurrence: %w", err)
	}
	return nil
}

// CancelJob marks the cancel flag and publishes the cancel event so any node
// or worker holding the job aborts it.
func (f *Fabric) CancelJob(ctx context.Context, jobID string) error {
	if err := f.store.Set(ctx, cancelKey(jobID), "1", cancelFlagTTL); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if _, err := f.store.Publish(ctx, kv.ChannelCancel, jobID); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	f.abortLocal(jobID)
	return nil
}

// GetJob loads a job record; nil when unknown or expired.
func (f *Fabric) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, ok, err := f.store.Get(ctx, jobKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// WaitUntilFinished polls the result key until the job reaches a terminal
// state or the timeout elapses.
func (f *Fabric) WaitUntilFinished(ctx context.Context, id string, timeout time.Duration) (*Result, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		raw, ok, err := f.store.Get(ctx, resultKey(id))
		if err != nil {
			return nil, err
		}
		if ok {
			var res Result
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return nil, fmt.Errorf("decode result for %s: %w", id, err)
			}
			return &res, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("job %s did not finish within %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainChannel removes every waiting and prioritised job belonging to the
// channel across all queues, and cancels the active ones.
func (f *Fabric) DrainChannel(ctx context.Context, channelID string) (int, error) {
	drained := 0
	for _, queue := range Names {
		for _, list := range []string{priorityKey(queue), waitingKey(queue)} {
			ids, err := f.store.LRange(ctx, list, 0, -1)
			if err != nil {
				return drained, err
			}
			for _, id := range ids {
				job, err := f.GetJob(ctx, id)
				if err != nil || job == nil || job.ChannelID != channelID {
					continue
				}
				if err := f.store.LRem(ctx, list, 0, id); err != nil {
					return drained, err
				}
				f.finishJob(ctx, job, &Result{Status: StateFailed, Error: "cancelled"})
				drained++
			}
		}
	}
	return drained, nil
}

func (f *Fabric) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := f.store.Set(ctx, jobKey(job.ID), string(raw), ttl); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}
