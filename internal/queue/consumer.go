package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
)

// Processor handles one job. A non-nil error triggers the retry policy. The
// context is cancelled when the job is cancelled, so long handlers should
// pass it down.
type Processor func(ctx context.Context, job *Job) (string, error)

// Fabric is the queue engine. One instance per process; the node runs the
// messages/agents/internal consumers, a worker runs only tools.
type Fabric struct {
	store   kv.Store
	log     *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	defaultAttempts int
	defaultBackoff  BackoffSpec

	mu          sync.Mutex
	processors  map[string]Processor
	concurrency map[string]int
	aborts      map[string]context.CancelFunc

	pollInterval time.Duration
}

// Config carries the retry defaults and per-queue concurrency.
type Config struct {
	Attempts    int
	BackoffMs   int64
	BackoffType string
	Concurrency map[string]int
}

// NewFabric builds a fabric; Start launches the consumers.
func NewFabric(store kv.Store, cfg Config, log *observability.Logger, metrics *observability.Metrics) *Fabric {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoffMs := cfg.BackoffMs
	if backoffMs <= 0 {
		backoffMs = 1000
	}
	backoffType := cfg.BackoffType
	if backoffType == "" {
		backoffType = "exponential"
	}
	return &Fabric{
		store:           store,
		log:             log.With("component", "queue"),
		metrics:         metrics,
		defaultAttempts: attempts,
		defaultBackoff:  BackoffSpec{Type: backoffType, DelayMs: backoffMs},
		processors:      make(map[string]Processor),
		concurrency:     cfg.Concurrency,
		aborts:          make(map[string]context.CancelFunc),
		pollInterval:    250 * time.Millisecond,
	}
}

// SetTracer enables per-job spans. Must be called before Start.
func (f *Fabric) SetTracer(t *observability.Tracer) {
	f.tracer = t
}

// RegisterProcessor binds the handler for a queue. Must be called before
// Start.
func (f *Fabric) RegisterProcessor(queue string, p Processor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processors[queue] = p
}

// Start launches the promotion loop, the cancel listener, and one consumer
// goroutine per concurrency slot for each registered queue. It returns
// immediately; ctx cancellation stops everything.
func (f *Fabric) Start(ctx context.Context) error {
	f.mu.Lock()
	queues := make([]string, 0, len(f.processors))
	for q := range f.processors {
		queues = append(queues, q)
	}
	f.mu.Unlock()

	sub, err := f.store.Subscribe(ctx, kv.ChannelCancel)
	if err != nil {
		return fmt.Errorf("subscribe cancel channel: %w", err)
	}
	go f.cancelLoop(ctx, sub)
	go f.promoteLoop(ctx, queues)

	for _, queue := range queues {
		slots := f.concurrency[queue]
		if slots <= 0 {
			slots = 1
		}
		for i := 0; i < slots; i++ {
			go f.consumeLoop(ctx, queue)
		}
	}
	return nil
}

func (f *Fabric) cancelLoop(ctx context.Context, sub kv.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			f.abortLocal(msg.Payload)
		}
	}
}

func (f *Fabric) abortLocal(jobID string) {
	f.mu.Lock()
	cancel := f.aborts[jobID]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// promoteLoop moves due delayed jobs onto their waiting lists and reschedules
// repeatables.
func (f *Fabric) promoteLoop(ctx context.Context, queues []string) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range queues {
				if err := f.promote(ctx, queue); err != nil {
					f.log.Warn(ctx, "delayed promotion failed", "queue", queue, "error", err)
				}
			}
		}
	}
}

func (f *Fabric) promote(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := f.store.ZRangeByScore(ctx, delayedKey(queue), "-inf", now)
	if err != nil {
		return err
	}
	for _, id := range due {
		if err := f.store.ZRem(ctx, delayedKey(queue), id); err != nil {
			return err
		}
		job, err := f.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		if job.Repeat != nil {
			spec, ok, err := f.store.HGet(ctx, repeatKey(queue), id)
			if err != nil {
				return err
			}
			if !ok || spec == "" {
				// Removed repeatable; drop the occurrence.
				_ = f.store.Del(ctx, jobKey(id))
				continue
			}
			next, err := NextRun(job.Repeat, time.Now())
			if err != nil {
				f.log.Error(ctx, "repeat next-run failed", "job", id, "error", err)
			} else if err := f.store.ZAdd(ctx, delayedKey(queue), float64(next.UnixMilli()), id); err != nil {
				return err
			}
		}
		job.State = StateWaiting
		if err := f.saveJob(ctx, job, 0); err != nil {
			return err
		}
		list := waitingKey(queue)
		if job.Priority == 1 {
			list = priorityKey(queue)
		}
		if err := f.store.RPush(ctx, list, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fabric) consumeLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			id, ok := f.pop(ctx, queue)
			if !ok {
				break
			}
			f.process(ctx, queue, id)
		}
	}
}

// pop takes the next id, priority list first.
func (f *Fabric) pop(ctx context.Context, queue string) (string, bool) {
	for _, list := range []string{priorityKey(queue), waitingKey(queue)} {
		id, ok, err := f.store.LPop(ctx, list)
		if err != nil {
			f.log.Warn(ctx, "queue pop failed", "queue", queue, "error", err)
			return "", false
		}
		if ok {
			return id, true
		}
	}
	return "", false
}

func (f *Fabric) process(ctx context.Context, queue, id string) {
	job, err := f.GetJob(ctx, id)
	if err != nil || job == nil {
		if err != nil {
			f.log.Warn(ctx, "job load failed", "job", id, "error", err)
		}
		return
	}

	if cancelled, _ := f.store.Exists(ctx, cancelKey(id)); cancelled {
		f.finishJob(ctx, job, &Result{Status: StateFailed, Error: "cancelled"})
		return
	}

	f.mu.Lock()
	proc := f.processors[queue]
	f.mu.Unlock()
	if proc == nil {
		return
	}

	job.State = StateActive
	job.AttemptsMade++
	if err := f.saveJob(ctx, job, 0); err != nil {
		f.log.Warn(ctx, "job state update failed", "job", id, "error", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.aborts[id] = cancel
	f.mu.Unlock()

	start := time.Now()
	var value string
	if f.tracer != nil {
		spanCtx, span := f.tracer.Start(jobCtx, "queue."+queue,
			attribute.String("job.id", id),
			attribute.Int("job.attempt", job.AttemptsMade))
		value, err = proc(spanCtx, job)
		f.tracer.RecordError(span, err)
		span.End()
	} else {
		value, err = proc(jobCtx, job)
	}
	elapsed := time.Since(start)

	f.mu.Lock()
	delete(f.aborts, id)
	f.mu.Unlock()
	cancel()

	if f.metrics != nil {
		f.metrics.JobDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
	}

	if err == nil {
		f.finishJob(ctx, job, &Result{Status: StateCompleted, Value: value})
		return
	}

	if jobCtx.Err() != nil {
		f.finishJob(ctx, job, &Result{Status: StateFailed, Error: "cancelled"})
		return
	}

	if job.AttemptsMade < job.Attempts {
		delay := retryDelay(job.Backoff, job.AttemptsMade)
		f.log.Warn(ctx, "job failed, retrying", "queue", queue, "job", id,
			"attempt", job.AttemptsMade, "delay", delay, "error", err)
		job.State = StateDelayed
		job.FailedReason = err.Error()
		if saveErr := f.saveJob(ctx, job, 0); saveErr != nil {
			f.log.Warn(ctx, "job state update failed", "job", id, "error", saveErr)
		}
		due := time.Now().Add(delay)
		if zErr := f.store.ZAdd(ctx, delayedKey(queue), float64(due.UnixMilli()), id); zErr != nil {
			f.log.Error(ctx, "retry schedule failed", "job", id, "error", zErr)
		}
		return
	}

	f.log.Error(ctx, "job failed permanently", "queue", queue, "job", id,
		"attempts", job.AttemptsMade, "error", err)
	f.finishJob(ctx, job, &Result{Status: StateFailed, Error: err.Error()})
}

// finishJob records the terminal state and result with cleanup TTLs. A
// repeatable's record is kept without a TTL, because promotion needs it for
// every future occurrence, and its attempt counter starts over so one fire's
// failures never bleed into the next.
func (f *Fabric) finishJob(ctx context.Context, job *Job, res *Result) {
	job.State = res.Status
	job.FailedReason = res.Error
	ttl := resultTTL
	if job.Repeat != nil {
		ttl = 0
		job.AttemptsMade = 0
	}
	if err := f.saveJob(ctx, job, ttl); err != nil {
		f.log.Warn(ctx, "terminal job save failed", "job", job.ID, "error", err)
	}
	raw, _ := json.Marshal(res)
	if err := f.store.Set(ctx, resultKey(job.ID), string(raw), resultTTL); err != nil {
		f.log.Warn(ctx, "result save failed", "job", job.ID, "error", err)
	}
	if f.metrics != nil {
		f.metrics.JobsProcessed.WithLabelValues(job.Queue, string(res.Status)).Inc()
	}
}
