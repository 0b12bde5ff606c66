package queue

import (
	"context"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
)

func testFabric(t *testing.T) (*Fabric, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	f := NewFabric(store, Config{Attempts: 3, BackoffMs: 1000, BackoffType: "exponential"},
		observability.NewTestLogger(), observability.NewMetrics())
	return f, store
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		backoff  BackoffSpec
		attempts int
		want     time.Duration
	}{
		{name: "fixed stays flat", backoff: BackoffSpec{Type: "fixed", DelayMs: 500}, attempts: 4, want: 500 * time.Millisecond},
		{name: "exponential first attempt", backoff: BackoffSpec{Type: "exponential", DelayMs: 1000}, attempts: 1, want: time.Second},
		{name: "exponential doubles", backoff: BackoffSpec{Type: "exponential", DelayMs: 1000}, attempts: 3, want: 4 * time.Second},
		{name: "zero delay falls back", backoff: BackoffSpec{Type: "fixed"}, attempts: 1, want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryDelay(tt.backoff, tt.attempts); got != tt.want {
				t.Fatalf("retryDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRun(&RepeatSpec{EveryMs: 60_000}, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	next, err := NextRun(&RepeatSpec{Pattern: "0 * * * *", Timezone: "UTC"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if next.Minute() != 0 || !next.After(now) {
		t.Fatalf("next = %v, want top of the following hour", next)
	}
}

func TestValidatePattern(t *testing.T) {
	if err := ValidatePattern("*/5 * * * *"); err != nil {
		t.Errorf("valid pattern rejected: %v", err)
	}
	if err := ValidatePattern("not a cron"); err == nil {
		t.Error("invalid pattern accepted")
	}
}

func TestEnqueuePlacement(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()

	plain, err := f.Enqueue(ctx, Messages, map[string]string{"k": "v"}, Options{ChannelID: "ch"})
	if err != nil {
		t.Fatal(err)
	}
	prio, err := f.Enqueue(ctx, Messages, map[string]string{"k": "v"}, Options{Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	delayed, err := f.Enqueue(ctx, Messages, map[string]string{"k": "v"}, Options{Delay: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	waiting, _ := store.LRange(ctx, waitingKey(Messages), 0, -1)
	if len(waiting) != 1 || waiting[0] != plain {
		t.Fatalf("waiting list = %v", waiting)
	}
	prioList, _ := store.LRange(ctx, priorityKey(Messages), 0, -1)
	if len(prioList) != 1 || prioList[0] != prio {
		t.Fatalf("priority list = %v", prioList)
	}
	zs, _ := store.ZRangeByScore(ctx, delayedKey(Messages), "-inf", "+inf")
	if len(zs) != 1 || zs[0] != delayed {
		t.Fatalf("delayed zset = %v", zs)
	}

	job, err := f.GetJob(ctx, delayed)
	if err != nil || job == nil {
		t.Fatalf("GetJob: %v %v", job, err)
	}
	if job.State != StateDelayed {
		t.Fatalf("delayed job state = %s", job.State)
	}
	if job.Attempts != 3 {
		t.Fatalf("default attempts = %d", job.Attempts)
	}
}

func TestEnqueueRepeatableNeedsSpec(t *testing.T) {
	f, _ := testFabric(t)
	_, err := f.Enqueue(context.Background(), Internal, "x", Options{Repeat: &RepeatSpec{}})
	if err == nil {
		t.Fatal("empty repeat spec accepted")
	}
}

func TestRemoveRepeatable(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()

	id, err := f.Enqueue(ctx, Internal, "tick", Options{JobID: "sweep", Repeat: &RepeatSpec{EveryMs: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RemoveRepeatable(ctx, id, Internal); err != nil {
		t.Fatal(err)
	}
	zs, _ := store.ZRangeByScore(ctx, delayedKey(Internal), "-inf", "+inf")
	if len(zs) != 0 {
		t.Fatalf("delayed occurrence survived removal: %v", zs)
	}
	// Removal is idempotent.
	if err := f.RemoveRepeatable(ctx, id, Internal); err != nil {
		t.Fatalf("second removal: %v", err)
	}
}

func TestWaitUntilFinished(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()

	id, err := f.Enqueue(ctx, Tools, "work", Options{})
	if err != nil {
		t.Fatal(err)
	}
	job, _ := f.GetJob(ctx, id)
	f.finishJob(ctx, job, &Result{Status: StateCompleted, Value: "done"})

	res, err := f.WaitUntilFinished(ctx, id, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StateCompleted || res.Value != "done" {
		t.Fatalf("result = %+v", res)
	}
	if _, ok, _ := store.Get(ctx, resultKey(id)); !ok {
		t.Fatal("result key missing")
	}
}

func TestWaitUntilFinishedTimeout(t *testing.T) {
	f, _ := testFabric(t)
	if _, err := f.WaitUntilFinished(context.Background(), "nope", 10*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRetryJob(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()

	id, _ := f.Enqueue(ctx, Messages, "x", Options{})
	// Simulate consumption then permanent failure.
	_, _, _ = store.LPop(ctx, waitingKey(Messages))
	job, _ := f.GetJob(ctx, id)
	job.AttemptsMade = 3
	f.finishJob(ctx, job, &Result{Status: StateFailed, Error: "boom"})

	if err := f.RetryJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	job, _ = f.GetJob(ctx, id)
	if job.State != StateWaiting || job.AttemptsMade != 0 || job.FailedReason != "" {
		t.Fatalf("retried job = %+v", job)
	}
	waiting, _ := store.LRange(ctx, waitingKey(Messages), 0, -1)
	if len(waiting) != 1 || waiting[0] != id {
		t.Fatalf("waiting list = %v", waiting)
	}

	// Only failed jobs can be retried.
	if err := f.RetryJob(ctx, id); err == nil {
		t.Fatal("retry of a waiting job accepted")
	}
}

func TestForceFinishAndDelete(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()

	id, _ := f.Enqueue(ctx, Messages, "x", Options{})
	if err := f.FailJob(ctx, id, "operator"); err != nil {
		t.Fatal(err)
	}
	waiting, _ := store.LRange(ctx, waitingKey(Messages), 0, -1)
	if len(waiting) != 0 {
		t.Fatalf("failed job still pending: %v", waiting)
	}
	job, _ := f.GetJob(ctx, id)
	if job.State != StateFailed || job.FailedReason != "operator" {
		t.Fatalf("job = %+v", job)
	}

	if err := f.DeleteJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	if job, _ := f.GetJob(ctx, id); job != nil {
		t.Fatal("job record survived delete")
	}
	if err := f.DeleteJob(ctx, id); err == nil {
		t.Fatal("delete of unknown job accepted")
	}
}

func TestCounts(t *testing.T) {
	f, _ := testFabric(t)
	ctx := context.Background()

	_, _ = f.Enqueue(ctx, Messages, "a", Options{})
	_, _ = f.Enqueue(ctx, Messages, "b", Options{Priority: 1})
	_, _ = f.Enqueue(ctx, Messages, "c", Options{Delay: time.Hour})

	counts, err := f.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := counts[Messages]
	if got.Waiting != 1 || got.Priority != 1 || got.Delayed != 1 {
		t.Fatalf("counts = %+v", got)
	}
}

func TestDrainChannel(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()

	keep, _ := f.Enqueue(ctx, Messages, "keep", Options{ChannelID: "other"})
	drop, _ := f.Enqueue(ctx, Messages, "drop", Options{ChannelID: "target"})
	_, _ = f.Enqueue(ctx, Agents, "drop2", Options{ChannelID: "target", Priority: 1})

	n, err := f.DrainChannel(ctx, "target")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("drained %d jobs, want 2", n)
	}
	waiting, _ := store.LRange(ctx, waitingKey(Messages), 0, -1)
	if len(waiting) != 1 || waiting[0] != keep {
		t.Fatalf("waiting after drain = %v", waiting)
	}
	job, _ := f.GetJob(ctx, drop)
	if job.State != StateFailed {
		t.Fatalf("drained job state = %s", job.State)
	}
}

func TestPromoteDueJobs(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()

	id, _ := f.Enqueue(ctx, Internal, "soon", Options{Delay: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	if err := f.promote(ctx, Internal); err != nil {
		t.Fatal(err)
	}
	waiting, _ := store.LRange(ctx, waitingKey(Internal), 0, -1)
	if len(waiting) != 1 || waiting[0] != id {
		t.Fatalf("waiting after promotion = %v", waiting)
	}
	job, _ := f.GetJob(ctx, id)
	if job.State != StateWaiting {
		t.Fatalf("promoted state = %s", job.State)
	}
}

func TestPromoteReschedulesRepeatable(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()

	id, _ := f.Enqueue(ctx, Internal, "tick", Options{JobID: "cron", Repeat: &RepeatSpec{EveryMs: 1}})
	time.Sleep(5 * time.Millisecond)
	if err := f.promote(ctx, Internal); err != nil {
		t.Fatal(err)
	}
	waiting, _ := store.LRange(ctx, waitingKey(Internal), 0, -1)
	if len(waiting) != 1 || waiting[0] != id {
		t.Fatalf("waiting = %v", waiting)
	}
	zs, _ := store.ZRangeByScore(ctx, delayedKey(Internal), "-inf", "+inf")
	if len(zs) != 1 {
		t.Fatalf("repeatable not rescheduled: %v", zs)
	}
}

func TestRepeatableRecordSurvivesCompletion(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()
	f.RegisterProcessor(Internal, func(context.Context, *Job) (string, error) {
		return "ok", nil
	})

	id, err := f.Enqueue(ctx, Internal, "tick", Options{JobID: "cron", Repeat: &RepeatSpec{EveryMs: 1}})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := f.promote(ctx, Internal); err != nil {
		t.Fatal(err)
	}
	f.process(ctx, Internal, id)

	// The record must persist without an expiry, or the next occurrence
	// finds nothing to promote once the result window lapses.
	ttl, err := store.TTL(ctx, jobKey(id))
	if err != nil {
		t.Fatal(err)
	}
	if ttl >= 0 {
		t.Fatalf("repeatable job record has ttl %v", ttl)
	}

	time.Sleep(5 * time.Millisecond)
	if err := f.promote(ctx, Internal); err != nil {
		t.Fatal(err)
	}
	job, err := f.GetJob(ctx, id)
	if err != nil || job == nil {
		t.Fatalf("job after re-promotion = %v, %v", job, err)
	}
	if job.State != StateWaiting {
		t.Fatalf("state after re-promotion = %s", job.State)
	}
}

func TestOneShotRecordExpires(t *testing.T) {
	f, store := testFabric(t)
	ctx := context.Background()
	f.RegisterProcessor(Internal, func(context.Context, *Job) (string, error) {
		return "done", nil
	})

	id, err := f.Enqueue(ctx, Internal, "once", Options{})
	if err != nil {
		t.Fatal(err)
	}
	f.process(ctx, Internal, id)

	ttl, err := store.TTL(ctx, jobKey(id))
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 {
		t.Fatalf("one-shot job record ttl = %v", ttl)
	}
}

func TestRepeatableAttemptsResetEachFire(t *testing.T) {
	f, _ := testFabric(t)
	ctx := context.Background()
	f.RegisterProcessor(Internal, func(context.Context, *Job) (string, error) {
		return "", nil
	})

	id, err := f.Enqueue(ctx, Internal, "tick", Options{JobID: "cron", Repeat: &RepeatSpec{EveryMs: 1}})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		if err := f.promote(ctx, Internal); err != nil {
			t.Fatal(err)
		}
		if _, ok := f.pop(ctx, Internal); !ok {
			t.Fatalf("fire %d not promoted", i)
		}
		f.process(ctx, Internal, id)
	}

	job, err := f.GetJob(ctx, id)
	if err != nil || job == nil {
		t.Fatalf("job after fires = %v, %v", job, err)
	}
	// Each fire counts from zero, so retry budget is never consumed by
	// successes in earlier fires.
	if job.AttemptsMade != 0 {
		t.Fatalf("attempts after terminal fire = %d", job.AttemptsMade)
	}
}
