package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	store := kv.NewMemoryStore()
	fabric := queue.NewFabric(store, queue.Config{}, observability.NewTestLogger(), observability.NewMetrics())
	return New(store, fabric, observability.NewTestLogger())
}

type recordingDeliverer struct {
	reminders []string
	tasks     []string
	err       error
}

func (d *recordingDeliverer) DeliverReminder(_ context.Context, _ string, text string) error {
	d.reminders = append(d.reminders, text)
	return d.err
}

func (d *recordingDeliverer) DeliverTask(_ context.Context, _ string, description string) error {
	d.tasks = append(d.tasks, description)
	return d.err
}

func TestCreateReminder(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	job, err := s.CreateReminder(ctx, "ch", "stretch your legs", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != models.ScheduledActive || job.Type != models.ScheduledReminder {
		t.Fatalf("job = %+v", job)
	}
	if job.NextRun == nil || !job.NextRun.After(time.Now()) {
		t.Fatalf("nextRun = %v", job.NextRun)
	}

	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "stretch your legs" || got.ChannelID != "ch" {
		t.Fatalf("loaded = %+v", got)
	}
}

func TestCreateReminderRejectsNonPositiveDelay(t *testing.T) {
	s := testScheduler(t)
	if _, err := s.CreateReminder(context.Background(), "ch", "x", 0); err == nil {
		t.Fatal("zero delay accepted")
	}
}

func TestCreateRecurrent(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	job, err := s.CreateRecurrentTask(ctx, "ch", "daily digest", RepeatOptions{CronPattern: "0 9 * * *", Timezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Type != models.ScheduledRecurrentTask || job.CronPattern != "0 9 * * *" {
		t.Fatalf("job = %+v", job)
	}

	if _, err := s.CreateRecurrentReminder(ctx, "ch", "x", RepeatOptions{}); err == nil {
		t.Fatal("empty repeat options accepted")
	}
	if _, err := s.CreateRecurrentReminder(ctx, "ch", "x", RepeatOptions{CronPattern: "garbage"}); err == nil {
		t.Fatal("invalid cron accepted")
	}
}

func TestCancelTypeChecked(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	rem, err := s.CreateReminder(ctx, "ch", "x", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	task, err := s.CreateTask(ctx, "ch", "y", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CancelReminder(ctx, task.ID, "ch"); !errors.Is(err, ErrWrongType) {
		t.Fatalf("reminder cancel of task = %v", err)
	}
	if err := s.CancelTask(ctx, rem.ID, "ch"); !errors.Is(err, ErrWrongType) {
		t.Fatalf("task cancel of reminder = %v", err)
	}
	if err := s.CancelReminder(ctx, rem.ID, "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-channel cancel = %v", err)
	}

	if err := s.CancelReminder(ctx, rem.ID, "ch"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, rem.ID)
	if got.State != models.ScheduledCancelled {
		t.Fatalf("state = %s", got.State)
	}
}

func TestAdminTransitions(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	job, _ := s.CreateTask(ctx, "ch", "x", time.Hour)
	if err := s.CompleteAdmin(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.State != models.ScheduledCompleted {
		t.Fatalf("state = %s", got.State)
	}

	other, _ := s.CreateReminder(ctx, "elsewhere", "x", time.Hour)
	if err := s.CancelAdmin(ctx, other.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, other.ID)
	if got.State != models.ScheduledCancelled {
		t.Fatalf("state = %s", got.State)
	}

	if err := s.CancelAdmin(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id = %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	job, _ := s.CreateReminder(ctx, "ch", "x", time.Hour)
	if err := s.Delete(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v", err)
	}
	list, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("list after delete = %v", list)
	}
}

func TestList(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	_, _ = s.CreateReminder(ctx, "a", "one", time.Hour)
	_, _ = s.CreateReminder(ctx, "b", "two", time.Hour)
	_, _ = s.CreateTask(ctx, "a", "three", time.Hour)

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d entries", len(all))
	}
	scoped, err := s.List(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 2 {
		t.Fatalf("channel a = %d entries", len(scoped))
	}
}

func TestHandleFireOneShot(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	job, _ := s.CreateReminder(ctx, "ch", "drink water", time.Hour)
	d := &recordingDeliverer{}
	if err := s.HandleFire(ctx, &FirePayload{Kind: FireKind, ScheduledID: job.ID, ChannelID: "ch"}, d); err != nil {
		t.Fatal(err)
	}
	if len(d.reminders) != 1 || d.reminders[0] != "drink water" {
		t.Fatalf("delivered = %v", d.reminders)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.State != models.ScheduledCompleted {
		t.Fatalf("state after fire = %s", got.State)
	}

	// A second fire after completion is a no-op.
	if err := s.HandleFire(ctx, &FirePayload{Kind: FireKind, ScheduledID: job.ID}, d); err != nil {
		t.Fatal(err)
	}
	if len(d.reminders) != 1 {
		t.Fatalf("completed entry fired again: %v", d.reminders)
	}
}

func TestHandleFireRecurrentStaysActive(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	job, _ := s.CreateRecurrentTask(ctx, "ch", "sweep", RepeatOptions{Interval: time.Minute})
	d := &recordingDeliverer{}
	if err := s.HandleFire(ctx, &FirePayload{Kind: FireKind, ScheduledID: job.ID}, d); err != nil {
		t.Fatal(err)
	}
	if len(d.tasks) != 1 {
		t.Fatalf("delivered = %v", d.tasks)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.State != models.ScheduledActive {
		t.Fatalf("recurrent entry left active state: %s", got.State)
	}
}

func TestHandleFireCancelledIsSkipped(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	job, _ := s.CreateReminder(ctx, "ch", "x", time.Hour)
	if err := s.CancelAdmin(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	d := &recordingDeliverer{}
	if err := s.HandleFire(ctx, &FirePayload{Kind: FireKind, ScheduledID: job.ID}, d); err != nil {
		t.Fatal(err)
	}
	if len(d.reminders) != 0 {
		t.Fatalf("cancelled entry delivered: %v", d.reminders)
	}

	// Unknown ids are skipped, not errors; the hash may have expired.
	if err := s.HandleFire(ctx, &FirePayload{Kind: FireKind, ScheduledID: "gone"}, d); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeFire(t *testing.T) {
	p, ok := DecodeFire([]byte(`{"kind":"scheduled-fire","scheduledId":"abc","channelId":"ch"}`))
	if !ok || p.ScheduledID != "abc" {
		t.Fatalf("decode = %+v, %v", p, ok)
	}
	if _, ok := DecodeFire([]byte(`{"kind":"something-else"}`)); ok {
		t.Fatal("foreign payload accepted")
	}
	if _, ok := DecodeFire([]byte(`not json`)); ok {
		t.Fatal("garbage accepted")
	}
}
