package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
)

func testManager(rateLimit int) (*Manager, kv.Store) {
	store := kv.NewMemoryStore()
	return NewManager(store, rateLimit, observability.NewTestLogger(), observability.NewMetrics()), store
}

func TestAcquireAndRelease(t *testing.T) {
	m, _ := testManager(0)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "ch", "s1")
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	rec, err := m.Get(ctx, "ch")
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionID != "s1" || rec.State != StateProcessing {
		t.Fatalf("record = %+v", rec)
	}

	// A second owner is denied while the session is fresh.
	ok, err = m.Acquire(ctx, "ch", "s2")
	if err != nil || ok {
		t.Fatalf("competing acquire = %v, %v", ok, err)
	}

	// Re-acquire by the same owner succeeds.
	ok, err = m.Acquire(ctx, "ch", "s1")
	if err != nil || !ok {
		t.Fatalf("re-acquire = %v, %v", ok, err)
	}

	if err := m.Release(ctx, "ch", "s1"); err != nil {
		t.Fatal(err)
	}
	rec, _ = m.Get(ctx, "ch")
	if rec != nil {
		t.Fatalf("released session still present: %+v", rec)
	}
}

func TestAcquireStealsStale(t *testing.T) {
	m, store := testManager(0)
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "ch", "s1"); !ok {
		t.Fatal("setup acquire failed")
	}
	stale := time.Now().Add(-2 * time.Minute).UnixMilli()
	if err := store.HSet(ctx, sessionKey("ch"), map[string]string{
		"heartbeat": strconv.FormatInt(stale, 10),
	}); err != nil {
		t.Fatal(err)
	}

	ok, err := m.Acquire(ctx, "ch", "s2")
	if err != nil || !ok {
		t.Fatalf("stale steal = %v, %v", ok, err)
	}
	rec, _ := m.Get(ctx, "ch")
	if rec.SessionID != "s2" {
		t.Fatalf("owner after steal = %s", rec.SessionID)
	}
}

func TestHeartbeat(t *testing.T) {
	m, _ := testManager(0)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "ch", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Heartbeat(ctx, "ch", "s1", StateToolExec, 2, "web_search"); err != nil {
		t.Fatal(err)
	}
	rec, _ := m.Get(ctx, "ch")
	if rec.State != StateToolExec || rec.Round != 2 || rec.ToolName != "web_search" {
		t.Fatalf("record = %+v", rec)
	}

	// A non-owner's heartbeat is ignored.
	if err := m.Heartbeat(ctx, "ch", "intruder", StateResponding, 9, ""); err != nil {
		t.Fatal(err)
	}
	rec, _ = m.Get(ctx, "ch")
	if rec.State != StateToolExec || rec.Round != 2 {
		t.Fatalf("record mutated by non-owner: %+v", rec)
	}
}

func TestCancellingIsSticky(t *testing.T) {
	m, _ := testManager(0)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "ch", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RequestCancel(ctx, "ch"); err != nil {
		t.Fatal(err)
	}
	cancelling, err := m.Cancelling(ctx, "ch")
	if err != nil || !cancelling {
		t.Fatalf("Cancelling = %v, %v", cancelling, err)
	}

	// Heartbeats cannot un-cancel.
	if err := m.Heartbeat(ctx, "ch", "s1", StateResponding, 3, ""); err != nil {
		t.Fatal(err)
	}
	rec, _ := m.Get(ctx, "ch")
	if rec.State != StateCancelling {
		t.Fatalf("state after heartbeat = %s", rec.State)
	}
	if rec.Round != 3 {
		t.Fatalf("round not updated: %+v", rec)
	}

	// Cancel of an idle channel is a no-op.
	if err := m.RequestCancel(ctx, "other"); err != nil {
		t.Fatal(err)
	}
	rec, _ = m.Get(ctx, "other")
	if rec != nil {
		t.Fatalf("cancel created a session: %+v", rec)
	}
}

func TestReleaseWrongOwner(t *testing.T) {
	m, _ := testManager(0)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "ch", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, "ch", "s2"); err != nil {
		t.Fatal(err)
	}
	rec, _ := m.Get(ctx, "ch")
	if rec == nil || rec.SessionID != "s1" {
		t.Fatalf("wrong owner released the session: %+v", rec)
	}
}

func TestAdmit(t *testing.T) {
	m, _ := testManager(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := m.Admit(ctx, "ch")
		if err != nil || !ok {
			t.Fatalf("admit %d = %v, %v", i, ok, err)
		}
	}
	ok, err := m.Admit(ctx, "ch")
	if err != nil || ok {
		t.Fatalf("over-limit admit = %v, %v", ok, err)
	}

	// Other channels have their own windows.
	if ok, _ := m.Admit(ctx, "other"); !ok {
		t.Fatal("separate channel throttled")
	}
}

func TestAdmitDisabled(t *testing.T) {
	m, _ := testManager(0)
	for i := 0; i < 50; i++ {
		if ok, _ := m.Admit(context.Background(), "ch"); !ok {
			t.Fatal("disabled limiter denied a message")
		}
	}
}

func TestGlobalCancel(t *testing.T) {
	m, _ := testManager(0)
	ctx := context.Background()

	raised, err := m.GlobalCancelled(ctx)
	if err != nil || raised {
		t.Fatalf("initial flag = %v, %v", raised, err)
	}
	if err := m.SetGlobalCancel(ctx); err != nil {
		t.Fatal(err)
	}
	raised, err = m.GlobalCancelled(ctx)
	if err != nil || !raised {
		t.Fatalf("flag after set = %v, %v", raised, err)
	}
}

func TestJobTracking(t *testing.T) {
	m, _ := testManager(0)
	ctx := context.Background()

	if err := m.TrackJob(ctx, "ch", "j1"); err != nil {
		t.Fatal(err)
	}
	if err := m.TrackJob(ctx, "ch", "j2"); err != nil {
		t.Fatal(err)
	}
	jobs, err := m.ActiveJobs(ctx, "ch")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("active jobs = %v", jobs)
	}
	if err := m.UntrackJob(ctx, "ch", "j1"); err != nil {
		t.Fatal(err)
	}
	jobs, _ = m.ActiveJobs(ctx, "ch")
	if len(jobs) != 1 || jobs[0] != "j2" {
		t.Fatalf("active jobs after untrack = %v", jobs)
	}
}

func TestAcquireSingleWinner(t *testing.T) {
	m, _ := testManager(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.Acquire(ctx, "ch", "s"+strconv.Itoa(i))
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestChannelCancelScoped(t *testing.T) {
	m, _ := testManager(0)
	ctx := context.Background()

	if err := m.SetChannelCancel(ctx, "ch"); err != nil {
		t.Fatal(err)
	}
	cancelled, err := m.ChannelCancelled(ctx, "ch")
	if err != nil || !cancelled {
		t.Fatalf("cancelled channel = %v, %v", cancelled, err)
	}
	cancelled, err = m.ChannelCancelled(ctx, "other")
	if err != nil || cancelled {
		t.Fatalf("unrelated channel = %v, %v", cancelled, err)
	}
	if raised, _ := m.GlobalCancelled(ctx); raised {
		t.Fatal("channel cancel raised the global flag")
	}
}
