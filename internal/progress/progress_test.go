package progress

import (
	"context"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

type captureSink struct {
	texts []string
	files []string
}

func (c *captureSink) SendText(_ context.Context, _ string, text string) error {
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureSink) SendFile(_ context.Context, _ string, path, _ string) error {
	c.files = append(c.files, path)
	return nil
}

func newTestPublisher(store kv.Store) *Publisher {
	return NewPublisher(store, observability.NewTestLogger(), observability.NewMetrics())
}

func TestPublishStoresTerminalResponse(t *testing.T) {
	store := kv.NewMemoryStore()
	p := newTestPublisher(store)
	ctx := context.Background()

	ev := &models.ProgressEvent{Type: models.ProgressComplete, JobID: "j1", Result: "done"}
	if err := p.Publish(ctx, "ch", ev); err != nil {
		t.Fatal(err)
	}

	got, err := p.Response(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Result != "done" {
		t.Fatalf("response = %+v", got)
	}

	// Unknown job ids return nil without error.
	got, err = p.Response(ctx, "unknown")
	if err != nil || got != nil {
		t.Fatalf("unknown response = %+v, %v", got, err)
	}
}

func TestPublishBuffersUndelivered(t *testing.T) {
	store := kv.NewMemoryStore()
	p := newTestPublisher(store)
	ctx := context.Background()

	// No subscriber: non-update events land in the channel buffer.
	ev := &models.ProgressEvent{Type: models.ProgressComplete, JobID: "j1", Result: "hello"}
	if err := p.Publish(ctx, "ch", ev); err != nil {
		t.Fatal(err)
	}
	buffered, err := store.LRange(ctx, kv.PrefixProgBuf+"ch", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(buffered) != 1 {
		t.Fatalf("buffer = %v", buffered)
	}

	// Transient updates are never buffered.
	upd := &models.ProgressEvent{Type: models.ProgressUpdate, Message: "working"}
	if err := p.Publish(ctx, "ch", upd); err != nil {
		t.Fatal(err)
	}
	buffered, _ = store.LRange(ctx, kv.PrefixProgBuf+"ch", 0, -1)
	if len(buffered) != 1 {
		t.Fatalf("update buffered: %v", buffered)
	}
}

func TestDrainBuffer(t *testing.T) {
	store := kv.NewMemoryStore()
	p := newTestPublisher(store)
	ctx := context.Background()

	_ = p.Publish(ctx, "ch", &models.ProgressEvent{Type: models.ProgressComplete, JobID: "a", Result: "first"})
	_ = p.Publish(ctx, "ch", &models.ProgressEvent{Type: models.ProgressError, JobID: "b", Error: "second"})

	sink := &captureSink{}
	d := NewDispatcher(store, sink, observability.NewTestLogger())
	if err := d.DrainBuffer(ctx, "ch"); err != nil {
		t.Fatal(err)
	}
	if len(sink.texts) != 2 || sink.texts[0] != "first" || sink.texts[1] != "second" {
		t.Fatalf("delivered = %v", sink.texts)
	}

	// The buffer is consumed.
	if err := d.DrainBuffer(ctx, "ch"); err != nil {
		t.Fatal(err)
	}
	if len(sink.texts) != 2 {
		t.Fatalf("buffer replayed: %v", sink.texts)
	}
}

func TestDispatchRouting(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(kv.NewMemoryStore(), sink, observability.NewTestLogger())
	ctx := context.Background()

	d.dispatch(ctx, "ch", &models.ProgressEvent{Type: models.ProgressComplete, FilePath: "/tmp/report.pdf", Caption: "here"})
	d.dispatch(ctx, "ch", &models.ProgressEvent{Type: models.ProgressComplete, Result: "text result"})
	d.dispatch(ctx, "ch", &models.ProgressEvent{Type: models.ProgressUpdate, Message: "thinking"})
	d.dispatch(ctx, "ch", &models.ProgressEvent{Type: models.ProgressError})
	d.dispatch(ctx, "ch", &models.ProgressEvent{Type: models.ProgressComplete})

	if len(sink.files) != 1 || sink.files[0] != "/tmp/report.pdf" {
		t.Fatalf("files = %v", sink.files)
	}
	if len(sink.texts) != 3 {
		t.Fatalf("texts = %v", sink.texts)
	}
	if sink.texts[2] != "Something went wrong while processing your request." {
		t.Fatalf("error fallback = %q", sink.texts[2])
	}
}
