package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerNoEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "scalyclaw-test"})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Fatal(err)
		}
	}()

	ctx, span := tracer.Start(context.Background(), "unit-test")
	defer span.End()
	tracer.RecordError(span, errors.New("boom"))
	tracer.RecordError(span, nil)

	// The no-op tracer produces non-recording spans with no trace id.
	if id := TraceID(ctx); id != "" {
		t.Fatalf("trace id without exporter = %q", id)
	}
}

func TestTraceIDOutsideSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Fatalf("trace id without span = %q", id)
	}
}
