// Package progress implements the pub/sub progress fabric between job
// processors (node or worker side) and the channel dispatcher on the node.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// responseTTL bounds how long a terminal event is kept for request/reply
// fallback; bufferTTL matches it for the undelivered-event buffer.
const (
	responseTTL = 10 * time.Minute
	bufferTTL   = 10 * time.Minute
)

// Publisher emits progress events for a logical channel.
type Publisher struct {
	store   kv.Store
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewPublisher builds a publisher over the shared store.
func NewPublisher(store kv.Store, log *observability.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{store: store, log: log.With("component", "progress"), metrics: metrics}
}

// Publish sends the event on progress:<channelId>. Terminal events (complete,
// error) are additionally written to the single-response key; events nobody
// received are appended to the channel buffer so the node can drain them
// later.
func (p *Publisher) Publish(ctx context.Context, channelID string, ev *models.ProgressEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	if ev.Type == models.ProgressComplete || ev.Type == models.ProgressError {
		if ev.JobID != "" {
			if err := p.store.Set(ctx, kv.PrefixResponse+ev.JobID, string(raw), responseTTL); err != nil {
				return fmt.Errorf("store response: %w", err)
			}
		}
	}

	n, err := p.store.Publish(ctx, kv.PrefixProgress+channelID, string(raw))
	if err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	if p.metrics != nil {
		p.metrics.ProgressEvents.WithLabelValues(string(ev.Type)).Inc()
	}
	if n == 0 && ev.Type != models.ProgressUpdate {
		key := kv.PrefixProgBuf + channelID
		if err := p.store.RPush(ctx, key, string(raw)); err != nil {
			return fmt.Errorf("buffer progress: %w", err)
		}
		if err := p.store.Expire(ctx, key, bufferTTL); err != nil {
			return fmt.Errorf("expire buffer: %w", err)
		}
	}
	return nil
}

// Response loads the terminal event recorded for a job, if any.
func (p *Publisher) Response(ctx context.Context, jobID string) (*models.ProgressEvent, error) {
	raw, ok, err := p.store.Get(ctx, kv.PrefixResponse+jobID)
	if err != nil || !ok {
		return nil, err
	}
	var ev models.ProgressEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &ev, nil
}

// Sink receives dispatched events. The channel manager implements this.
type Sink interface {
	SendText(ctx context.Context, channelID, text string) error
	SendFile(ctx context.Context, channelID, filePath, caption string) error
}

// Dispatcher subscribes to progress:* and routes events to the sink.
type Dispatcher struct {
	store kv.Store
	sink  Sink
	log   *observability.Logger
}

// NewDispatcher builds the node-side dispatcher.
func NewDispatcher(store kv.Store, sink Sink, log *observability.Logger) *Dispatcher {
	return &Dispatcher{store: store, sink: sink, log: log.With("component", "progress-dispatch")}
}

// Run drains every channel buffer, then blocks dispatching live events until
// ctx is cancelled. Events for one channel are handled in publish order.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub, err := d.store.PSubscribe(ctx, kv.PatternProgress)
	if err != nil {
		return fmt.Errorf("subscribe progress: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			channelID := strings.TrimPrefix(msg.Channel, kv.PrefixProgress)
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				d.log.Warn(ctx, "bad progress payload", "channel", channelID, "error", err)
				continue
			}
			d.dispatch(ctx, channelID, &ev)
		}
	}
}

// DrainBuffer delivers and clears buffered events for one channel. Called on
// node start and periodically for channels with adapters.
func (d *Dispatcher) DrainBuffer(ctx context.Context, channelID string) error {
	key := kv.PrefixProgBuf + channelID
	entries, err := d.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := d.store.Del(ctx, key); err != nil {
		return err
	}
	for _, raw := range entries {
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			d.log.Warn(ctx, "bad buffered payload", "channel", channelID, "error", err)
			continue
		}
		d.dispatch(ctx, channelID, &ev)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, channelID string, ev *models.ProgressEvent) {
	var err error
	switch ev.Type {
	case models.ProgressComplete:
		if ev.FilePath != "" {
			err = d.sink.SendFile(ctx, channelID, ev.FilePath, ev.Caption)
		} else if ev.Result != "" {
			err = d.sink.SendText(ctx, channelID, ev.Result)
		}
	case models.ProgressUpdate:
		if ev.Message != "" {
			err = d.sink.SendText(ctx, channelID, ev.Message)
		}
	case models.ProgressError:
		text := ev.Error
		if text == "" {
			text = "Something went wrong while processing your request."
		}
		err = d.sink.SendText(ctx, channelID, text)
	}
	if err != nil {
		d.log.Warn(ctx, "progress delivery failed", "channel", channelID, "type", ev.Type, "error", err)
	}
}
