// Package channels manages the adapters that connect ScalyClaw to chat
// surfaces. The manager owns adapter lifecycle, typing indicators, health
// aggregation, and hot reload when the channels config changes.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// Adapter is one chat surface. Implementations persist their own reply
// address under adapter-reply:<channel>; the payload encoding is theirs.
type Adapter interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, text string) error
	SendFile(ctx context.Context, path, caption string) error
	SendTyping(ctx context.Context) error
	IsHealthy() bool
	OnMessage(handler func(msg *models.InboundMessage))

	// MaxMessageLength bounds one outbound send; 0 means unbounded.
	MaxMessageLength() int
}

// Factory builds an adapter from its channel config section.
type Factory func(id string, cfg config.ChannelConfig, store kv.Store, log *observability.Logger) (Adapter, error)

// Manager owns the live adapter set.
type Manager struct {
	store     kv.Store
	log       *observability.Logger
	factories map[string]Factory

	mu       sync.RWMutex
	adapters map[string]Adapter
	typing   map[string]context.CancelFunc
	snapshot map[string]config.ChannelConfig
	handler  func(msg *models.InboundMessage)
}

func NewManager(store kv.Store, log *observability.Logger) *Manager {
	return &Manager{
		store:     store,
		log:       log.With("component", "channels"),
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
		typing:    make(map[string]context.CancelFunc),
	}
}

// RegisterFactory maps a channel type name to its constructor.
func (m *Manager) RegisterFactory(typeName string, f Factory) {
	m.factories[typeName] = f
}

// OnMessage installs the inbound handler applied to every adapter.
func (m *Manager) OnMessage(handler func(msg *models.InboundMessage)) {
	m.mu.Lock()
	m.handler = handler
	for _, a := range m.adapters {
		a.OnMessage(handler)
	}
	m.mu.Unlock()
}

// Apply reconciles the adapter set with the channels config. Unchanged
// sections keep their running adapter; changed or removed ones are replaced
// after a graceful disconnect.
func (m *Manager) Apply(ctx context.Context, channels map[string]config.ChannelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range m.adapters {
		section, keep := channels[id]
		if keep && reflect.DeepEqual(section, m.snapshot[id]) {
			continue
		}
		if err := a.Disconnect(ctx); err != nil {
			m.log.Warn(ctx, "adapter disconnect failed", "channel", id, "error", err)
		}
		delete(m.adapters, id)
	}

	var firstErr error
	for id, section := range channels {
		if _, running := m.adapters[id]; running {
			continue
		}
		typeName, _ := section["type"].(string)
		if typeName == "" {
			typeName = id
		}
		factory, ok := m.factories[typeName]
		if !ok {
			m.log.Warn(ctx, "no adapter factory for channel", "channel", id, "type", typeName)
			continue
		}
		enabled, set := section["enabled"].(bool)
		if set && !enabled {
			continue
		}
		adapter, err := factory(id, section, m.store, m.log)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("build adapter %s: %w", id, err)
			}
			continue
		}
		if m.handler != nil {
			adapter.OnMessage(m.handler)
		}
		if err := adapter.Connect(ctx); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("connect adapter %s: %w", id, err)
			}
			continue
		}
		m.adapters[id] = adapter
		m.log.Info(ctx, "channel connected", "channel", id, "type", typeName)
	}
	m.snapshot = cloneChannels(channels)
	return firstErr
}

func cloneChannels(in map[string]config.ChannelConfig) map[string]config.ChannelConfig {
	out := make(map[string]config.ChannelConfig, len(in))
	for k, v := range in {
		raw, _ := json.Marshal(v)
		var section config.ChannelConfig
		_ = json.Unmarshal(raw, &section)
		out[k] = section
	}
	return out
}

func (m *Manager) adapter(channelID string) (Adapter, error) {
	m.mu.RLock()
	a, ok := m.adapters[channelID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter for channel %q", channelID)
	}
	return a, nil
}

// Handler returns the adapter's HTTP surface when it has one, such as
// the web socket endpoint or a webhook receiver.
func (m *Manager) Handler(channelID string) (http.Handler, bool) {
	a, err := m.adapter(channelID)
	if err != nil {
		return nil, false
	}
	h, ok := a.(http.Handler)
	return h, ok
}

// SendText satisfies the progress sink contract.
func (m *Manager) SendText(ctx context.Context, channelID, text string) error {
	return m.Send(ctx, channelID, text)
}

// Send delivers text, chunked at the adapter's declared maximum.
func (m *Manager) Send(ctx context.Context, channelID, text string) error {
	a, err := m.adapter(channelID)
	if err != nil {
		return err
	}
	for _, chunk := range chunkMessage(text, a.MaxMessageLength()) {
		if err := a.Send(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) SendFile(ctx context.Context, channelID, path, caption string) error {
	a, err := m.adapter(channelID)
	if err != nil {
		return err
	}
	return a.SendFile(ctx, path, caption)
}

func (m *Manager) SendTyping(ctx context.Context, channelID string) error {
	a, err := m.adapter(channelID)
	if err != nil {
		return err
	}
	return a.SendTyping(ctx)
}

// StartTyping keeps the typing indicator alive until StopTyping or the
// context ends.
func (m *Manager) StartTyping(ctx context.Context, channelID string, cadence time.Duration) {
	if cadence <= 0 {
		cadence = 5 * time.Second
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if old, ok := m.typing[channelID]; ok {
		old()
	}
	m.typing[channelID] = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		_ = m.SendTyping(loopCtx, channelID)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = m.SendTyping(loopCtx, channelID)
			}
		}
	}()
}

func (m *Manager) StopTyping(channelID string) {
	m.mu.Lock()
	if cancel, ok := m.typing[channelID]; ok {
		cancel()
		delete(m.typing, channelID)
	}
	m.mu.Unlock()
}

// Health reports per-channel adapter health.
func (m *Manager) Health() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.adapters))
	for id, a := range m.adapters {
		out[id] = a.IsHealthy()
	}
	return out
}

// Shutdown disconnects every adapter.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.typing {
		cancel()
		delete(m.typing, id)
	}
	for id, a := range m.adapters {
		if err := a.Disconnect(ctx); err != nil {
			m.log.Warn(ctx, "adapter disconnect failed", "channel", id, "error", err)
		}
		delete(m.adapters, id)
	}
}

// chunkMessage splits text at paragraph boundaries so no chunk exceeds max.
// A single paragraph longer than max is split mid-text.
func chunkMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		for len(para) > max {
			flushChunk(&chunks, &current)
			chunks = append(chunks, para[:max])
			para = para[max:]
		}
		need := len(para)
		if current.Len() > 0 {
			need += current.Len() + 2
		}
		if need > max {
			flushChunk(&chunks, &current)
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flushChunk(&chunks, &current)
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

func flushChunk(chunks *[]string, current *strings.Builder) {
	if current.Len() > 0 {
		*chunks = append(*chunks, current.String())
		current.Reset()
	}
}
