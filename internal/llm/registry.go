package llm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// UsageRecorder receives one record per provider call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
}

// Registry resolves model ids to providers and picks models from weighted
// pools. Providers register once at start; model entries come from config so
// toggles take effect on reload without reconnecting.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	randFn    func(n int) int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Registry{
		providers: make(map[string]Provider),
		randFn:    rng.Intn,
	}
}

// RegisterProvider adds or replaces a provider binding.
func (r *Registry) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Provider resolves the provider half of a model id.
func (r *Registry) Provider(modelID string) (Provider, error) {
	name, _, err := SplitModelID(modelID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", name)
	}
	return p, nil
}

// Select picks a model from the entries: enabled only, smallest priority
// first, weighted-random within that priority. Returns ErrNoModel when the
// pool is empty.
func (r *Registry) Select(entries []config.ModelEntry) (*config.ModelEntry, error) {
	var pool []config.ModelEntry
	best := 0
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		if len(pool) == 0 || e.Priority < best {
			pool = pool[:0]
			best = e.Priority
		}
		if e.Priority == best {
			pool = append(pool, e)
		}
	}
	if len(pool) == 0 {
		return nil, ErrNoModel
	}

	total := 0
	for _, e := range pool {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	pick := r.randFn(total)
	for i, e := range pool {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		if pick < w {
			return &pool[i], nil
		}
		pick -= w
	}
	return &pool[len(pool)-1], nil
}

// SelectScoped tries the scoped id list first, then falls back to the global
// enabled pool.
func (r *Registry) SelectScoped(cfg *config.ModelsConfig, scope []string) (*config.ModelEntry, error) {
	if len(scope) > 0 {
		scoped := make([]config.ModelEntry, 0, len(scope))
		for _, id := range scope {
			for _, e := range cfg.Models {
				if e.ID == id {
					scoped = append(scoped, e)
				}
			}
		}
		if entry, err := r.Select(scoped); err == nil {
			return entry, nil
		}
	}
	return r.Select(cfg.Models)
}

// Chat resolves the provider for req.Model and issues the call, recording
// usage under the given type when a recorder is present.
func (r *Registry) Chat(ctx context.Context, req *models.ChatRequest, usageType models.UsageType, channelID, agentID string, rec UsageRecorder) (*models.ChatResponse, error) {
	provider, err := r.Provider(req.Model)
	if err != nil {
		return nil, err
	}
	resp, err := provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		_ = rec.RecordUsage(ctx, &models.UsageRecord{
			Timestamp:    time.Now().UTC(),
			Model:        req.Model,
			Provider:     provider.Name(),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Type:         usageType,
			AgentID:      agentID,
			ChannelID:    channelID,
		})
	}
	return resp, nil
}
