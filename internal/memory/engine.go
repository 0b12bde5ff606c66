// Package memory implements the hybrid vector + full-text memory engine on
// top of the storage layer. Vector search is preferred; full-text search is
// the fallback when embeddings are unavailable.
package memory

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/internal/llm"
	"github.com/scalyclaw/scalyclaw/internal/observability"
	"github.com/scalyclaw/scalyclaw/internal/storage"
	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// cleanupProbability is the chance that a store opportunistically sweeps
// expired rows.
const cleanupProbability = 0.05

// Engine wires storage, the embedder, and the score threshold together.
type Engine struct {
	store     *storage.Store
	embedder  llm.Embedder
	threshold float64
	topK      int
	log       *observability.Logger
	randFn    func() float64
}

// Options configures the engine.
type Options struct {
	Embedder       llm.Embedder
	ScoreThreshold float64
	DefaultTopK    int
	Logger         *observability.Logger
}

// NewEngine creates the engine. A nil embedder disables vector search.
func NewEngine(store *storage.Store, opts Options) *Engine {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewTestLogger()
	}
	return &Engine{
		store:     store,
		embedder:  opts.Embedder,
		threshold: opts.ScoreThreshold,
		topK:      opts.DefaultTopK,
		log:       opts.Logger,
		randFn:    rand.Float64,
	}
}

// Store persists a new memory and keeps all indices consistent. With a small
// probability it also sweeps expired rows.
func (e *Engine) Store(ctx context.Context, m *models.Memory) (*models.Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Confidence < 1 || m.Confidence > 3 {
		m.Confidence = 2
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	if e.embedder != nil {
		vec, err := e.embedder.Embed(ctx, m.Subject+"\n"+m.Content)
		if err != nil {
			e.log.Warn(ctx, "embedding failed, storing without vector", "error", err)
		} else {
			m.Embedding = vec
		}
	}
	if err := e.store.InsertMemory(ctx, m); err != nil {
		return nil, err
	}
	if e.randFn() < cleanupProbability {
		if n, err := e.store.DeleteExpired(ctx); err == nil && n > 0 {
			e.log.Debug(ctx, "swept expired memories", "count", n)
		}
	}
	return m, nil
}

// SearchOptions filters a query.
type SearchOptions struct {
	TopK int
	Type models.MemoryType
	Tags []string
}

// Search runs vector search when both the embedder and vector rows are
// available, otherwise falls back to full-text search.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]models.MemoryMatch, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = e.topK
	}

	if e.embedder != nil {
		matches, err := e.vectorSearch(ctx, query, topK, opts)
		if err == nil && matches != nil {
			return matches, nil
		}
		if err != nil {
			e.log.Warn(ctx, "vector search failed, falling back to fts", "error", err)
		}
	}
	return e.ftsSearch(ctx, query, topK, opts)
}

func (e *Engine) vectorSearch(ctx context.Context, query string, topK int, opts SearchOptions) ([]models.MemoryMatch, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	candidates, err := e.store.VectorCandidates(ctx, vec, 3*topK)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	distance := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
		distance[c.ID] = c.Distance
	}
	rows, err := e.store.FetchMemories(ctx, ids, opts.Type, opts.Tags)
	if err != nil {
		return nil, err
	}

	matches := make([]models.MemoryMatch, 0, topK)
	for _, m := range rows {
		score := 1 - distance[m.ID]
		if score < e.threshold {
			continue
		}
		matches = append(matches, models.MemoryMatch{Memory: *m, Score: score})
		if len(matches) == topK {
			break
		}
	}
	return matches, nil
}

func (e *Engine) ftsSearch(ctx context.Context, query string, topK int, opts SearchOptions) ([]models.MemoryMatch, error) {
	match := buildFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	hits, err := e.store.SearchFTS(ctx, match, opts.Type, opts.Tags, topK)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := e.store.FetchMemories(ctx, ids, "", nil)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	scores := synthesizeScores(hits)
	matches := make([]models.MemoryMatch, 0, len(hits))
	for i, h := range hits {
		m, ok := byID[h.ID]
		if !ok {
			continue
		}
		matches = append(matches, models.MemoryMatch{Memory: *m, Score: scores[i]})
	}
	return matches, nil
}

// buildFTSQuery splits on whitespace, quotes tokens longer than one rune, and
// ORs them together.
func buildFTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		if len([]rune(f)) > 1 {
			terms = append(terms, `"`+f+`"`)
		} else {
			terms = append(terms, f)
		}
	}
	return strings.Join(terms, " OR ")
}

// synthesizeScores maps bm25 ranks onto [0.5, 1.0]: the best hit scores 1.0,
// the worst 0.5, with equal ranks collapsing to 0.75.
func synthesizeScores(hits []storage.FTSHit) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Rank, hits[0].Rank
	for _, h := range hits {
		if h.Rank < lo {
			lo = h.Rank
		}
		if h.Rank > hi {
			hi = h.Rank
		}
	}
	spread := hi - lo
	for i, h := range hits {
		if spread == 0 {
			out[i] = 0.75
			continue
		}
		out[i] = 1.0 - 0.5*(h.Rank-lo)/spread
	}
	return out
}

// Update re-embeds when subject or content changed and rewrites all indices.
func (e *Engine) Update(ctx context.Context, m *models.Memory) error {
	existing, err := e.store.GetMemory(ctx, m.ID)
	if err != nil {
		return err
	}
	if existing != nil && (existing.Subject != m.Subject || existing.Content != m.Content) {
		if e.embedder != nil {
			vec, err := e.embedder.Embed(ctx, m.Subject+"\n"+m.Content)
			if err != nil {
				e.log.Warn(ctx, "re-embedding failed, keeping previous vector", "error", err)
			} else {
				m.Embedding = vec
			}
		}
	} else if existing != nil && len(m.Embedding) == 0 {
		m.Embedding = existing.Embedding
	}
	m.UpdatedAt = time.Now().UTC()
	return e.store.UpdateMemory(ctx, m)
}

// Delete removes a memory and its indices.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.DeleteMemory(ctx, id)
}

// Get fetches one non-expired memory.
func (e *Engine) Get(ctx context.Context, id string) (*models.Memory, error) {
	return e.store.GetMemory(ctx, id)
}

// List returns non-expired memories with optional filters.
func (e *Engine) List(ctx context.Context, memType models.MemoryType, tags []string, limit int) ([]*models.Memory, error) {
	return e.store.ListMemories(ctx, memType, tags, limit)
}

// CleanupExpired sweeps expired memories immediately.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	return e.store.DeleteExpired(ctx)
}
