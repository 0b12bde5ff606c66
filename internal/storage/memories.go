package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// InsertMemory writes the row, tag join rows, optional vector row, and FTS
// row inside one transaction.
func (s *Store) InsertMemory(ctx context.Context, m *models.Memory) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, subject, content, source, confidence, expires_at, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Type), m.Subject, m.Content, nullable(m.Source), m.Confidence,
		nullTime(m.ExpiresAt), encodeEmbedding(m.Embedding), m.CreatedAt.UTC(), m.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if err := writeMemoryIndices(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateMemory rewrites the row and all three indices in one transaction.
func (s *Store) UpdateMemory(ctx context.Context, m *models.Memory) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET type = ?, subject = ?, content = ?, source = ?, confidence = ?,
			expires_at = ?, embedding = ?, updated_at = ?
		WHERE id = ?`,
		string(m.Type), m.Subject, m.Content, nullable(m.Source), m.Confidence,
		nullTime(m.ExpiresAt), encodeEmbedding(m.Embedding), m.UpdatedAt.UTC(), m.ID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s not found", m.ID)
	}
	if err := clearMemoryIndices(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := writeMemoryIndices(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMemory removes the row, vector, and FTS entries. Tag rows cascade.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := clearMemoryIndices(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return tx.Commit()
}

// GetMemory fetches one non-expired memory with its tags.
func (s *Store) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	rows, err := s.db.QueryContext(ctx, memorySelect+`
		WHERE m.id = ? AND (m.expires_at IS NULL OR m.expires_at > ?)`, id, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	defer rows.Close()
	out, err := s.scanMemories(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// ListMemories returns non-expired memories, newest first, with optional type
// and AND-tag filters.
func (s *Store) ListMemories(ctx context.Context, memType models.MemoryType, tags []string, limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := memorySelect + ` WHERE (m.expires_at IS NULL OR m.expires_at > ?)`
	args := []any{time.Now().UTC()}
	if memType != "" {
		query += ` AND m.type = ?`
		args = append(args, string(memType))
	}
	if len(tags) > 0 {
		query += tagFilter(tags, &args)
	}
	query += ` ORDER BY m.updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return s.scanMemories(ctx, rows)
}

// FetchMemories fetches non-expired memories by id, preserving the order of
// ids, with optional type and AND-tag filters applied.
func (s *Store) FetchMemories(ctx context.Context, ids []string, memType models.MemoryType, tags []string) ([]*models.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := memorySelect + ` WHERE m.id IN (` + placeholders + `)
		AND (m.expires_at IS NULL OR m.expires_at > ?)`
	args := make([]any, 0, len(ids)+4)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, time.Now().UTC())
	if memType != "" {
		query += ` AND m.type = ?`
		args = append(args, string(memType))
	}
	if len(tags) > 0 {
		query += tagFilter(tags, &args)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch memories: %w", err)
	}
	defer rows.Close()
	fetched, err := s.scanMemories(ctx, rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Memory, len(fetched))
	for _, m := range fetched {
		byID[m.ID] = m
	}
	out := make([]*models.Memory, 0, len(fetched))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// VectorCandidate is one nearest-neighbour hit.
type VectorCandidate struct {
	ID       string
	Distance float64
}

// VectorCandidates returns the k nearest memory ids by cosine distance. The
// pure-Go driver has no native vector index, so this scans the vector table.
func (s *Store) VectorCandidates(ctx context.Context, embedding []float32, k int) ([]VectorCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM memory_vectors`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var out []VectorCandidate
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		vec := decodeEmbedding(blob)
		if len(vec) != len(embedding) {
			continue
		}
		out = append(out, VectorCandidate{ID: id, Distance: cosineDistance(embedding, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// FTSHit is one full-text hit with its bm25 rank (lower is better).
type FTSHit struct {
	ID   string
	Rank float64
}

// SearchFTS runs the full-text query with optional type and AND-tag filters,
// ordered by rank.
func (s *Store) SearchFTS(ctx context.Context, match string, memType models.MemoryType, tags []string, limit int) ([]FTSHit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT f.id, rank FROM memories_fts f
		JOIN memories m ON m.id = f.id
		WHERE memories_fts MATCH ?
		  AND (m.expires_at IS NULL OR m.expires_at > ?)`
	args := []any{match, time.Now().UTC()}
	if memType != "" {
		query += ` AND m.type = ?`
		args = append(args, string(memType))
	}
	if len(tags) > 0 {
		query += tagFilter(tags, &args)
	}
	query += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var out []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ID, &h.Rank); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteExpired removes expired memories with their indices. Returns the
// number removed.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("query expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.DeleteMemory(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

const memorySelect = `
	SELECT m.id, m.type, m.subject, m.content, m.source, m.confidence,
	       m.expires_at, m.embedding, m.created_at, m.updated_at
	FROM memories m`

// tagFilter appends an AND-semantics tag predicate: the memory must carry
// every requested tag, enforced by a count-distinct join.
func tagFilter(tags []string, args *[]any) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	for _, t := range tags {
		*args = append(*args, t)
	}
	*args = append(*args, len(tags))
	return ` AND m.id IN (
		SELECT memory_id FROM memory_tags WHERE tag IN (` + placeholders + `)
		GROUP BY memory_id HAVING COUNT(DISTINCT tag) = ?)`
}

func (s *Store) scanMemories(ctx context.Context, rows *sql.Rows) ([]*models.Memory, error) {
	var out []*models.Memory
	for rows.Next() {
		var (
			m       models.Memory
			mtype   string
			source  sql.NullString
			expires sql.NullTime
			blob    []byte
		)
		if err := rows.Scan(&m.ID, &mtype, &m.Subject, &m.Content, &source, &m.Confidence,
			&expires, &blob, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Type = models.MemoryType(mtype)
		if source.Valid {
			m.Source = source.String
		}
		if expires.Valid {
			t := expires.Time
			m.ExpiresAt = &t
		}
		m.Embedding = decodeEmbedding(blob)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range out {
		tags, err := s.memoryTags(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Tags = tags
	}
	return out, nil
}

func (s *Store) memoryTags(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM memory_tags WHERE memory_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func writeMemoryIndices(ctx context.Context, tx *sql.Tx, m *models.Memory) error {
	for _, tag := range m.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_tags (memory_id, tag) VALUES (?, ?)`, m.ID, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	if len(m.Embedding) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO memory_vectors (id, embedding) VALUES (?, ?)`,
			m.ID, encodeEmbedding(m.Embedding)); err != nil {
			return fmt.Errorf("insert vector: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts (id, subject, content, tags) VALUES (?, ?, ?, ?)`,
		m.ID, m.Subject, m.Content, strings.Join(m.Tags, " ")); err != nil {
		return fmt.Errorf("insert fts: %w", err)
	}
	return nil
}

func clearMemoryIndices(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_vectors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete tags: %w", err)
	}
	return nil
}

func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
