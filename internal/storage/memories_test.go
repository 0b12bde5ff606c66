package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{VectorDimension: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemory(subject, content string, tags []string, embedding []float32) *models.Memory {
	now := time.Now().UTC()
	return &models.Memory{
		ID:         uuid.NewString(),
		Type:       models.MemoryFact,
		Subject:    subject,
		Content:    content,
		Tags:       tags,
		Confidence: 2,
		Embedding:  embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInsertMemoryWritesAllIndices(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := newMemory("coffee order", "prefers oat milk flat whites", []string{"prefs", "food"}, []float32{1, 0, 0, 0})
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Subject != "coffee order" {
		t.Fatalf("got = %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "food" || got.Tags[1] != "prefs" {
		t.Fatalf("tags = %v", got.Tags)
	}

	cands, err := s.VectorCandidates(ctx, []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].ID != m.ID || cands[0].Distance > 1e-9 {
		t.Fatalf("vector candidates = %+v", cands)
	}

	hits, err := s.SearchFTS(ctx, "oat", "", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != m.ID {
		t.Fatalf("fts hits = %+v", hits)
	}
}

func TestUpdateMemoryRewritesIndices(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := newMemory("city", "lives in Lisbon", []string{"location"}, []float32{1, 0, 0, 0})
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatal(err)
	}

	m.Content = "moved to Porto"
	m.Tags = []string{"location", "recent"}
	m.Embedding = []float32{0, 1, 0, 0}
	m.UpdatedAt = time.Now().UTC()
	if err := s.UpdateMemory(ctx, m); err != nil {
		t.Fatal(err)
	}

	// The FTS index follows the rewrite: old terms stop matching.
	if hits, _ := s.SearchFTS(ctx, "Lisbon", "", nil, 10); len(hits) != 0 {
		t.Fatalf("stale fts hits = %+v", hits)
	}
	hits, err := s.SearchFTS(ctx, "Porto", "", nil, 10)
	if err != nil || len(hits) != 1 {
		t.Fatalf("fts after update = %+v, %v", hits, err)
	}

	cands, err := s.VectorCandidates(ctx, []float32{0, 1, 0, 0}, 1)
	if err != nil || len(cands) != 1 || cands[0].Distance > 1e-9 {
		t.Fatalf("vector after update = %+v, %v", cands, err)
	}

	got, _ := s.GetMemory(ctx, m.ID)
	if len(got.Tags) != 2 {
		t.Fatalf("tags after update = %v", got.Tags)
	}
}

func TestUpdateMemoryMissing(t *testing.T) {
	s := testStore(t)
	m := newMemory("x", "y", nil, nil)
	if err := s.UpdateMemory(context.Background(), m); err == nil {
		t.Fatal("update of a missing memory succeeded")
	}
}

func TestDeleteMemoryClearsIndices(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := newMemory("temp", "short lived note", []string{"scratch"}, []float32{0, 0, 1, 0})
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMemory(ctx, m.ID); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.GetMemory(ctx, m.ID); got != nil {
		t.Fatalf("memory survived delete: %+v", got)
	}
	if cands, _ := s.VectorCandidates(ctx, []float32{0, 0, 1, 0}, 5); len(cands) != 0 {
		t.Fatalf("vector survived delete: %+v", cands)
	}
	if hits, _ := s.SearchFTS(ctx, "lived", "", nil, 10); len(hits) != 0 {
		t.Fatalf("fts survived delete: %+v", hits)
	}
}

func TestListMemoriesTagFilterRequiresAllTags(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	both := newMemory("both", "carries both tags", []string{"work", "urgent"}, nil)
	oneTag := newMemory("one", "only work", []string{"work"}, nil)
	other := newMemory("other", "unrelated", []string{"home"}, nil)
	for _, m := range []*models.Memory{both, oneTag, other} {
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListMemories(ctx, "", []string{"work", "urgent"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != both.ID {
		t.Fatalf("AND filter returned %d memories", len(got))
	}

	got, err = s.ListMemories(ctx, "", []string{"work"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("single-tag filter returned %d memories", len(got))
	}
}

func TestListMemoriesTagFilterIgnoresDuplicateTagRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// A memory with one of the two requested tags must not satisfy the
	// filter however the counting is done; COUNT(DISTINCT tag) guards
	// against a duplicate row inflating the match count.
	m := newMemory("half", "only work", []string{"work"}, nil)
	if err := s.InsertMemory(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListMemories(ctx, "", []string{"work", "work"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("duplicate requested tag matched: %d memories", len(got))
	}
}

func TestFetchMemoriesPreservesOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := newMemory("a", "alpha", nil, nil)
	b := newMemory("b", "beta", nil, nil)
	for _, m := range []*models.Memory{a, b} {
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.FetchMemories(ctx, []string{b.ID, "missing", a.ID}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
		t.Fatalf("order = %+v", got)
	}
}

func TestExpiredMemoriesInvisibleAndReaped(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	dead := newMemory("dead", "already expired", []string{"old"}, []float32{1, 0, 0, 0})
	dead.ExpiresAt = &past
	alive := newMemory("alive", "still current", nil, nil)
	for _, m := range []*models.Memory{dead, alive} {
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	if got, _ := s.GetMemory(ctx, dead.ID); got != nil {
		t.Fatalf("expired memory visible: %+v", got)
	}
	if hits, _ := s.SearchFTS(ctx, "expired", "", nil, 10); len(hits) != 0 {
		t.Fatalf("expired memory in fts results: %+v", hits)
	}

	n, err := s.DeleteExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped %d memories", n)
	}
	if got, _ := s.GetMemory(ctx, alive.ID); got == nil {
		t.Fatal("live memory reaped")
	}
}

func TestVectorCandidatesOrderAndDimensionMismatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	near := newMemory("near", "close vector", nil, []float32{1, 0, 0, 0})
	far := newMemory("far", "distant vector", nil, []float32{0, 1, 0, 0})
	for _, m := range []*models.Memory{near, far} {
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	cands, err := s.VectorCandidates(ctx, []float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].ID != near.ID {
		t.Fatalf("candidates = %+v", cands)
	}

	// A query of a different dimension matches nothing instead of failing.
	cands, err = s.VectorCandidates(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 0 {
		t.Fatalf("mismatched-dimension candidates = %+v", cands)
	}
}
