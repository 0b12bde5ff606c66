package memory

import (
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/storage"
)

func TestBuildFTSQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"single word", "dentist", `"dentist"`},
		{"multiple words or-ed", "dentist appointment", `"dentist" OR "appointment"`},
		{"embedded quotes stripped", `say "hello"`, `"say" OR "hello"`},
		{"single rune unquoted", "a b", "a OR b"},
		{"extra whitespace", "  one   two  ", `"one" OR "two"`},
		{"empty", "", ""},
		{"only quotes", `"" ""`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildFTSQuery(tt.query); got != tt.want {
				t.Fatalf("buildFTSQuery(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestSynthesizeScores(t *testing.T) {
	// bm25 ranks are more negative for better matches.
	hits := []storage.FTSHit{
		{ID: "best", Rank: -8},
		{ID: "mid", Rank: -5},
		{ID: "worst", Rank: -2},
	}
	got := synthesizeScores(hits)
	if got[0] != 1.0 {
		t.Fatalf("best score = %v", got[0])
	}
	if got[2] != 0.5 {
		t.Fatalf("worst score = %v", got[2])
	}
	if got[1] <= got[2] || got[1] >= got[0] {
		t.Fatalf("mid score out of order: %v", got)
	}
}

func TestSynthesizeScoresDegenerate(t *testing.T) {
	if got := synthesizeScores(nil); len(got) != 0 {
		t.Fatalf("empty hits = %v", got)
	}
	got := synthesizeScores([]storage.FTSHit{{Rank: -3}, {Rank: -3}})
	for _, s := range got {
		if s != 0.75 {
			t.Fatalf("equal ranks = %v", got)
		}
	}
}
