package llm

import (
	"errors"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/config"
)

func TestSplitModelID(t *testing.T) {
	tests := []struct {
		id       string
		provider string
		model    string
		wantErr  bool
	}{
		{id: "anthropic:claude-sonnet-4-5", provider: "anthropic", model: "claude-sonnet-4-5"},
		{id: "openai:gpt-4o", provider: "openai", model: "gpt-4o"},
		{id: "local:host:8080/model", provider: "local", model: "host:8080/model"},
		{id: "bare", wantErr: true},
		{id: ":model", wantErr: true},
		{id: "provider:", wantErr: true},
		{id: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			provider, model, err := SplitModelID(tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SplitModelID(%q) = %q, %q, want error", tt.id, provider, model)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if provider != tt.provider || model != tt.model {
				t.Fatalf("got %q, %q", provider, model)
			}
		})
	}
}

func fixedRegistry(pick int) *Registry {
	r := NewRegistry()
	r.randFn = func(int) int { return pick }
	return r
}

func TestSelectPrefersLowestPriority(t *testing.T) {
	entries := []config.ModelEntry{
		{ID: "a:fallback", Enabled: true, Priority: 2},
		{ID: "b:primary", Enabled: true, Priority: 1},
		{ID: "c:disabled", Enabled: false, Priority: 0},
	}
	got, err := fixedRegistry(0).Select(entries)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "b:primary" {
		t.Fatalf("selected %q", got.ID)
	}
}

func TestSelectWeighted(t *testing.T) {
	entries := []config.ModelEntry{
		{ID: "a:one", Enabled: true, Weight: 3},
		{ID: "b:two", Enabled: true, Weight: 1},
	}
	// Picks 0..2 land on the first entry, 3 on the second.
	if got, _ := fixedRegistry(2).Select(entries); got.ID != "a:one" {
		t.Fatalf("pick 2 selected %q", got.ID)
	}
	if got, _ := fixedRegistry(3).Select(entries); got.ID != "b:two" {
		t.Fatalf("pick 3 selected %q", got.ID)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Select(nil); !errors.Is(err, ErrNoModel) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Select([]config.ModelEntry{{ID: "a:b", Enabled: false}}); !errors.Is(err, ErrNoModel) {
		t.Fatalf("all-disabled err = %v", err)
	}
}

func TestSelectScoped(t *testing.T) {
	cfg := &config.ModelsConfig{Models: []config.ModelEntry{
		{ID: "a:global", Enabled: true, Priority: 1},
		{ID: "b:scoped", Enabled: true, Priority: 5},
	}}

	got, err := fixedRegistry(0).SelectScoped(cfg, []string{"b:scoped"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "b:scoped" {
		t.Fatalf("scoped selection = %q", got.ID)
	}

	// An unmatchable scope falls back to the global pool.
	got, err = fixedRegistry(0).SelectScoped(cfg, []string{"no:such"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "a:global" {
		t.Fatalf("fallback selection = %q", got.ID)
	}

	// Empty scope goes straight to the global pool.
	got, err = fixedRegistry(0).SelectScoped(cfg, nil)
	if err != nil || got.ID != "a:global" {
		t.Fatalf("global selection = %v, %v", got, err)
	}
}

func TestProviderLookup(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Provider("anthropic:claude"); err == nil {
		t.Fatal("unregistered provider resolved")
	}
	if _, err := r.Provider("malformed"); err == nil {
		t.Fatal("malformed id resolved")
	}
}
