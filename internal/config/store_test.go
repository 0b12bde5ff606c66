package config

import (
	"context"
	"strings"
	"testing"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

func loadedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(kv.NewMemoryStore())
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLoadDefaults(t *testing.T) {
	s := loadedStore(t)
	cfg := s.Ref()
	if cfg.Gateway.Port != 8067 || cfg.Orchestrator.MaxIterations != 10 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Queue.Concurrency["tools"] != 4 {
		t.Fatalf("queue concurrency = %v", cfg.Queue.Concurrency)
	}
}

func TestLoadMergesPartialDocument(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	doc := `{"gateway":{"port":9000},"logs":{"level":"debug"}}`
	if err := store.Set(ctx, kv.KeyConfig, doc, 0); err != nil {
		t.Fatal(err)
	}
	s := NewStore(store)
	cfg, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Fatalf("overridden port = %d", cfg.Gateway.Port)
	}
	// Sibling keys inside an overridden section still come from defaults.
	if cfg.Gateway.AuthType != "bearer" {
		t.Fatalf("authType = %q", cfg.Gateway.AuthType)
	}
	if cfg.Logs.Level != "debug" || cfg.Logs.Format != "json" {
		t.Fatalf("logs = %+v", cfg.Logs)
	}
}

func TestDeepMergeSkipsDynamicRecords(t *testing.T) {
	doc := map[string]any{
		"channels": map[string]any{
			"telegram-main": map[string]any{"type": "webhook"},
		},
	}
	cfg, err := mergeWithDefaults(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Channels) != 1 {
		t.Fatalf("channels = %v", cfg.Channels)
	}
	if cfg.Channels["telegram-main"]["type"] != "webhook" {
		t.Fatalf("channel entry = %v", cfg.Channels["telegram-main"])
	}
}

func TestGetReturnsClone(t *testing.T) {
	s := loadedStore(t)
	cfg, err := s.Get()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Gateway.Port = 1
	if s.Ref().Gateway.Port == 1 {
		t.Fatal("mutation leaked into the frozen cache")
	}
}

func TestUpdateRoundTrips(t *testing.T) {
	s := loadedStore(t)
	ctx := context.Background()
	err := s.Update(ctx, func(c *Config) error {
		c.Memory.DefaultTopK = 9
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Ref().Memory.DefaultTopK != 9 {
		t.Fatalf("topK = %d", s.Ref().Memory.DefaultTopK)
	}
	// A fresh load sees the persisted value.
	if _, err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Ref().Memory.DefaultTopK != 9 {
		t.Fatal("update not persisted")
	}
}

func TestRedact(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.AuthValue = "token-123"
	cfg.Models.Models = []ModelEntry{
		{ID: "anthropic:claude", APIKey: "sk-secret"},
		{ID: "local:llama"},
	}
	cfg.Models.EmbeddingModels = []ModelEntry{{ID: "openai:embed", APIKey: "sk-embed"}}

	red, err := Redact(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if red.Gateway.AuthValue != MaskToken {
		t.Fatalf("authValue = %q", red.Gateway.AuthValue)
	}
	if red.Models.Models[0].APIKey != MaskToken {
		t.Fatalf("model key = %q", red.Models.Models[0].APIKey)
	}
	if red.Models.Models[1].APIKey != "" {
		t.Fatalf("empty key masked: %q", red.Models.Models[1].APIKey)
	}
	if red.Models.EmbeddingModels[0].APIKey != MaskToken {
		t.Fatalf("embedding key = %q", red.Models.EmbeddingModels[0].APIKey)
	}
	// The original is untouched.
	if cfg.Gateway.AuthValue != "token-123" {
		t.Fatal("redact mutated the source")
	}
}

func TestSaveExternalRejections(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		errPart string
	}{
		{"unknown key", `{"surprise":{}}`, "unknown config key"},
		{"auth type change", `{"gateway":{"authType":"none"}}`, "authType"},
		{"auth value change", `{"gateway":{"authValue":"hacked"}}`, "authValue"},
		{"malformed", `{{{`, "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := loadedStore(t)
			err := s.SaveExternal(context.Background(), []byte(tt.payload))
			if err == nil || !strings.Contains(err.Error(), tt.errPart) {
				t.Fatalf("err = %v, want substring %q", err, tt.errPart)
			}
		})
	}
}

func TestSaveExternalRestoresMaskedKeys(t *testing.T) {
	s := loadedStore(t)
	ctx := context.Background()
	err := s.Update(ctx, func(c *Config) error {
		c.Models.Models = []ModelEntry{{ID: "anthropic:claude", Enabled: true, APIKey: "sk-real"}}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// A redacted read-back round-trips without losing the stored key.
	payload := `{"models":{"models":[{"id":"anthropic:claude","enabled":true,"apiKey":"` + MaskToken + `"}],"embeddingModels":[]}}`
	if err := s.SaveExternal(ctx, []byte(payload)); err != nil {
		t.Fatal(err)
	}
	if got := s.Ref().Models.Models[0].APIKey; got != "sk-real" {
		t.Fatalf("key after round-trip = %q", got)
	}
}

func TestSaveExternalKeepsAuthFields(t *testing.T) {
	s := loadedStore(t)
	ctx := context.Background()
	err := s.Update(ctx, func(c *Config) error {
		c.Gateway.AuthValue = "token-abc"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveExternal(ctx, []byte(`{"logs":{"level":"debug"}}`)); err != nil {
		t.Fatal(err)
	}
	cfg := s.Ref()
	if cfg.Gateway.AuthValue != "token-abc" || cfg.Gateway.AuthType != "bearer" {
		t.Fatalf("auth fields changed: %+v", cfg.Gateway)
	}
	if cfg.Logs.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logs.Level)
	}
}

func TestSeed(t *testing.T) {
	s := NewStore(kv.NewMemoryStore())
	ctx := context.Background()

	raw := []byte("gateway:\n  authValue: seeded-token\nlogs:\n  level: warn\n")
	cfg, err := s.Seed(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.AuthValue != "seeded-token" || cfg.Logs.Level != "warn" {
		t.Fatalf("seeded config = %+v", cfg)
	}
	if s.Ref().Gateway.AuthValue != "seeded-token" {
		t.Fatal("seed did not refresh the cache")
	}

	if _, err := s.Seed(ctx, []byte("nonsense: true\n")); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}
