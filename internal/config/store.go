package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

// Store keeps the cached config and the KV-backed document in sync. The
// cached clone is frozen: readers of Ref must never mutate it.
type Store struct {
	kv    kv.Store
	cache atomic.Pointer[Config]
}

// NewStore wraps the KV store. Call Load before first use.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Load parses the stored document, deep-merges missing keys from the
// defaults table, validates, and atomically swaps the frozen cache. A missing
// document loads pure defaults.
func (s *Store) Load(ctx context.Context) (*Config, error) {
	raw, ok, err := s.kv.Get(ctx, kv.KeyConfig)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc map[string]any
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else {
		doc = map[string]any{}
	}

	merged, err := mergeWithDefaults(doc)
	if err != nil {
		return nil, err
	}
	if err := Validate(merged); err != nil {
		return nil, err
	}
	s.cache.Store(merged)
	return merged, nil
}

// Ref returns the frozen cached config for read-only use.
func (s *Store) Ref() *Config {
	return s.cache.Load()
}

// Get returns a deep clone for mutate-then-save flows.
func (s *Store) Get() (*Config, error) {
	ref := s.cache.Load()
	if ref == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return clone(ref)
}

// Save validates, writes the document, and refreshes the cache.
func (s *Store) Save(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := s.kv.Set(ctx, kv.KeyConfig, string(raw), 0); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	frozen, err := clone(cfg)
	if err != nil {
		return err
	}
	s.cache.Store(frozen)
	return nil
}

// Update atomically composes a read-modify-write against the cached clone.
func (s *Store) Update(ctx context.Context, fn func(*Config) error) error {
	cfg, err := s.Get()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return s.Save(ctx, cfg)
}

// PublishReload broadcasts a versioned reload event. Subscribers diff the
// channels subsection and trigger adapter reload when it changed.
func (s *Store) PublishReload(ctx context.Context, version string) error {
	_, err := s.kv.Publish(ctx, kv.ChannelReload, version)
	return err
}

// SubscribeReload delivers reload event versions.
func (s *Store) SubscribeReload(ctx context.Context) (kv.Subscription, error) {
	return s.kv.Subscribe(ctx, kv.ChannelReload)
}

// mergeWithDefaults deep-merges missing keys from the defaults table into the
// document. Dynamic-record subtrees (channels, mcpServers) keep their keys
// as-is: defaults never reach inside them.
func mergeWithDefaults(doc map[string]any) (*Config, error) {
	defRaw, err := json.Marshal(Defaults())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	var defaults map[string]any
	if err := json.Unmarshal(defRaw, &defaults); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}

	merged := deepMerge(doc, defaults, "")
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(out, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}
	return &cfg, nil
}

// dynamicRecordKeys are subtrees whose keys are deployment-defined.
var dynamicRecordKeys = map[string]bool{
	"channels":   true,
	"mcpServers": true,
}

func deepMerge(doc, defaults map[string]any, path string) map[string]any {
	out := make(map[string]any, len(defaults)+len(doc))
	for k, dv := range defaults {
		out[k] = dv
	}
	for k, v := range doc {
		dv, hasDefault := out[k]
		docMap, docIsMap := v.(map[string]any)
		defMap, defIsMap := dv.(map[string]any)
		if hasDefault && docIsMap && defIsMap && !dynamicRecordKeys[k] && path == "" {
			out[k] = deepMerge(docMap, defMap, k)
			continue
		}
		if hasDefault && docIsMap && defIsMap && path != "" {
			out[k] = deepMerge(docMap, defMap, path+"."+k)
			continue
		}
		out[k] = v
	}
	return out
}

func clone(cfg *Config) (*Config, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	var out Config
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone config: %w", err)
	}
	return &out, nil
}
