package config

import (
	"context"
	"encoding/json"
	"fmt"
)

// MaskToken replaces secret values in redacted read-backs.
const MaskToken = "***"

// Redact returns a clone with provider API keys and gateway auth values
// masked. The clone is safe to serve to the management UI.
func Redact(cfg *Config) (*Config, error) {
	out, err := clone(cfg)
	if err != nil {
		return nil, err
	}
	if out.Gateway.AuthValue != "" {
		out.Gateway.AuthValue = MaskToken
	}
	for i := range out.Models.Models {
		if out.Models.Models[i].APIKey != "" {
			out.Models.Models[i].APIKey = MaskToken
		}
	}
	for i := range out.Models.EmbeddingModels {
		if out.Models.EmbeddingModels[i].APIKey != "" {
			out.Models.EmbeddingModels[i].APIKey = MaskToken
		}
	}
	return out, nil
}

// SaveExternal applies a document arriving over HTTP. It rejects unknown
// top-level keys, never lets gateway auth fields change, and re-inflates
// masked secret fields from the stored document before validating.
func (s *Store) SaveExternal(ctx context.Context, raw []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := CheckTopLevelKeys(doc); err != nil {
		return err
	}
	if gw, ok := doc["gateway"].(map[string]any); ok {
		if _, has := gw["authType"]; has {
			return fmt.Errorf("gateway.authType cannot be changed through this endpoint")
		}
		if _, has := gw["authValue"]; has {
			return fmt.Errorf("gateway.authValue cannot be changed through this endpoint")
		}
	}

	incoming, err := mergeWithDefaults(doc)
	if err != nil {
		return err
	}
	current, err := s.Get()
	if err != nil {
		return err
	}

	// Auth fields are immutable here regardless of payload shape.
	incoming.Gateway.AuthType = current.Gateway.AuthType
	incoming.Gateway.AuthValue = current.Gateway.AuthValue

	restoreMasked(incoming.Models.Models, current.Models.Models)
	restoreMasked(incoming.Models.EmbeddingModels, current.Models.EmbeddingModels)

	return s.Save(ctx, incoming)
}

// restoreMasked keeps the stored API key whenever the payload carries the
// mask token, so a redacted read-back can be round-tripped safely.
func restoreMasked(incoming, current []ModelEntry) {
	byID := make(map[string]string, len(current))
	for _, m := range current {
		byID[m.ID] = m.APIKey
	}
	for i := range incoming {
		if incoming[i].APIKey == MaskToken {
			incoming[i].APIKey = byID[incoming[i].ID]
		}
	}
}
