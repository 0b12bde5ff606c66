package config

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Seed applies a local YAML document at process start. Unlike SaveExternal
// it may set the gateway auth fields; it is only reachable from the command
// line, never over HTTP.
func (s *Store) Seed(ctx context.Context, rawYAML []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(rawYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse seed config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := CheckTopLevelKeys(doc); err != nil {
		return nil, err
	}
	cfg, err := mergeWithDefaults(doc)
	if err != nil {
		return nil, err
	}
	if err := s.Save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
