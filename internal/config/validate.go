package config

import (
	"fmt"
	"strings"
)

// knownTopLevelKeys is the closed set accepted on external writes.
var knownTopLevelKeys = map[string]bool{
	"orchestrator": true,
	"gateway":      true,
	"logs":         true,
	"memory":       true,
	"queue":        true,
	"models":       true,
	"guards":       true,
	"budget":       true,
	"proactive":    true,
	"channels":     true,
	"skills":       true,
	"agents":       true,
	"mcpServers":   true,
	"paths":        true,
	"worker":       true,
}

// Validate checks the required sections.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.maxIterations must be positive")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be a valid port")
	}
	if cfg.Logs.Level == "" {
		return fmt.Errorf("logs.level is required")
	}
	if cfg.Memory.VectorDimension <= 0 {
		return fmt.Errorf("memory.vectorDimension must be positive")
	}
	if cfg.Queue.Attempts <= 0 {
		return fmt.Errorf("queue.attempts must be positive")
	}
	switch cfg.Queue.BackoffType {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("queue.backoffType must be exponential or fixed, got %q", cfg.Queue.BackoffType)
	}
	if cfg.Models.Models == nil {
		return fmt.Errorf("models.models is required")
	}
	if cfg.Models.EmbeddingModels == nil {
		return fmt.Errorf("models.embeddingModels is required")
	}
	for _, m := range append(append([]ModelEntry{}, cfg.Models.Models...), cfg.Models.EmbeddingModels...) {
		if !strings.Contains(m.ID, ":") {
			return fmt.Errorf("model id %q must use the <provider>:<model> form", m.ID)
		}
	}
	if cfg.Guards.EchoThreshold < 0 || cfg.Guards.EchoThreshold > 1 {
		return fmt.Errorf("guards.echoThreshold must be in [0,1]")
	}
	if cfg.Budget != nil {
		if cfg.Budget.DailyLimitUSD < 0 || cfg.Budget.MonthlyLimitUSD < 0 {
			return fmt.Errorf("budget limits must be non-negative")
		}
		for _, p := range cfg.Budget.AlertPercents {
			if p <= 0 || p > 100 {
				return fmt.Errorf("budget.alertPercents must be in (0,100]")
			}
		}
	}
	if cfg.Proactive != nil && cfg.Proactive.Enabled {
		if cfg.Proactive.CronPattern == "" {
			return fmt.Errorf("proactive.cronPattern is required when proactive is enabled")
		}
		if cfg.Proactive.IdleThresholdMinutes <= 0 {
			return fmt.Errorf("proactive.idleThresholdMinutes must be positive")
		}
	}
	return nil
}

// CheckTopLevelKeys rejects unknown top-level keys in an external document.
func CheckTopLevelKeys(doc map[string]any) error {
	for k := range doc {
		if !knownTopLevelKeys[k] {
			return fmt.Errorf("unknown config key %q", k)
		}
	}
	return nil
}
