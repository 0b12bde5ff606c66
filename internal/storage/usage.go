package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// UsageStats aggregates the usage log per model.
type UsageStats struct {
	TotalCalls   int64            `json:"totalCalls"`
	InputTokens  int64            `json:"inputTokens"`
	OutputTokens int64            `json:"outputTokens"`
	ByModel      map[string]Usage `json:"byModel"`
	ByType       map[string]Usage `json:"byType"`
}

// Usage is one aggregation bucket.
type Usage struct {
	Calls        int64 `json:"calls"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// ModelPricing is the per-million-token cost of one model.
type ModelPricing struct {
	InputPerMTok  float64 `json:"inputPerMTok"`
	OutputPerMTok float64 `json:"outputPerMTok"`
}

// CostStats reports spend computed from the usage log and a pricing table.
type CostStats struct {
	TotalCost float64            `json:"totalCost"`
	ByModel   map[string]float64 `json:"byModel"`
}

// RecordUsage appends one usage log row.
func (s *Store) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_logs (ts, model, provider, input_tokens, output_tokens, call_type, agent_id, channel_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, rec.Model, rec.Provider, rec.InputTokens, rec.OutputTokens,
		string(rec.Type), nullable(rec.AgentID), nullable(rec.ChannelID))
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// GetUsageStats aggregates the usage log over an optional [from, to) window.
func (s *Store) GetUsageStats(ctx context.Context, from, to *time.Time) (*UsageStats, error) {
	where, args := usageWindow(from, to)
	stats := &UsageStats{ByModel: map[string]Usage{}, ByType: map[string]Usage{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, call_type, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		FROM usage_logs `+where+` GROUP BY model, call_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			model, callType string
			u               Usage
		)
		if err := rows.Scan(&model, &callType, &u.Calls, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage stats: %w", err)
		}
		stats.TotalCalls += u.Calls
		stats.InputTokens += u.InputTokens
		stats.OutputTokens += u.OutputTokens
		m := stats.ByModel[model]
		m.Calls += u.Calls
		m.InputTokens += u.InputTokens
		m.OutputTokens += u.OutputTokens
		stats.ByModel[model] = m
		t := stats.ByType[callType]
		t.Calls += u.Calls
		t.InputTokens += u.InputTokens
		t.OutputTokens += u.OutputTokens
		stats.ByType[callType] = t
	}
	return stats, rows.Err()
}

// GetCostStats prices the usage log over an optional window. Models missing
// from the pricing table contribute zero.
func (s *Store) GetCostStats(ctx context.Context, pricing map[string]ModelPricing, from, to *time.Time) (*CostStats, error) {
	stats, err := s.GetUsageStats(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := &CostStats{ByModel: map[string]float64{}}
	for model, u := range stats.ByModel {
		p, ok := pricing[model]
		if !ok {
			continue
		}
		cost := float64(u.InputTokens)/1e6*p.InputPerMTok + float64(u.OutputTokens)/1e6*p.OutputPerMTok
		out.ByModel[model] = cost
		out.TotalCost += cost
	}
	return out, nil
}

func usageWindow(from, to *time.Time) (string, []any) {
	switch {
	case from != nil && to != nil:
		return "WHERE ts >= ? AND ts < ?", []any{from.UTC(), to.UTC()}
	case from != nil:
		return "WHERE ts >= ?", []any{from.UTC()}
	case to != nil:
		return "WHERE ts < ?", []any{to.UTC()}
	}
	return "", nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
