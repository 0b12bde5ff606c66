// Package budget evaluates LLM spend against the configured limits.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/storage"
)

// Status is one budget evaluation. Allowed is false only when a hard limit
// is configured and exceeded.
type Status struct {
	Allowed          bool     `json:"allowed"`
	CurrentDayCost   float64  `json:"currentDayCost"`
	CurrentMonthCost float64  `json:"currentMonthCost"`
	DailyLimit       float64  `json:"dailyLimit"`
	MonthlyLimit     float64  `json:"monthlyLimit"`
	HardLimit        bool     `json:"hardLimit"`
	Alerts           []string `json:"alerts,omitempty"`
}

// CostReader is the storage slice the checker needs.
type CostReader interface {
	GetCostStats(ctx context.Context, pricing map[string]storage.ModelPricing, from, to *time.Time) (*storage.CostStats, error)
}

// Checker computes budget status from config and the usage log.
type Checker struct {
	store CostReader
	cfg   func() (*config.BudgetConfig, map[string]storage.ModelPricing)
	now   func() time.Time
}

// NewChecker builds a checker; cfg returns the live budget section and the
// pricing table derived from the model entries.
func NewChecker(store CostReader, cfg func() (*config.BudgetConfig, map[string]storage.ModelPricing)) *Checker {
	return &Checker{store: store, cfg: cfg, now: time.Now}
}

// Check evaluates current spend. With no budget section configured, runs are
// always allowed.
func (c *Checker) Check(ctx context.Context) (*Status, error) {
	budget, pricing := c.cfg()
	if budget == nil {
		return &Status{Allowed: true}, nil
	}

	now := c.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	day, err := c.store.GetCostStats(ctx, pricing, &dayStart, nil)
	if err != nil {
		return nil, fmt.Errorf("daily cost: %w", err)
	}
	month, err := c.store.GetCostStats(ctx, pricing, &monthStart, nil)
	if err != nil {
		return nil, fmt.Errorf("monthly cost: %w", err)
	}

	st := &Status{
		Allowed:          true,
		CurrentDayCost:   day.TotalCost,
		CurrentMonthCost: month.TotalCost,
		DailyLimit:       budget.DailyLimitUSD,
		MonthlyLimit:     budget.MonthlyLimitUSD,
		HardLimit:        budget.HardLimit,
	}

	st.Alerts = append(st.Alerts, alerts("daily", day.TotalCost, budget.DailyLimitUSD, budget.AlertPercents)...)
	st.Alerts = append(st.Alerts, alerts("monthly", month.TotalCost, budget.MonthlyLimitUSD, budget.AlertPercents)...)

	if budget.HardLimit {
		if budget.DailyLimitUSD > 0 && day.TotalCost >= budget.DailyLimitUSD {
			st.Allowed = false
		}
		if budget.MonthlyLimitUSD > 0 && month.TotalCost >= budget.MonthlyLimitUSD {
			st.Allowed = false
		}
	}
	return st, nil
}

func alerts(window string, cost, limit float64, percents []int) []string {
	if limit <= 0 || len(percents) == 0 {
		return nil
	}
	used := cost / limit * 100
	var out []string
	for _, p := range percents {
		if used >= float64(p) {
			out = append(out, fmt.Sprintf("%s budget at %.0f%% ($%.2f of $%.2f)", window, used, cost, limit))
		}
	}
	// Only the highest crossed threshold is interesting.
	if len(out) > 1 {
		out = out[len(out)-1:]
	}
	return out
}
