package budget

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/storage"
)

// fakeCosts answers the first query with dayCost and the second with
// monthCost, mirroring the day-then-month call order.
type fakeCosts struct {
	dayCost   float64
	monthCost float64
	calls     int
}

func (f *fakeCosts) GetCostStats(_ context.Context, _ map[string]storage.ModelPricing, _, _ *time.Time) (*storage.CostStats, error) {
	f.calls++
	if f.calls == 1 {
		return &storage.CostStats{TotalCost: f.dayCost}, nil
	}
	return &storage.CostStats{TotalCost: f.monthCost}, nil
}

func checkerWith(store CostReader, budget *config.BudgetConfig) *Checker {
	return NewChecker(store, func() (*config.BudgetConfig, map[string]storage.ModelPricing) {
		return budget, nil
	})
}

func TestCheckNoBudgetConfigured(t *testing.T) {
	c := checkerWith(&fakeCosts{dayCost: 9999}, nil)
	st, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Allowed {
		t.Fatal("unbudgeted run denied")
	}
}

func TestCheckSoftLimit(t *testing.T) {
	c := checkerWith(&fakeCosts{dayCost: 15, monthCost: 15}, &config.BudgetConfig{
		DailyLimitUSD: 10,
	})
	st, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Without a hard limit, overspend is reported but allowed.
	if !st.Allowed {
		t.Fatal("soft limit denied the run")
	}
	if st.CurrentDayCost != 15 || st.DailyLimit != 10 {
		t.Fatalf("status = %+v", st)
	}
}

func TestCheckHardLimit(t *testing.T) {
	tests := []struct {
		name    string
		day     float64
		month   float64
		budget  config.BudgetConfig
		allowed bool
	}{
		{
			name: "under both limits", day: 5, month: 50,
			budget:  config.BudgetConfig{DailyLimitUSD: 10, MonthlyLimitUSD: 100, HardLimit: true},
			allowed: true,
		},
		{
			name: "daily exceeded", day: 10, month: 50,
			budget:  config.BudgetConfig{DailyLimitUSD: 10, MonthlyLimitUSD: 100, HardLimit: true},
			allowed: false,
		},
		{
			name: "monthly exceeded", day: 1, month: 120,
			budget:  config.BudgetConfig{DailyLimitUSD: 10, MonthlyLimitUSD: 100, HardLimit: true},
			allowed: false,
		},
		{
			name: "zero limit means unlimited", day: 500, month: 500,
			budget:  config.BudgetConfig{HardLimit: true},
			allowed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := checkerWith(&fakeCosts{dayCost: tt.day, monthCost: tt.month}, &tt.budget)
			st, err := c.Check(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if st.Allowed != tt.allowed {
				t.Fatalf("allowed = %v, want %v (%+v)", st.Allowed, tt.allowed, st)
			}
		})
	}
}

func TestCheckAlerts(t *testing.T) {
	c := checkerWith(&fakeCosts{dayCost: 9, monthCost: 9}, &config.BudgetConfig{
		DailyLimitUSD: 10,
		AlertPercents: []int{50, 80},
	})
	st, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// 90% crosses both thresholds; only the highest is kept.
	if len(st.Alerts) != 1 || !strings.Contains(st.Alerts[0], "daily budget at 90%") {
		t.Fatalf("alerts = %v", st.Alerts)
	}
}

func TestCheckNoAlertsBelowThreshold(t *testing.T) {
	c := checkerWith(&fakeCosts{dayCost: 1, monthCost: 1}, &config.BudgetConfig{
		DailyLimitUSD: 10,
		AlertPercents: []int{50},
	})
	st, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Alerts) != 0 {
		t.Fatalf("alerts = %v", st.Alerts)
	}
}
