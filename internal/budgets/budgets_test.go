package budgets

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/billing/budgets/apiv1/budgetspb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/genproto/googleapis/type/money"

	"github.com/lvonguyen/cloudspend/internal/aggregator"
	"github.com/lvonguyen/cloudspend/internal/clock"
	"github.com/lvonguyen/cloudspend/internal/providers"
)

func unifiedTotal(total float64, byProvider map[string]float64) aggregator.UnifiedTotal {
	summaries := make(map[string]providers.Summary, len(byProvider))
	for p, amount := range byProvider {
		summaries[p] = providers.Summary{Provider: p, AmountUSD: amount, AmountUSDPrecise: amount}
	}
	return aggregator.UnifiedTotal{TotalUSD: total, Providers: summaries}
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	svc := NewService([]Budget{
		{Name: "org-total", Provider: "all", MonthlyLimitUSD: 200, AlertAt: []int{50, 75, 90}},
		{Name: "azure-cap", Provider: "azure", MonthlyLimitUSD: 100, AlertAt: []int{90}},
		{Name: "aws-cap", Provider: "aws", MonthlyLimitUSD: 1000, AlertAt: []int{50}},
	}, nil, clock.FixedClock{Instant: now}, zap.NewNop())

	total := unifiedTotal(198.00, map[string]float64{"azure": 142.50, "aws": 38.40})
	statuses := svc.Evaluate(context.Background(), total)
	require.Len(t, statuses, 3)

	byName := make(map[string]Status, len(statuses))
	for _, st := range statuses {
		byName[st.Budget.Name] = st
	}

	// 198/200 = 99%: the highest crossed threshold wins, only one alert.
	org := byName["org-total"]
	assert.Equal(t, 99.00, org.PercentUsed)
	require.NotNil(t, org.Alert)
	assert.Equal(t, 90, org.Alert.Threshold)
	assert.Equal(t, "high", org.Alert.Severity)
	assert.Equal(t, now, org.Alert.AlertedAt)

	// 142.50/100 = 142.5%.
	azure := byName["azure-cap"]
	require.NotNil(t, azure.Alert)
	assert.Equal(t, 142.50, azure.Alert.PercentUsed)

	// 38.40/1000 is under every threshold.
	assert.Nil(t, byName["aws-cap"].Alert)
}

func TestEvaluateZeroLimit(t *testing.T) {
	svc := NewService([]Budget{{Name: "broken", Provider: "all", MonthlyLimitUSD: 0, AlertAt: []int{50}}},
		nil, clock.FixedClock{Instant: time.Now()}, zap.NewNop())

	statuses := svc.Evaluate(context.Background(), unifiedTotal(100, nil))
	require.Len(t, statuses, 1)
	assert.Zero(t, statuses[0].PercentUsed)
	assert.Nil(t, statuses[0].Alert)
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, "critical", severityFor(100))
	assert.Equal(t, "high", severityFor(90))
	assert.Equal(t, "medium", severityFor(75))
	assert.Equal(t, "low", severityFor(50))
}

type fakeBudgetIterator struct {
	budgets []*budgetspb.Budget
	i       int
}

func (f *fakeBudgetIterator) Next() (*budgetspb.Budget, error) {
	if f.i >= len(f.budgets) {
		return nil, iterator.Done
	}
	b := f.budgets[f.i]
	f.i++
	return b, nil
}

func TestConvertBudgets(t *testing.T) {
	it := &fakeBudgetIterator{budgets: []*budgetspb.Budget{
		{
			DisplayName: "prod-gcp",
			Amount: &budgetspb.BudgetAmount{
				BudgetAmount: &budgetspb.BudgetAmount_SpecifiedAmount{
					SpecifiedAmount: &money.Money{CurrencyCode: "USD", Units: 500, Nanos: 500000000},
				},
			},
			ThresholdRules: []*budgetspb.ThresholdRule{
				{ThresholdPercent: 0.5},
				{ThresholdPercent: 0.9},
			},
		},
	}}

	got, err := convertBudgets(it)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "prod-gcp", got[0].Name)
	assert.Equal(t, "gcp", got[0].Provider)
	assert.Equal(t, 500.50, got[0].MonthlyLimitUSD)
	assert.Equal(t, []int{50, 90}, got[0].AlertAt)
}
