// Package budgets evaluates monthly spend limits against the unified total
// and can import budget definitions from GCP Billing.
package budgets

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudspend/internal/aggregator"
	"github.com/lvonguyen/cloudspend/internal/clock"
	"github.com/lvonguyen/cloudspend/internal/providers"
)

// Budget is a monthly USD spend limit. Provider is a known provider name or
// "all" for the unified total. AlertAt lists utilization percentages that
// trigger an alert.
type Budget struct {
	Name            string  `json:"name" yaml:"name"`
	Provider        string  `json:"provider" yaml:"provider"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd" yaml:"monthly_limit_usd"`
	AlertAt         []int   `json:"alert_at" yaml:"alert_at"`
}

// Alert reports a crossed budget threshold.
type Alert struct {
	BudgetName      string    `json:"budget_name"`
	Provider        string    `json:"provider"`
	LimitUSD        float64   `json:"limit_usd"`
	CurrentSpendUSD float64   `json:"current_spend_usd"`
	PercentUsed     float64   `json:"percent_used"`
	Threshold       int       `json:"threshold"`
	Severity        string    `json:"severity"`
	AlertedAt       time.Time `json:"alerted_at"`
}

// Status pairs a budget with its current utilization for the API.
type Status struct {
	Budget          Budget  `json:"budget"`
	CurrentSpendUSD float64 `json:"current_spend_usd"`
	PercentUsed     float64 `json:"percent_used"`
	Alert           *Alert  `json:"alert,omitempty"`
}

// Service holds configured budgets and evaluates them.
type Service struct {
	static []Budget
	gcp    *GCPImporter
	clk    clock.Clock
	logger *zap.Logger
}

// NewService creates a Service. gcp may be nil when no GCP billing account
// is configured.
func NewService(static []Budget, gcp *GCPImporter, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{static: static, gcp: gcp, clk: clk, logger: logger}
}

// Budgets returns the configured budgets plus any imported from GCP
// Billing. Import failures degrade to the static set.
func (s *Service) Budgets(ctx context.Context) []Budget {
	out := make([]Budget, 0, len(s.static))
	out = append(out, s.static...)

	if s.gcp != nil {
		imported, err := s.gcp.Fetch(ctx)
		if err != nil {
			s.logger.Warn("gcp budget import failed", zap.Error(err))
		} else {
			out = append(out, imported...)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Evaluate computes utilization for every budget against the unified total
// and returns the statuses alongside any alerts.
func (s *Service) Evaluate(ctx context.Context, total aggregator.UnifiedTotal) []Status {
	now := s.clk.Now().UTC()
	budgets := s.Budgets(ctx)

	statuses := make([]Status, 0, len(budgets))
	for _, b := range budgets {
		spend := s.spendFor(b, total)

		var percent float64
		if b.MonthlyLimitUSD > 0 {
			percent = spend / b.MonthlyLimitUSD * 100
		}

		st := Status{
			Budget:          b,
			CurrentSpendUSD: spend,
			PercentUsed:     providers.RoundUSD(percent),
		}
		if threshold, crossed := highestCrossed(b.AlertAt, percent); crossed {
			st.Alert = &Alert{
				BudgetName:      b.Name,
				Provider:        b.Provider,
				LimitUSD:        b.MonthlyLimitUSD,
				CurrentSpendUSD: spend,
				PercentUsed:     st.PercentUsed,
				Threshold:       threshold,
				Severity:        severityFor(threshold),
				AlertedAt:       now,
			}
		}
		statuses = append(statuses, st)
	}
	return statuses
}

func (s *Service) spendFor(b Budget, total aggregator.UnifiedTotal) float64 {
	if b.Provider == "" || b.Provider == "all" {
		return total.TotalUSD
	}
	return total.Providers[b.Provider].AmountUSD
}

// highestCrossed returns the largest configured threshold at or below the
// current utilization.
func highestCrossed(thresholds []int, percent float64) (int, bool) {
	best, crossed := 0, false
	for _, t := range thresholds {
		if percent >= float64(t) && t >= best {
			best, crossed = t, true
		}
	}
	return best, crossed
}

func severityFor(threshold int) string {
	switch {
	case threshold >= 100:
		return "critical"
	case threshold >= 90:
		return "high"
	case threshold >= 75:
		return "medium"
	default:
		return "low"
	}
}
