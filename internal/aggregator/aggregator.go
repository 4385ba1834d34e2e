// Package aggregator combines per-provider spend into a unified
// month-to-date total.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudspend/internal/clock"
	"github.com/lvonguyen/cloudspend/internal/costdb"
	"github.com/lvonguyen/cloudspend/internal/providers"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// Degradation reports a provider that could not serve live data and what
// stood in for it.
type Degradation struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
	Fallback string `json:"fallback"` // stored or zero
}

// UnifiedTotal is the dashboard headline: the month-to-date USD total with
// its per-provider breakdown. TotalUSD is the sum of the rounded provider
// amounts, so it always matches the visible breakdown; TotalUSDPrecise sums
// the unrounded values for reconciliation.
type UnifiedTotal struct {
	TotalUSD        float64                      `json:"total_usd"`
	TotalUSDPrecise float64                      `json:"total_usd_precise"`
	Window          window.Window                `json:"window"`
	Providers       map[string]providers.Summary `json:"providers"`
	Degraded        []Degradation                `json:"degraded,omitempty"`
	GeneratedAt     time.Time                    `json:"generated_at"`
}

// Aggregator fans out to the registered collectors and folds their results
// into a UnifiedTotal. A collector failure never fails the total: the
// provider falls back to stored data, or to zero when none exists.
type Aggregator struct {
	collectors map[string]providers.Collector
	creds      costdb.CredentialStore
	store      costdb.Store
	clk        clock.Clock
	logger     *zap.Logger
}

// New creates an Aggregator over the given collectors.
func New(collectors []providers.Collector, creds costdb.CredentialStore, store costdb.Store, clk clock.Clock, logger *zap.Logger) *Aggregator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]providers.Collector, len(collectors))
	for _, c := range collectors {
		byName[c.Provider()] = c
	}
	return &Aggregator{
		collectors: byName,
		creds:      creds,
		store:      store,
		clk:        clk,
		logger:     logger,
	}
}

// Collector returns the registered collector for a provider, if any.
func (a *Aggregator) Collector(provider string) (providers.Collector, bool) {
	c, ok := a.collectors[provider]
	return c, ok
}

// ComputeUnifiedTotal fetches every known provider concurrently and folds
// the results. Every known provider appears in the result even when it has
// no collector or no data.
func (a *Aggregator) ComputeUnifiedTotal(ctx context.Context, w window.Window) UnifiedTotal {
	type outcome struct {
		summary  providers.Summary
		degraded *Degradation
	}

	outcomes := make([]outcome, len(providers.KnownProviders))
	var wg sync.WaitGroup
	for i, name := range providers.KnownProviders {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			s, d := a.collectProvider(ctx, name, w)
			outcomes[i] = outcome{summary: s, degraded: d}
		}(i, name)
	}
	wg.Wait()

	summaries := make(map[string]providers.Summary, len(outcomes))
	var degraded []Degradation
	for i, name := range providers.KnownProviders {
		summaries[name] = outcomes[i].summary
		if d := outcomes[i].degraded; d != nil {
			degraded = append(degraded, *d)
		}
	}

	// Summed in KnownProviders order so the precise total is bit-identical
	// across runs; float addition is not associative.
	rounded := lo.SumBy(providers.KnownProviders, func(name string) float64 { return summaries[name].AmountUSD })
	precise := lo.SumBy(providers.KnownProviders, func(name string) float64 { return summaries[name].AmountUSDPrecise })

	return UnifiedTotal{
		TotalUSD:        providers.RoundUSD(rounded),
		TotalUSDPrecise: precise,
		Window:          w,
		Providers:       summaries,
		Degraded:        degraded,
		GeneratedAt:     a.clk.Now().UTC(),
	}
}

// CollectOne runs a single provider's collector directly, bypassing
// fallback. Callers get the raw CollectorError for diagnostics.
func (a *Aggregator) CollectOne(ctx context.Context, provider string, w window.Window) (providers.Summary, error) {
	c, ok := a.collectors[provider]
	if !ok {
		return providers.Summary{}, providers.NewError(provider, providers.ErrMissingCredentials, errProviderNotConfigured)
	}
	return c.Collect(ctx, w)
}

var errProviderNotConfigured = errors.New("provider not configured")

func (a *Aggregator) collectProvider(ctx context.Context, name string, w window.Window) (providers.Summary, *Degradation) {
	c, ok := a.collectors[name]
	if !ok {
		return providers.ZeroSummary(name), nil
	}

	// Disabling credentials stops live collection only; historical records
	// stay readable.
	if sp, err := a.creds.GetByProvider(ctx, name); err == nil && sp.Status == costdb.StatusDisabled {
		return a.readStored(ctx, name, w, "credentials_disabled", "live collection disabled")
	}

	s, err := c.Collect(ctx, w)
	if err == nil {
		return s, nil
	}

	reason := "collect_failed"
	if ce, ok := providers.AsCollectorError(err); ok {
		reason = string(ce.Kind)
	}
	a.logger.Warn("provider collection failed, serving stored data",
		zap.String("provider", name),
		zap.String("reason", reason),
		zap.Error(err))

	return a.readStored(ctx, name, w, reason, err.Error())
}

// readStored serves the last persisted snapshot for the window, or zero
// when nothing has been ingested yet.
func (a *Aggregator) readStored(ctx context.Context, name string, w window.Window, reason, detail string) (providers.Summary, *Degradation) {
	records, err := a.store.QueryRange(ctx, name, w)
	if err != nil || len(records) == 0 {
		return providers.ZeroSummary(name), &Degradation{
			Provider: name,
			Reason:   reason,
			Detail:   detail,
			Fallback: "zero",
		}
	}
	return providers.NewSummary(name, providers.SourceStored, records), &Degradation{
		Provider: name,
		Reason:   reason,
		Detail:   detail,
		Fallback: "stored",
	}
}
