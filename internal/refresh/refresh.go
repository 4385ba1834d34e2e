// Package refresh drives scheduled ingestion for stateful providers and
// keeps the cost summary cache current.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudspend/internal/clock"
	"github.com/lvonguyen/cloudspend/internal/costdb"
	"github.com/lvonguyen/cloudspend/internal/providers"
	"github.com/lvonguyen/cloudspend/internal/summary"
	"github.com/lvonguyen/cloudspend/internal/window"
)

var (
	refreshRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudspend_refresh_runs_total",
		Help: "Completed refresh cycles.",
	})
	providerRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudspend_provider_refreshes_total",
		Help: "Per-provider ingestion outcomes.",
	}, []string{"provider", "status"})
)

// Refresh outcome statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is one provider's outcome within a refresh cycle.
type Result struct {
	Provider  string  `json:"provider"`
	Status    string  `json:"status"`
	Reason    string  `json:"reason,omitempty"`
	AmountUSD float64 `json:"amount_usd"`
}

// Report describes one refresh cycle.
type Report struct {
	Window     window.Window `json:"window"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Results    []Result      `json:"results"`
}

// Orchestrator ingests every stateful provider with usable credentials,
// records sync outcomes on the credentials, and rebuilds the summary cache
// from the stored records afterwards. Provider failures are isolated: one
// failing ingestion never blocks the others.
type Orchestrator struct {
	collectors []providers.Collector
	creds      costdb.CredentialStore
	store      costdb.Store
	cache      *summary.Cache
	clk        clock.Clock
	logger     *zap.Logger
}

// New creates an Orchestrator. Only stateful collectors are retained.
func New(collectors []providers.Collector, creds costdb.CredentialStore, store costdb.Store, cache *summary.Cache, clk clock.Clock, logger *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stateful := make([]providers.Collector, 0, len(collectors))
	for _, c := range collectors {
		if c.Stateful() {
			stateful = append(stateful, c)
		}
	}
	return &Orchestrator{
		collectors: stateful,
		creds:      creds,
		store:      store,
		cache:      cache,
		clk:        clk,
		logger:     logger,
	}
}

// Refresh runs one ingestion cycle over the current month-to-date window.
func (o *Orchestrator) Refresh(ctx context.Context) Report {
	started := o.clk.Now().UTC()
	w := window.MonthToDate(started)

	results := make([]Result, len(o.collectors))
	var wg sync.WaitGroup
	for i, c := range o.collectors {
		wg.Add(1)
		go func(i int, c providers.Collector) {
			defer wg.Done()
			results[i] = o.refreshOne(ctx, c, w)
		}(i, c)
	}
	wg.Wait()

	for _, r := range results {
		providerRefreshes.WithLabelValues(r.Provider, r.Status).Inc()
	}
	refreshRuns.Inc()

	o.rebuildCache(ctx, w)

	return Report{
		Window:     w,
		StartedAt:  started,
		FinishedAt: o.clk.Now().UTC(),
		Results:    results,
	}
}

// Run refreshes immediately and then on every interval tick until the
// context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	o.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Refresh(ctx)
		}
	}
}

func (o *Orchestrator) refreshOne(ctx context.Context, c providers.Collector, w window.Window) Result {
	name := c.Provider()

	sp, err := o.creds.GetByProvider(ctx, name)
	if err != nil {
		if errors.Is(err, costdb.ErrCredentialNotFound) {
			return Result{Provider: name, Status: StatusSkipped, Reason: "missing_credentials"}
		}
		return Result{Provider: name, Status: StatusFailed, Reason: err.Error()}
	}
	if sp.Status == costdb.StatusDisabled {
		return Result{Provider: name, Status: StatusSkipped, Reason: "credentials_disabled"}
	}

	s, collectErr := c.Collect(ctx, w)
	if _, markErr := o.creds.MarkSyncResult(ctx, sp.ID, o.clk.Now(), collectErr); markErr != nil {
		o.logger.Warn("failed to record sync result",
			zap.String("provider", name),
			zap.Error(markErr))
	}

	if collectErr != nil {
		reason := collectErr.Error()
		if ce, ok := providers.AsCollectorError(collectErr); ok {
			reason = string(ce.Kind)
		}
		o.logger.Warn("provider ingestion failed",
			zap.String("provider", name),
			zap.String("reason", reason),
			zap.Error(collectErr))
		return Result{Provider: name, Status: StatusFailed, Reason: reason}
	}

	o.logger.Info("provider ingestion complete",
		zap.String("provider", name),
		zap.Float64("amount_usd", s.AmountUSD))
	return Result{Provider: name, Status: StatusOK, AmountUSD: s.AmountUSD}
}

func (o *Orchestrator) rebuildCache(ctx context.Context, w window.Window) {
	if o.cache == nil {
		return
	}
	records, err := o.store.QueryRange(ctx, "", w)
	if err != nil {
		o.logger.Warn("summary cache rebuild failed", zap.Error(err))
		return
	}
	o.cache.Set(summary.Build(records, w, o.clk.Now()))
}
