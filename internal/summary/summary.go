// Package summary builds spend statistics and daily trend series from
// stored cost records, and caches the latest report for the API.
package summary

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/providers"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// TrendPoint is one day's total spend across providers.
type TrendPoint struct {
	Date      string  `json:"date"`
	AmountUSD float64 `json:"amount_usd"`
}

// Stats holds daily-spend statistics over the window. Days counts only days
// that have records; a sparse month does not drag the mean down.
type Stats struct {
	MeanDailyUSD   float64 `json:"mean_daily_usd"`
	StdDevDailyUSD float64 `json:"std_dev_daily_usd"`
	MinDailyUSD    float64 `json:"min_daily_usd"`
	MaxDailyUSD    float64 `json:"max_daily_usd"`
	Days           int     `json:"days"`
}

// TopScope is one scope's total over the window, for the biggest-spenders
// list.
type TopScope struct {
	Provider  string  `json:"provider"`
	Scope     string  `json:"scope"`
	AmountUSD float64 `json:"amount_usd"`
}

// Report is the cost-summary payload: per-provider totals, the daily trend,
// and descriptive statistics, all from stored records.
type Report struct {
	Window      window.Window      `json:"window"`
	TotalUSD    float64            `json:"total_usd"`
	ByProvider  map[string]float64 `json:"by_provider"`
	Trend       []TrendPoint       `json:"trend"`
	Stats       Stats              `json:"stats"`
	TopScopes   []TopScope         `json:"top_scopes,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// topScopeLimit bounds the biggest-spenders list.
const topScopeLimit = 10

// Build computes a Report from stored records for the window. Records
// outside the window are ignored.
func Build(records []normalizer.CostRecord, w window.Window, now time.Time) Report {
	byDate := make(map[string]float64)
	byProvider := make(map[string]float64)
	type scopeKey struct{ provider, scope string }
	byScope := make(map[scopeKey]float64)
	var total float64

	for _, r := range records {
		if !w.Contains(r.Date) {
			continue
		}
		total += r.Amount
		byDate[r.Date.Format("2006-01-02")] += r.Amount
		byProvider[r.Provider] += r.Amount
		if r.Scope != "" {
			byScope[scopeKey{r.Provider, r.Scope}] += r.Amount
		}
	}

	trend := make([]TrendPoint, 0, len(byDate))
	for date, amount := range byDate {
		trend = append(trend, TrendPoint{Date: date, AmountUSD: providers.RoundUSD(amount)})
	}
	sort.Slice(trend, func(i, j int) bool { return trend[i].Date < trend[j].Date })

	rounded := make(map[string]float64, len(byProvider))
	for p, amount := range byProvider {
		rounded[p] = providers.RoundUSD(amount)
	}

	top := make([]TopScope, 0, len(byScope))
	for k, amount := range byScope {
		top = append(top, TopScope{Provider: k.provider, Scope: k.scope, AmountUSD: providers.RoundUSD(amount)})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].AmountUSD != top[j].AmountUSD {
			return top[i].AmountUSD > top[j].AmountUSD
		}
		return top[i].Scope < top[j].Scope
	})
	if len(top) > topScopeLimit {
		top = top[:topScopeLimit]
	}

	return Report{
		Window:      w,
		TotalUSD:    providers.RoundUSD(total),
		ByProvider:  rounded,
		Trend:       trend,
		Stats:       dailyStats(byDate),
		TopScopes:   top,
		GeneratedAt: now.UTC(),
	}
}

func dailyStats(byDate map[string]float64) Stats {
	if len(byDate) == 0 {
		return Stats{}
	}

	values := make([]float64, 0, len(byDate))
	for _, v := range byDate {
		values = append(values, v)
	}

	var sum float64
	min, max := values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))

	var sumSqDiff float64
	for _, v := range values {
		sumSqDiff += (v - mean) * (v - mean)
	}
	stdDev := math.Sqrt(sumSqDiff / float64(len(values)))

	return Stats{
		MeanDailyUSD:   providers.RoundUSD(mean),
		StdDevDailyUSD: providers.RoundUSD(stdDev),
		MinDailyUSD:    providers.RoundUSD(min),
		MaxDailyUSD:    providers.RoundUSD(max),
		Days:           len(values),
	}
}

// Cache holds the most recent Report for cheap API reads.
type Cache struct {
	mu     sync.RWMutex
	report Report
	set    bool
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{}
}

// Set replaces the cached report.
func (c *Cache) Set(r Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report = r
	c.set = true
}

// Get returns the cached report and whether one has been set.
func (c *Cache) Get() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report, c.set
}
