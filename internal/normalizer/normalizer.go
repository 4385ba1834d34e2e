// Package normalizer provides the common schema for multi-cloud cost data
// and unit conversion into USD.
package normalizer

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// CostRecord is a normalized observation of spend for one provider, day and
// scope. Records are created by collectors during ingestion; a full
// ingestion run for a provider replaces its prior records for the window.
type CostRecord struct {
	Provider string    `json:"provider"`
	Date     time.Time `json:"date"`
	Scope    string    `json:"scope,omitempty"` // service, resource group, cluster - provider-specific
	Amount   float64   `json:"amount_usd"`
	Currency string    `json:"currency"` // always "USD" post-normalization
}

// Normalizer converts provider-reported raw amounts into USD. Conversion
// rates are injected configuration, never read from the environment here.
type Normalizer struct {
	rates       map[string]float64
	defaultUnit string
	logger      *zap.Logger
}

// New creates a Normalizer. rates maps currency/unit codes to their USD
// conversion factor. defaultUnit is the unit assumed for unrecognized
// inputs; it must have an entry in rates (or conversion falls back to 1.0).
func New(rates map[string]float64, defaultUnit string, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]float64, len(rates))
	for unit, rate := range rates {
		normalized[canonical(unit)] = rate
	}
	return &Normalizer{
		rates:       normalized,
		defaultUnit: canonical(defaultUnit),
		logger:      logger,
	}
}

// NormalizeUSD converts a raw reading in the given unit to USD.
// USD passes through unchanged, recognized units multiply by their
// configured rate, and unrecognized units fall back to the default non-USD
// unit with a warning so misattribution is auditable. Non-finite input
// normalizes to zero rather than propagating NaN through sums.
func (n *Normalizer) NormalizeUSD(raw float64, unit string) float64 {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		n.logger.Warn("non-finite cost reading normalized to zero", zap.String("unit", unit))
		return 0
	}

	u := canonical(unit)
	if u == "" || u == "USD" {
		return raw
	}

	rate, ok := n.rates[u]
	if !ok {
		n.logger.Warn("unrecognized cost unit, applying default conversion",
			zap.String("unit", unit),
			zap.String("assumed_unit", n.defaultUnit),
		)
		rate, ok = n.rates[n.defaultUnit]
		if !ok {
			rate = 1.0
		}
	}
	return raw * rate
}

// Sum adds the USD amounts of the given records.
func Sum(records []CostRecord) float64 {
	var total float64
	for _, r := range records {
		total += r.Amount
	}
	return total
}

func canonical(unit string) string {
	out := make([]byte, 0, len(unit))
	for i := 0; i < len(unit); i++ {
		c := unit[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c == ' ' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
