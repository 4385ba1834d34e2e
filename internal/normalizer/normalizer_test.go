package normalizer

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestNormalizer() *Normalizer {
	return New(map[string]float64{"INR": 0.012, "EUR": 1.08}, "INR", zap.NewNop())
}

func TestNormalizeUSD(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name string
		raw  float64
		unit string
		want float64
	}{
		{"usd passthrough", 38.40, "USD", 38.40},
		{"empty unit treated as usd", 12.10, "", 12.10},
		{"lowercase usd", 5.00, "usd", 5.00},
		{"configured inr rate", 1000, "INR", 12.00},
		{"configured eur rate", 100, "EUR", 108.00},
		{"unknown unit falls back to default", 1000, "XYZ", 12.00},
		{"negative credit preserved", -50, "USD", -50},
		{"zero", 0, "INR", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, n.NormalizeUSD(tt.raw, tt.unit), 1e-9)
		})
	}
}

func TestNormalizeUSDIdempotent(t *testing.T) {
	n := newTestNormalizer()
	x := 142.50
	once := n.NormalizeUSD(x, "USD")
	assert.Equal(t, once, n.NormalizeUSD(once, "USD"))
}

func TestNormalizeUSDNonFinite(t *testing.T) {
	n := newTestNormalizer()
	assert.Equal(t, 0.0, n.NormalizeUSD(math.NaN(), "USD"))
	assert.Equal(t, 0.0, n.NormalizeUSD(math.Inf(1), "INR"))
	assert.Equal(t, 0.0, n.NormalizeUSD(math.Inf(-1), "EUR"))
}

func TestNormalizeUSDNoDefaultRate(t *testing.T) {
	// A normalizer configured without a rate for its default unit keeps the
	// raw amount rather than zeroing it.
	n := New(nil, "INR", zap.NewNop())
	assert.Equal(t, 7.0, n.NormalizeUSD(7, "XYZ"))
}

func TestSum(t *testing.T) {
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []CostRecord{
		{Provider: "azure", Date: day, Amount: 100.25, Currency: "USD"},
		{Provider: "azure", Date: day.AddDate(0, 0, 1), Amount: 42.25, Currency: "USD"},
		{Provider: "azure", Date: day.AddDate(0, 0, 2), Amount: -10.00, Currency: "USD"},
	}
	assert.InDelta(t, 132.50, Sum(records), 1e-9)
	assert.Equal(t, 0.0, Sum(nil))
}
