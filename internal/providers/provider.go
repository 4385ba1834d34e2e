// Package providers implements cloud-specific cost data retrieval behind a
// single collector contract.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// Known provider identifiers.
const (
	ProviderAzure   = "azure"
	ProviderAWS     = "aws"
	ProviderGCP     = "gcp"
	ProviderMongoDB = "mongodb"
)

// KnownProviders is the fixed set every unified total reports on, in
// display order.
var KnownProviders = []string{ProviderAzure, ProviderAWS, ProviderMongoDB, ProviderGCP}

// Collector fetches one provider's month-to-date spend, normalized to USD.
type Collector interface {
	// Provider returns the provider identifier (azure, aws, gcp, mongodb).
	Provider() string

	// Stateful reports whether a successful Collect persists CostRecords to
	// the store. Stateful providers are ingested by the refresh
	// orchestrator; stateless ones are read live on every request.
	Stateful() bool

	// Collect fetches and normalizes spend for the window. A non-nil error
	// is always a *CollectorError and is recoverable at the aggregator
	// level (triggers fallback to stored data).
	Collect(ctx context.Context, w window.Window) (Summary, error)
}

// Component is one scope's share of a provider's spend.
type Component struct {
	Scope     string  `json:"scope"`
	AmountUSD float64 `json:"amount_usd"`
}

// Summary is a provider's normalized month-to-date result. AmountUSD is the
// 2-decimal display value; AmountUSDPrecise keeps full precision for
// reconciliation. AmountUSDPrecise always rounds to AmountUSD under half-up
// rounding.
type Summary struct {
	Provider         string      `json:"provider"`
	AmountUSD        float64     `json:"amount_usd"`
	AmountUSDPrecise float64     `json:"amount_usd_precise"`
	Components       []Component `json:"components,omitempty"`
	Source           string      `json:"source"` // live or stored
}

// Summary sources.
const (
	SourceLive   = "live"
	SourceStored = "stored"
)

// RoundUSD rounds an amount to 2 decimals, half away from zero. This is the
// single rounding policy for every displayed amount; the headline total is
// the sum of values produced here (round-then-sum), so it always matches
// the visible per-provider breakdown.
func RoundUSD(amount float64) float64 {
	f, _ := decimal.NewFromFloat(amount).Round(2).Float64()
	return f
}

// NewSummary builds a Summary from normalized records, aggregating by scope
// and ordering components by descending amount.
func NewSummary(provider, source string, records []normalizer.CostRecord) Summary {
	byScope := make(map[string]float64)
	var precise float64
	for _, r := range records {
		byScope[r.Scope] += r.Amount
		precise += r.Amount
	}

	components := lo.MapToSlice(byScope, func(scope string, amount float64) Component {
		return Component{Scope: scope, AmountUSD: RoundUSD(amount)}
	})
	components = lo.Filter(components, func(c Component, _ int) bool { return c.Scope != "" })
	sortComponents(components)

	return Summary{
		Provider:         provider,
		AmountUSD:        RoundUSD(precise),
		AmountUSDPrecise: precise,
		Components:       components,
		Source:           source,
	}
}

// ZeroSummary is the contribution of a provider with no data: absence is
// valid, not exceptional.
func ZeroSummary(provider string) Summary {
	return Summary{Provider: provider, Source: SourceStored}
}

func sortComponents(components []Component) {
	// Descending by amount, scope name as tiebreaker for determinism.
	sort.Slice(components, func(i, j int) bool {
		if components[i].AmountUSD != components[j].AmountUSD {
			return components[i].AmountUSD > components[j].AmountUSD
		}
		return components[i].Scope < components[j].Scope
	})
}

// ErrorKind classifies collector failures. All kinds are recoverable at the
// aggregator level; none abort sibling providers.
type ErrorKind string

const (
	ErrMissingCredentials  ErrorKind = "missing_credentials"
	ErrAuthFailure         ErrorKind = "auth_failure"
	ErrUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrTimeout             ErrorKind = "timeout"
	ErrParseFailure        ErrorKind = "parse_failure"
)

// CollectorError is the typed failure signal returned by collectors.
type CollectorError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// Error implements error.
func (e *CollectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap supports errors.Is/As chains.
func (e *CollectorError) Unwrap() error {
	return e.Err
}

// NewError wraps err as a CollectorError of the given kind.
func NewError(provider string, kind ErrorKind, err error) *CollectorError {
	return &CollectorError{Provider: provider, Kind: kind, Err: err}
}

// AsCollectorError extracts a CollectorError from an error chain.
func AsCollectorError(err error) (*CollectorError, bool) {
	var ce *CollectorError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classifyCtxErr maps context termination to the taxonomy, defaulting to
// the given kind for other errors.
func classifyCtxErr(provider string, err error, fallback ErrorKind) *CollectorError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(provider, ErrTimeout, err)
	}
	return NewError(provider, fallback, err)
}
