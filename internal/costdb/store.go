// Package costdb provides the storage collaborator for normalized cost
// records and provider credentials. The in-memory implementation is the
// development backend; production deployments swap in a relational store
// behind the same interface.
package costdb

import (
	"context"
	"sort"
	"sync"

	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// Store persists normalized cost records. Implementations must treat
// ReplaceProviderRange as one logical unit: readers never observe a
// half-replaced record set.
type Store interface {
	// ReplaceProviderRange atomically replaces the provider's records whose
	// dates fall inside w with the given records. Ingestion idempotence
	// depends on this being a replace, not an append.
	ReplaceProviderRange(ctx context.Context, provider string, w window.Window, records []normalizer.CostRecord) error

	// QueryRange returns the provider's records whose dates fall inside w,
	// ordered by date then scope. An empty provider matches all providers.
	QueryRange(ctx context.Context, provider string, w window.Window) ([]normalizer.CostRecord, error)
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]normalizer.CostRecord // keyed by provider
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]normalizer.CostRecord)}
}

// ReplaceProviderRange implements Store. The replacement set is built fully
// before the swap so concurrent readers see either the old or the new rows.
func (s *MemoryStore) ReplaceProviderRange(ctx context.Context, provider string, w window.Window, records []normalizer.CostRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]normalizer.CostRecord, 0, len(s.records[provider])+len(records))
	for _, r := range s.records[provider] {
		if !w.Contains(r.Date) {
			kept = append(kept, r)
		}
	}
	for _, r := range records {
		if w.Contains(r.Date) {
			kept = append(kept, r)
		}
	}
	sortRecords(kept)
	s.records[provider] = kept
	return nil
}

// QueryRange implements Store.
func (s *MemoryStore) QueryRange(ctx context.Context, provider string, w window.Window) ([]normalizer.CostRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []normalizer.CostRecord
	for p, recs := range s.records {
		if provider != "" && p != provider {
			continue
		}
		for _, r := range recs {
			if w.Contains(r.Date) {
				out = append(out, r)
			}
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(records []normalizer.CostRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Provider != records[j].Provider {
			return records[i].Provider < records[j].Provider
		}
		if !records[i].Date.Equal(records[j].Date) {
			return records[i].Date.Before(records[j].Date)
		}
		return records[i].Scope < records[j].Scope
	})
}
