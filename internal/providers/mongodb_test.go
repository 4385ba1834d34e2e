package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudspend/internal/costdb"
	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// atlasStub simulates the two-phase Cost Explorer job API.
type atlasStub struct {
	pendingPolls int // number of 202 responses before the result is ready
	polls        int
	creates      int
	usage        CostUsage
	failCreate   int // optional HTTP status to fail creation with
}

func (a *atlasStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			a.creates++
			if a.failCreate != 0 {
				w.WriteHeader(a.failCreate)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"token": "job-token-1"})
		case r.Method == http.MethodGet:
			a.polls++
			if a.polls <= a.pendingPolls {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			json.NewEncoder(w).Encode(a.usage)
		}
	}
}

func newMongoTestCollector(t *testing.T, baseURL string) (*MongoDBCollector, *costdb.MemoryStore) {
	t.Helper()
	store := costdb.NewMemoryStore()
	norm := normalizer.New(map[string]float64{"CENTS": 0.01}, "CENTS", zap.NewNop())
	c := NewMongoDBCollector(MongoDBConfig{
		OrgID:           "org-1",
		BaseURL:         baseURL,
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 3,
	}, costdb.NewMemoryCredentialStore(), store, norm, zap.NewNop())
	c.httpClient = http.DefaultClient
	return c, store
}

func TestMongoDBCollectTwoPhase(t *testing.T) {
	stub := &atlasStub{
		pendingPolls: 2,
		usage: CostUsage{UsageDetails: []CostUsageLine{
			{Service: "Atlas Cluster", UsageAmount: 500, UsageDate: "2025-03-05"}, // cents
			{Service: "Backup", UsageAmount: 150, UsageDate: "2025-03-06"},
		}},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c, store := newMongoTestCollector(t, srv.URL)
	w := window.MonthToDate(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))

	s, err := c.Collect(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, 1, stub.creates)
	assert.Equal(t, 3, stub.polls) // two pending, one ready
	assert.InDelta(t, 6.50, s.AmountUSDPrecise, 1e-9)
	assert.Equal(t, 6.50, s.AmountUSD)

	stored, err := store.QueryRange(context.Background(), ProviderMongoDB, w)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestMongoDBCollectPollTimeout(t *testing.T) {
	stub := &atlasStub{pendingPolls: 1000}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c, _ := newMongoTestCollector(t, srv.URL)

	_, err := c.Collect(context.Background(), window.MonthToDate(time.Now()))
	ce, ok := AsCollectorError(err)
	require.True(t, ok)
	assert.Equal(t, ErrTimeout, ce.Kind)
	// Bounded attempts: initial try plus MaxPollAttempts retries.
	assert.Equal(t, 4, stub.polls)
}

func TestMongoDBCreateAuthFailure(t *testing.T) {
	stub := &atlasStub{failCreate: http.StatusUnauthorized}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c, _ := newMongoTestCollector(t, srv.URL)

	_, err := c.Collect(context.Background(), window.MonthToDate(time.Now()))
	ce, ok := AsCollectorError(err)
	require.True(t, ok)
	assert.Equal(t, ErrAuthFailure, ce.Kind)
}

func TestMongoDBCollectMissingCredentials(t *testing.T) {
	store := costdb.NewMemoryStore()
	norm := normalizer.New(nil, "CENTS", zap.NewNop())
	c := NewMongoDBCollector(MongoDBConfig{OrgID: "org-1"},
		costdb.NewMemoryCredentialStore(), store, norm, zap.NewNop())

	_, err := c.Collect(context.Background(), window.MonthToDate(time.Now()))
	ce, ok := AsCollectorError(err)
	require.True(t, ok)
	assert.Equal(t, ErrMissingCredentials, ce.Kind)
}

func TestMongoDBGetUsagePendingSignal(t *testing.T) {
	stub := &atlasStub{pendingPolls: 1}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c, _ := newMongoTestCollector(t, srv.URL)

	usage, pending, err := c.GetUsage(context.Background(), "job-token-1")
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Nil(t, usage)

	usage, pending, err = c.GetUsage(context.Background(), "job-token-1")
	require.NoError(t, err)
	assert.False(t, pending)
	require.NotNil(t, usage)
}
