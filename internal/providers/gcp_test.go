package providers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	bigquery "google.golang.org/api/bigquery/v2"

	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/window"
)

type stubGCPAPI struct {
	resp *bigquery.QueryResponse
	err  error
	req  *bigquery.QueryRequest
}

func (s *stubGCPAPI) Query(ctx context.Context, projectID string, req *bigquery.QueryRequest) (*bigquery.QueryResponse, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func bqRow(values ...string) *bigquery.TableRow {
	cells := make([]*bigquery.TableCell, 0, len(values))
	for _, v := range values {
		cells = append(cells, &bigquery.TableCell{V: v})
	}
	return &bigquery.TableRow{F: cells}
}

func newGCPTestCollector(api gcpQueryAPI) *GCPCollector {
	c := NewGCPCollector(GCPConfig{ProjectID: "proj", Dataset: "billing_export"},
		normalizer.New(map[string]float64{"EUR": 1.08}, "EUR", zap.NewNop()), zap.NewNop())
	c.client = api
	return c
}

func TestGCPCollect(t *testing.T) {
	api := &stubGCPAPI{resp: &bigquery.QueryResponse{
		JobComplete: true,
		Rows: []*bigquery.TableRow{
			bqRow("2025-03-01", "Compute Engine", "10.05", "USD"),
			bqRow("2025-03-02", "Cloud Storage", "2.05", "USD"),
		},
	}}
	c := newGCPTestCollector(api)
	w := window.MonthToDate(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC))

	s, err := c.Collect(context.Background(), w)
	require.NoError(t, err)

	assert.InDelta(t, 12.10, s.AmountUSDPrecise, 1e-9)
	assert.Contains(t, api.req.Query, "gcp_billing_export_v1_*")
	assert.Contains(t, api.req.Query, "'2025-03-01'")
	assert.Contains(t, api.req.Query, "'2025-04-01'")
	// Standard SQL must be requested explicitly; the field is a pointer so
	// an unset value would silently fall back to legacy SQL.
	require.NotNil(t, api.req.UseLegacySql)
	assert.False(t, *api.req.UseLegacySql)
}

func TestGCPCollectNonUSDCurrency(t *testing.T) {
	c := newGCPTestCollector(&stubGCPAPI{resp: &bigquery.QueryResponse{
		JobComplete: true,
		Rows:        []*bigquery.TableRow{bqRow("2025-03-01", "Compute Engine", "100", "EUR")},
	}})

	s, err := c.Collect(context.Background(), window.MonthToDate(time.Now()))
	require.NoError(t, err)
	assert.InDelta(t, 108.00, s.AmountUSDPrecise, 1e-9)
}

func TestGCPCollectMissingConfig(t *testing.T) {
	c := NewGCPCollector(GCPConfig{}, normalizer.New(nil, "USD", zap.NewNop()), zap.NewNop())

	_, err := c.Collect(context.Background(), window.MonthToDate(time.Now()))
	ce, ok := AsCollectorError(err)
	require.True(t, ok)
	assert.Equal(t, ErrMissingCredentials, ce.Kind)
}

func TestGCPCollectIncompleteJobIsTimeout(t *testing.T) {
	c := newGCPTestCollector(&stubGCPAPI{resp: &bigquery.QueryResponse{JobComplete: false}})

	_, err := c.Collect(context.Background(), window.MonthToDate(time.Now()))
	ce, ok := AsCollectorError(err)
	require.True(t, ok)
	assert.Equal(t, ErrTimeout, ce.Kind)
}

func TestGCPParseFailsClosedOnRowShape(t *testing.T) {
	c := newGCPTestCollector(&stubGCPAPI{resp: &bigquery.QueryResponse{
		JobComplete: true,
		Rows:        []*bigquery.TableRow{bqRow("2025-03-01", "only-two")},
	}})

	_, err := c.Collect(context.Background(), window.MonthToDate(time.Now()))
	ce, ok := AsCollectorError(err)
	require.True(t, ok)
	assert.Equal(t, ErrParseFailure, ce.Kind)
}

func TestGCPCollectUpstreamError(t *testing.T) {
	c := newGCPTestCollector(&stubGCPAPI{err: fmt.Errorf("backend error")})

	_, err := c.Collect(context.Background(), window.MonthToDate(time.Now()))
	ce, ok := AsCollectorError(err)
	require.True(t, ok)
	assert.Equal(t, ErrUpstreamUnavailable, ce.Kind)
}
