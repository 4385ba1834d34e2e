package providers

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/option"

	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// GCPConfig holds GCP billing-export configuration. Cost data comes from
// the BigQuery billing export dataset; there is no direct GCP cost API.
type GCPConfig struct {
	ProjectID       string
	Dataset         string // billing export dataset, e.g. billing_export
	CredentialsFile string // optional service account key path
	APITimeout      time.Duration
}

// gcpQueryAPI is the slice of the BigQuery jobs API used here.
type gcpQueryAPI interface {
	Query(ctx context.Context, projectID string, req *bigquery.QueryRequest) (*bigquery.QueryResponse, error)
}

type bigqueryJobsClient struct {
	service *bigquery.Service
}

func (c *bigqueryJobsClient) Query(ctx context.Context, projectID string, req *bigquery.QueryRequest) (*bigquery.QueryResponse, error) {
	return c.service.Jobs.Query(projectID, req).Context(ctx).Do()
}

// GCPCollector retrieves month-to-date cost per service from the BigQuery
// billing export. Stateless: read live on every request.
type GCPCollector struct {
	cfg    GCPConfig
	norm   *normalizer.Normalizer
	logger *zap.Logger

	mu     sync.Mutex
	client gcpQueryAPI
}

var _ Collector = (*GCPCollector)(nil)

// NewGCPCollector creates the GCP collector.
func NewGCPCollector(cfg GCPConfig, norm *normalizer.Normalizer, logger *zap.Logger) *GCPCollector {
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 30 * time.Second
	}
	return &GCPCollector{cfg: cfg, norm: norm, logger: logger}
}

// Provider implements Collector.
func (c *GCPCollector) Provider() string { return ProviderGCP }

// Stateful implements Collector.
func (c *GCPCollector) Stateful() bool { return false }

func (c *GCPCollector) getClient(ctx context.Context) (gcpQueryAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	var opts []option.ClientOption
	if c.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.cfg.CredentialsFile))
	}
	service, err := bigquery.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	c.client = &bigqueryJobsClient{service: service}
	return c.client, nil
}

// Collect implements Collector.
func (c *GCPCollector) Collect(ctx context.Context, w window.Window) (Summary, error) {
	if c.cfg.ProjectID == "" || c.cfg.Dataset == "" {
		return Summary{}, NewError(ProviderGCP, ErrMissingCredentials, fmt.Errorf("no project/dataset configured"))
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return Summary{}, NewError(ProviderGCP, ErrMissingCredentials, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	useLegacy := false
	req := &bigquery.QueryRequest{
		Query:        c.billingQuery(w),
		UseLegacySql: &useLegacy,
		TimeoutMs:    c.cfg.APITimeout.Milliseconds(),
		MaxResults:   10000,
	}

	resp, err := client.Query(ctx, c.cfg.ProjectID, req)
	if err != nil {
		return Summary{}, classifyCtxErr(ProviderGCP, err, ErrUpstreamUnavailable)
	}
	if !resp.JobComplete {
		return Summary{}, NewError(ProviderGCP, ErrTimeout, fmt.Errorf("billing export query did not complete within %s", c.cfg.APITimeout))
	}

	records, err := c.parseRows(resp, w)
	if err != nil {
		return Summary{}, NewError(ProviderGCP, ErrParseFailure, err)
	}

	c.logger.Debug("gcp cost collection complete", zap.Int("records", len(records)))
	return NewSummary(ProviderGCP, SourceLive, records), nil
}

// billingQuery sums exported cost by service and day inside the window.
// Parameters are interpolated as date literals only, never raw user input.
func (c *GCPCollector) billingQuery(w window.Window) string {
	return fmt.Sprintf(`SELECT
  DATE(usage_start_time) AS usage_date,
  service.description AS service_name,
  SUM(cost) AS total_cost,
  currency
FROM `+"`%s.%s.gcp_billing_export_v1_*`"+`
WHERE DATE(usage_start_time) >= '%s' AND DATE(usage_start_time) < '%s'
GROUP BY usage_date, service_name, currency
ORDER BY usage_date, service_name`,
		c.cfg.ProjectID, c.cfg.Dataset, w.StartDate(), w.EndDate())
}

// parseRows converts the positional BigQuery response to normalized
// records. Column order is fixed by the query; a shape mismatch fails
// closed as a parse error.
func (c *GCPCollector) parseRows(resp *bigquery.QueryResponse, w window.Window) ([]normalizer.CostRecord, error) {
	const wantColumns = 4

	var records []normalizer.CostRecord
	for _, row := range resp.Rows {
		if row == nil || len(row.F) != wantColumns {
			return nil, fmt.Errorf("unexpected row shape: want %d columns", wantColumns)
		}

		dateStr, ok := cellString(row.F[0])
		if !ok {
			return nil, fmt.Errorf("non-string usage_date cell")
		}
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("unparseable usage_date %q", dateStr)
		}

		service, _ := cellString(row.F[1])

		costStr, ok := cellString(row.F[2])
		if !ok {
			return nil, fmt.Errorf("missing total_cost cell")
		}
		cost, err := strconv.ParseFloat(costStr, 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric total_cost %q", costStr)
		}

		currency, ok := cellString(row.F[3])
		if !ok || currency == "" {
			currency = "USD"
		}

		records = append(records, normalizer.CostRecord{
			Provider: ProviderGCP,
			Date:     date.UTC(),
			Scope:    service,
			Amount:   c.norm.NormalizeUSD(cost, currency),
			Currency: "USD",
		})
	}
	return records, nil
}

// cellString extracts a BigQuery cell value as a string. BigQuery returns
// every scalar as a JSON string.
func cellString(cell *bigquery.TableCell) (string, bool) {
	if cell == nil || cell.V == nil {
		return "", false
	}
	s, ok := cell.V.(string)
	return s, ok
}
