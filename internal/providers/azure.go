package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudspend/internal/costdb"
	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// AzureConfig holds Azure Cost Management configuration. Credentials come
// from the service-principal store, not from here.
type AzureConfig struct {
	SubscriptionID string
	APITimeout     time.Duration
}

// azureQueryAPI is the slice of the Cost Management client the collector
// uses; it exists so tests can stub the upstream.
type azureQueryAPI interface {
	Usage(ctx context.Context, scope string, parameters armcostmanagement.QueryDefinition, options *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error)
}

// AzureCollector retrieves cost data from Azure Cost Management. It is
// stateful: a successful Collect replaces the subscription's stored records
// for the window.
type AzureCollector struct {
	cfg    AzureConfig
	creds  costdb.CredentialStore
	store  costdb.Store
	norm   *normalizer.Normalizer
	logger *zap.Logger

	// newClient is swapped in tests to avoid real credential exchange.
	newClient func(sp costdb.ServicePrincipal) (azureQueryAPI, error)
}

var _ Collector = (*AzureCollector)(nil)

// NewAzureCollector creates the Azure collector.
func NewAzureCollector(cfg AzureConfig, creds costdb.CredentialStore, store costdb.Store, norm *normalizer.Normalizer, logger *zap.Logger) *AzureCollector {
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 30 * time.Second
	}
	return &AzureCollector{
		cfg:       cfg,
		creds:     creds,
		store:     store,
		norm:      norm,
		logger:    logger,
		newClient: newAzureQueryClient,
	}
}

func newAzureQueryClient(sp costdb.ServicePrincipal) (azureQueryAPI, error) {
	cred, err := azidentity.NewClientSecretCredential(sp.TenantID, sp.ClientID, sp.ClientSecret, nil)
	if err != nil {
		return nil, err
	}
	return armcostmanagement.NewQueryClient(cred, nil)
}

// Provider implements Collector.
func (c *AzureCollector) Provider() string { return ProviderAzure }

// Stateful implements Collector.
func (c *AzureCollector) Stateful() bool { return true }

// Collect implements Collector: queries daily cost grouped by service for
// the window, normalizes to USD and persists the result.
func (c *AzureCollector) Collect(ctx context.Context, w window.Window) (Summary, error) {
	sp, err := c.creds.GetByProvider(ctx, ProviderAzure)
	if err != nil {
		return Summary{}, NewError(ProviderAzure, ErrMissingCredentials, err)
	}
	if c.cfg.SubscriptionID == "" {
		return Summary{}, NewError(ProviderAzure, ErrMissingCredentials, fmt.Errorf("no subscription configured"))
	}

	client, err := c.newClient(sp)
	if err != nil {
		return Summary{}, NewError(ProviderAzure, ErrAuthFailure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	scope := fmt.Sprintf("/subscriptions/%s", c.cfg.SubscriptionID)
	resp, err := client.Usage(ctx, scope, azureQueryDefinition(w), nil)
	if err != nil {
		if isAzureAuthError(err) {
			return Summary{}, NewError(ProviderAzure, ErrAuthFailure, err)
		}
		return Summary{}, classifyCtxErr(ProviderAzure, err, ErrUpstreamUnavailable)
	}

	records, err := c.parseResult(resp.QueryResult)
	if err != nil {
		return Summary{}, NewError(ProviderAzure, ErrParseFailure, err)
	}

	if err := c.store.ReplaceProviderRange(ctx, ProviderAzure, w, records); err != nil {
		return Summary{}, NewError(ProviderAzure, ErrUpstreamUnavailable, fmt.Errorf("persist records: %w", err))
	}

	c.logger.Info("azure cost collection complete",
		zap.String("subscription", c.cfg.SubscriptionID),
		zap.Int("records", len(records)),
	)
	return NewSummary(ProviderAzure, SourceLive, records), nil
}

func azureQueryDefinition(w window.Window) armcostmanagement.QueryDefinition {
	queryType := armcostmanagement.ExportTypeActualCost
	timeframe := armcostmanagement.TimeframeTypeCustom
	granularity := armcostmanagement.GranularityTypeDaily
	dimension := armcostmanagement.QueryColumnTypeDimension
	serviceName := "ServiceName"
	aggName := "Cost"
	aggFn := armcostmanagement.FunctionTypeSum

	from := w.StartUTC
	// The API expects an inclusive end date.
	to := w.EndUTC.Add(-time.Second)

	return armcostmanagement.QueryDefinition{
		Type:      &queryType,
		Timeframe: &timeframe,
		TimePeriod: &armcostmanagement.QueryTimePeriod{
			From: &from,
			To:   &to,
		},
		Dataset: &armcostmanagement.QueryDataset{
			Granularity: &granularity,
			Grouping: []*armcostmanagement.QueryGrouping{
				{Type: &dimension, Name: &serviceName},
			},
			Aggregation: map[string]*armcostmanagement.QueryAggregation{
				"totalCost": {Name: &aggName, Function: &aggFn},
			},
		},
	}
}

// parseResult converts the query result into normalized records. The
// response schema is positional with a column header list, so indices are
// resolved by name; missing required columns fail closed as a parse error.
func (c *AzureCollector) parseResult(result armcostmanagement.QueryResult) ([]normalizer.CostRecord, error) {
	if result.Properties == nil {
		return nil, fmt.Errorf("response has no properties")
	}

	columns := make(map[string]int)
	for i, col := range result.Properties.Columns {
		if col != nil && col.Name != nil {
			columns[*col.Name] = i
		}
	}

	costIdx, hasCost := columns["Cost"]
	dateIdx, hasDate := columns["UsageDate"]
	if !hasCost || !hasDate {
		return nil, fmt.Errorf("response missing Cost/UsageDate columns")
	}
	serviceIdx, hasService := columns["ServiceName"]
	currencyIdx, hasCurrency := columns["Currency"]

	var records []normalizer.CostRecord
	for _, row := range result.Properties.Rows {
		if len(row) <= costIdx || len(row) <= dateIdx {
			continue
		}

		cost, ok := row[costIdx].(float64)
		if !ok {
			return nil, fmt.Errorf("non-numeric cost value %v", row[costIdx])
		}

		date, err := parseAzureDate(row[dateIdx])
		if err != nil {
			return nil, err
		}

		service := ""
		if hasService && len(row) > serviceIdx {
			service, _ = row[serviceIdx].(string)
		}
		currency := "USD"
		if hasCurrency && len(row) > currencyIdx {
			if cur, ok := row[currencyIdx].(string); ok && cur != "" {
				currency = cur
			}
		}

		records = append(records, normalizer.CostRecord{
			Provider: ProviderAzure,
			Date:     date,
			Scope:    service,
			Amount:   c.norm.NormalizeUSD(cost, currency),
			Currency: "USD",
		})
	}
	return records, nil
}

// parseAzureDate handles the UsageDate column, which arrives as a numeric
// or string YYYYMMDD.
func parseAzureDate(v interface{}) (time.Time, error) {
	var s string
	switch d := v.(type) {
	case float64:
		s = fmt.Sprintf("%.0f", d)
	case string:
		s = d
	default:
		return time.Time{}, fmt.Errorf("unexpected UsageDate type %T", v)
	}

	t, err := time.Parse("20060102", s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable UsageDate %q", s)
		}
	}
	return t.UTC(), nil
}

func isAzureAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authenticat")
}
