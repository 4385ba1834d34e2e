package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/lvonguyen/cloudspend/internal/costdb"
	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/window"
)

const atlasAPIVersion = "application/vnd.atlas.2023-11-15+json"

// MongoDBConfig holds MongoDB Atlas billing configuration. The Cost
// Explorer API is a two-phase async job: a query is created, then its
// token is polled until the result is ready.
type MongoDBConfig struct {
	OrgID           string
	BaseURL         string // defaults to the Atlas cloud endpoint
	APITimeout      time.Duration
	PollInterval    time.Duration // fixed interval between token polls
	MaxPollAttempts int           // bounded; exhaustion is a typed timeout
}

// CostUsageLine is one entry of an Atlas Cost Explorer result. Amounts are
// reported in cents.
type CostUsageLine struct {
	InvoiceID        string  `json:"invoiceId"`
	OrganizationID   string  `json:"organizationId"`
	OrganizationName string  `json:"organizationName"`
	Service          string  `json:"service"`
	UsageAmount      float64 `json:"usageAmount"`
	UsageDate        string  `json:"usageDate"` // YYYY-MM-DD
}

// CostUsage is the completed result of a Cost Explorer query.
type CostUsage struct {
	UsageDetails []CostUsageLine `json:"usageDetails"`
}

// MongoDBCollector retrieves Atlas spend through the Cost Explorer job
// API. Stateful: a successful Collect persists the org's records for the
// window.
type MongoDBCollector struct {
	cfg    MongoDBConfig
	creds  costdb.CredentialStore
	store  costdb.Store
	norm   *normalizer.Normalizer
	logger *zap.Logger

	// httpClient overrides the OAuth2 client in tests.
	httpClient *http.Client
}

var _ Collector = (*MongoDBCollector)(nil)

// NewMongoDBCollector creates the MongoDB Atlas collector.
func NewMongoDBCollector(cfg MongoDBConfig, creds costdb.CredentialStore, store costdb.Store, norm *normalizer.Normalizer, logger *zap.Logger) *MongoDBCollector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://cloud.mongodb.com"
	}
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollAttempts == 0 {
		cfg.MaxPollAttempts = 12
	}
	return &MongoDBCollector{cfg: cfg, creds: creds, store: store, norm: norm, logger: logger}
}

// Provider implements Collector.
func (c *MongoDBCollector) Provider() string { return ProviderMongoDB }

// Stateful implements Collector.
func (c *MongoDBCollector) Stateful() bool { return true }

// Collect implements Collector: creates a Cost Explorer query, polls its
// token with a bounded fixed-interval retry loop, normalizes the result
// and persists it.
func (c *MongoDBCollector) Collect(ctx context.Context, w window.Window) (Summary, error) {
	token, err := c.CreateCostQuery(ctx, w)
	if err != nil {
		return Summary{}, err
	}

	usage, err := c.pollUsage(ctx, token)
	if err != nil {
		return Summary{}, err
	}

	records, err := c.normalizeUsage(usage, w)
	if err != nil {
		return Summary{}, NewError(ProviderMongoDB, ErrParseFailure, err)
	}

	if err := c.store.ReplaceProviderRange(ctx, ProviderMongoDB, w, records); err != nil {
		return Summary{}, NewError(ProviderMongoDB, ErrUpstreamUnavailable, fmt.Errorf("persist records: %w", err))
	}

	c.logger.Info("mongodb cost collection complete",
		zap.String("org", c.cfg.OrgID),
		zap.Int("records", len(records)),
	)
	return NewSummary(ProviderMongoDB, SourceLive, records), nil
}

// CreateCostQuery starts a Cost Explorer job for the window and returns
// the poll token. Exposed for the two-phase REST surface.
func (c *MongoDBCollector) CreateCostQuery(ctx context.Context, w window.Window) (string, error) {
	client, err := c.getHTTPClient(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]any{
		"startDate":     w.StartDate(),
		"endDate":       w.EndDate(),
		"organizations": []string{c.cfg.OrgID},
	})
	if err != nil {
		return "", NewError(ProviderMongoDB, ErrParseFailure, err)
	}

	url := fmt.Sprintf("%s/api/atlas/v2/orgs/%s/billing/costExplorer/usage", c.cfg.BaseURL, c.cfg.OrgID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", NewError(ProviderMongoDB, ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", atlasAPIVersion)
	req.Header.Set("Content-Type", atlasAPIVersion)

	resp, err := client.Do(req)
	if err != nil {
		return "", classifyCtxErr(ProviderMongoDB, err, ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", NewError(ProviderMongoDB, ErrAuthFailure, httpStatusError(resp))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted:
		return "", NewError(ProviderMongoDB, ErrUpstreamUnavailable, httpStatusError(resp))
	}

	var created struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", NewError(ProviderMongoDB, ErrParseFailure, fmt.Errorf("decode create response: %w", err))
	}
	if created.Token == "" {
		return "", NewError(ProviderMongoDB, ErrParseFailure, fmt.Errorf("create response missing token"))
	}
	return created.Token, nil
}

// GetUsage fetches the result for a previously created query token.
// pending is true while the job is still processing. Exposed for the
// two-phase REST surface.
func (c *MongoDBCollector) GetUsage(ctx context.Context, token string) (*CostUsage, bool, error) {
	client, err := c.getHTTPClient(ctx)
	if err != nil {
		return nil, false, err
	}

	url := fmt.Sprintf("%s/api/atlas/v2/orgs/%s/billing/costExplorer/usage/%s", c.cfg.BaseURL, c.cfg.OrgID, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, NewError(ProviderMongoDB, ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", atlasAPIVersion)

	resp, err := client.Do(req)
	if err != nil {
		return nil, false, classifyCtxErr(ProviderMongoDB, err, ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		// Atlas answers 202 with no result while the job is still running.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, true, nil
	case http.StatusOK:
		var usage CostUsage
		if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
			return nil, false, NewError(ProviderMongoDB, ErrParseFailure, fmt.Errorf("decode usage response: %w", err))
		}
		return &usage, false, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, false, NewError(ProviderMongoDB, ErrAuthFailure, httpStatusError(resp))
	default:
		return nil, false, NewError(ProviderMongoDB, ErrUpstreamUnavailable, httpStatusError(resp))
	}
}

// pollUsage polls the token at a fixed interval with a bounded attempt
// count. Worst case wall clock is MaxPollAttempts * PollInterval plus the
// per-request timeouts; exhaustion terminates with a typed timeout error
// rather than hanging.
func (c *MongoDBCollector) pollUsage(ctx context.Context, token string) (*CostUsage, error) {
	var usage *CostUsage

	operation := func() error {
		result, pending, err := c.GetUsage(ctx, token)
		if err != nil {
			// Real upstream failures should not burn the poll budget.
			return backoff.Permanent(err)
		}
		if pending {
			return fmt.Errorf("cost explorer job still processing")
		}
		usage = result
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.PollInterval), uint64(c.cfg.MaxPollAttempts)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if ce, ok := AsCollectorError(err); ok {
			return nil, ce
		}
		return nil, NewError(ProviderMongoDB, ErrTimeout,
			fmt.Errorf("cost explorer result not ready after %d attempts: %w", c.cfg.MaxPollAttempts, err))
	}
	return usage, nil
}

// normalizeUsage converts a usage result to normalized records. Atlas
// amounts arrive in cents.
func (c *MongoDBCollector) normalizeUsage(usage *CostUsage, w window.Window) ([]normalizer.CostRecord, error) {
	var records []normalizer.CostRecord
	for _, line := range usage.UsageDetails {
		date, err := time.Parse("2006-01-02", line.UsageDate)
		if err != nil {
			// Monthly rollups omit the day; anchor them to the window start.
			date, err = time.Parse("2006-01", line.UsageDate)
			if err != nil {
				date = w.StartUTC
			}
		}

		records = append(records, normalizer.CostRecord{
			Provider: ProviderMongoDB,
			Date:     date.UTC(),
			Scope:    line.Service,
			Amount:   c.norm.NormalizeUSD(line.UsageAmount, "CENTS"),
			Currency: "USD",
		})
	}
	return records, nil
}

// getHTTPClient returns an OAuth2 client-credentials HTTP client built
// from the stored service principal.
func (c *MongoDBCollector) getHTTPClient(ctx context.Context) (*http.Client, error) {
	if c.httpClient != nil {
		return c.httpClient, nil
	}

	sp, err := c.creds.GetByProvider(ctx, ProviderMongoDB)
	if err != nil {
		return nil, NewError(ProviderMongoDB, ErrMissingCredentials, err)
	}
	if sp.ClientID == "" || sp.ClientSecret == "" {
		return nil, NewError(ProviderMongoDB, ErrMissingCredentials, fmt.Errorf("service principal has no client credentials"))
	}

	oauth := clientcredentials.Config{
		ClientID:     sp.ClientID,
		ClientSecret: sp.ClientSecret,
		TokenURL:     c.cfg.BaseURL + "/api/oauth/token",
	}
	client := oauth.Client(ctx)
	client.Timeout = c.cfg.APITimeout
	return client, nil
}

func httpStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("atlas API returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
