package providers

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/window"
)

// AWSConfig holds AWS Cost Explorer configuration.
type AWSConfig struct {
	Region     string
	RoleARN    string
	APITimeout time.Duration
}

// awsCostExplorerAPI is the slice of the Cost Explorer client used here.
type awsCostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// AWSCollector retrieves month-to-date cost grouped by service from AWS
// Cost Explorer. It is stateless: results are read live on every request
// and never persisted.
type AWSCollector struct {
	cfg    AWSConfig
	norm   *normalizer.Normalizer
	logger *zap.Logger

	mu     sync.Mutex
	client awsCostExplorerAPI
}

var _ Collector = (*AWSCollector)(nil)

// NewAWSCollector creates the AWS collector. The SDK client is built
// lazily on first use so a missing credential chain surfaces as a typed
// collect failure instead of a startup error.
func NewAWSCollector(cfg AWSConfig, norm *normalizer.Normalizer, logger *zap.Logger) *AWSCollector {
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 30 * time.Second
	}
	return &AWSCollector{cfg: cfg, norm: norm, logger: logger}
}

// Provider implements Collector.
func (c *AWSCollector) Provider() string { return ProviderAWS }

// Stateful implements Collector.
func (c *AWSCollector) Stateful() bool { return false }

func (c *AWSCollector) getClient(ctx context.Context) (awsCostExplorerAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if c.cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, c.cfg.RoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	c.client = costexplorer.NewFromConfig(awsCfg)
	return c.client, nil
}

// Collect implements Collector.
func (c *AWSCollector) Collect(ctx context.Context, w window.Window) (Summary, error) {
	if c.cfg.Region == "" {
		return Summary{}, NewError(ProviderAWS, ErrMissingCredentials, fmt.Errorf("no region configured"))
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return Summary{}, NewError(ProviderAWS, ErrMissingCredentials, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(w.StartDate()),
			End:   aws.String(w.EndDate()),
		},
		Granularity: types.GranularityMonthly,
		Metrics:     []string{"UnblendedCost"},
		GroupBy: []types.GroupDefinition{
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")},
		},
	}

	var records []normalizer.CostRecord

	// Handle pagination manually
	for {
		output, err := client.GetCostAndUsage(ctx, input)
		if err != nil {
			return Summary{}, classifyCtxErr(ProviderAWS, err, ErrUpstreamUnavailable)
		}

		page, err := c.parseResults(output.ResultsByTime, w)
		if err != nil {
			return Summary{}, NewError(ProviderAWS, ErrParseFailure, err)
		}
		records = append(records, page...)

		if output.NextPageToken == nil {
			break
		}
		input.NextPageToken = output.NextPageToken
	}

	c.logger.Debug("aws cost collection complete", zap.Int("records", len(records)))
	return NewSummary(ProviderAWS, SourceLive, records), nil
}

// parseResults converts Cost Explorer results to normalized records. The
// metric amount is a decimal string; a malformed amount fails closed.
func (c *AWSCollector) parseResults(results []types.ResultByTime, w window.Window) ([]normalizer.CostRecord, error) {
	var records []normalizer.CostRecord

	for _, result := range results {
		date := w.StartUTC
		if result.TimePeriod != nil && result.TimePeriod.Start != nil {
			parsed, err := time.Parse("2006-01-02", *result.TimePeriod.Start)
			if err != nil {
				return nil, fmt.Errorf("unparseable period start %q", *result.TimePeriod.Start)
			}
			date = parsed.UTC()
		}

		for _, group := range result.Groups {
			metric, ok := group.Metrics["UnblendedCost"]
			if !ok || metric.Amount == nil {
				continue
			}
			amount, err := strconv.ParseFloat(*metric.Amount, 64)
			if err != nil {
				return nil, fmt.Errorf("non-numeric cost amount %q", *metric.Amount)
			}

			unit := "USD"
			if metric.Unit != nil {
				unit = *metric.Unit
			}

			service := ""
			if len(group.Keys) > 0 {
				service = group.Keys[0]
			}

			records = append(records, normalizer.CostRecord{
				Provider: ProviderAWS,
				Date:     date,
				Scope:    service,
				Amount:   amount,
				Currency: unit,
			})
		}
	}

	// Normalization applied uniformly after parse so the currency handling
	// lives in one place.
	for i := range records {
		records[i].Amount = c.norm.NormalizeUSD(records[i].Amount, records[i].Currency)
		records[i].Currency = "USD"
	}
	return records, nil
}
