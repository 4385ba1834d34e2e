package budgets

import (
	"context"
	"fmt"

	billing "cloud.google.com/go/billing/budgets/apiv1"
	"cloud.google.com/go/billing/budgets/apiv1/budgetspb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// budgetIterator is the slice of billing.BudgetIterator the importer needs.
type budgetIterator interface {
	Next() (*budgetspb.Budget, error)
}

// GCPImporter pulls budget definitions from the GCP Billing Budgets API and
// converts them to local Budgets scoped to the gcp provider.
type GCPImporter struct {
	client         *billing.BudgetClient
	billingAccount string

	// listBudgets is swappable for tests.
	listBudgets func(ctx context.Context) budgetIterator
}

// NewGCPImporter creates an importer for one billing account.
func NewGCPImporter(ctx context.Context, billingAccount, credentialsFile string) (*GCPImporter, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := billing.NewBudgetClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create budget client: %w", err)
	}

	imp := &GCPImporter{client: client, billingAccount: billingAccount}
	imp.listBudgets = func(ctx context.Context) budgetIterator {
		return client.ListBudgets(ctx, &budgetspb.ListBudgetsRequest{
			Parent: fmt.Sprintf("billingAccounts/%s", billingAccount),
		})
	}
	return imp, nil
}

// Fetch lists the account's budgets and converts them.
func (g *GCPImporter) Fetch(ctx context.Context) ([]Budget, error) {
	return convertBudgets(g.listBudgets(ctx))
}

// Close releases the underlying client.
func (g *GCPImporter) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func convertBudgets(it budgetIterator) ([]Budget, error) {
	var out []Budget
	for {
		b, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list budgets: %w", err)
		}

		var limit float64
		if amount := b.GetAmount().GetSpecifiedAmount(); amount != nil {
			limit = float64(amount.GetUnits()) + float64(amount.GetNanos())/1e9
		}

		alertAt := make([]int, 0, len(b.GetThresholdRules()))
		for _, rule := range b.GetThresholdRules() {
			alertAt = append(alertAt, int(rule.GetThresholdPercent()*100))
		}

		out = append(out, Budget{
			Name:            b.GetDisplayName(),
			Provider:        "gcp",
			MonthlyLimitUSD: limit,
			AlertAt:         alertAt,
		})
	}
	return out, nil
}
