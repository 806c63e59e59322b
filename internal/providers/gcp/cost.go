// Package gcp provides GCP Cloud Billing budget integration.
package gcp

import (
	"context"
	"fmt"
	"strings"

	billing "cloud.google.com/go/billing/budgets/apiv1"
	"cloud.google.com/go/billing/budgets/apiv1/budgetspb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/lvonguyen/cost-guardian/internal/budget"
	"github.com/lvonguyen/cost-guardian/internal/config"
)

// BudgetSource lists the budgets defined on a billing account. GCP exposes
// no per-day cost API (costs live in the BigQuery billing export), so it
// contributes budget limits only.
type BudgetSource struct {
	budgetClient *billing.BudgetClient
	config       config.GCPConfig
}

// NewBudgetSource creates the budget client, using Workload Identity
// Federation credentials when configured.
func NewBudgetSource(ctx context.Context, cfg config.GCPConfig) (*BudgetSource, error) {
	var opts []option.ClientOption
	if cfg.WIFConfigPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.WIFConfigPath))
	}

	budgetClient, err := billing.NewBudgetClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create budget client: %w", err)
	}

	return &BudgetSource{
		budgetClient: budgetClient,
		config:       cfg,
	}, nil
}

// Limits returns one limit per budget and project scope.
func (p *BudgetSource) Limits(ctx context.Context) ([]budget.Limit, error) {
	limits := make([]budget.Limit, 0)

	req := &budgetspb.ListBudgetsRequest{
		Parent: fmt.Sprintf("billingAccounts/%s", p.config.BillingAccount),
	}

	it := p.budgetClient.ListBudgets(ctx, req)
	for {
		b, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list budgets: %w", err)
		}
		limits = append(limits, toLimits(b)...)
	}

	return limits, nil
}

// Close closes the GCP clients
func (p *BudgetSource) Close() error {
	return p.budgetClient.Close()
}

// toLimits converts a budget. Budgets without a specified amount (last
// period's spend) have no fixed limit and are skipped.
func toLimits(b *budgetspb.Budget) []budget.Limit {
	money := b.GetAmount().GetSpecifiedAmount()
	if money == nil {
		return nil
	}
	amount := float64(money.GetUnits()) + float64(money.GetNanos())/1e9

	var alertAt []int
	for _, rule := range b.GetThresholdRules() {
		alertAt = append(alertAt, int(rule.GetThresholdPercent()*100+0.5))
	}

	scopes := make([]string, 0)
	for _, project := range b.GetBudgetFilter().GetProjects() {
		scopes = append(scopes, strings.TrimPrefix(project, "projects/"))
	}
	if len(scopes) == 0 {
		scopes = append(scopes, budget.ScopeAll)
	}

	out := make([]budget.Limit, 0, len(scopes))
	for _, scope := range scopes {
		out = append(out, budget.Limit{
			Name:         b.GetDisplayName(),
			Scope:        scope,
			MonthlyLimit: amount,
			AlertAt:      alertAt,
			Source:       "gcp",
		})
	}
	return out
}
