// Package azure provides Azure Cost Management integration
package azure

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"go.uber.org/zap"

	"github.com/lvonguyen/cost-guardian/internal/config"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// QueryAPI is the subset of the Cost Management query client used here.
type QueryAPI interface {
	Usage(ctx context.Context, scope string, parameters armcostmanagement.QueryDefinition, options *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error)
}

// NewClient builds a query client from the default credential chain.
func NewClient(cfg config.AzureConfig) (*armcostmanagement.QueryClient, error) {
	var cred *azidentity.DefaultAzureCredential
	var err error

	if cfg.UseMSI {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
			TenantID: cfg.TenantID,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	client, err := armcostmanagement.NewQueryClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cost management client: %w", err)
	}
	return client, nil
}

// Source reads daily actual cost per resource for each subscription.
type Source struct {
	client QueryAPI
	config config.AzureConfig
	logger *zap.Logger
}

// NewSource creates a source over client.
func NewSource(client QueryAPI, cfg config.AzureConfig, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{client: client, config: cfg, logger: logger}
}

// Name returns the provider name
func (s *Source) Name() string {
	return "azure-cost-management"
}

// Fetch queries every subscription for [start, end).
func (s *Source) Fetch(ctx context.Context, start, end time.Time) ([]normalizer.RawUsageRecord, error) {
	var records []normalizer.RawUsageRecord

	// The query period is inclusive.
	to := end.Add(-time.Second)
	for _, subscriptionID := range s.config.SubscriptionIDs {
		scope := fmt.Sprintf("/subscriptions/%s", subscriptionID)

		result, err := s.client.Usage(ctx, scope, query(start, to), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to query costs for %s: %w", subscriptionID, err)
		}
		if result.Properties == nil {
			continue
		}
		if result.Properties.NextLink != nil && *result.Properties.NextLink != "" {
			s.logger.Warn("Cost query truncated, narrow the lookback window",
				zap.String("subscription", subscriptionID),
			)
		}

		parsed, skipped := parseRows(subscriptionID, result.Properties.Columns, result.Properties.Rows)
		if skipped > 0 {
			s.logger.Warn("Skipped malformed cost rows",
				zap.String("subscription", subscriptionID),
				zap.Int("skipped", skipped),
			)
		}
		records = append(records, parsed...)
	}
	return records, nil
}

// granularityDaily requests one row per usage day.
const granularityDaily = armcostmanagement.GranularityType("Daily")

func query(from, to time.Time) armcostmanagement.QueryDefinition {
	return armcostmanagement.QueryDefinition{
		Type:      toPtr(armcostmanagement.ExportTypeActualCost),
		Timeframe: toPtr(armcostmanagement.TimeframeTypeCustom),
		TimePeriod: &armcostmanagement.QueryTimePeriod{
			From: &from,
			To:   &to,
		},
		Dataset: &armcostmanagement.QueryDataset{
			Granularity: toPtr(granularityDaily),
			Grouping: []*armcostmanagement.QueryGrouping{
				{
					Type: toPtr(armcostmanagement.QueryColumnTypeDimension),
					Name: toPtr("ResourceId"),
				},
				{
					Type: toPtr(armcostmanagement.QueryColumnTypeDimension),
					Name: toPtr("ServiceName"),
				},
			},
			Aggregation: map[string]*armcostmanagement.QueryAggregation{
				"totalCost": {
					Name:     toPtr("Cost"),
					Function: toPtr(armcostmanagement.FunctionTypeSum),
				},
			},
		},
	}
}

// parseRows maps result rows by column name. Rows without a usable date are
// skipped and counted; bad cost values are kept for the normalizer.
func parseRows(subscriptionID string, columns []*armcostmanagement.QueryColumn, rows [][]any) ([]normalizer.RawUsageRecord, int) {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if c != nil && c.Name != nil {
			index[strings.ToLower(*c.Name)] = i
		}
	}
	cell := func(row []any, name string) any {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return nil
		}
		return row[i]
	}

	records := make([]normalizer.RawUsageRecord, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		date, ok := usageDate(cell(row, "usagedate"))
		if !ok {
			skipped++
			continue
		}
		service, _ := cell(row, "servicename").(string)
		resource, _ := cell(row, "resourceid").(string)
		currency, _ := cell(row, "currency").(string)

		records = append(records, normalizer.RawUsageRecord{
			AccountID:   subscriptionID,
			ServiceName: service,
			ResourceID:  strings.ToLower(resource),
			UsageDate:   date,
			Cost:        number(cell(row, "totalcost")),
			Currency:    currency,
		})
	}
	return records, skipped
}

// usageDate accepts the numeric yyyymmdd form the API returns, or a string.
func usageDate(v any) (string, bool) {
	var s string
	switch d := v.(type) {
	case float64:
		s = strconv.FormatFloat(d, 'f', 0, 64)
	case string:
		s = d
	default:
		return "", false
	}
	for _, layout := range []string{"20060102", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format("2006-01-02"), true
		}
	}
	return "", false
}

func number(v any) normalizer.Number {
	switch n := v.(type) {
	case nil:
		return normalizer.Number{}
	case float64:
		return normalizer.NewNumber(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return normalizer.Number{Set: true, Err: fmt.Errorf("parse %q: %w", n, err)}
		}
		return normalizer.NewNumber(f)
	default:
		return normalizer.Number{Set: true, Err: fmt.Errorf("unexpected cost type %T", v)}
	}
}

func toPtr[T any](v T) *T {
	return &v
}
