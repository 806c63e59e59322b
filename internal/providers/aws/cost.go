// Package aws provides AWS Cost Explorer integration
package aws

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	internalConfig "github.com/lvonguyen/cost-guardian/internal/config"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
	"github.com/lvonguyen/cost-guardian/internal/projector"
)

const dateLayout = "2006-01-02"

// API is the subset of the Cost Explorer client used here.
type API interface {
	GetCostAndUsage(ctx context.Context, in *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
	GetCostForecast(ctx context.Context, in *costexplorer.GetCostForecastInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostForecastOutput, error)
}

// NewClient builds a Cost Explorer client, assuming RoleARN when set.
func NewClient(ctx context.Context, cfg internalConfig.AWSConfig) (*costexplorer.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	return costexplorer.NewFromConfig(awsCfg), nil
}

// Source reads unblended cost per linked account and service. Cost Explorer
// does not break costs down by resource here, so each (account, service)
// pair is reported as one resource with ID "<account>/<service>".
type Source struct {
	client API
	config internalConfig.AWSConfig
	logger *zap.Logger
}

// NewSource creates a source over client.
func NewSource(client API, cfg internalConfig.AWSConfig, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{client: client, config: cfg, logger: logger}
}

// Name returns the provider name
func (s *Source) Name() string {
	return "aws-cost-explorer"
}

// Fetch retrieves costs for [start, end).
func (s *Source) Fetch(ctx context.Context, start, end time.Time) ([]normalizer.RawUsageRecord, error) {
	granularity := types.GranularityDaily
	if s.config.Granularity == "MONTHLY" {
		granularity = types.GranularityMonthly
	}

	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(start.UTC().Format(dateLayout)),
			End:   aws.String(end.UTC().Format(dateLayout)),
		},
		Granularity: granularity,
		Metrics:     []string{"UnblendedCost", "UsageQuantity"},
		GroupBy: []types.GroupDefinition{
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")},
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("LINKED_ACCOUNT")},
		},
	}
	if len(s.config.AccountIDs) > 0 {
		input.Filter = &types.Expression{
			Dimensions: &types.DimensionValues{
				Key:    types.DimensionLinkedAccount,
				Values: s.config.AccountIDs,
			},
		}
	}

	var records []normalizer.RawUsageRecord
	pages := 0
	for {
		output, err := s.client.GetCostAndUsage(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get cost data: %w", err)
		}
		pages++
		records = append(records, parseResults(output.ResultsByTime)...)

		if output.NextPageToken == nil {
			break
		}
		input.NextPageToken = output.NextPageToken
	}

	s.logger.Debug("Cost Explorer query complete",
		zap.Int("pages", pages),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// parseResults converts Cost Explorer groups to raw records. Group keys are
// [service, linked account] in that order.
func parseResults(results []types.ResultByTime) []normalizer.RawUsageRecord {
	var records []normalizer.RawUsageRecord
	for _, result := range results {
		var date string
		if result.TimePeriod != nil {
			date = aws.ToString(result.TimePeriod.Start)
		}

		for _, group := range result.Groups {
			var service, account string
			if len(group.Keys) > 0 {
				service = group.Keys[0]
			}
			if len(group.Keys) > 1 {
				account = group.Keys[1]
			}

			record := normalizer.RawUsageRecord{
				AccountID:   account,
				ServiceName: service,
				ResourceID:  account + "/" + service,
				UsageDate:   date,
			}
			if cost, ok := group.Metrics["UnblendedCost"]; ok {
				record.Cost = amount(cost.Amount)
				record.Currency = aws.ToString(cost.Unit)
			}
			if usage, ok := group.Metrics["UsageQuantity"]; ok {
				record.UsageQuantity = amount(usage.Amount)
			}
			records = append(records, record)
		}
	}
	return records
}

// amount keeps unparseable values as errors for the normalizer to reject.
func amount(s *string) normalizer.Number {
	if s == nil {
		return normalizer.Number{}
	}
	v, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return normalizer.Number{Set: true, Err: fmt.Errorf("parse %q: %w", *s, err)}
	}
	return normalizer.NewNumber(v)
}

var _ projector.Forecaster = (*Forecaster)(nil)

// Forecaster asks Cost Explorer for a forecast and ignores the local trend.
type Forecaster struct {
	client API
}

// NewForecaster creates a Cost Explorer forecaster.
func NewForecaster(client API) *Forecaster {
	return &Forecaster{client: client}
}

// Forecast implements projector.Forecaster. Cost Explorer only forecasts
// from today onwards; earlier starts are rejected by the API.
func (f *Forecaster) Forecast(ctx context.Context, _ []projector.TrendPoint, start, end time.Time) (projector.Forecast, error) {
	out := projector.Forecast{Start: start, End: end, Method: "aws_cost_explorer"}

	input := &costexplorer.GetCostForecastInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(start.UTC().Format(dateLayout)),
			End:   aws.String(end.UTC().Format(dateLayout)),
		},
		Metric:                  types.MetricUnblendedCost,
		Granularity:             types.GranularityMonthly,
		PredictionIntervalLevel: aws.Int32(80),
	}

	result, err := f.client.GetCostForecast(ctx, input)
	if err != nil {
		return out, fmt.Errorf("failed to get forecast: %w", err)
	}

	if result.Total != nil {
		total := amount(result.Total.Amount)
		if total.Err != nil {
			return out, fmt.Errorf("forecast total: %w", total.Err)
		}
		out.Amount = normalizer.Round(total.Value)
	}
	var lower, upper float64
	for _, r := range result.ForecastResultsByTime {
		lower += amount(r.PredictionIntervalLowerBound).Value
		upper += amount(r.PredictionIntervalUpperBound).Value
	}
	out.Lower = normalizer.Round(lower)
	out.Upper = normalizer.Round(upper)
	return out, nil
}
