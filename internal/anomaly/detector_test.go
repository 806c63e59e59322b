package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func row(resource string, rt normalizer.ResourceType, service string, day int, cost, util float64, owner string) aggregator.DailyUsage {
	date := day0.AddDate(0, 0, day)
	return aggregator.DailyUsage{
		AccountID:        "acct-1",
		ServiceID:        service,
		ServiceName:      service,
		UsageDate:        date,
		ResourceType:     rt,
		Cost:             cost,
		GrossCost:        cost,
		ResourceID:       resource,
		UtilizationScore: util,
		Tags:             map[string]string{normalizer.OwnerTag: owner},
		Children: []aggregator.ResourceBreakdown{{
			ResourceID:  resource,
			Cost:        cost,
			Utilization: util,
			Owner:       owner,
		}},
	}
}

func idleWeb(days int) []aggregator.DailyUsage {
	var rows []aggregator.DailyUsage
	for d := 0; d < days; d++ {
		rows = append(rows, row("i-prod-web01", normalizer.ResourceCompute, "aws-ec2", d, 15, 0.07, "team:web"))
	}
	return rows
}

func TestDetectSustainedIdleIsCritical(t *testing.T) {
	det := NewDetector(DefaultConfig(), nil)
	found, err := det.Detect(context.Background(), idleWeb(10), nil)
	require.NoError(t, err)

	require.Len(t, found, 1)
	a := found[0]
	assert.Equal(t, TypeSustainedIdle, a.Type)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, 450.0, a.PredictedSavings)
	assert.Equal(t, "i-prod-web01", a.ResourceID)
	assert.Equal(t, day0.AddDate(0, 0, 9), a.WindowEnd)
	assert.Equal(t, "acct-1|aws-ec2|2024-03-10", a.DailyUsageID)
	assert.Equal(t, StatusNew, a.Status)
}

func TestDetectIdleSeverityUsesUnroundedUtilization(t *testing.T) {
	var rows []aggregator.DailyUsage
	for d := range 8 {
		rows = append(rows, row("i-x", normalizer.ResourceCompute, "aws-ec2", d, 1.5, 0.054, "team:web"))
	}
	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, TypeSustainedIdle, found[0].Type)
	assert.Equal(t, 45.0, found[0].MonthlyCost)
	assert.Equal(t, SeverityMedium, found[0].Severity, "0.054 is above the critical utilization line")
	assert.Equal(t, 0.05, found[0].Utilization)
}

func TestDetectIsIdempotent(t *testing.T) {
	det := NewDetector(DefaultConfig(), nil)
	rows := idleWeb(30)

	first, err := det.Detect(context.Background(), rows, nil)
	require.NoError(t, err)
	second, err := det.Detect(context.Background(), rows, []string{"i-prod-web01"})
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.Equal(t, first, second)
}

func TestDetectIdleNeedsConsecutiveDays(t *testing.T) {
	rows := idleWeb(6)
	// gap on day 6, then six more idle days
	for d := 7; d < 13; d++ {
		rows = append(rows, row("i-prod-web01", normalizer.ResourceCompute, "aws-ec2", d, 15, 0.07, "team:web"))
	}
	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectIdleIgnoresCheapResources(t *testing.T) {
	var rows []aggregator.DailyUsage
	for d := 0; d < 10; d++ {
		rows = append(rows, row("i-tiny", normalizer.ResourceCompute, "aws-ec2", d, 0.5, 0.01, "team:web"))
	}
	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectIdleSkipsStorage(t *testing.T) {
	var rows []aggregator.DailyUsage
	for d := 0; d < 10; d++ {
		rows = append(rows, row("bucket", normalizer.ResourceStorage, "aws-s3", d, 5, 0.01, "team:web"))
	}
	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectCostSpike(t *testing.T) {
	var rows []aggregator.DailyUsage
	costs := []float64{10, 11, 9, 10, 10, 11, 9, 10, 60}
	for d, c := range costs {
		rows = append(rows, row("i-batch", normalizer.ResourceCompute, "aws-ec2", d, c, 0.8, "team:data"))
	}
	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)

	require.Len(t, found, 1)
	a := found[0]
	assert.Equal(t, TypeCostSpike, a.Type)
	assert.Equal(t, 60.0, a.ActualCost)
	assert.Equal(t, 10.0, a.ExpectedCost)
	assert.Equal(t, 1500.0, a.PredictedSavings)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, "acct-1|aws-ec2|2024-03-09", a.DailyUsageID)
}

func TestDetectSpikeNeedsDollarFloor(t *testing.T) {
	var rows []aggregator.DailyUsage
	costs := []float64{0.10, 0.11, 0.09, 0.10, 0.10, 0.11, 0.09, 0.10, 2}
	for d, c := range costs {
		rows = append(rows, row("fn", normalizer.ResourceCompute, "aws-lambda", d, c, 0.8, "team:data"))
	}
	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectUntaggedSpend(t *testing.T) {
	var rows []aggregator.DailyUsage
	for d := 0; d < 3; d++ {
		rows = append(rows, row("bucket", normalizer.ResourceStorage, "aws-s3", d, 2, 0, normalizer.UnknownOwner))
	}
	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, TypeUntaggedSpend, found[0].Type)
	assert.Equal(t, 60.0, found[0].MonthlyCost)
	assert.Equal(t, SeverityHigh, found[0].Severity)
	assert.Equal(t, 0.0, found[0].PredictedSavings)

	rows[1].Children[0].Owner = "team:storage"
	found, err = NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectWindowTrimsOldHistory(t *testing.T) {
	var rows []aggregator.DailyUsage
	for d := 0; d < 5; d++ {
		rows = append(rows, row("bucket", normalizer.ResourceStorage, "aws-s3", d, 2, 0, normalizer.UnknownOwner))
	}
	rows = append(rows, row("bucket", normalizer.ResourceStorage, "aws-s3", 40, 2, 0, "team:storage"))

	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSeverityClassify(t *testing.T) {
	cfg := DefaultConfig().Severity
	low := 0.07
	tiny := 0.05
	tests := []struct {
		waste float64
		util  *float64
		want  Severity
	}{
		{200, nil, SeverityCritical},
		{199.99, nil, SeverityHigh},
		{50, nil, SeverityHigh},
		{10, nil, SeverityMedium},
		{9.99, nil, SeverityLow},
		{5, &tiny, SeverityCritical},
		{5, &low, SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Classify(tt.waste, tt.util), "waste=%v", tt.waste)
	}
}

func TestFlagMarksOwningRows(t *testing.T) {
	rows := idleWeb(10)
	rows[0].AnomalyFlag = true
	found, err := NewDetector(DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)

	Flag(rows, found)
	for i, r := range rows[:9] {
		assert.False(t, r.AnomalyFlag, "row %d", i)
	}
	assert.True(t, rows[9].AnomalyFlag)
	assert.Equal(t, 0.3, rows[9].AnomalyScore)
}

func TestCheckTransition(t *testing.T) {
	require.NoError(t, CheckTransition(StatusNew, StatusAcknowledged))
	require.NoError(t, CheckTransition(StatusAcknowledged, StatusResolved))
	assert.ErrorIs(t, CheckTransition(StatusResolved, StatusNew), errs.ErrInvalidTransition)
	assert.ErrorIs(t, CheckTransition(StatusNew, StatusNew), errs.ErrInvalidTransition)
}

func TestIDIsDeterministic(t *testing.T) {
	a := ID("i-1", TypeSustainedIdle, day0)
	assert.Equal(t, a, ID("i-1", TypeSustainedIdle, day0))
	assert.NotEqual(t, a, ID("i-1", TypeSustainedIdle, day0.AddDate(0, 0, 1)))
	assert.NotEqual(t, a, ID("i-1", TypeCostSpike, day0))
}
