package recommend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func row(resource string, rt normalizer.ResourceType, service string, day int, cost, util float64, owner string) aggregator.DailyUsage {
	return aggregator.DailyUsage{
		AccountID:    "acct-1",
		ServiceID:    service,
		ServiceName:  service,
		UsageDate:    day0.AddDate(0, 0, day),
		ResourceType: rt,
		Cost:         cost,
		ResourceID:   resource,
		Tags:         map[string]string{normalizer.OwnerTag: owner},
		Children: []aggregator.ResourceBreakdown{{
			ResourceID:  resource,
			Cost:        cost,
			Utilization: util,
			Owner:       owner,
		}},
	}
}

func derive(t *testing.T, rows []aggregator.DailyUsage) []Recommendation {
	t.Helper()
	found, err := anomaly.NewDetector(anomaly.DefaultConfig(), nil).Detect(context.Background(), rows, nil)
	require.NoError(t, err)
	return NewDeriver(DefaultConfig(), nil).Derive(rows, found, nil)
}

func TestDeriveIdleComputeResize(t *testing.T) {
	var rows []aggregator.DailyUsage
	for d := 0; d < 10; d++ {
		rows = append(rows, row("i-prod-web01", normalizer.ResourceCompute, "aws-ec2", d, 15, 0.07, "team:web"))
	}
	recs := derive(t, rows)

	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, TypeResize, r.Type)
	assert.Equal(t, ID("i-prod-web01", TypeResize), r.ID)
	assert.Equal(t, 450.0, r.CurrentMonthlyCost)
	assert.Equal(t, 270.0, r.ProjectedSavingsMonthly)
	assert.Equal(t, anomaly.SeverityCritical, r.Severity)
	assert.Equal(t, SourceAnomaly, r.Source)
	assert.NotEmpty(t, r.AnomalyID)
}

func TestDeriveIdleSeatRule(t *testing.T) {
	recs := derive(t, []aggregator.DailyUsage{
		row("slack-license", normalizer.ResourceSaaSSeat, "saas-slack", 0, 0.40, 0, "team:it"),
	})

	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, TypeTerminate, r.Type)
	assert.Equal(t, SourceRule, r.Source)
	assert.Equal(t, 12.0, r.CurrentMonthlyCost)
	assert.Equal(t, 12.0, r.ProjectedSavingsMonthly)
	assert.Equal(t, anomaly.SeverityMedium, r.Severity)
}

func TestDeriveIdleSeatNeedsEveryDayIdle(t *testing.T) {
	recs := derive(t, []aggregator.DailyUsage{
		row("slack-license", normalizer.ResourceSaaSSeat, "saas-slack", 0, 0.40, 0, "team:it"),
		row("slack-license", normalizer.ResourceSaaSSeat, "saas-slack", 1, 0.40, 0.2, "team:it"),
	})
	assert.Empty(t, recs)
}

func TestDeriveIdleSeatMinDays(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleSeatMinDays = 90
	rows := []aggregator.DailyUsage{row("slack-license", normalizer.ResourceSaaSSeat, "saas-slack", 0, 0.40, 0, "team:it")}
	assert.Empty(t, NewDeriver(cfg, nil).Derive(rows, nil, nil))
}

func TestDeriveUntaggedReconfigure(t *testing.T) {
	recs := derive(t, []aggregator.DailyUsage{
		row("bucket", normalizer.ResourceStorage, "aws-s3", 0, 2, 0, normalizer.UnknownOwner),
	})

	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, TypeReconfigure, r.Type)
	assert.Equal(t, 0.0, r.ProjectedSavingsMonthly)
	assert.Equal(t, 60.0, r.CurrentMonthlyCost)
	assert.Equal(t, SourceAnomaly, r.Source, "anomaly wins a same-severity tie with the rule")
}

func TestDeriveSpikeReview(t *testing.T) {
	var rows []aggregator.DailyUsage
	for d, c := range []float64{10, 11, 9, 10, 10, 11, 9, 10, 60} {
		rows = append(rows, row("i-batch", normalizer.ResourceCompute, "aws-ec2", d, c, 0.8, "team:data"))
	}
	recs := derive(t, rows)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeReview, recs[0].Type)
	assert.Equal(t, 0.0, recs[0].ProjectedSavingsMonthly)
}

func TestReconcile(t *testing.T) {
	t1 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	derived := []Recommendation{
		{ID: "rec-a", ResourceID: "a", Type: TypeTerminate, CurrentMonthlyCost: 12},
		{ID: "rec-b", ResourceID: "b", Type: TypeResize, CurrentMonthlyCost: 100},
		{ID: "rec-c", ResourceID: "c", Type: TypeResize, CurrentMonthlyCost: 100},
	}

	first := Reconcile(nil, derived, t1)
	require.Len(t, first, 3)
	for _, r := range first {
		assert.Equal(t, StatusPending, r.Status)
		assert.Equal(t, t1, r.CreatedAt)
	}

	existing := map[string]Recommendation{}
	for _, r := range first {
		existing[r.ID] = r
	}
	accepted := existing["rec-b"]
	accepted.Status = StatusAccepted
	existing["rec-b"] = accepted

	derived[2].CurrentMonthlyCost = 90
	second := Reconcile(existing, derived, t2)
	require.Len(t, second, 2, "accepted recommendation is not rewritten")
	assert.Equal(t, "rec-a", second[0].ID)
	assert.Equal(t, t1, second[0].UpdatedAt, "unchanged pending keeps its timestamp")
	assert.Equal(t, "rec-c", second[1].ID)
	assert.Equal(t, t2, second[1].UpdatedAt)
	assert.Equal(t, t1, second[1].CreatedAt)
}

func TestCheckTransition(t *testing.T) {
	require.NoError(t, CheckTransition(StatusPending, StatusAccepted))
	require.NoError(t, CheckTransition(StatusPending, StatusRejected))
	require.NoError(t, CheckTransition(StatusAccepted, StatusApplied))

	for _, tc := range [][2]Status{
		{StatusAccepted, StatusPending},
		{StatusRejected, StatusAccepted},
		{StatusApplied, StatusPending},
		{StatusPending, StatusApplied},
	} {
		assert.ErrorIs(t, CheckTransition(tc[0], tc[1]), errs.ErrInvalidTransition, "%s -> %s", tc[0], tc[1])
	}
}
