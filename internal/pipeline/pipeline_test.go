package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/metrics"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
	"github.com/lvonguyen/cost-guardian/internal/projector"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
	"github.com/lvonguyen/cost-guardian/internal/store"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type counter struct{ n int }

func (c *counter) Invalidate() { c.n++ }

type harness struct {
	db       *store.DB
	pipeline *Pipeline
	clock    *clock
	inv      *counter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(store.Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "costs.db"), LogLevel: "silent"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{db: db, clock: &clock{t: time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)}, inv: &counter{}}
	h.pipeline = New(
		aggregator.New(aggregator.DefaultCatalog(), aggregator.Config{Workers: 2}, nil),
		anomaly.NewDetector(anomaly.DefaultConfig(), nil),
		recommend.NewDeriver(recommend.DefaultConfig(), nil),
		db,
		Options{Metrics: metrics.New(), Invalidators: []Invalidator{h.inv}, Now: h.clock.now},
		zap.NewNop(),
	)
	return h
}

func raw(account, service, resource string, day int, cost, util float64, owner string) normalizer.RawUsageRecord {
	u := normalizer.NewNumber(util)
	r := normalizer.RawUsageRecord{
		AccountID:        account,
		ServiceName:      service,
		ResourceID:       resource,
		Timestamp:        day0.AddDate(0, 0, day).Add(10 * time.Hour).Format(time.RFC3339),
		Cost:             normalizer.NewNumber(cost),
		UsageQuantity:    normalizer.NewNumber(24),
		UtilizationScore: &u,
		Region:           "us-east-1",
	}
	if owner != "" {
		r.Tags = map[string]string{"owner": owner}
	}
	return r
}

func sample() []normalizer.RawUsageRecord {
	return []normalizer.RawUsageRecord{
		raw("acct-1", "Amazon EC2", "i-prod-web01", 0, 15, 0.07, "team:web"),
		raw("acct-1", "Amazon EC2", "i-prod-web01", 1, 15, 0.07, "team:web"),
		raw("acct-1", "Amazon RDS", "rds-db-alpha", 0, 8, 0.55, "team:data"),
		raw("acct-1", "Slack License", "slack-license", 0, 0.40, 0, "team:it"),
		raw("acct-1", "Amazon EC2", "i-batch-etl05", 0, 20, 0.98, "team:data"),
		raw("acct-1", "Amazon S3", "s3-backup-archive", 0, 0.05, 0.01, "team:data"),
	}
}

func TestEndToEndSample(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	summary, err := h.pipeline.Run(ctx, sample())
	require.NoError(t, err)
	assert.Equal(t, 6, summary.RecordsIn)
	assert.Equal(t, 6, summary.Accepted)
	assert.Equal(t, 5, summary.RowsWritten)
	assert.Zero(t, summary.Anomalies)
	assert.Equal(t, 1, summary.Recommendations)
	assert.Equal(t, 58.45, summary.TotalCost)
	assert.False(t, summary.Degraded())
	assert.Equal(t, 1, h.inv.n)

	rows, err := h.db.GetUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, 0.0, projector.GovernanceRatio(rows).UntaggedPct)

	recs, err := h.db.GetRecommendations(ctx, store.RecommendationFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, recommend.TypeTerminate, recs[0].Type)
	assert.Equal(t, "slack-license", recs[0].ResourceID)
	assert.Equal(t, 12.0, recs[0].CurrentMonthlyCost)
	assert.Equal(t, recs[0].CurrentMonthlyCost, recs[0].ProjectedSavingsMonthly)
	assert.Equal(t, recommend.StatusPending, recs[0].Status)
}

func TestRerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.clock.t

	_, err := h.pipeline.Run(ctx, sample())
	require.NoError(t, err)
	before, err := h.db.GetUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)

	h.clock.t = first.Add(24 * time.Hour)
	_, err = h.pipeline.Run(ctx, sample())
	require.NoError(t, err)
	after, err := h.db.GetUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)

	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].SameContent(after[i]), after[i].Key().String())
		assert.True(t, first.Equal(after[i].LastUpdated), "unchanged rows keep their timestamp")
	}

	recs, err := h.db.GetRecommendations(ctx, store.RecommendationFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, first.Equal(recs[0].UpdatedAt))
}

func TestAcceptedRecommendationSurvivesRerun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.pipeline.Run(ctx, sample())
	require.NoError(t, err)
	recs, err := h.db.GetRecommendations(ctx, store.RecommendationFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = h.db.UpdateRecommendationStatus(ctx, recs[0].ID, recommend.StatusAccepted, h.clock.t)
	require.NoError(t, err)

	_, err = h.pipeline.Run(ctx, sample())
	require.NoError(t, err)

	recs, err = h.db.GetRecommendations(ctx, store.RecommendationFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, recommend.StatusAccepted, recs[0].Status)
}

func TestIdleAnomalyMovesWithTheWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var batch []normalizer.RawUsageRecord
	for d := range 10 {
		batch = append(batch, raw("acct-1", "Amazon EC2", "i-prod-web01", d, 15, 0.07, "team:web"))
	}
	for range 2 {
		summary, err := h.pipeline.Run(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Anomalies)
	}

	found, err := h.db.GetAnomalies(ctx, store.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1, "reruns do not duplicate anomalies")
	assert.Equal(t, anomaly.TypeSustainedIdle, found[0].Type)
	assert.Equal(t, anomaly.SeverityCritical, found[0].Severity)
	assert.Equal(t, 450.0, found[0].PredictedSavings)

	flagged, err := h.db.GetUsage(ctx, store.UsageFilter{Start: day0.AddDate(0, 0, 9)})
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.True(t, flagged[0].AnomalyFlag)
	assert.Equal(t, 0.3, flagged[0].AnomalyScore)

	// A later day supersedes the anomaly and moves the flag.
	summary, err := h.pipeline.Run(ctx, []normalizer.RawUsageRecord{
		raw("acct-1", "Amazon EC2", "i-prod-web01", 10, 15, 0.07, "team:web"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.RowsWritten, "new day plus the previously flagged day")

	found, err = h.db.GetAnomalies(ctx, store.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, day0.AddDate(0, 0, 10), found[0].WindowEnd)

	rows, err := h.db.GetUsage(ctx, store.UsageFilter{Start: day0.AddDate(0, 0, 9)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].AnomalyFlag, "day 10 owns the anomaly")
	assert.False(t, rows[1].AnomalyFlag, "day 9 is cleared")

	recs, err := h.db.GetRecommendations(ctx, store.RecommendationFilter{Type: recommend.TypeResize})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 270.0, recs[0].ProjectedSavingsMonthly)
}

func TestDegradedBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	batch := append(sample(),
		raw("", "Amazon EC2", "i-x", 0, 1, 0.5, ""),
		raw("acct-1", "Mystery Service", "m-1", 0, 3, 0, ""),
	)
	dup := raw("acct-1", "Amazon RDS", "rds-db-alpha", 0, 8, 0.55, "team:data")
	batch = append(batch, dup)

	summary, err := h.pipeline.Run(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{errs.ReasonMissingRequiredField: 1}, summary.Rejected)
	assert.Equal(t, 1, summary.DuplicatesDropped)
	assert.Equal(t, 1, summary.DeadLetters)
	assert.Equal(t, []string{"acct-1|Mystery Service|2024-03-01"}, summary.DeadLetterKeys)
	assert.Equal(t, 2, summary.Warnings)
	assert.True(t, summary.Degraded())
	assert.Equal(t, 5, summary.RowsWritten)

	parked, err := h.db.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "m-1", parked[0].Records[0].ResourceID)
}

func TestUndecodableRecordDegradesBatch(t *testing.T) {
	h := newHarness(t)

	batch := append(sample(), normalizer.RawUsageRecord{DecodeErr: errors.New("line 7: cannot unmarshal number")})
	summary, err := h.pipeline.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{errs.ReasonMalformedRecord: 1}, summary.Rejected)
	assert.Equal(t, 6, summary.Accepted)
	assert.Equal(t, 5, summary.RowsWritten)
	assert.Equal(t, 1, summary.Warnings)
	assert.True(t, summary.Degraded())
}

type failingStore struct {
	*store.DB
}

func (f failingStore) CommitBatch(context.Context, store.Batch) (store.CommitResult, error) {
	return store.CommitResult{}, &errs.IntegrityError{Key: "acct-1|aws-ec2|2024-03-01", Err: errors.New("boom")}
}

func TestCommitFailureFailsBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.pipeline.store = failingStore{h.db}

	_, err := h.pipeline.Run(ctx, sample())
	var integrity *errs.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Zero(t, h.inv.n, "cache survives a failed batch")

	rows, err := h.db.GetUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEmptyBatch(t *testing.T) {
	h := newHarness(t)
	summary, err := h.pipeline.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, summary.RowsWritten)
	assert.False(t, summary.Degraded())
}

func TestParseKey(t *testing.T) {
	k := aggregator.Key{AccountID: "acct|odd", ServiceID: "aws-ec2", UsageDate: "2024-03-01"}
	got, ok := parseKey(k.String())
	require.True(t, ok)
	assert.Equal(t, k, got)

	_, ok = parseKey("nope")
	assert.False(t, ok)
}
