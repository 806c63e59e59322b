// Package pipeline runs one aggregation batch end to end: normalize,
// deduplicate, aggregate, detect, derive, and commit everything in a
// single store transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/dedup"
	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/metrics"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
	"github.com/lvonguyen/cost-guardian/internal/store"
)

// Store is the persistence the pipeline needs.
type Store interface {
	UsageForResources(ctx context.Context, resourceIDs []string, from time.Time) ([]aggregator.DailyUsage, error)
	UsageByKeys(ctx context.Context, keys []aggregator.Key) (map[aggregator.Key]aggregator.DailyUsage, error)
	GetAnomalies(ctx context.Context, f store.AnomalyFilter) ([]anomaly.Anomaly, error)
	AnomaliesOwnedBy(ctx context.Context, keys []aggregator.Key) ([]anomaly.Anomaly, error)
	CommitBatch(ctx context.Context, b store.Batch) (store.CommitResult, error)
}

// Invalidator drops cached projections after a commit.
type Invalidator interface {
	Invalidate()
}

// Options carries the optional collaborators.
type Options struct {
	Metrics          *metrics.BatchMetrics
	Invalidators     []Invalidator
	Now              func() time.Time
	DeadLetterSample int
}

// Pipeline wires the stages together.
type Pipeline struct {
	aggregator *aggregator.Aggregator
	detector   *anomaly.Detector
	deriver    *recommend.Deriver
	store      Store
	metrics    *metrics.BatchMetrics
	invalidate []Invalidator
	now        func() time.Time
	sample     int
	logger     *zap.Logger
}

// New creates a pipeline.
func New(agg *aggregator.Aggregator, det *anomaly.Detector, der *recommend.Deriver, st Store, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sample := opts.DeadLetterSample
	if sample <= 0 {
		sample = 5
	}
	return &Pipeline{
		aggregator: agg,
		detector:   det,
		deriver:    der,
		store:      st,
		metrics:    opts.Metrics,
		invalidate: opts.Invalidators,
		now:        now,
		sample:     sample,
		logger:     logger,
	}
}

// Run processes one batch of raw records. Malformed records and
// unresolvable groups degrade the batch without failing it; any store
// failure fails the whole batch and nothing is written.
func (p *Pipeline) Run(ctx context.Context, raw []normalizer.RawUsageRecord) (Summary, error) {
	started := p.now()
	summary, err := p.run(ctx, raw)
	summary.Duration = p.now().Sub(started)
	p.metrics.Batch(err, summary.Duration, summary.TotalCost)
	if err != nil {
		p.logger.Error("Batch failed", zap.Int("records", len(raw)), zap.Error(err))
		return summary, err
	}

	for _, inv := range p.invalidate {
		inv.Invalidate()
	}

	fields := []zap.Field{
		zap.Int("records", summary.RecordsIn),
		zap.Int("rejected", summary.RejectedTotal()),
		zap.Int("duplicates_dropped", summary.DuplicatesDropped),
		zap.Int("dead_letters", summary.DeadLetters),
		zap.Int("rows_written", summary.RowsWritten),
		zap.Int("anomalies", summary.Anomalies),
		zap.Int("recommendations", summary.Recommendations),
		zap.Float64("total_cost", summary.TotalCost),
	}
	if summary.Degraded() {
		p.logger.Warn("Batch completed with warnings", append(fields, zap.Int("warnings", summary.Warnings))...)
	} else {
		p.logger.Info("Batch completed", fields...)
	}
	return summary, nil
}

func (p *Pipeline) run(ctx context.Context, raw []normalizer.RawUsageRecord) (Summary, error) {
	summary := Summary{RecordsIn: len(raw), Rejected: map[string]int{}}

	normalized := make([]normalizer.NormalizedRecord, 0, len(raw))
	for i, r := range raw {
		rec, err := normalizer.Normalize(r)
		if err != nil {
			reason := errs.Reason(err)
			if reason == "" {
				return summary, fmt.Errorf("normalize record %d: %w", i, err)
			}
			summary.Rejected[reason]++
			p.logger.Debug("Record rejected",
				zap.Int("index", i),
				zap.String("reason", reason),
				zap.String("resource_id", r.ResourceID),
				zap.Error(err),
			)
			continue
		}
		normalized = append(normalized, rec)
	}
	for reason, n := range summary.Rejected {
		p.metrics.Records(metrics.OutcomeRejected, reason, n)
	}

	deduped := dedup.Deduplicate(normalized)
	for _, r := range deduped {
		summary.DuplicatesDropped += r.DuplicatesDropped
	}
	summary.Accepted = len(normalized) - summary.DuplicatesDropped
	p.metrics.Records(metrics.OutcomeAccepted, "", summary.Accepted)
	p.metrics.Records(metrics.OutcomeDuplicate, "", summary.DuplicatesDropped)

	result, err := p.aggregator.Aggregate(ctx, deduped)
	if err != nil {
		return summary, err
	}
	summary.DeadLetters = len(result.DeadLetters)
	for i, dl := range result.DeadLetters {
		if i == p.sample {
			break
		}
		summary.DeadLetterKeys = append(summary.DeadLetterKeys, dl.Key())
	}
	p.metrics.DeadLetters(summary.DeadLetters)

	batch, err := p.derive(ctx, result.Rows)
	if err != nil {
		return summary, err
	}
	batch.DeadLetters = result.DeadLetters
	batch.Now = p.now().UTC()

	committed, err := p.store.CommitBatch(ctx, batch)
	if err != nil {
		var integrity *errs.IntegrityError
		if errors.As(err, &integrity) {
			return summary, err
		}
		return summary, fmt.Errorf("commit batch: %w", err)
	}

	summary.RowsWritten = committed.Rows
	summary.Anomalies = len(batch.Anomalies)
	summary.Recommendations = len(batch.Recommendations)
	summary.RecommendationsWritten = committed.Recommendations
	summary.Warnings = summary.RejectedTotal() + summary.DeadLetters

	total := decimal.Zero
	for _, r := range result.Rows {
		total = total.Add(decimal.NewFromFloat(r.Cost))
	}
	summary.TotalCost = total.Round(2).InexactFloat64()

	p.metrics.RowsWritten(committed.Rows)
	for _, a := range batch.Anomalies {
		p.metrics.Anomaly(string(a.Type), string(a.Severity))
	}
	for _, r := range batch.Recommendations {
		p.metrics.Recommendation(string(r.Type))
	}
	return summary, nil
}

// derive runs detection and recommendation over the batch rows plus the
// stored history of every resource they touch, and decides which rows
// need writing.
func (p *Pipeline) derive(ctx context.Context, rows []aggregator.DailyUsage) (store.Batch, error) {
	resources := touchedResources(rows)
	if len(resources) == 0 {
		return store.Batch{}, nil
	}

	lookback := max(p.detector.Config().WindowDays, p.deriver.Config().IdleSeatLookbackDays, p.deriver.Config().CostWindowDays)
	from := earliest(rows).AddDate(0, 0, -lookback)
	history, err := p.store.UsageForResources(ctx, resources, from)
	if err != nil {
		return store.Batch{}, fmt.Errorf("load history: %w", err)
	}

	merged := make(map[aggregator.Key]aggregator.DailyUsage, len(history)+len(rows))
	stored := make(map[aggregator.Key]aggregator.DailyUsage, len(history))
	for _, h := range history {
		merged[h.Key()] = h
		stored[h.Key()] = h
	}
	batchKeys := make(map[aggregator.Key]bool, len(rows))
	for _, r := range rows {
		merged[r.Key()] = r
		batchKeys[r.Key()] = true
	}
	all := sortedRows(merged)

	found, err := p.detector.Detect(ctx, all, resources)
	if err != nil {
		return store.Batch{}, fmt.Errorf("detect anomalies: %w", err)
	}
	recs := p.deriver.Derive(all, found, resources)

	// Rows whose flag may change: batch rows, owners of the anomalies being
	// superseded, owners of the fresh ones.
	previous, err := p.store.GetAnomalies(ctx, store.AnomalyFilter{ResourceIDs: resources})
	if err != nil {
		return store.Batch{}, fmt.Errorf("load anomalies: %w", err)
	}
	candidates := make(map[aggregator.Key]bool, len(rows))
	for k := range batchKeys {
		candidates[k] = true
	}
	for _, set := range [][]anomaly.Anomaly{previous, found} {
		for _, a := range set {
			if k, ok := parseKey(a.DailyUsageID); ok {
				candidates[k] = true
			}
		}
	}

	var missing []aggregator.Key
	for k := range candidates {
		if _, ok := merged[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		extra, err := p.store.UsageByKeys(ctx, missing)
		if err != nil {
			return store.Batch{}, fmt.Errorf("load flagged rows: %w", err)
		}
		for k, r := range extra {
			merged[k] = r
			stored[k] = r
		}
	}

	keys := make([]aggregator.Key, 0, len(candidates))
	for k := range candidates {
		if _, ok := merged[k]; ok {
			keys = append(keys, k)
		}
	}

	// Anomalies of other resources still attached to these rows keep
	// counting towards their flag.
	owned, err := p.store.AnomaliesOwnedBy(ctx, keys)
	if err != nil {
		return store.Batch{}, fmt.Errorf("load row anomalies: %w", err)
	}
	inBatch := make(map[string]bool, len(resources))
	for _, id := range resources {
		inBatch[id] = true
	}
	flagSet := append([]anomaly.Anomaly(nil), found...)
	for _, a := range owned {
		if !inBatch[a.ResourceID] {
			flagSet = append(flagSet, a)
		}
	}

	out := make([]aggregator.DailyUsage, 0, len(keys))
	for _, k := range keys {
		out = append(out, merged[k])
	}
	anomaly.Flag(out, flagSet)

	write := out[:0]
	for _, r := range out {
		prev, wasStored := stored[r.Key()]
		if batchKeys[r.Key()] || !wasStored || !r.SameContent(prev) {
			write = append(write, r)
		}
	}
	sortByKey(write)

	prior, err := p.store.UsageByKeys(ctx, keysOf(write))
	if err != nil {
		return store.Batch{}, fmt.Errorf("load prior rows: %w", err)
	}
	aggregator.Finalize(write, prior, p.now())

	return store.Batch{
		Rows:            write,
		Resources:       resources,
		Anomalies:       found,
		Recommendations: recs,
	}, nil
}

func touchedResources(rows []aggregator.DailyUsage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rows {
		for _, c := range r.Children {
			if !seen[c.ResourceID] {
				seen[c.ResourceID] = true
				out = append(out, c.ResourceID)
			}
		}
	}
	sort.Strings(out)
	return out
}

func earliest(rows []aggregator.DailyUsage) time.Time {
	first := rows[0].UsageDate
	for _, r := range rows[1:] {
		if r.UsageDate.Before(first) {
			first = r.UsageDate
		}
	}
	return first
}

func sortedRows(m map[aggregator.Key]aggregator.DailyUsage) []aggregator.DailyUsage {
	out := make([]aggregator.DailyUsage, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sortByKey(out)
	return out
}

func sortByKey(rows []aggregator.DailyUsage) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key().String() < rows[j].Key().String()
	})
}

func keysOf(rows []aggregator.DailyUsage) []aggregator.Key {
	out := make([]aggregator.Key, len(rows))
	for i, r := range rows {
		out[i] = r.Key()
	}
	return out
}
