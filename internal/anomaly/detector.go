// Package anomaly provides cost anomaly detection over DailyUsage rows.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

const daysPerMonth = 30

// Detector performs anomaly detection on cost data
type Detector struct {
	config Config
	logger *zap.Logger
}

// NewDetector creates a new anomaly detector
func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Detector{config: cfg, logger: logger}
}

// Config returns the detector's thresholds.
func (d *Detector) Config() Config { return d.config }

// Detect analyzes rows for anomalies. When resources is non-empty only
// those resources are examined. Output is ordered by severity (highest
// first), then ID.
func (d *Detector) Detect(ctx context.Context, rows []aggregator.DailyUsage, resources []string) ([]Anomaly, error) {
	series := Series(rows)

	ids := resources
	if len(ids) == 0 {
		ids = make([]string, 0, len(series))
		for id := range series {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	found := make([][]Anomaly, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)
	for i, id := range ids {
		points := series[id]
		if len(points) == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found[i] = d.DetectResource(points)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("detect anomalies: %w", err)
	}

	var anomalies []Anomaly
	for _, f := range found {
		anomalies = append(anomalies, f...)
	}

	// Sort by severity
	sort.Slice(anomalies, func(i, j int) bool {
		ri, rj := anomalies[i].Severity.Rank(), anomalies[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return anomalies[i].ID < anomalies[j].ID
	})

	d.logger.Debug("Anomaly detection complete",
		zap.Int("resources", len(ids)),
		zap.Int("anomalies", len(anomalies)),
	)
	return anomalies, nil
}

// DetectResource runs every check over one resource's date-ordered series.
func (d *Detector) DetectResource(series []Point) []Anomaly {
	if len(series) == 0 {
		return nil
	}
	window, start, end := trailing(series, d.config.WindowDays)
	latest := window[len(window)-1]

	var out []Anomaly
	if a, ok := d.checkSpike(window); ok {
		out = append(out, a)
	}
	if a, ok := d.checkIdle(window); ok {
		out = append(out, a)
	}
	if a, ok := d.checkUntagged(window); ok {
		out = append(out, a)
	}
	for i := range out {
		out[i].ID = ID(latest.ResourceID, out[i].Type, end)
		out[i].WindowStart = start
		out[i].WindowEnd = end
		out[i].Status = StatusNew
		if out[i].DailyUsageID == "" {
			out[i].DailyUsageID = latest.Row.String()
		}
		out[i].AccountID = latest.AccountID
		out[i].ServiceID = latest.ServiceID
		out[i].ServiceName = latest.ServiceName
		out[i].ResourceID = latest.ResourceID
		out[i].ResourceType = latest.ResourceType
		out[i].Owner = latest.Owner
	}
	return out
}

// checkSpike flags the day whose cost exceeds the mean of the preceding
// days by more than SpikeStdDevs standard deviations and SpikeMinDelta
// dollars. When several days qualify the largest excess wins.
func (d *Detector) checkSpike(window []Point) (Anomaly, bool) {
	var best Anomaly
	found := false
	bestDelta := 0.0

	for i := d.config.MinBaselineDays; i < len(window); i++ {
		baseline := make([]float64, i)
		for j := 0; j < i; j++ {
			baseline[j] = window[j].Cost
		}
		mean, stdDev := calculateStats(baseline)
		p := window[i]
		delta := p.Cost - mean
		if p.Cost <= mean+d.config.SpikeStdDevs*stdDev || delta <= d.config.SpikeMinDelta {
			continue
		}
		if found && delta <= bestDelta {
			continue
		}
		waste := round2(delta * daysPerMonth)
		best = Anomaly{
			Type:             TypeCostSpike,
			DailyUsageID:     p.Row.String(),
			Severity:         d.config.Severity.Classify(waste, nil),
			PredictedSavings: waste,
			MonthlyCost:      round2(p.Cost * daysPerMonth),
			Utilization:      p.Utilization,
			ActualCost:       p.Cost,
			ExpectedCost:     round2(mean),
			Score:            round2(delta / p.Cost),
			Reason:           determineReason(p.Cost, mean),
		}
		bestDelta = delta
		found = true
	}
	return best, found
}

// checkIdle flags the most recent run of calendar-consecutive days where
// utilization stays under IdleUtilization while cost stays above
// IdleMinDailyCost, if the run is at least IdleMinDays long.
func (d *Detector) checkIdle(window []Point) (Anomaly, bool) {
	switch window[0].ResourceType {
	case normalizer.ResourceCompute, normalizer.ResourceDB, normalizer.ResourceSaaSSeat:
	default:
		return Anomaly{}, false
	}

	idle := func(p Point) bool {
		return p.Utilization < d.config.IdleUtilization && p.Cost > d.config.IdleMinDailyCost
	}

	var best []Point
	var run []Point
	for i, p := range window {
		if !idle(p) {
			run = nil
			continue
		}
		if len(run) > 0 && !window[i-1].Date.AddDate(0, 0, 1).Equal(p.Date) {
			run = nil
		}
		run = append(run, p)
		if len(run) >= d.config.IdleMinDays {
			best = run
		}
	}
	if best == nil {
		return Anomaly{}, false
	}

	var costSum, utilSum float64
	for _, p := range best {
		costSum += p.Cost
		utilSum += p.Utilization
	}
	avgCost := costSum / float64(len(best))
	// Severity sees the exact mean; only the stored value is rounded.
	avgUtil := utilSum / float64(len(best))
	waste := round2(avgCost * daysPerMonth)

	score := 1.0
	if d.config.IdleUtilization > 0 {
		score = math.Max(0, 1-avgUtil/d.config.IdleUtilization)
	}
	return Anomaly{
		Type:             TypeSustainedIdle,
		Severity:         d.config.Severity.Classify(waste, &avgUtil),
		PredictedSavings: waste,
		MonthlyCost:      waste,
		Utilization:      round2(avgUtil),
		ActualCost:       round2(avgCost),
		ExpectedCost:     round2(avgCost),
		Score:            round2(score),
		Reason:           fmt.Sprintf("Utilization averaged %.0f%% for %d consecutive days at $%.2f/day", avgUtil*100, len(best), avgCost),
	}, true
}

// checkUntagged flags spend that carried the sentinel owner on every
// observed day of the window.
func (d *Detector) checkUntagged(window []Point) (Anomaly, bool) {
	var costSum float64
	for _, p := range window {
		if p.Owner != normalizer.UnknownOwner {
			return Anomaly{}, false
		}
		costSum += p.Cost
	}
	if costSum <= 0 {
		return Anomaly{}, false
	}
	avgCost := costSum / float64(len(window))
	monthly := round2(avgCost * daysPerMonth)
	return Anomaly{
		Type:         TypeUntaggedSpend,
		Severity:     d.config.Severity.Classify(monthly, nil),
		MonthlyCost:  monthly,
		ActualCost:   round2(avgCost),
		ExpectedCost: round2(avgCost),
		Score:        1,
		Utilization:  window[len(window)-1].Utilization,
		Reason:       fmt.Sprintf("No owner tag on any of %d observed days", len(window)),
	}, true
}

// Flag sets AnomalyFlag and AnomalyScore on every row from the anomalies it
// owns. Rows owning none are cleared.
func Flag(rows []aggregator.DailyUsage, anomalies []Anomaly) {
	scores := make(map[string]float64)
	for _, a := range anomalies {
		if s, ok := scores[a.DailyUsageID]; !ok || a.Score > s {
			scores[a.DailyUsageID] = a.Score
		}
	}
	for i := range rows {
		s, ok := scores[rows[i].Key().String()]
		rows[i].AnomalyFlag = ok
		rows[i].AnomalyScore = 0
		if ok {
			rows[i].AnomalyScore = round2(s)
		}
	}
}

// calculateStats returns the population mean and standard deviation.
func calculateStats(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sumSqDiff float64
	for _, v := range values {
		sumSqDiff += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sumSqDiff / float64(len(values)))
}

// determineReason suggests possible reasons for the anomaly
func determineReason(actual, expected float64) string {
	if expected <= 0 {
		return "New spend with no prior baseline"
	}
	percentChange := (actual - expected) / expected * 100
	switch {
	case percentChange > 100:
		return "Significant cost spike - possible new workload or misconfiguration"
	case percentChange > 50:
		return "Notable increase - check for scaling events or new resources"
	default:
		return "Cost deviation from historical baseline"
	}
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
