package projector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
)

// Snapshot is the input shared by every view.
type Snapshot struct {
	Rows            []aggregator.DailyUsage
	Anomalies       []anomaly.Anomaly
	Recommendations []recommend.Recommendation
}

// ITView is the operations dashboard: utilization and anomalies.
type ITView struct {
	Metrics           []Metric          `json:"metrics"`
	Scatter           []ScatterPoint    `json:"scatter"`
	OpenAnomalies     []anomaly.Anomaly `json:"open_anomalies"`
	IdleResources     int               `json:"idle_resources"`
	AvgUtilizationPct float64           `json:"avg_utilization_pct"`
}

// BuildIT assembles the IT view.
func BuildIT(s Snapshot, f MetricFilter) ITView {
	v := ITView{
		Metrics:       Metrics(s.Rows, f),
		Scatter:       AnomalyScatter(s.Rows, s.Anomalies),
		OpenAnomalies: make([]anomaly.Anomaly, 0),
	}
	idle := make(map[string]bool)
	for _, a := range s.Anomalies {
		if a.Status == anomaly.StatusResolved {
			continue
		}
		v.OpenAnomalies = append(v.OpenAnomalies, a)
		if a.Type == anomaly.TypeSustainedIdle {
			idle[a.ResourceID] = true
		}
	}
	v.IdleResources = len(idle)
	if len(v.Scatter) > 0 {
		var sum float64
		for _, p := range v.Scatter {
			sum += p.UtilizationPct
		}
		v.AvgUtilizationPct = round(sum/float64(len(v.Scatter)), 2)
	}
	return v
}

// FinanceView is the spend dashboard: trend, allocation and forecast.
type FinanceView struct {
	TotalCost  float64          `json:"total_cost"`
	Trend      []TrendPoint     `json:"trend"`
	Allocation []AllocationNode `json:"allocation"`
	Governance Governance       `json:"governance"`
	Savings    Savings          `json:"savings"`
	Forecast   *Forecast        `json:"forecast,omitempty"`
	Variance   float64          `json:"variance_pct"`
}

// BuildFinance assembles the Finance view. With a nil forecaster the
// forecast is omitted. The forecast covers horizonDays days after the last
// trend point, and Variance compares the trailing horizon of actuals
// against it.
func BuildFinance(ctx context.Context, s Snapshot, fc Forecaster, horizonDays int) (FinanceView, error) {
	v := FinanceView{
		Trend:      CostTrend(s.Rows),
		Allocation: CostAllocation(s.Rows),
		Governance: GovernanceRatio(s.Rows),
		Savings:    SavingsSummary(s.Recommendations),
	}
	var total float64
	for _, p := range v.Trend {
		total += p.Cost
	}
	v.TotalCost = round(total, 4)

	if fc == nil || len(v.Trend) == 0 || horizonDays <= 0 {
		return v, nil
	}
	start := v.Trend[len(v.Trend)-1].Date.AddDate(0, 0, 1)
	end := start.AddDate(0, 0, horizonDays)
	f, err := fc.Forecast(ctx, v.Trend, start, end)
	if err != nil {
		return FinanceView{}, fmt.Errorf("forecast: %w", err)
	}
	v.Forecast = &f

	var recent float64
	cutoff := start.AddDate(0, 0, -horizonDays)
	for _, p := range v.Trend {
		if !p.Date.Before(cutoff) {
			recent += p.Cost
		}
	}
	v.Variance = Variance(recent, f)
	return v, nil
}

// MSPView is the multi-account dashboard.
type MSPView struct {
	Accounts   []AccountTotal `json:"accounts"`
	Governance Governance     `json:"governance"`
	Savings    Savings        `json:"savings"`
	Period     [2]time.Time   `json:"period"`
}

// BuildMSP assembles the MSP view.
func BuildMSP(s Snapshot) MSPView {
	v := MSPView{
		Accounts:   AccountTotals(s.Rows, s.Anomalies, s.Recommendations),
		Governance: GovernanceRatio(s.Rows),
		Savings:    SavingsSummary(s.Recommendations),
	}
	if len(s.Rows) > 0 {
		dates := make([]time.Time, 0, len(s.Rows))
		for _, r := range s.Rows {
			dates = append(dates, r.UsageDate.UTC())
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		v.Period = [2]time.Time{dates[0], dates[len(dates)-1]}
	}
	return v
}
