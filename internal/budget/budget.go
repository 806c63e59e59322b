// Package budget compares month-to-date spend with budget limits.
package budget

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/config"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// ScopeAll matches every row.
const ScopeAll = "all"

// Limit is a monthly budget for a scope. Scope matches an account ID,
// service ID, service name or owner tag.
type Limit struct {
	Name         string  `json:"name"`
	Scope        string  `json:"scope"`
	MonthlyLimit float64 `json:"monthly_limit"`
	AlertAt      []int   `json:"alert_at"`
	Source       string  `json:"source"`
}

// Status is a budget's month-to-date position.
type Status struct {
	Limit
	CurrentSpend  float64 `json:"current_spend"`
	ForecastSpend float64 `json:"forecast_spend"`
	PercentUsed   float64 `json:"percent_used"`
}

// Alert is raised for the highest threshold a budget has crossed.
type Alert struct {
	BudgetName   string    `json:"budget_name"`
	Scope        string    `json:"scope"`
	BudgetLimit  float64   `json:"budget_limit"`
	CurrentSpend float64   `json:"current_spend"`
	PercentUsed  float64   `json:"percent_used"`
	Threshold    int       `json:"threshold"`
	Severity     string    `json:"severity"`
	AlertedAt    time.Time `json:"alerted_at"`
}

// FromConfig converts configured budgets.
func FromConfig(budgets []config.Budget) []Limit {
	out := make([]Limit, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, Limit{
			Name:         b.Name,
			Scope:        b.Scope,
			MonthlyLimit: b.MonthlyLimit,
			AlertAt:      b.AlertAt,
			Source:       "config",
		})
	}
	return out
}

// MonthStart returns the first day of now's month.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Check computes the status of each limit against rows in now's month.
// Spend is net of credits. The forecast extends the daily run rate to the
// end of the month.
func Check(rows []aggregator.DailyUsage, limits []Limit, now time.Time) []Status {
	start := MonthStart(now)
	end := start.AddDate(0, 1, 0)
	elapsed := int(now.UTC().Sub(start).Hours()/24) + 1
	monthDays := int(end.Sub(start).Hours() / 24)

	out := make([]Status, 0, len(limits))
	for _, l := range limits {
		spend := decimal.Zero
		for _, r := range rows {
			if r.UsageDate.Before(start) || !r.UsageDate.Before(end) || !matches(l.Scope, r) {
				continue
			}
			spend = spend.Add(decimal.NewFromFloat(r.Cost))
		}
		st := Status{Limit: l, CurrentSpend: spend.Round(2).InexactFloat64()}
		st.ForecastSpend = spend.Div(decimal.NewFromInt(int64(elapsed))).
			Mul(decimal.NewFromInt(int64(monthDays))).Round(2).InexactFloat64()
		if l.MonthlyLimit > 0 {
			st.PercentUsed = spend.Div(decimal.NewFromFloat(l.MonthlyLimit)).
				Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
		}
		out = append(out, st)
	}
	return out
}

// Alerts returns one alert per budget at the highest threshold reached.
func Alerts(statuses []Status, now time.Time) []Alert {
	alerts := make([]Alert, 0)
	for _, st := range statuses {
		thresholds := append([]int(nil), st.AlertAt...)
		sort.Sort(sort.Reverse(sort.IntSlice(thresholds)))
		for _, at := range thresholds {
			if st.PercentUsed < float64(at) {
				continue
			}
			alerts = append(alerts, Alert{
				BudgetName:   st.Name,
				Scope:        st.Scope,
				BudgetLimit:  st.MonthlyLimit,
				CurrentSpend: st.CurrentSpend,
				PercentUsed:  st.PercentUsed,
				Threshold:    at,
				Severity:     severity(at),
				AlertedAt:    now,
			})
			break
		}
	}
	return alerts
}

func severity(threshold int) string {
	switch {
	case threshold >= 90:
		return "high"
	case threshold >= 75:
		return "medium"
	case threshold >= 50:
		return "low"
	default:
		return "info"
	}
}

func matches(scope string, r aggregator.DailyUsage) bool {
	if scope == "" || strings.EqualFold(scope, ScopeAll) {
		return true
	}
	return scope == r.AccountID ||
		scope == r.ServiceID ||
		strings.EqualFold(scope, r.ServiceName) ||
		scope == r.Tags[normalizer.OwnerTag]
}
