package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/config"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

func row(account, service string, date time.Time, cost float64, owner string) aggregator.DailyUsage {
	return aggregator.DailyUsage{
		AccountID:   account,
		ServiceID:   service,
		ServiceName: service,
		UsageDate:   date,
		Cost:        cost,
		Tags:        map[string]string{normalizer.OwnerTag: owner},
	}
}

func TestCheck(t *testing.T) {
	now := time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)
	rows := []aggregator.DailyUsage{
		row("acct-1", "aws-ec2", time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), 500, "team:web"),
		row("acct-1", "aws-ec2", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), 100, "team:web"),
		row("acct-1", "aws-rds", time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC), 150, "team:data"),
		row("acct-2", "aws-ec2", time.Date(2024, 4, 9, 0, 0, 0, 0, time.UTC), 50, "team:web"),
		row("acct-2", "aws-ec2", time.Date(2024, 4, 9, 0, 0, 0, 0, time.UTC), -10, "team:web"),
	}
	limits := []Limit{
		{Name: "total", Scope: ScopeAll, MonthlyLimit: 1000},
		{Name: "acct-1", Scope: "acct-1", MonthlyLimit: 250},
		{Name: "web", Scope: "team:web", MonthlyLimit: 0},
		{Name: "ec2", Scope: "aws-ec2", MonthlyLimit: 280},
	}

	got := Check(rows, limits, now)
	require.Len(t, got, 4)

	assert.Equal(t, 290.0, got[0].CurrentSpend, "last month and credits are net")
	assert.Equal(t, 29.0, got[0].PercentUsed)
	assert.Equal(t, 870.0, got[0].ForecastSpend, "10 days elapsed of 30")

	assert.Equal(t, 250.0, got[1].CurrentSpend)
	assert.Equal(t, 100.0, got[1].PercentUsed)

	assert.Equal(t, 140.0, got[2].CurrentSpend)
	assert.Zero(t, got[2].PercentUsed, "no limit means no percentage")

	assert.Equal(t, 140.0, got[3].CurrentSpend)
	assert.Equal(t, 50.0, got[3].PercentUsed)
}

func TestAlertsUseHighestThreshold(t *testing.T) {
	now := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	statuses := []Status{
		{Limit: Limit{Name: "a", AlertAt: []int{50, 75, 90, 100}, MonthlyLimit: 100}, PercentUsed: 92},
		{Limit: Limit{Name: "b", AlertAt: []int{50, 75}, MonthlyLimit: 100}, PercentUsed: 40},
		{Limit: Limit{Name: "c", AlertAt: []int{25, 60}, MonthlyLimit: 100}, PercentUsed: 60},
	}

	alerts := Alerts(statuses, now)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a", alerts[0].BudgetName)
	assert.Equal(t, 90, alerts[0].Threshold)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, 60, alerts[1].Threshold)
	assert.Equal(t, "low", alerts[1].Severity)
	assert.Equal(t, []int{25, 60}, statuses[2].AlertAt, "thresholds are not reordered in place")
}

func TestFromConfig(t *testing.T) {
	limits := FromConfig([]config.Budget{{Name: "prod", Scope: "acct-1", MonthlyLimit: 5000, AlertAt: []int{80}}})
	require.Len(t, limits, 1)
	assert.Equal(t, Limit{Name: "prod", Scope: "acct-1", MonthlyLimit: 5000, AlertAt: []int{80}, Source: "config"}, limits[0])
}

func TestMonthStart(t *testing.T) {
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), MonthStart(time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC)))
}
