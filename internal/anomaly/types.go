package anomaly

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// Type is the kind of anomaly.
type Type string

const (
	TypeCostSpike     Type = "cost_spike"
	TypeSustainedIdle Type = "sustained_idle"
	TypeUntaggedSpend Type = "untagged_spend"
)

// Severity is ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the numeric order of s; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts any casing of the four severities.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Status is the anomaly lifecycle state.
type Status string

const (
	StatusNew          Status = "new"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

func (s Status) rank() int {
	switch s {
	case StatusNew:
		return 1
	case StatusAcknowledged:
		return 2
	case StatusResolved:
		return 3
	}
	return 0
}

// CheckTransition returns errs.ErrInvalidTransition unless to is strictly
// after from.
func CheckTransition(from, to Status) error {
	if to.rank() == 0 || to.rank() <= from.rank() {
		return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)
	}
	return nil
}

// Anomaly is a flagged pattern for one resource over a trailing window.
type Anomaly struct {
	ID               string                  `json:"id"`
	DailyUsageID     string                  `json:"daily_usage_id"`
	AccountID        string                  `json:"account_id"`
	ServiceID        string                  `json:"service_id"`
	ServiceName      string                  `json:"service_name"`
	ResourceID       string                  `json:"resource_id"`
	ResourceType     normalizer.ResourceType `json:"resource_type"`
	Owner            string                  `json:"owner"`
	Type             Type                    `json:"anomaly_type"`
	Severity         Severity                `json:"severity"`
	PredictedSavings float64                 `json:"predicted_savings"`
	MonthlyCost      float64                 `json:"monthly_cost"`
	Utilization      float64                 `json:"utilization_score"`
	ActualCost       float64                 `json:"actual_cost"`
	ExpectedCost     float64                 `json:"expected_cost"`
	Score            float64                 `json:"score"`
	WindowStart      time.Time               `json:"window_start"`
	WindowEnd        time.Time               `json:"window_end"`
	Reason           string                  `json:"reason"`
	Status           Status                  `json:"status"`
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cost-guardian/anomaly"))

// ID derives the anomaly identity from resource, type and window end.
func ID(resourceID string, t Type, windowEnd time.Time) string {
	name := strings.Join([]string{resourceID, string(t), normalizer.DateKey(windowEnd)}, "|")
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// Config holds the detection thresholds.
type Config struct {
	WindowDays int

	// cost_spike
	MinBaselineDays int
	SpikeStdDevs    float64
	SpikeMinDelta   float64

	// sustained_idle
	IdleUtilization  float64
	IdleMinDays      int
	IdleMinDailyCost float64

	Severity SeverityConfig

	Workers int
}

// SeverityConfig maps projected monthly waste to a severity.
type SeverityConfig struct {
	CriticalWaste       float64
	HighWaste           float64
	MediumWaste         float64
	CriticalUtilization float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		WindowDays:       30,
		MinBaselineDays:  7,
		SpikeStdDevs:     3,
		SpikeMinDelta:    5,
		IdleUtilization:  0.10,
		IdleMinDays:      7,
		IdleMinDailyCost: 1,
		Severity: SeverityConfig{
			CriticalWaste:       200,
			HighWaste:           50,
			MediumWaste:         10,
			CriticalUtilization: 0.05,
		},
		Workers: 4,
	}
}

// Classify returns the severity for a projected monthly waste. A non-nil
// utilization at or below CriticalUtilization is always critical. Values
// exactly on a boundary take the higher severity.
func (c SeverityConfig) Classify(monthlyWaste float64, utilization *float64) Severity {
	switch {
	case monthlyWaste >= c.CriticalWaste:
		return SeverityCritical
	case utilization != nil && *utilization <= c.CriticalUtilization:
		return SeverityCritical
	case monthlyWaste >= c.HighWaste:
		return SeverityHigh
	case monthlyWaste >= c.MediumWaste:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
