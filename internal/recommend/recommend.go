// Package recommend turns anomalies and rule triggers into savings
// recommendations with a forward-only action lifecycle.
package recommend

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// Type is the recommended action.
type Type string

const (
	TypeResize      Type = "resize"
	TypeTerminate   Type = "terminate"
	TypeReconfigure Type = "reconfigure"
	TypeReview      Type = "review"
)

// Status is the action lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

// ParseStatus accepts any casing of the four statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusAccepted, StatusApplied, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown recommendation status %q", s)
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusRejected},
	StatusAccepted: {StatusApplied},
}

// CheckTransition allows pending→accepted, pending→rejected and
// accepted→applied.
func CheckTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)
}

// Source records what produced a recommendation.
type Source string

const (
	SourceAnomaly Source = "anomaly"
	SourceRule    Source = "rule"
)

// Recommendation is a suggested action on one resource.
type Recommendation struct {
	ID                      string                  `json:"recommendation_id"`
	ResourceID              string                  `json:"resource_id_impacted"`
	ResourceType            normalizer.ResourceType `json:"resource_type"`
	AccountID               string                  `json:"account_id"`
	ServiceID               string                  `json:"service_id"`
	ServiceName             string                  `json:"service_name"`
	Owner                   string                  `json:"owner"`
	Type                    Type                    `json:"recommendation_type"`
	CurrentMonthlyCost      float64                 `json:"current_monthly_cost"`
	ProjectedSavingsMonthly float64                 `json:"projected_savings_monthly"`
	Severity                anomaly.Severity        `json:"flag_severity"`
	Confidence              float64                 `json:"confidence"`
	AnomalyID               string                  `json:"anomaly_id,omitempty"`
	Source                  Source                  `json:"source"`
	Reason                  string                  `json:"reason"`
	Status                  Status                  `json:"action_status"`
	CreatedAt               time.Time               `json:"created_at"`
	UpdatedAt               time.Time               `json:"updated_at"`
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cost-guardian/recommendation"))

// ID derives the recommendation identity from resource and type.
func ID(resourceID string, t Type) string {
	return "rec-" + uuid.NewSHA1(idNamespace, []byte(resourceID+"|"+string(t))).String()
}

// Config holds savings factors and rule thresholds.
type Config struct {
	ResizeFactor    float64
	TerminateFactor float64

	// CostWindowDays is the trailing window used for current monthly cost.
	CostWindowDays int

	IdleSeatLookbackDays int
	IdleSeatMinDays      int
	UntaggedRule         bool

	Severity anomaly.SeverityConfig
}

// DefaultConfig returns the stock factors. IdleSeatMinDays is 1 so a
// single zero-utilization observation already qualifies; deployments with
// full history usually raise it to 90.
func DefaultConfig() Config {
	return Config{
		ResizeFactor:         0.6,
		TerminateFactor:      1.0,
		CostWindowDays:       30,
		IdleSeatLookbackDays: 90,
		IdleSeatMinDays:      1,
		UntaggedRule:         true,
		Severity:             anomaly.DefaultConfig().Severity,
	}
}

// Deriver builds recommendations.
type Deriver struct {
	config Config
	logger *zap.Logger
}

// NewDeriver creates a Deriver.
func NewDeriver(cfg Config, logger *zap.Logger) *Deriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deriver{config: cfg, logger: logger}
}

// Config returns the deriver's configuration.
func (d *Deriver) Config() Config { return d.config }

// Derive maps anomalies to recommendations and evaluates the rule
// triggers over rows. When resources is non-empty, rules only run for
// those resources. The result is keyed uniquely by ID and sorted by it;
// CreatedAt, UpdatedAt and Status are left for Reconcile.
func (d *Deriver) Derive(rows []aggregator.DailyUsage, anomalies []anomaly.Anomaly, resources []string) []Recommendation {
	series := anomaly.Series(rows)
	byID := make(map[string]Recommendation)
	add := func(r Recommendation) {
		prev, ok := byID[r.ID]
		if ok && !preferred(r, prev) {
			return
		}
		byID[r.ID] = r
	}

	for _, a := range anomalies {
		if r, ok := d.fromAnomaly(a, series[a.ResourceID]); ok {
			add(r)
		}
	}

	ids := resources
	if len(ids) == 0 {
		for id := range series {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		points := series[id]
		if len(points) == 0 {
			continue
		}
		if r, ok := d.idleSeat(points); ok {
			add(r)
		}
		if r, ok := d.untagged(points); ok {
			add(r)
		}
	}

	out := make([]Recommendation, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	d.logger.Debug("Derived recommendations",
		zap.Int("anomalies", len(anomalies)),
		zap.Int("recommendations", len(out)),
	)
	return out
}

// preferred reports whether a should replace b: higher severity wins,
// anomaly-sourced wins a tie.
func preferred(a, b Recommendation) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	return a.Source == SourceAnomaly && b.Source != SourceAnomaly
}

func (d *Deriver) fromAnomaly(a anomaly.Anomaly, points []anomaly.Point) (Recommendation, bool) {
	var t Type
	switch a.Type {
	case anomaly.TypeCostSpike:
		t = TypeReview
	case anomaly.TypeSustainedIdle:
		switch a.ResourceType {
		case normalizer.ResourceCompute, normalizer.ResourceDB:
			t = TypeResize
		case normalizer.ResourceSaaSSeat:
			t = TypeTerminate
		default:
			return Recommendation{}, false
		}
	case anomaly.TypeUntaggedSpend:
		t = TypeReconfigure
	default:
		return Recommendation{}, false
	}

	monthly := a.MonthlyCost
	if len(points) > 0 {
		monthly = d.monthlyCost(points)
	}
	return Recommendation{
		ID:                      ID(a.ResourceID, t),
		ResourceID:              a.ResourceID,
		ResourceType:            a.ResourceType,
		AccountID:               a.AccountID,
		ServiceID:               a.ServiceID,
		ServiceName:             a.ServiceName,
		Owner:                   a.Owner,
		Type:                    t,
		CurrentMonthlyCost:      monthly,
		ProjectedSavingsMonthly: d.savings(t, monthly),
		Severity:                a.Severity,
		Confidence:              a.Score,
		AnomalyID:               a.ID,
		Source:                  SourceAnomaly,
		Reason:                  a.Reason,
	}, true
}

// idleSeat fires for a SaaS seat with zero utilization and non-zero cost on
// every observed day of the lookback.
func (d *Deriver) idleSeat(points []anomaly.Point) (Recommendation, bool) {
	latest := points[len(points)-1]
	if latest.ResourceType != normalizer.ResourceSaaSSeat {
		return Recommendation{}, false
	}
	observed := lookback(points, d.config.IdleSeatLookbackDays)
	if len(observed) < d.config.IdleSeatMinDays {
		return Recommendation{}, false
	}
	for _, p := range observed {
		if p.Utilization != 0 || p.Cost <= 0 {
			return Recommendation{}, false
		}
	}
	monthly := d.monthlyCost(points)
	savings := d.savings(TypeTerminate, monthly)
	return d.fromRule(latest, TypeTerminate, monthly, savings,
		fmt.Sprintf("Seat unused on all %d observed days", len(observed))), true
}

// untagged fires when the latest observation carries the sentinel owner.
func (d *Deriver) untagged(points []anomaly.Point) (Recommendation, bool) {
	if !d.config.UntaggedRule {
		return Recommendation{}, false
	}
	latest := points[len(points)-1]
	if latest.Owner != normalizer.UnknownOwner || latest.Cost <= 0 {
		return Recommendation{}, false
	}
	monthly := d.monthlyCost(points)
	return d.fromRule(latest, TypeReconfigure, monthly, 0, "Resource has no owner tag"), true
}

func (d *Deriver) fromRule(p anomaly.Point, t Type, monthly, savings float64, reason string) Recommendation {
	return Recommendation{
		ID:                      ID(p.ResourceID, t),
		ResourceID:              p.ResourceID,
		ResourceType:            p.ResourceType,
		AccountID:               p.AccountID,
		ServiceID:               p.ServiceID,
		ServiceName:             p.ServiceName,
		Owner:                   p.Owner,
		Type:                    t,
		CurrentMonthlyCost:      monthly,
		ProjectedSavingsMonthly: savings,
		Severity:                d.config.Severity.Classify(monthly, nil),
		Confidence:              1,
		Source:                  SourceRule,
		Reason:                  reason,
	}
}

func (d *Deriver) savings(t Type, monthly float64) float64 {
	switch t {
	case TypeResize:
		return round2(monthly * d.config.ResizeFactor)
	case TypeTerminate:
		return round2(monthly * d.config.TerminateFactor)
	default:
		return 0
	}
}

// monthlyCost is the mean daily cost over the trailing window, times 30.
func (d *Deriver) monthlyCost(points []anomaly.Point) float64 {
	window := lookback(points, d.config.CostWindowDays)
	sum := decimal.Zero
	for _, p := range window {
		sum = sum.Add(decimal.NewFromFloat(p.Cost))
	}
	return sum.Div(decimal.NewFromInt(int64(len(window)))).Mul(decimal.NewFromInt(30)).Round(2).InexactFloat64()
}

func lookback(points []anomaly.Point, days int) []anomaly.Point {
	if days <= 0 {
		return points
	}
	start := points[len(points)-1].Date.AddDate(0, 0, -(days - 1))
	i := sort.Search(len(points), func(i int) bool { return !points[i].Date.Before(start) })
	return points[i:]
}

// Reconcile merges freshly derived recommendations with stored ones and
// returns the records to write. Stored records that have left pending are
// never touched. Pending records are refreshed, keeping CreatedAt, and keep
// UpdatedAt too when nothing changed.
func Reconcile(existing map[string]Recommendation, derived []Recommendation, now time.Time) []Recommendation {
	now = now.UTC()
	out := make([]Recommendation, 0, len(derived))
	for _, r := range derived {
		prev, ok := existing[r.ID]
		if !ok {
			r.Status = StatusPending
			r.CreatedAt, r.UpdatedAt = now, now
			out = append(out, r)
			continue
		}
		if prev.Status != StatusPending {
			continue
		}
		r.Status = StatusPending
		r.CreatedAt = prev.CreatedAt
		r.UpdatedAt = prev.UpdatedAt
		if !sameContent(r, prev) {
			r.UpdatedAt = now
		}
		out = append(out, r)
	}
	return out
}

func sameContent(a, b Recommendation) bool {
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
