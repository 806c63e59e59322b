// Package projector reshapes DailyUsage rows, anomalies and recommendations
// into the structures each dashboard consumes. Every function here is a
// read-only transform and returns empty or zero-valued structures for empty
// input.
package projector

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
)

const (
	daysPerMonth = 30
	// DefaultMetricLimit caps Metrics when the filter sets no limit.
	DefaultMetricLimit = 100
)

// TrendPoint is total cost for one day.
type TrendPoint struct {
	Date time.Time `json:"date"`
	Cost float64   `json:"cost"`
}

// CostTrend sums cost per day, oldest first.
func CostTrend(rows []aggregator.DailyUsage) []TrendPoint {
	byDay := make(map[time.Time]decimal.Decimal)
	for _, r := range rows {
		d := r.UsageDate.UTC()
		byDay[d] = byDay[d].Add(decimal.NewFromFloat(r.Cost))
	}
	out := make([]TrendPoint, 0, len(byDay))
	for d, c := range byDay {
		out = append(out, TrendPoint{Date: d, Cost: money(c)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// AllocationNode is one level of the service → owner hierarchy.
type AllocationNode struct {
	Name     string           `json:"name"`
	Cost     float64          `json:"cost"`
	Children []AllocationNode `json:"children,omitempty"`
}

// CostAllocation groups cost by service, then by owner, using each row's
// resource breakdown. Nodes are sorted by cost descending, then name.
func CostAllocation(rows []aggregator.DailyUsage) []AllocationNode {
	byService := make(map[string]map[string]decimal.Decimal)
	for _, r := range rows {
		service := normalizer.SimplifyServiceName(r.ServiceName)
		owners, ok := byService[service]
		if !ok {
			owners = make(map[string]decimal.Decimal)
			byService[service] = owners
		}
		for _, c := range r.Children {
			owner := c.Owner
			if owner == "" {
				owner = normalizer.UnknownOwner
			}
			owners[owner] = owners[owner].Add(decimal.NewFromFloat(c.Cost))
		}
	}

	out := make([]AllocationNode, 0, len(byService))
	for service, owners := range byService {
		node := AllocationNode{Name: service}
		total := decimal.Zero
		for owner, cost := range owners {
			node.Children = append(node.Children, AllocationNode{Name: owner, Cost: money(cost)})
			total = total.Add(cost)
		}
		node.Cost = money(total)
		sortNodes(node.Children)
		out = append(out, node)
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []AllocationNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Cost != nodes[j].Cost {
			return nodes[i].Cost > nodes[j].Cost
		}
		return nodes[i].Name < nodes[j].Name
	})
}

// ScatterPoint places one compute or db resource by utilization and cost.
type ScatterPoint struct {
	ResourceID     string                  `json:"resource_id"`
	ResourceType   normalizer.ResourceType `json:"resource_type"`
	ServiceName    string                  `json:"service_name"`
	Owner          string                  `json:"owner"`
	UtilizationPct float64                 `json:"utilization_pct"`
	MonthlyCost    float64                 `json:"monthly_cost"`
	Severity       anomaly.Severity        `json:"severity,omitempty"`
}

// AnomalyScatter projects every compute and db resource to (mean
// utilization × 100, mean daily cost × 30, highest anomaly severity).
func AnomalyScatter(rows []aggregator.DailyUsage, anomalies []anomaly.Anomaly) []ScatterPoint {
	severity := make(map[string]anomaly.Severity)
	for _, a := range anomalies {
		if a.Severity.Rank() > severity[a.ResourceID].Rank() {
			severity[a.ResourceID] = a.Severity
		}
	}

	out := make([]ScatterPoint, 0)
	for id, points := range anomaly.Series(rows) {
		latest := points[len(points)-1]
		if !latest.ResourceType.Utilized() {
			continue
		}
		var cost, util float64
		for _, p := range points {
			cost += p.Cost
			util += p.Utilization
		}
		n := float64(len(points))
		out = append(out, ScatterPoint{
			ResourceID:     id,
			ResourceType:   latest.ResourceType,
			ServiceName:    latest.ServiceName,
			Owner:          latest.Owner,
			UtilizationPct: round(util/n*100, 2),
			MonthlyCost:    round(cost/n*daysPerMonth, 2),
			Severity:       severity[id],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MonthlyCost != out[j].MonthlyCost {
			return out[i].MonthlyCost > out[j].MonthlyCost
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}

// Governance is the tagged versus untagged split of gross cost.
type Governance struct {
	TaggedCost        float64 `json:"tagged_cost"`
	UntaggedCost      float64 `json:"untagged_cost"`
	TotalCost         float64 `json:"total_cost"`
	TaggedPct         float64 `json:"tagged_pct"`
	UntaggedPct       float64 `json:"untagged_pct"`
	TaggedResources   int     `json:"tagged_resources"`
	UntaggedResources int     `json:"untagged_resources"`
}

// GovernanceRatio splits gross cost by whether the resource carries a real
// owner. Credits are excluded so a refund cannot push a percentage past 100.
func GovernanceRatio(rows []aggregator.DailyUsage) Governance {
	tagged, untagged := decimal.Zero, decimal.Zero
	taggedIDs := make(map[string]bool)
	untaggedIDs := make(map[string]bool)
	for _, r := range rows {
		for _, c := range r.Children {
			cost := decimal.NewFromFloat(max(c.Cost, 0))
			if c.Owner == "" || c.Owner == normalizer.UnknownOwner {
				untagged = untagged.Add(cost)
				untaggedIDs[c.ResourceID] = true
				continue
			}
			tagged = tagged.Add(cost)
			taggedIDs[c.ResourceID] = true
		}
	}

	g := Governance{
		TaggedCost:        money(tagged),
		UntaggedCost:      money(untagged),
		TotalCost:         money(tagged.Add(untagged)),
		TaggedResources:   len(taggedIDs),
		UntaggedResources: len(untaggedIDs),
	}
	total := tagged.Add(untagged)
	if total.IsZero() {
		return g
	}
	hundred := decimal.NewFromInt(100)
	g.TaggedPct = tagged.Div(total).Mul(hundred).Round(2).InexactFloat64()
	g.UntaggedPct = untagged.Div(total).Mul(hundred).Round(2).InexactFloat64()
	return g
}

// Metric is the per-resource, per-day record served to dashboards.
type Metric struct {
	ResourceID            string                  `json:"resource_id"`
	ResourceType          normalizer.ResourceType `json:"resource_type"`
	UnblendedCostUSD      float64                 `json:"unblended_cost_usd"`
	UtilizationScore      float64                 `json:"utilization_score"`
	BillingTagOwner       string                  `json:"billing_tag_owner"`
	TimestampDay          string                  `json:"timestamp_day"`
	ServiceNameSimplified string                  `json:"service_name_simplified"`
	AccountID             string                  `json:"account_id"`
	AnomalyFlag           bool                    `json:"anomaly_flag"`
}

// MetricFilter narrows Metrics. Zero values match everything; dates are
// inclusive.
type MetricFilter struct {
	ResourceType normalizer.ResourceType
	Start        time.Time
	End          time.Time
	Limit        int
}

// Metrics flattens rows into one Metric per resource and day, newest first
// and by descending cost within a day.
func Metrics(rows []aggregator.DailyUsage, f MetricFilter) []Metric {
	out := make([]Metric, 0)
	for _, r := range rows {
		if f.ResourceType != "" && r.ResourceType != f.ResourceType {
			continue
		}
		day := r.UsageDate.UTC()
		if !f.Start.IsZero() && day.Before(f.Start) {
			continue
		}
		if !f.End.IsZero() && day.After(f.End) {
			continue
		}
		for _, c := range r.Children {
			out = append(out, Metric{
				ResourceID:            c.ResourceID,
				ResourceType:          r.ResourceType,
				UnblendedCostUSD:      c.Cost,
				UtilizationScore:      c.Utilization,
				BillingTagOwner:       c.Owner,
				TimestampDay:          normalizer.DateKey(day),
				ServiceNameSimplified: normalizer.SimplifyServiceName(r.ServiceName),
				AccountID:             r.AccountID,
				AnomalyFlag:           r.AnomalyFlag,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TimestampDay != b.TimestampDay {
			return a.TimestampDay > b.TimestampDay
		}
		if a.UnblendedCostUSD != b.UnblendedCostUSD {
			return a.UnblendedCostUSD > b.UnblendedCostUSD
		}
		return a.ResourceID < b.ResourceID
	})

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultMetricLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AccountTotal is the per-account roll-up used by the MSP view.
type AccountTotal struct {
	AccountID        string  `json:"account_id"`
	Cost             float64 `json:"cost"`
	Resources        int     `json:"resources"`
	Anomalies        int     `json:"anomalies"`
	PotentialSavings float64 `json:"potential_savings"`
	UntaggedPct      float64 `json:"untagged_pct"`
}

// AccountTotals rolls cost, anomaly and savings figures up per account.
// Savings count only pending and accepted recommendations.
func AccountTotals(rows []aggregator.DailyUsage, anomalies []anomaly.Anomaly, recs []recommend.Recommendation) []AccountTotal {
	rowsBy := make(map[string][]aggregator.DailyUsage)
	for _, r := range rows {
		rowsBy[r.AccountID] = append(rowsBy[r.AccountID], r)
	}
	anomaliesBy := make(map[string]int)
	for _, a := range anomalies {
		anomaliesBy[a.AccountID]++
	}
	savingsBy := make(map[string]decimal.Decimal)
	for _, r := range recs {
		if r.Status == recommend.StatusPending || r.Status == recommend.StatusAccepted {
			savingsBy[r.AccountID] = savingsBy[r.AccountID].Add(decimal.NewFromFloat(r.ProjectedSavingsMonthly))
		}
	}

	out := make([]AccountTotal, 0, len(rowsBy))
	for account, accountRows := range rowsBy {
		cost := decimal.Zero
		resources := make(map[string]bool)
		for _, r := range accountRows {
			cost = cost.Add(decimal.NewFromFloat(r.Cost))
			for _, c := range r.Children {
				resources[c.ResourceID] = true
			}
		}
		out = append(out, AccountTotal{
			AccountID:        account,
			Cost:             money(cost),
			Resources:        len(resources),
			Anomalies:        anomaliesBy[account],
			PotentialSavings: money(savingsBy[account]),
			UntaggedPct:      GovernanceRatio(accountRows).UntaggedPct,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

// Savings summarizes open recommendations.
type Savings struct {
	Pending          int                        `json:"pending"`
	Accepted         int                        `json:"accepted"`
	Applied          int                        `json:"applied"`
	Rejected         int                        `json:"rejected"`
	MonthlyPotential float64                    `json:"monthly_potential"`
	MonthlyRealized  float64                    `json:"monthly_realized"`
	ByType           map[recommend.Type]float64 `json:"by_type"`
}

// SavingsSummary counts recommendations by status. Potential covers
// pending and accepted; realized covers applied.
func SavingsSummary(recs []recommend.Recommendation) Savings {
	s := Savings{ByType: make(map[recommend.Type]float64)}
	potential, realized := decimal.Zero, decimal.Zero
	byType := make(map[recommend.Type]decimal.Decimal)
	for _, r := range recs {
		amount := decimal.NewFromFloat(r.ProjectedSavingsMonthly)
		switch r.Status {
		case recommend.StatusPending:
			s.Pending++
			potential = potential.Add(amount)
			byType[r.Type] = byType[r.Type].Add(amount)
		case recommend.StatusAccepted:
			s.Accepted++
			potential = potential.Add(amount)
			byType[r.Type] = byType[r.Type].Add(amount)
		case recommend.StatusApplied:
			s.Applied++
			realized = realized.Add(amount)
		case recommend.StatusRejected:
			s.Rejected++
		}
	}
	s.MonthlyPotential = money(potential)
	s.MonthlyRealized = money(realized)
	for t, v := range byType {
		s.ByType[t] = money(v)
	}
	return s
}

func money(d decimal.Decimal) float64 {
	return d.Round(normalizer.CostPrecision).InexactFloat64()
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
