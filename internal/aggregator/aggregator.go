// Package aggregator rolls deduplicated usage records up into canonical
// per-(account, service, day) DailyUsage rows.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// Key uniquely identifies a DailyUsage row.
type Key struct {
	AccountID string `json:"account_id"`
	ServiceID string `json:"service_id"`
	UsageDate string `json:"usage_date"` // YYYY-MM-DD
}

func (k Key) String() string {
	return strings.Join([]string{k.AccountID, k.ServiceID, k.UsageDate}, "|")
}

// ResourceBreakdown is one resource's contribution to a DailyUsage row.
type ResourceBreakdown struct {
	ResourceID          string  `json:"resource_id"`
	Cost                float64 `json:"cost"`
	CreditAmount        float64 `json:"credit_amount"`
	UsageQuantity       float64 `json:"usage_quantity"`
	Utilization         float64 `json:"utilization_score"`
	UtilizationSupplied bool    `json:"utilization_supplied"`
	Owner               string  `json:"owner"`
	Region              string  `json:"region"`
	SourceCount         int     `json:"source_count"`
}

// DailyUsage is the canonical aggregate row.
type DailyUsage struct {
	AccountID        string                  `json:"account_id"`
	ServiceID        string                  `json:"service_id"`
	ServiceName      string                  `json:"service_name"`
	UsageDate        time.Time               `json:"usage_date"`
	ResourceType     normalizer.ResourceType `json:"resource_type"`
	UsageQuantity    float64                 `json:"usage_quantity"`
	Cost             float64                 `json:"cost"`
	GrossCost        float64                 `json:"gross_cost"`
	CreditAmount     float64                 `json:"credit_amount"`
	Currency         string                  `json:"currency"`
	Region           string                  `json:"region"`
	ResourceID       string                  `json:"resource_id"`
	Rollup           bool                    `json:"rollup"`
	Children         []ResourceBreakdown     `json:"children"`
	Tags             map[string]string       `json:"tags"`
	UtilizationScore float64                 `json:"utilization_score"`
	SourceCount      int                     `json:"source_count"`
	AnomalyFlag      bool                    `json:"anomaly_flag"`
	AnomalyScore     float64                 `json:"anomaly_score"`
	LastUpdated      time.Time               `json:"last_updated"`
}

// Key returns the row's unique key.
func (d DailyUsage) Key() Key {
	return Key{AccountID: d.AccountID, ServiceID: d.ServiceID, UsageDate: normalizer.DateKey(d.UsageDate)}
}

// Owner returns the row-level owner tag.
func (d DailyUsage) Owner() string {
	if o := d.Tags[normalizer.OwnerTag]; o != "" {
		return o
	}
	return normalizer.UnknownOwner
}

// SameContent reports whether two rows differ only in LastUpdated.
func (d DailyUsage) SameContent(o DailyUsage) bool {
	d.LastUpdated, o.LastUpdated = time.Time{}, time.Time{}
	d.UsageDate, o.UsageDate = d.UsageDate.UTC(), o.UsageDate.UTC()
	return reflect.DeepEqual(d, o)
}

// DeadLetter is a group parked because its service could not be resolved.
type DeadLetter struct {
	AccountID   string                        `json:"account_id"`
	ServiceName string                        `json:"service_name"`
	UsageDate   string                        `json:"usage_date"`
	Reason      string                        `json:"reason"`
	Records     []normalizer.NormalizedRecord `json:"records"`
}

// Key returns a printable identifier for the parked group.
func (d DeadLetter) Key() string {
	return strings.Join([]string{d.AccountID, d.ServiceName, d.UsageDate}, "|")
}

// Result is the output of one aggregation pass.
type Result struct {
	Rows        []DailyUsage
	DeadLetters []DeadLetter
}

// Config configures the aggregator.
type Config struct {
	Workers int // per-key parallelism; <= 0 means 4
}

// Aggregator builds DailyUsage rows.
type Aggregator struct {
	catalog ServiceCatalog
	workers int
	logger  *zap.Logger
}

// New creates a new Aggregator.
func New(catalog ServiceCatalog, cfg Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Aggregator{catalog: catalog, workers: workers, logger: logger}
}

// groupKey is the pre-resolution grouping: service names that resolve to
// the same service ID are combined after resolution.
type groupKey struct {
	accountID   string
	serviceName string
	usageDate   string
}

type keyed struct {
	key     Key
	entry   ServiceEntry
	records []normalizer.NormalizedRecord
}

// Aggregate groups deduplicated records into DailyUsage rows. Groups whose
// service cannot be resolved are returned as dead letters. Rows come back
// sorted by key with LastUpdated unset; see Finalize.
func (a *Aggregator) Aggregate(ctx context.Context, records []normalizer.NormalizedRecord) (Result, error) {
	byName := make(map[groupKey][]normalizer.NormalizedRecord)
	for _, r := range records {
		gk := groupKey{accountID: r.AccountID, serviceName: r.ServiceName, usageDate: normalizer.DateKey(r.UsageDate)}
		byName[gk] = append(byName[gk], r)
	}

	var result Result
	byKey := make(map[Key]*keyed)
	for gk, group := range byName {
		entry, err := a.catalog.Resolve(gk.serviceName)
		if err != nil {
			var resErr *errs.ResolutionError
			if !errors.As(err, &resErr) {
				return Result{}, fmt.Errorf("resolve service %q: %w", gk.serviceName, err)
			}
			result.DeadLetters = append(result.DeadLetters, DeadLetter{
				AccountID:   gk.accountID,
				ServiceName: gk.serviceName,
				UsageDate:   gk.usageDate,
				Reason:      err.Error(),
				Records:     group,
			})
			continue
		}
		k := Key{AccountID: gk.accountID, ServiceID: entry.ServiceID, UsageDate: gk.usageDate}
		if existing, ok := byKey[k]; ok {
			existing.records = append(existing.records, group...)
			continue
		}
		byKey[k] = &keyed{key: k, entry: entry, records: group}
	}

	groups := make([]*keyed, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].key.String() < groups[j].key.String()
	})

	rows := make([]DailyUsage, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, grp := range groups {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows[i] = buildRow(grp.key, grp.entry, grp.records)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("aggregate: %w", err)
	}

	sort.Slice(result.DeadLetters, func(i, j int) bool {
		return result.DeadLetters[i].Key() < result.DeadLetters[j].Key()
	})
	for _, dl := range result.DeadLetters {
		a.logger.Warn("Group parked in dead-letter list",
			zap.String("key", dl.Key()),
			zap.Int("records", len(dl.Records)),
		)
	}

	result.Rows = rows
	return result, nil
}

// Finalize stamps LastUpdated: rows identical to their prior version keep
// the prior timestamp, everything else gets now.
func Finalize(rows []DailyUsage, prior map[Key]DailyUsage, now time.Time) {
	for i := range rows {
		if p, ok := prior[rows[i].Key()]; ok && rows[i].SameContent(p) {
			rows[i].LastUpdated = p.LastUpdated
			continue
		}
		rows[i].LastUpdated = now.UTC()
	}
}

func buildRow(key Key, entry ServiceEntry, records []normalizer.NormalizedRecord) DailyUsage {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.UsageTimestamp.Equal(b.UsageTimestamp) {
			return a.UsageTimestamp.Before(b.UsageTimestamp)
		}
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		return a.ServiceName < b.ServiceName
	})

	resourceType := entry.ResourceType
	if !resourceType.Valid() {
		resourceType = records[0].ResourceType
	}

	type acc struct {
		cost, credit, quantity decimal.Decimal
		utilSum                float64
		utilN                  int
		owner, region          string
		sources                int
	}
	children := make(map[string]*acc)
	tags := make(map[string]string)
	cost, gross, credit, quantity := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	sources := 0
	currencies := make(map[string]bool)

	for _, r := range records {
		c, ok := children[r.ResourceID]
		if !ok {
			c = &acc{cost: decimal.Zero, credit: decimal.Zero, quantity: decimal.Zero}
			children[r.ResourceID] = c
		}
		rc := decimal.NewFromFloat(r.Cost)
		c.cost = c.cost.Add(rc)
		c.credit = c.credit.Add(decimal.NewFromFloat(r.CreditAmount))
		c.quantity = c.quantity.Add(decimal.NewFromFloat(r.UsageQuantity))
		if r.Utilization != nil {
			c.utilSum += *r.Utilization
			c.utilN++
		}
		if owner := r.Owner(); owner != normalizer.UnknownOwner || c.owner == "" {
			c.owner = owner
		}
		if c.region == "" {
			c.region = r.Region
		}
		c.sources += max(r.SourceCount, 1)

		cost = cost.Add(rc)
		gross = gross.Add(decimal.NewFromFloat(r.GrossCost()))
		credit = credit.Add(decimal.NewFromFloat(r.CreditAmount))
		quantity = quantity.Add(decimal.NewFromFloat(r.UsageQuantity))
		sources += max(r.SourceCount, 1)
		currencies[r.Currency] = true

		for k, v := range r.Tags {
			if k == normalizer.OwnerTag && v == normalizer.UnknownOwner && tags[k] != "" {
				continue
			}
			tags[k] = v
		}
	}
	if tags[normalizer.OwnerTag] == "" {
		tags[normalizer.OwnerTag] = normalizer.UnknownOwner
	}

	breakdown := make([]ResourceBreakdown, 0, len(children))
	for id, c := range children {
		b := ResourceBreakdown{
			ResourceID:    id,
			Cost:          round(c.cost),
			CreditAmount:  round(c.credit),
			UsageQuantity: round(c.quantity),
			Owner:         c.owner,
			Region:        c.region,
			SourceCount:   c.sources,
		}
		if c.utilN > 0 {
			b.Utilization = roundUtil(c.utilSum / float64(c.utilN))
			b.UtilizationSupplied = true
		}
		breakdown = append(breakdown, b)
	}
	sort.Slice(breakdown, func(i, j int) bool {
		return breakdown[i].ResourceID < breakdown[j].ResourceID
	})

	row := DailyUsage{
		AccountID:     key.AccountID,
		ServiceID:     key.ServiceID,
		ServiceName:   records[0].ServiceName,
		UsageDate:     records[0].UsageDate,
		ResourceType:  resourceType,
		UsageQuantity: round(quantity),
		Cost:          round(cost),
		GrossCost:     round(gross),
		CreditAmount:  round(credit),
		Currency:      firstCurrency(currencies),
		Region:        firstRegion(records),
		ResourceID:    representative(breakdown),
		Rollup:        len(breakdown) > 1,
		Children:      breakdown,
		Tags:          tags,
		SourceCount:   sources,
	}

	// Utilization is only meaningful for compute and db, and is never
	// inferred: a resource without a supplied score counts as 0.
	if resourceType.Utilized() {
		var sum float64
		for _, b := range breakdown {
			sum += b.Utilization
		}
		row.UtilizationScore = roundUtil(sum / float64(len(breakdown)))
	}
	return row
}

// representative picks the child with the highest net cost. Children are
// sorted by resource ID, so ties go to the lowest ID.
func representative(children []ResourceBreakdown) string {
	best := children[0]
	for _, c := range children[1:] {
		if c.Cost > best.Cost {
			best = c
		}
	}
	return best.ResourceID
}

func firstRegion(sorted []normalizer.NormalizedRecord) string {
	region := ""
	var first time.Time
	for _, r := range sorted {
		if r.Region == "" {
			continue
		}
		if region == "" {
			region, first = r.Region, r.UsageTimestamp
			continue
		}
		if !r.UsageTimestamp.Equal(first) {
			break
		}
		if r.Region < region {
			region = r.Region
		}
	}
	return region
}

func firstCurrency(set map[string]bool) string {
	out := ""
	for c := range set {
		if c == "" {
			continue
		}
		if out == "" || c < out {
			out = c
		}
	}
	if out == "" {
		return normalizer.DefaultCurrency
	}
	return out
}

func round(d decimal.Decimal) float64 {
	return d.Round(normalizer.CostPrecision).InexactFloat64()
}

func roundUtil(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}
