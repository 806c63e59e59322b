// Package dedup collapses normalized records that describe the same
// (account, service, resource, day) observation.
package dedup

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// Key identifies one resource-day observation.
type Key struct {
	AccountID   string
	ServiceName string
	ResourceID  string
	UsageDate   string
}

// KeyOf returns the dedup key of r.
func KeyOf(r normalizer.NormalizedRecord) Key {
	return Key{
		AccountID:   r.AccountID,
		ServiceName: r.ServiceName,
		ResourceID:  r.ResourceID,
		UsageDate:   normalizer.DateKey(r.UsageDate),
	}
}

func (k Key) String() string {
	return strings.Join([]string{k.AccountID, k.ServiceName, k.ResourceID, k.UsageDate}, "|")
}

// Deduplicate merges records sharing a Key. Records with identical
// timestamps are exact duplicates and only one copy is kept; records with
// distinct timestamps are distinct observations and are summed. The result
// is sorted by key and does not depend on input order.
func Deduplicate(records []normalizer.NormalizedRecord) []normalizer.NormalizedRecord {
	groups := make(map[Key][]normalizer.NormalizedRecord)
	for _, r := range records {
		k := KeyOf(r)
		groups[k] = append(groups[k], r)
	}

	keys := make([]Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	out := make([]normalizer.NormalizedRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, merge(groups[k]))
	}
	return out
}

func merge(group []normalizer.NormalizedRecord) normalizer.NormalizedRecord {
	sort.SliceStable(group, func(i, j int) bool {
		return less(group[i], group[j])
	})

	// Keep the first record of every run of identical timestamps.
	distinct := make([]normalizer.NormalizedRecord, 0, len(group))
	sourceCount := 0
	for i, r := range group {
		sourceCount += sourceOf(r)
		if i > 0 && r.UsageTimestamp.Equal(group[i-1].UsageTimestamp) {
			continue
		}
		distinct = append(distinct, r)
	}

	merged := distinct[0]
	merged.Tags = make(map[string]string, len(distinct[0].Tags))
	cost := decimal.Zero
	credit := decimal.Zero
	quantity := decimal.Zero
	var utilSum float64
	var utilCount int
	dropped := 0

	for _, r := range distinct {
		cost = cost.Add(decimal.NewFromFloat(r.Cost))
		credit = credit.Add(decimal.NewFromFloat(r.CreditAmount))
		quantity = quantity.Add(decimal.NewFromFloat(r.UsageQuantity))
		dropped += r.DuplicatesDropped
		if r.Utilization != nil {
			utilSum += *r.Utilization
			utilCount++
		}
		// distinct is ordered by timestamp, so later tags win.
		for k, v := range r.Tags {
			if k == normalizer.OwnerTag && v == normalizer.UnknownOwner && merged.Tags[k] != "" {
				continue
			}
			merged.Tags[k] = v
		}
		merged.UsageTimestamp = r.UsageTimestamp
	}

	merged.Region = firstRegion(group)
	merged.Cost = cost.Round(normalizer.CostPrecision).InexactFloat64()
	merged.CreditAmount = credit.Round(normalizer.CostPrecision).InexactFloat64()
	merged.UsageQuantity = quantity.Round(normalizer.CostPrecision).InexactFloat64()
	if utilCount > 0 {
		u := utilSum / float64(utilCount)
		merged.Utilization = &u
	} else {
		merged.Utilization = nil
	}
	merged.SourceCount = sourceCount
	merged.DuplicatesDropped = dropped + len(group) - len(distinct)
	return merged
}

func sourceOf(r normalizer.NormalizedRecord) int {
	if r.SourceCount < 1 {
		return 1
	}
	return r.SourceCount
}

// less orders records by timestamp, then by content so the kept copy of an
// exact duplicate is stable.
func less(a, b normalizer.NormalizedRecord) bool {
	if !a.UsageTimestamp.Equal(b.UsageTimestamp) {
		return a.UsageTimestamp.Before(b.UsageTimestamp)
	}
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	if a.UsageQuantity != b.UsageQuantity {
		return a.UsageQuantity < b.UsageQuantity
	}
	return a.Region < b.Region
}

// firstRegion returns the region of the earliest record, breaking
// timestamp ties by lexical order.
func firstRegion(sorted []normalizer.NormalizedRecord) string {
	region := ""
	first := sorted[0].UsageTimestamp
	for _, r := range sorted {
		if !r.UsageTimestamp.Equal(first) {
			break
		}
		if r.Region == "" {
			continue
		}
		if region == "" || r.Region < region {
			region = r.Region
		}
	}
	if region == "" {
		for _, r := range sorted {
			if r.Region != "" {
				return r.Region
			}
		}
	}
	return region
}
