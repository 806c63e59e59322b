package anomaly

import (
	"sort"
	"time"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// Point is one resource's contribution to one DailyUsage row.
type Point struct {
	Row          aggregator.Key
	AccountID    string
	ServiceID    string
	ServiceName  string
	ResourceID   string
	ResourceType normalizer.ResourceType
	Date         time.Time
	Cost         float64
	Utilization  float64
	Owner        string
}

// Series explodes rows into per-resource, date-ordered points. A resource
// that appears in more than one row on the same day is merged into a single
// point owned by the row with the larger share.
func Series(rows []aggregator.DailyUsage) map[string][]Point {
	type dayKey struct {
		resource string
		date     string
	}
	points := make(map[dayKey]Point)
	for _, row := range rows {
		for _, child := range row.Children {
			p := Point{
				Row:          row.Key(),
				AccountID:    row.AccountID,
				ServiceID:    row.ServiceID,
				ServiceName:  row.ServiceName,
				ResourceID:   child.ResourceID,
				ResourceType: row.ResourceType,
				Date:         row.UsageDate.UTC(),
				Cost:         child.Cost,
				Utilization:  child.Utilization,
				Owner:        child.Owner,
			}
			k := dayKey{resource: child.ResourceID, date: normalizer.DateKey(row.UsageDate)}
			prev, ok := points[k]
			if !ok {
				points[k] = p
				continue
			}
			merged := prev
			if p.Cost > prev.Cost || (p.Cost == prev.Cost && p.Row.String() < prev.Row.String()) {
				merged = p
			}
			merged.Cost = prev.Cost + p.Cost
			merged.Utilization = (prev.Utilization + p.Utilization) / 2
			if merged.Owner == normalizer.UnknownOwner {
				if prev.Owner != normalizer.UnknownOwner {
					merged.Owner = prev.Owner
				} else {
					merged.Owner = p.Owner
				}
			}
			points[k] = merged
		}
	}

	out := make(map[string][]Point)
	for k, p := range points {
		out[k.resource] = append(out[k.resource], p)
	}
	for id := range out {
		s := out[id]
		sort.Slice(s, func(i, j int) bool { return s[i].Date.Before(s[j].Date) })
	}
	return out
}

// trailing returns the points within windowDays of the last point, and the
// window bounds.
func trailing(series []Point, windowDays int) ([]Point, time.Time, time.Time) {
	end := series[len(series)-1].Date
	start := end.AddDate(0, 0, -(windowDays - 1))
	i := sort.Search(len(series), func(i int) bool { return !series[i].Date.Before(start) })
	return series[i:], start, end
}
