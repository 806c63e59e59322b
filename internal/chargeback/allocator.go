// Package chargeback provides owner-based showback over DailyUsage rows.
package chargeback

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// AllocatorConfig holds configuration for cost allocation
type AllocatorConfig struct {
	FallbackTag     string // row tag consulted when the resource has no owner
	UntaggedPool    string // where to allocate untagged costs
	SharedCostSplit []SharedCostRule
}

// SharedCostRule defines how to split shared costs
type SharedCostRule struct {
	Owner      string  `yaml:"owner"`
	Percentage float64 `yaml:"percentage"`
}

// Allocation represents allocated costs for one owner
type Allocation struct {
	Owner         string             `json:"owner"`
	TotalCost     float64            `json:"total_cost"`
	DirectCost    float64            `json:"direct_cost"`    // directly tagged
	AllocatedCost float64            `json:"allocated_cost"` // allocated from untagged
	ByAccount     map[string]float64 `json:"by_account"`
	ByService     map[string]float64 `json:"by_service"`
}

// Allocator performs tag-based cost allocation
type Allocator struct {
	config AllocatorConfig
}

// NewAllocator creates a new cost allocator
func NewAllocator(cfg AllocatorConfig) *Allocator {
	return &Allocator{config: cfg}
}

type untaggedCost struct {
	account, service string
	cost             float64
}

// Allocate distributes each resource's cost to its owner. Untagged cost is
// split by the shared rules, parked in the untagged pool, or spread in
// proportion to direct spend, in that order of preference.
func (a *Allocator) Allocate(rows []aggregator.DailyUsage) map[string]*Allocation {
	allocations := make(allocationMap)
	var untagged []untaggedCost

	for _, r := range rows {
		service := normalizer.SimplifyServiceName(r.ServiceName)
		for _, c := range r.Children {
			owner := a.ownerOf(r, c)
			if owner == "" {
				untagged = append(untagged, untaggedCost{account: r.AccountID, service: service, cost: c.Cost})
				continue
			}
			alloc := allocations.get(owner)
			alloc.TotalCost += c.Cost
			alloc.DirectCost += c.Cost
			alloc.ByAccount[r.AccountID] += c.Cost
			alloc.ByService[service] += c.Cost
		}
	}

	a.allocateUntagged(allocations, untagged)
	return allocations
}

type allocationMap map[string]*Allocation

func (m allocationMap) get(owner string) *Allocation {
	if alloc, ok := m[owner]; ok {
		return alloc
	}
	alloc := &Allocation{
		Owner:     owner,
		ByAccount: make(map[string]float64),
		ByService: make(map[string]float64),
	}
	m[owner] = alloc
	return alloc
}

func (a *Allocator) ownerOf(r aggregator.DailyUsage, c aggregator.ResourceBreakdown) string {
	if c.Owner != "" && c.Owner != normalizer.UnknownOwner {
		return c.Owner
	}
	if a.config.FallbackTag != "" {
		if v := r.Tags[a.config.FallbackTag]; v != "" {
			return v
		}
	}
	return ""
}

// allocateUntagged distributes untagged costs
func (a *Allocator) allocateUntagged(allocations allocationMap, untagged []untaggedCost) {
	if len(untagged) == 0 {
		return
	}

	var totalUntagged float64
	for _, u := range untagged {
		totalUntagged += u.cost
	}

	switch {
	case len(a.config.SharedCostSplit) > 0:
		remainingPct := 100.0
		for _, rule := range a.config.SharedCostSplit {
			alloc := allocations.get(rule.Owner)
			allocated := totalUntagged * (rule.Percentage / 100)
			alloc.AllocatedCost += allocated
			alloc.TotalCost += allocated
			remainingPct -= rule.Percentage
		}
		if remainingPct > 0 {
			a.distributeProportionally(allocations, totalUntagged*(remainingPct/100))
		}
	case a.config.UntaggedPool != "":
		pool := allocations.get(a.config.UntaggedPool)
		pool.TotalCost += totalUntagged
		pool.AllocatedCost += totalUntagged
		for _, u := range untagged {
			pool.ByAccount[u.account] += u.cost
			pool.ByService[u.service] += u.cost
		}
	default:
		a.distributeProportionally(allocations, totalUntagged)
	}
}

// distributeProportionally allocates costs based on existing spend
func (a *Allocator) distributeProportionally(allocations allocationMap, amount float64) {
	var totalDirect float64
	for _, alloc := range allocations {
		totalDirect += alloc.DirectCost
	}
	if totalDirect == 0 {
		return
	}
	for _, alloc := range allocations {
		allocated := amount * (alloc.DirectCost / totalDirect)
		alloc.AllocatedCost += allocated
		alloc.TotalCost += allocated
	}
}

// Report holds a generated showback report
type Report struct {
	Period      string        `json:"period"`
	Allocations []*Allocation `json:"allocations"`
	TotalCost   float64       `json:"total_cost"`
	Generated   time.Time     `json:"generated"`
}

// GenerateReport creates a showback report from allocations
func GenerateReport(allocations map[string]*Allocation, period string, generated time.Time) *Report {
	report := &Report{
		Period:      period,
		Allocations: make([]*Allocation, 0, len(allocations)),
		Generated:   generated,
	}
	for _, alloc := range allocations {
		report.Allocations = append(report.Allocations, alloc)
		report.TotalCost += alloc.TotalCost
	}

	sort.Slice(report.Allocations, func(i, j int) bool {
		if report.Allocations[i].TotalCost != report.Allocations[j].TotalCost {
			return report.Allocations[i].TotalCost > report.Allocations[j].TotalCost
		}
		return report.Allocations[i].Owner < report.Allocations[j].Owner
	})
	return report
}

// SaveCSV saves the report as a CSV file
func (r *Report) SaveCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Owner", "Total Cost", "Direct Cost", "Allocated Cost", "Top Service", "% of Total"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alloc := range r.Allocations {
		pct := 0.0
		if r.TotalCost != 0 {
			pct = alloc.TotalCost / r.TotalCost * 100
		}
		row := []string{
			alloc.Owner,
			fmt.Sprintf("%.2f", alloc.TotalCost),
			fmt.Sprintf("%.2f", alloc.DirectCost),
			fmt.Sprintf("%.2f", alloc.AllocatedCost),
			topKey(alloc.ByService),
			fmt.Sprintf("%.1f%%", pct),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	totalRow := []string{"TOTAL", fmt.Sprintf("%.2f", r.TotalCost), "", "", "", "100.0%"}
	return writer.Write(totalRow)
}

func topKey(m map[string]float64) string {
	best, bestCost := "", 0.0
	for k, v := range m {
		if best == "" || v > bestCost || (v == bestCost && k < best) {
			best, bestCost = k, v
		}
	}
	return best
}
