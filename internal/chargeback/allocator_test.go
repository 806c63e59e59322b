package chargeback

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

func usage(account, service string, tags map[string]string, children ...aggregator.ResourceBreakdown) aggregator.DailyUsage {
	return aggregator.DailyUsage{
		AccountID:   account,
		ServiceID:   service,
		ServiceName: service,
		UsageDate:   time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Tags:        tags,
		Children:    children,
	}
}

func child(id, owner string, cost float64) aggregator.ResourceBreakdown {
	return aggregator.ResourceBreakdown{ResourceID: id, Owner: owner, Cost: cost}
}

func sample() []aggregator.DailyUsage {
	return []aggregator.DailyUsage{
		usage("acct-1", "Amazon EC2", nil,
			child("i-1", "team:web", 30),
			child("i-2", "team:data", 10),
		),
		usage("acct-2", "Amazon S3", map[string]string{"cost_center": "cc-42"},
			child("b-1", normalizer.UnknownOwner, 5),
		),
		usage("acct-2", "Amazon RDS", nil,
			child("db-1", normalizer.UnknownOwner, 20),
		),
	}
}

func TestAllocateProportionally(t *testing.T) {
	allocs := NewAllocator(AllocatorConfig{}).Allocate(sample())

	require.Len(t, allocs, 2)
	web := allocs["team:web"]
	assert.Equal(t, 30.0, web.DirectCost)
	assert.InDelta(t, 30+25*0.75, web.TotalCost, 1e-9)
	assert.Equal(t, 30.0, web.ByService["EC2"])
	assert.Equal(t, 30.0, web.ByAccount["acct-1"])
	assert.InDelta(t, 10+25*0.25, allocs["team:data"].TotalCost, 1e-9)
}

func TestAllocateFallbackTagAndPool(t *testing.T) {
	allocs := NewAllocator(AllocatorConfig{FallbackTag: "cost_center", UntaggedPool: "shared"}).Allocate(sample())

	assert.Equal(t, 5.0, allocs["cc-42"].DirectCost)
	assert.Equal(t, 20.0, allocs["shared"].AllocatedCost)
	assert.Equal(t, 20.0, allocs["shared"].ByService["RDS"])
	assert.Equal(t, 30.0, allocs["team:web"].TotalCost)
}

func TestAllocateSharedSplit(t *testing.T) {
	allocs := NewAllocator(AllocatorConfig{
		SharedCostSplit: []SharedCostRule{{Owner: "platform", Percentage: 100}},
	}).Allocate(sample())

	assert.Equal(t, 25.0, allocs["platform"].AllocatedCost)
	assert.Equal(t, 30.0, allocs["team:web"].TotalCost)
}

func TestReportSaveCSV(t *testing.T) {
	allocs := NewAllocator(AllocatorConfig{UntaggedPool: "shared"}).Allocate(sample())
	report := GenerateReport(allocs, "2024-03", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))

	require.Len(t, report.Allocations, 3)
	assert.Equal(t, "team:web", report.Allocations[0].Owner)
	assert.Equal(t, 65.0, report.TotalCost)

	path := filepath.Join(t.TempDir(), "showback.csv")
	require.NoError(t, report.SaveCSV(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, []string{"team:web", "30.00", "30.00", "0.00", "EC2", "46.2%"}, records[1])
	assert.Equal(t, "TOTAL", records[4][0])
}
