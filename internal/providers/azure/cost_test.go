package azure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-guardian/internal/config"
)

func columns(names ...string) []*armcostmanagement.QueryColumn {
	out := make([]*armcostmanagement.QueryColumn, 0, len(names))
	for _, n := range names {
		out = append(out, &armcostmanagement.QueryColumn{Name: toPtr(n)})
	}
	return out
}

type fakeQuery struct {
	scopes []string
	query  armcostmanagement.QueryDefinition
	result armcostmanagement.QueryClientUsageResponse
	err    error
}

func (f *fakeQuery) Usage(_ context.Context, scope string, q armcostmanagement.QueryDefinition, _ *armcostmanagement.QueryClientUsageOptions) (armcostmanagement.QueryClientUsageResponse, error) {
	f.scopes = append(f.scopes, scope)
	f.query = q
	return f.result, f.err
}

func TestParseRows(t *testing.T) {
	cols := columns("totalCost", "UsageDate", "ResourceId", "ServiceName", "Currency")
	rows := [][]any{
		{12.5, float64(20240301), "/subscriptions/sub-1/resourceGroups/RG/providers/Microsoft.Compute/virtualMachines/VM1", "Virtual Machines", "USD"},
		{"-2.25", "2024-03-02T00:00:00Z", "/subscriptions/sub-1/storageAccounts/logs", "Storage", "USD"},
		{1.0, nil, "x", "Storage", "USD"},
		{"bad", float64(20240303), "y", "Storage", "USD"},
	}

	records, skipped := parseRows("sub-1", cols, rows)
	assert.Equal(t, 1, skipped)
	require.Len(t, records, 3)

	assert.Equal(t, "sub-1", records[0].AccountID)
	assert.Equal(t, "Virtual Machines", records[0].ServiceName)
	assert.Equal(t, "/subscriptions/sub-1/resourcegroups/rg/providers/microsoft.compute/virtualmachines/vm1", records[0].ResourceID)
	assert.Equal(t, "2024-03-01", records[0].UsageDate)
	assert.Equal(t, 12.5, records[0].Cost.Value)
	assert.Equal(t, "USD", records[0].Currency)

	assert.Equal(t, "2024-03-02", records[1].UsageDate)
	assert.Equal(t, -2.25, records[1].Cost.Value)

	assert.Error(t, records[2].Cost.Err)
}

func TestFetchQueriesEachSubscription(t *testing.T) {
	api := &fakeQuery{}
	api.result.Properties = &armcostmanagement.QueryProperties{
		Columns: columns("UsageDate", "totalCost", "ServiceName", "ResourceId"),
		Rows:    [][]any{{float64(20240301), 3.0, "Storage", "disk-1"}},
	}
	src := NewSource(api, config.AzureConfig{SubscriptionIDs: []string{"sub-1", "sub-2"}}, nil)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	records, err := src.Fetch(context.Background(), start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"/subscriptions/sub-1", "/subscriptions/sub-2"}, api.scopes)
	require.Len(t, records, 2)
	assert.Equal(t, "sub-2", records[1].AccountID)

	require.NotNil(t, api.query.TimePeriod)
	assert.Equal(t, start, *api.query.TimePeriod.From)
	assert.True(t, api.query.TimePeriod.To.Before(start.AddDate(0, 0, 1)), "end is exclusive")
	assert.Equal(t, granularityDaily, *api.query.Dataset.Granularity)
}

func TestFetchError(t *testing.T) {
	src := NewSource(&fakeQuery{err: errors.New("forbidden")}, config.AzureConfig{SubscriptionIDs: []string{"sub-1"}}, nil)
	_, err := src.Fetch(context.Background(), time.Now(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-1")
}
