package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

func record(t *testing.T, ts string, cost float64, tags map[string]string) normalizer.NormalizedRecord {
	t.Helper()
	rec, err := normalizer.Normalize(normalizer.RawUsageRecord{
		AccountID:   "acct-1",
		ServiceName: "Amazon EC2",
		ResourceID:  "i-prod-web01",
		Timestamp:   ts,
		Cost:        normalizer.NewNumber(cost),
		Region:      "us-east-1",
		Tags:        tags,
	})
	require.NoError(t, err)
	return rec
}

func TestDeduplicateSumsDistinctObservations(t *testing.T) {
	out := Deduplicate([]normalizer.NormalizedRecord{
		record(t, "2024-03-05T01:00:00Z", 5, nil),
		record(t, "2024-03-05T13:00:00Z", 7, nil),
	})

	require.Len(t, out, 1)
	assert.Equal(t, 12.0, out[0].Cost)
	assert.Equal(t, 2, out[0].SourceCount)
	assert.Equal(t, 0, out[0].DuplicatesDropped)
	assert.Equal(t, time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC), out[0].UsageTimestamp)
}

func TestDeduplicateDropsExactDuplicates(t *testing.T) {
	out := Deduplicate([]normalizer.NormalizedRecord{
		record(t, "2024-03-05T01:00:00Z", 15, nil),
		record(t, "2024-03-05T01:00:00Z", 15, nil),
	})

	require.Len(t, out, 1)
	assert.Equal(t, 15.0, out[0].Cost)
	assert.Equal(t, 2, out[0].SourceCount)
	assert.Equal(t, 1, out[0].DuplicatesDropped)
}

func TestDeduplicateKeepsDaysApart(t *testing.T) {
	out := Deduplicate([]normalizer.NormalizedRecord{
		record(t, "2024-03-06T01:00:00Z", 15, nil),
		record(t, "2024-03-05T01:00:00Z", 15, nil),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "2024-03-05", normalizer.DateKey(out[0].UsageDate))
	assert.Equal(t, "2024-03-06", normalizer.DateKey(out[1].UsageDate))
}

func TestDeduplicateLatestTagsWin(t *testing.T) {
	out := Deduplicate([]normalizer.NormalizedRecord{
		record(t, "2024-03-05T13:00:00Z", 1, map[string]string{"env": "prod"}),
		record(t, "2024-03-05T01:00:00Z", 1, map[string]string{"env": "staging", "owner": "team:web"}),
	})

	require.Len(t, out, 1)
	assert.Equal(t, "prod", out[0].Tags["env"])
	assert.Equal(t, "team:web", out[0].Tags["owner"], "sentinel must not clobber a real owner")
}

func TestDeduplicateOrderIndependent(t *testing.T) {
	a := record(t, "2024-03-05T01:00:00Z", 5, nil)
	b := record(t, "2024-03-05T13:00:00Z", 7, nil)
	c := record(t, "2024-03-05T13:00:00Z", 7, nil)

	first := Deduplicate([]normalizer.NormalizedRecord{a, b, c})
	second := Deduplicate([]normalizer.NormalizedRecord{c, a, b})
	assert.Equal(t, first, second)
}

func TestDeduplicateEmpty(t *testing.T) {
	assert.Empty(t, Deduplicate(nil))
}
