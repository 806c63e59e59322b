package normalizer

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-guardian/internal/errs"
)

func TestNormalizeFloorsTimestampToDay(t *testing.T) {
	rec, err := Normalize(RawUsageRecord{
		AccountID:   "acct-1",
		ServiceName: "Amazon EC2",
		ResourceID:  "i-prod-web01",
		Timestamp:   "2024-03-05T17:42:10-05:00",
		Cost:        NewNumber(15),
	})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 5, 22, 42, 10, 0, time.UTC), rec.UsageTimestamp)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), rec.UsageDate)
	assert.Equal(t, ResourceCompute, rec.ResourceType)
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, 1, rec.SourceCount)
}

func TestNormalizeDefaultsOwner(t *testing.T) {
	rec, err := Normalize(RawUsageRecord{
		AccountID:   "acct-1",
		ServiceName: "Amazon S3",
		ResourceID:  "bucket-a",
		UsageDate:   "2024-03-05",
		Tags:        map[string]string{"env": "prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, UnknownOwner, rec.Tags[OwnerTag])
	assert.Equal(t, UnknownOwner, rec.Owner())
	assert.Equal(t, "prod", rec.Tags["env"])

	rec, err = Normalize(RawUsageRecord{
		AccountID:   "acct-1",
		ServiceName: "Amazon S3",
		ResourceID:  "bucket-a",
		UsageDate:   "2024-03-05",
		Tags:        map[string]string{"Owner": "team:storage"},
	})
	require.NoError(t, err)
	assert.Equal(t, "team:storage", rec.Owner())
}

func TestNormalizeKeepsCredits(t *testing.T) {
	rec, err := Normalize(RawUsageRecord{
		AccountID:     "acct-1",
		ServiceName:   "Amazon EC2",
		ResourceID:    "i-1",
		UsageDate:     "2024-03-05",
		Cost:          NewNumber(-3),
		UsageQuantity: NewNumber(-1),
	})
	require.NoError(t, err)
	assert.Equal(t, -3.0, rec.Cost)
	assert.Equal(t, 3.0, rec.CreditAmount)
	assert.Equal(t, 0.0, rec.GrossCost())
	assert.Equal(t, 0.0, rec.UsageQuantity)
}

func TestNormalizeRoundsCost(t *testing.T) {
	rec, err := Normalize(RawUsageRecord{
		AccountID:   "acct-1",
		ServiceName: "Amazon EC2",
		ResourceID:  "i-1",
		UsageDate:   "2024-03-05",
		Cost:        NewNumber(1.234567),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.2346, rec.Cost)
}

func TestNormalizeRejections(t *testing.T) {
	tests := []struct {
		name   string
		raw    RawUsageRecord
		reason string
	}{
		{
			name:   "missing account",
			raw:    RawUsageRecord{ServiceName: "EC2", ResourceID: "i-1", UsageDate: "2024-03-05"},
			reason: errs.ReasonMissingRequiredField,
		},
		{
			name:   "missing service",
			raw:    RawUsageRecord{AccountID: "a", ResourceID: "i-1", UsageDate: "2024-03-05"},
			reason: errs.ReasonMissingRequiredField,
		},
		{
			name:   "missing resource",
			raw:    RawUsageRecord{AccountID: "a", ServiceName: "EC2", UsageDate: "2024-03-05"},
			reason: errs.ReasonMissingRequiredField,
		},
		{
			name:   "empty timestamp",
			raw:    RawUsageRecord{AccountID: "a", ServiceName: "EC2", ResourceID: "i-1"},
			reason: errs.ReasonInvalidTimestamp,
		},
		{
			name:   "garbage timestamp",
			raw:    RawUsageRecord{AccountID: "a", ServiceName: "EC2", ResourceID: "i-1", Timestamp: "yesterday"},
			reason: errs.ReasonInvalidTimestamp,
		},
		{
			name:   "impossible date",
			raw:    RawUsageRecord{AccountID: "a", ServiceName: "EC2", ResourceID: "i-1", UsageDate: "2024-02-30"},
			reason: errs.ReasonInvalidTimestamp,
		},
		{
			name:   "nan cost",
			raw:    RawUsageRecord{AccountID: "a", ServiceName: "EC2", ResourceID: "i-1", UsageDate: "2024-03-05", Cost: NewNumber(math.NaN())},
			reason: errs.ReasonInvalidNumber,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			require.Error(t, err)
			assert.Equal(t, tt.reason, errs.Reason(err))
		})
	}
}

func TestRawRecordCoercesNumbers(t *testing.T) {
	payload := `{
		"account_id": "acct-1",
		"service_name": "Slack License",
		"resource_id": "slack-license",
		"timestamp": "2024-03-05",
		"cost": "0.40",
		"usage_quantity": 3,
		"utilization_score": "0",
		"region": "global"
	}`
	var raw RawUsageRecord
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))

	rec, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, 0.4, rec.Cost)
	assert.Equal(t, 3.0, rec.UsageQuantity)
	require.NotNil(t, rec.Utilization)
	assert.Equal(t, 0.0, *rec.Utilization)
	assert.Equal(t, ResourceSaaSSeat, rec.ResourceType)
}

func TestRawRecordBadNumberRejectsRecordOnly(t *testing.T) {
	var raw RawUsageRecord
	require.NoError(t, json.Unmarshal([]byte(`{"account_id":"a","service_name":"EC2","resource_id":"i","timestamp":"2024-03-05","cost":"abc"}`), &raw))

	_, err := Normalize(raw)
	assert.Equal(t, errs.ReasonInvalidNumber, errs.Reason(err))
}

func TestNormalizeRejectsUndecodedRecord(t *testing.T) {
	_, err := Normalize(RawUsageRecord{
		AccountID:   "acct-1",
		ServiceName: "Amazon EC2",
		ResourceID:  "i-1",
		UsageDate:   "2024-03-01",
		Cost:        NewNumber(1),
		DecodeErr:   errors.New("record 4: cannot unmarshal number"),
	})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.ReasonMalformedRecord, verr.Reason)
	assert.Contains(t, verr.Detail, "record 4")
}

func TestInferResourceType(t *testing.T) {
	cases := map[string]ResourceType{
		"Amazon Elastic Compute Cloud - Compute": ResourceCompute,
		"Amazon EC2":                             ResourceCompute,
		"Amazon Relational Database Service":     ResourceDB,
		"Amazon RDS":                             ResourceDB,
		"Amazon Simple Storage Service":          ResourceStorage,
		"Amazon S3":                              ResourceStorage,
		"Slack License":                          ResourceSaaSSeat,
		"Amazon CloudWatch":                      ResourceOther,
	}
	for name, want := range cases {
		assert.Equal(t, want, InferResourceType(name), name)
	}
}

func TestSimplifyServiceName(t *testing.T) {
	assert.Equal(t, "EC2", SimplifyServiceName("Amazon EC2"))
	assert.Equal(t, "LAMBDA", SimplifyServiceName("AWS Lambda"))
}
