package normalizer

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cost-guardian/internal/errs"
)

// CostPrecision is the number of fractional digits kept on currency amounts.
const CostPrecision = 4

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Normalize cleans a single raw record. It is a pure function.
func Normalize(raw RawUsageRecord) (NormalizedRecord, error) {
	if raw.DecodeErr != nil {
		return NormalizedRecord{}, &errs.ValidationError{Reason: errs.ReasonMalformedRecord, Detail: raw.DecodeErr.Error()}
	}
	accountID := strings.TrimSpace(raw.AccountID)
	serviceName := strings.TrimSpace(raw.ServiceName)
	resourceID := strings.TrimSpace(raw.ResourceID)

	switch {
	case accountID == "":
		return NormalizedRecord{}, &errs.ValidationError{Reason: errs.ReasonMissingRequiredField, Field: "account_id"}
	case serviceName == "":
		return NormalizedRecord{}, &errs.ValidationError{Reason: errs.ReasonMissingRequiredField, Field: "service_name"}
	case resourceID == "":
		return NormalizedRecord{}, &errs.ValidationError{Reason: errs.ReasonMissingRequiredField, Field: "resource_id"}
	}

	ts, err := parseTimestamp(raw)
	if err != nil {
		return NormalizedRecord{}, err
	}

	cost, err := coerce("cost", raw.Cost)
	if err != nil {
		return NormalizedRecord{}, err
	}
	quantity, err := coerce("usage_quantity", raw.UsageQuantity)
	if err != nil {
		return NormalizedRecord{}, err
	}

	var utilization *float64
	if raw.UtilizationScore != nil && raw.UtilizationScore.Set {
		u, err := coerce("utilization_score", *raw.UtilizationScore)
		if err != nil {
			return NormalizedRecord{}, err
		}
		u = math.Max(0, math.Min(1, u))
		utilization = &u
	}

	cost = Round(cost)
	credit := 0.0
	if cost < 0 {
		credit = -cost
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	return NormalizedRecord{
		AccountID:      accountID,
		ServiceName:    serviceName,
		ResourceID:     resourceID,
		ResourceType:   InferResourceType(serviceName),
		Region:         strings.TrimSpace(raw.Region),
		Currency:       currency,
		UsageTimestamp: ts,
		UsageDate:      time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		Cost:           cost,
		CreditAmount:   credit,
		UsageQuantity:  Round(math.Max(0, quantity)),
		Utilization:    utilization,
		Tags:           normalizeTags(raw.Tags),
		SourceCount:    1,
	}, nil
}

// Round rounds an amount to CostPrecision fractional digits.
func Round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(CostPrecision).InexactFloat64()
}

func parseTimestamp(raw RawUsageRecord) (time.Time, error) {
	value := strings.TrimSpace(raw.Timestamp)
	if value == "" {
		value = strings.TrimSpace(raw.UsageDate)
	}
	if value == "" {
		return time.Time{}, &errs.ValidationError{Reason: errs.ReasonInvalidTimestamp, Field: "timestamp", Detail: "empty"}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			if ts.IsZero() {
				break
			}
			return ts.UTC(), nil
		}
	}
	return time.Time{}, &errs.ValidationError{Reason: errs.ReasonInvalidTimestamp, Field: "timestamp", Detail: value}
}

func coerce(field string, n Number) (float64, error) {
	if n.Err != nil {
		return 0, &errs.ValidationError{Reason: errs.ReasonInvalidNumber, Field: field, Detail: n.Err.Error()}
	}
	if !n.Set {
		return 0, nil
	}
	if math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
		return 0, &errs.ValidationError{Reason: errs.ReasonInvalidNumber, Field: field}
	}
	return n.Value, nil
}

// normalizeTags copies tags, lowercasing the owner key and filling the sentinel.
func normalizeTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		if strings.EqualFold(k, OwnerTag) {
			if v != "" {
				out[OwnerTag] = v
			}
			continue
		}
		out[k] = v
	}
	if out[OwnerTag] == "" {
		out[OwnerTag] = UnknownOwner
	}
	return out
}
