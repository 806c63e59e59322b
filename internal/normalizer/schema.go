// Package normalizer provides the common schema for raw cloud usage records
// and cleans them into day-granular normalized records.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OwnerTag is the tag key carrying the billing owner.
const OwnerTag = "owner"

// UnknownOwner is the sentinel owner assigned to untagged records.
const UnknownOwner = "owner:unknown"

// DefaultCurrency is used when a record carries none.
const DefaultCurrency = "USD"

// ResourceType is the closed set of resource categories.
type ResourceType string

const (
	ResourceCompute  ResourceType = "compute"
	ResourceDB       ResourceType = "db"
	ResourceStorage  ResourceType = "storage"
	ResourceSaaSSeat ResourceType = "saas_seat"
	ResourceOther    ResourceType = "other"
)

// Valid reports whether t is one of the known resource types.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceCompute, ResourceDB, ResourceStorage, ResourceSaaSSeat, ResourceOther:
		return true
	}
	return false
}

// Utilized reports whether utilization rolls up for this resource type.
func (t ResourceType) Utilized() bool {
	return t == ResourceCompute || t == ResourceDB
}

// ParseResourceType parses s, returning ResourceOther for unknown values.
func ParseResourceType(s string) ResourceType {
	t := ResourceType(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return ResourceOther
}

// RawUsageRecord is one ingestion-time observation as delivered by a source.
type RawUsageRecord struct {
	AccountID        string            `json:"account_id"`
	ServiceName      string            `json:"service_name"`
	ResourceID       string            `json:"resource_id"`
	Timestamp        string            `json:"timestamp,omitempty"`
	UsageDate        string            `json:"usage_date,omitempty"`
	Cost             Number            `json:"cost"`
	UsageQuantity    Number            `json:"usage_quantity"`
	UtilizationScore *Number           `json:"utilization_score,omitempty"`
	Currency         string            `json:"currency,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	Region           string            `json:"region"`

	// DecodeErr is set by sources when the record could not be decoded.
	DecodeErr error `json:"-"`
}

// NormalizedRecord is a RawUsageRecord after cleaning.
type NormalizedRecord struct {
	AccountID      string            `json:"account_id"`
	ServiceName    string            `json:"service_name"`
	ResourceID     string            `json:"resource_id"`
	ResourceType   ResourceType      `json:"resource_type"`
	Region         string            `json:"region"`
	Currency       string            `json:"currency"`
	UsageTimestamp time.Time         `json:"usage_timestamp"`
	UsageDate      time.Time         `json:"usage_date"`
	Cost           float64           `json:"cost"`          // signed, credits stay negative
	CreditAmount   float64           `json:"credit_amount"` // magnitude of the negative part
	UsageQuantity  float64           `json:"usage_quantity"`
	Utilization    *float64          `json:"utilization_score,omitempty"`
	Tags           map[string]string `json:"tags"`

	// SourceCount is how many raw records were merged into this one.
	SourceCount int `json:"source_count"`
	// DuplicatesDropped counts exact duplicates discarded while merging.
	DuplicatesDropped int `json:"duplicates_dropped"`
}

// GrossCost returns the cost clamped at zero.
func (r NormalizedRecord) GrossCost() float64 {
	if r.Cost < 0 {
		return 0
	}
	return r.Cost
}

// Owner returns the billing owner tag.
func (r NormalizedRecord) Owner() string {
	if o := r.Tags[OwnerTag]; o != "" {
		return o
	}
	return UnknownOwner
}

// DateKey formats a usage date the way keys and storage expect it.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Number is a float that accepts JSON numbers, numeric strings and null.
type Number struct {
	Value float64
	Set   bool
	Err   error
}

// NewNumber wraps v.
func NewNumber(v float64) Number {
	return Number{Value: v, Set: true}
}

// UnmarshalJSON coerces numbers and numeric strings. Unparseable input is
// kept as Err so the normalizer can reject the record instead of the decoder
// failing the whole batch.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		*n = Number{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*n = Number{Err: err}
			return nil
		}
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
		if s == "" {
			*n = Number{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*n = Number{Err: fmt.Errorf("parse %q: %w", s, err)}
			return nil
		}
		*n = Number{Value: v, Set: true}
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		*n = Number{Err: fmt.Errorf("parse %s: %w", data, err)}
		return nil
	}
	*n = Number{Value: v, Set: true}
	return nil
}

// MarshalJSON writes the value, or null when unset.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Set {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// resourceTypeRules maps service-name fragments to resource types. Order
// matters: the first matching fragment wins.
var resourceTypeRules = []struct {
	fragment string
	kind     ResourceType
}{
	{"license", ResourceSaaSSeat},
	{"seat", ResourceSaaSSeat},
	{"slack", ResourceSaaSSeat},
	{"saas", ResourceSaaSSeat},
	{"office 365", ResourceSaaSSeat},
	{"rds", ResourceDB},
	{"database", ResourceDB},
	{"dynamodb", ResourceDB},
	{"aurora", ResourceDB},
	{"cloud sql", ResourceDB},
	{"sql", ResourceDB},
	{"s3", ResourceStorage},
	{"storage", ResourceStorage},
	{"glacier", ResourceStorage},
	{"ebs", ResourceStorage},
	{"ec2", ResourceCompute},
	{"compute", ResourceCompute},
	{"virtual machines", ResourceCompute},
	{"lambda", ResourceCompute},
	{"functions", ResourceCompute},
}

// InferResourceType maps a service name to a resource type.
func InferResourceType(serviceName string) ResourceType {
	name := strings.ToLower(serviceName)
	for _, rule := range resourceTypeRules {
		if strings.Contains(name, rule.fragment) {
			return rule.kind
		}
	}
	return ResourceOther
}

// SimplifyServiceName strips vendor prefixes for display.
func SimplifyServiceName(serviceName string) string {
	s := strings.TrimSpace(serviceName)
	for _, prefix := range []string{"Amazon ", "AWS ", "Azure ", "Google Cloud ", "GCP "} {
		s = strings.TrimPrefix(s, prefix)
	}
	return strings.ToUpper(s)
}
