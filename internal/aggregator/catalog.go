package aggregator

import (
	"strings"

	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// ServiceEntry is what the service catalog knows about a service name.
type ServiceEntry struct {
	ServiceID    string
	ResourceType normalizer.ResourceType
}

// ServiceCatalog resolves service names to service IDs. Implementations
// must be safe for concurrent use; Resolve is called from worker goroutines.
type ServiceCatalog interface {
	Resolve(serviceName string) (ServiceEntry, error)
}

// StaticCatalog is a read-only, in-memory ServiceCatalog.
type StaticCatalog struct {
	entries map[string]ServiceEntry
}

// NewStaticCatalog builds a catalog from service name → entry. Names match
// case-insensitively.
func NewStaticCatalog(entries map[string]ServiceEntry) *StaticCatalog {
	c := &StaticCatalog{entries: make(map[string]ServiceEntry, len(entries))}
	for name, entry := range entries {
		c.entries[catalogKey(name)] = entry
	}
	return c
}

// With returns a copy of c with extra entries layered on top.
func (c *StaticCatalog) With(extra map[string]ServiceEntry) *StaticCatalog {
	merged := make(map[string]ServiceEntry, len(c.entries)+len(extra))
	for k, v := range c.entries {
		merged[k] = v
	}
	for name, entry := range extra {
		merged[catalogKey(name)] = entry
	}
	return &StaticCatalog{entries: merged}
}

// Resolve implements ServiceCatalog.
func (c *StaticCatalog) Resolve(serviceName string) (ServiceEntry, error) {
	entry, ok := c.entries[catalogKey(serviceName)]
	if !ok || entry.ServiceID == "" {
		return ServiceEntry{}, &errs.ResolutionError{ServiceName: serviceName, Err: errs.ErrNotFound}
	}
	if !entry.ResourceType.Valid() {
		entry.ResourceType = normalizer.InferResourceType(serviceName)
	}
	return entry, nil
}

// Len returns the number of known service names.
func (c *StaticCatalog) Len() int { return len(c.entries) }

func catalogKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultCatalog covers the common AWS, Azure and GCP service names plus
// the SaaS seats seen in billing exports.
func DefaultCatalog() *StaticCatalog {
	compute := normalizer.ResourceCompute
	db := normalizer.ResourceDB
	storage := normalizer.ResourceStorage
	seat := normalizer.ResourceSaaSSeat
	other := normalizer.ResourceOther

	return NewStaticCatalog(map[string]ServiceEntry{
		// aws
		"Amazon Elastic Compute Cloud - Compute": {"aws-ec2", compute},
		"Amazon Elastic Compute Cloud":           {"aws-ec2", compute},
		"Amazon EC2":                             {"aws-ec2", compute},
		"EC2":                                    {"aws-ec2", compute},
		"Amazon Relational Database Service":     {"aws-rds", db},
		"Amazon RDS":                             {"aws-rds", db},
		"RDS":                                    {"aws-rds", db},
		"Amazon Simple Storage Service":          {"aws-s3", storage},
		"Amazon S3":                              {"aws-s3", storage},
		"S3":                                     {"aws-s3", storage},
		"AWS Lambda":                             {"aws-lambda", compute},
		"Amazon Virtual Private Cloud":           {"aws-vpc", other},
		"Amazon CloudWatch":                      {"aws-cloudwatch", other},
		// azure
		"Virtual Machines":   {"azure-vm", compute},
		"Azure SQL Database": {"azure-sql", db},
		"Storage":            {"azure-storage", storage},
		"Azure Functions":    {"azure-functions", compute},
		"Virtual Network":    {"azure-vnet", other},
		"Azure Monitor":      {"azure-monitor", other},
		// gcp
		"Compute Engine":        {"gcp-compute", compute},
		"Cloud SQL":             {"gcp-sql", db},
		"Cloud Storage":         {"gcp-storage", storage},
		"Cloud Functions":       {"gcp-functions", compute},
		"Virtual Private Cloud": {"gcp-vpc", other},
		"Cloud Monitoring":      {"gcp-monitoring", other},
		// saas
		"Slack":         {"saas-slack", seat},
		"Slack License": {"saas-slack", seat},
	})
}
