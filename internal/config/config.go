// Package config provides configuration management for Cost Guardian
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/chargeback"
	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
)

// Config holds all configuration
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Severity   SeverityConfig   `yaml:"severity"`
	Rules      RulesConfig      `yaml:"rules"`
	Cache      CacheConfig      `yaml:"cache"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Forecast   ForecastConfig   `yaml:"forecast"`
	AWS        AWSConfig        `yaml:"aws"`
	Azure      AzureConfig      `yaml:"azure"`
	GCP        GCPConfig        `yaml:"gcp"`
	Budgets    []Budget         `yaml:"budgets"`
	Chargeback ChargebackConfig `yaml:"chargeback"`
	Reporter   ReporterConfig   `yaml:"reporter"`
}

// StoreConfig selects the database
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite, postgres
	DSN      string `yaml:"dsn"`
	LogLevel string `yaml:"log_level"` // silent, error, warn, info
}

// PipelineConfig tunes batch execution
type PipelineConfig struct {
	Workers          int `yaml:"workers"`
	DeadLetterSample int `yaml:"dead_letter_sample"` // sample keys kept in the batch summary
}

// CatalogConfig extends the built-in service catalog
type CatalogConfig struct {
	DisableDefaults bool           `yaml:"disable_defaults"`
	Services        []CatalogEntry `yaml:"services"`
}

// CatalogEntry maps one service name to a service ID
type CatalogEntry struct {
	Name         string `yaml:"name"`
	ServiceID    string `yaml:"service_id"`
	ResourceType string `yaml:"resource_type"`
}

// AnomalyConfig configures anomaly detection
type AnomalyConfig struct {
	WindowDays       int     `yaml:"window_days"`
	MinBaselineDays  int     `yaml:"min_baseline_days"`
	SpikeStdDevs     float64 `yaml:"spike_std_devs"`
	SpikeMinDelta    float64 `yaml:"spike_min_delta"`
	IdleUtilization  float64 `yaml:"idle_utilization"`
	IdleMinDays      int     `yaml:"idle_min_days"`
	IdleMinDailyCost float64 `yaml:"idle_min_daily_cost"`
}

// SeverityConfig maps projected monthly waste to severities
type SeverityConfig struct {
	CriticalWaste       float64 `yaml:"critical_waste"`
	HighWaste           float64 `yaml:"high_waste"`
	MediumWaste         float64 `yaml:"medium_waste"`
	CriticalUtilization float64 `yaml:"critical_utilization"`
}

// RulesConfig configures rule-based recommendations
type RulesConfig struct {
	ResizeFactor         float64 `yaml:"resize_factor"`
	TerminateFactor      float64 `yaml:"terminate_factor"`
	IdleSeatLookbackDays int     `yaml:"idle_seat_lookback_days"`
	IdleSeatMinDays      int     `yaml:"idle_seat_min_days"`
	UntaggedResource     bool    `yaml:"untagged_resource"`
}

// CacheConfig configures the dashboard query cache
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ForecastConfig selects the forecaster
type ForecastConfig struct {
	Method      string `yaml:"method"` // trailing_mean, aws
	WindowDays  int    `yaml:"window_days"`
	HorizonDays int    `yaml:"horizon_days"`
}

// AWSConfig holds AWS-specific configuration
type AWSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	RoleARN      string   `yaml:"role_arn"`
	Region       string   `yaml:"region"`
	AccountIDs   []string `yaml:"account_ids"`
	Granularity  string   `yaml:"granularity"` // DAILY, MONTHLY
	LookbackDays int      `yaml:"lookback_days"`
}

// AzureConfig holds Azure-specific configuration
type AzureConfig struct {
	Enabled         bool     `yaml:"enabled"`
	TenantID        string   `yaml:"tenant_id"`
	SubscriptionIDs []string `yaml:"subscription_ids"`
	UseMSI          bool     `yaml:"use_msi"`
	LookbackDays    int      `yaml:"lookback_days"`
}

// GCPConfig holds GCP-specific configuration
type GCPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BillingAccount string `yaml:"billing_account"`
	ProjectID      string `yaml:"project_id"`
	WIFConfigPath  string `yaml:"wif_config_path"`
}

// Budget defines a budget threshold
type Budget struct {
	Name         string  `yaml:"name"`
	Scope        string  `yaml:"scope"` // account ID, service ID, owner tag, or "all"
	MonthlyLimit float64 `yaml:"monthly_limit"`
	AlertAt      []int   `yaml:"alert_at"` // percentages to alert at (e.g., 50, 75, 90, 100)
}

// ChargebackConfig configures owner showback
type ChargebackConfig struct {
	FallbackTag     string                      `yaml:"fallback_tag"`
	UntaggedPool    string                      `yaml:"untagged_pool"`
	SharedCostSplit []chargeback.SharedCostRule `yaml:"shared_cost_split"`
}

// ReporterConfig configures report generation
type ReporterConfig struct {
	OutputDir    string `yaml:"output_dir"`
	HTMLTemplate string `yaml:"html_template"`
}

// Default returns a configuration with every threshold set.
func Default() *Config {
	det := anomaly.DefaultConfig()
	rules := recommend.DefaultConfig()
	return &Config{
		Store:    StoreConfig{Driver: "sqlite", DSN: "cost-guardian.db", LogLevel: "warn"},
		Pipeline: PipelineConfig{Workers: 4, DeadLetterSample: 5},
		Anomaly: AnomalyConfig{
			WindowDays:       det.WindowDays,
			MinBaselineDays:  det.MinBaselineDays,
			SpikeStdDevs:     det.SpikeStdDevs,
			SpikeMinDelta:    det.SpikeMinDelta,
			IdleUtilization:  det.IdleUtilization,
			IdleMinDays:      det.IdleMinDays,
			IdleMinDailyCost: det.IdleMinDailyCost,
		},
		Severity: SeverityConfig{
			CriticalWaste:       det.Severity.CriticalWaste,
			HighWaste:           det.Severity.HighWaste,
			MediumWaste:         det.Severity.MediumWaste,
			CriticalUtilization: det.Severity.CriticalUtilization,
		},
		Rules: RulesConfig{
			ResizeFactor:         rules.ResizeFactor,
			TerminateFactor:      rules.TerminateFactor,
			IdleSeatLookbackDays: rules.IdleSeatLookbackDays,
			IdleSeatMinDays:      rules.IdleSeatMinDays,
			UntaggedResource:     rules.UntaggedRule,
		},
		Cache:    CacheConfig{Enabled: true, TTL: 5 * time.Minute},
		Metrics:  MetricsConfig{Addr: ":9090"},
		Forecast: ForecastConfig{Method: "trailing_mean", WindowDays: 30, HorizonDays: 30},
		AWS:      AWSConfig{Region: "us-east-1", Granularity: "DAILY", LookbackDays: 30},
		Azure:    AzureConfig{LookbackDays: 30},
		Reporter: ReporterConfig{OutputDir: "./reports"},
	}
}

// Load loads configuration from a YAML file over Default and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns a *errs.ConfigurationError for the first missing or
// out-of-range setting.
func (c *Config) Validate() error {
	bad := func(field, reason string) error {
		return &errs.ConfigurationError{Field: field, Reason: reason}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return bad("store.driver", fmt.Sprintf("unsupported driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		return bad("store.dsn", "required")
	}

	a := c.Anomaly
	switch {
	case a.WindowDays < 1:
		return bad("anomaly.window_days", "must be at least 1")
	case a.MinBaselineDays < 1 || a.MinBaselineDays >= a.WindowDays:
		return bad("anomaly.min_baseline_days", "must be between 1 and window_days-1")
	case a.SpikeStdDevs <= 0:
		return bad("anomaly.spike_std_devs", "must be positive")
	case a.SpikeMinDelta < 0:
		return bad("anomaly.spike_min_delta", "must not be negative")
	case a.IdleUtilization <= 0 || a.IdleUtilization > 1:
		return bad("anomaly.idle_utilization", "must be in (0, 1]")
	case a.IdleMinDays < 1 || a.IdleMinDays > a.WindowDays:
		return bad("anomaly.idle_min_days", "must be between 1 and window_days")
	case a.IdleMinDailyCost < 0:
		return bad("anomaly.idle_min_daily_cost", "must not be negative")
	}

	s := c.Severity
	switch {
	case s.MediumWaste < 0:
		return bad("severity.medium_waste", "must not be negative")
	case s.HighWaste <= s.MediumWaste:
		return bad("severity.high_waste", "must exceed medium_waste")
	case s.CriticalWaste <= s.HighWaste:
		return bad("severity.critical_waste", "must exceed high_waste")
	case s.CriticalUtilization < 0 || s.CriticalUtilization > 1:
		return bad("severity.critical_utilization", "must be in [0, 1]")
	}

	r := c.Rules
	switch {
	case r.ResizeFactor < 0 || r.ResizeFactor > 1:
		return bad("rules.resize_factor", "must be in [0, 1]")
	case r.TerminateFactor < 0 || r.TerminateFactor > 1:
		return bad("rules.terminate_factor", "must be in [0, 1]")
	case r.IdleSeatMinDays < 1:
		return bad("rules.idle_seat_min_days", "must be at least 1")
	case r.IdleSeatLookbackDays < r.IdleSeatMinDays:
		return bad("rules.idle_seat_lookback_days", "must be at least idle_seat_min_days")
	}

	for i, e := range c.Catalog.Services {
		field := fmt.Sprintf("catalog.services[%d]", i)
		if e.Name == "" || e.ServiceID == "" {
			return bad(field, "name and service_id are required")
		}
		if e.ResourceType != "" && !normalizer.ResourceType(e.ResourceType).Valid() {
			return bad(field+".resource_type", fmt.Sprintf("unknown resource type %q", e.ResourceType))
		}
	}
	if c.Catalog.DisableDefaults && len(c.Catalog.Services) == 0 {
		return bad("catalog.services", "required when disable_defaults is set")
	}

	switch c.Forecast.Method {
	case "trailing_mean", "aws":
	default:
		return bad("forecast.method", fmt.Sprintf("unsupported method %q", c.Forecast.Method))
	}

	for i, b := range c.Budgets {
		field := fmt.Sprintf("budgets[%d]", i)
		if b.Name == "" {
			return bad(field+".name", "required")
		}
		if b.MonthlyLimit <= 0 {
			return bad(field+".monthly_limit", "must be positive")
		}
		for _, pct := range b.AlertAt {
			if pct <= 0 {
				return bad(field+".alert_at", "percentages must be positive")
			}
		}
	}
	return nil
}

// DetectorConfig converts the anomaly and severity sections.
func (c *Config) DetectorConfig() anomaly.Config {
	return anomaly.Config{
		WindowDays:       c.Anomaly.WindowDays,
		MinBaselineDays:  c.Anomaly.MinBaselineDays,
		SpikeStdDevs:     c.Anomaly.SpikeStdDevs,
		SpikeMinDelta:    c.Anomaly.SpikeMinDelta,
		IdleUtilization:  c.Anomaly.IdleUtilization,
		IdleMinDays:      c.Anomaly.IdleMinDays,
		IdleMinDailyCost: c.Anomaly.IdleMinDailyCost,
		Severity:         c.severity(),
		Workers:          c.Pipeline.Workers,
	}
}

// RecommendConfig converts the rules and severity sections.
func (c *Config) RecommendConfig() recommend.Config {
	return recommend.Config{
		ResizeFactor:         c.Rules.ResizeFactor,
		TerminateFactor:      c.Rules.TerminateFactor,
		CostWindowDays:       c.Anomaly.WindowDays,
		IdleSeatLookbackDays: c.Rules.IdleSeatLookbackDays,
		IdleSeatMinDays:      c.Rules.IdleSeatMinDays,
		UntaggedRule:         c.Rules.UntaggedResource,
		Severity:             c.severity(),
	}
}

func (c *Config) severity() anomaly.SeverityConfig {
	return anomaly.SeverityConfig{
		CriticalWaste:       c.Severity.CriticalWaste,
		HighWaste:           c.Severity.HighWaste,
		MediumWaste:         c.Severity.MediumWaste,
		CriticalUtilization: c.Severity.CriticalUtilization,
	}
}

// ServiceCatalog builds the catalog from the defaults plus configured
// entries.
func (c *Config) ServiceCatalog() *aggregator.StaticCatalog {
	extra := make(map[string]aggregator.ServiceEntry, len(c.Catalog.Services))
	for _, e := range c.Catalog.Services {
		rt := normalizer.ResourceType(e.ResourceType)
		if e.ResourceType == "" {
			rt = normalizer.InferResourceType(e.Name)
		}
		extra[e.Name] = aggregator.ServiceEntry{ServiceID: e.ServiceID, ResourceType: rt}
	}
	if c.Catalog.DisableDefaults {
		return aggregator.NewStaticCatalog(extra)
	}
	return aggregator.DefaultCatalog().With(extra)
}

// AllocatorConfig converts the chargeback section.
func (c *Config) AllocatorConfig() chargeback.AllocatorConfig {
	return chargeback.AllocatorConfig{
		FallbackTag:     c.Chargeback.FallbackTag,
		UntaggedPool:    c.Chargeback.UntaggedPool,
		SharedCostSplit: c.Chargeback.SharedCostSplit,
	}
}
