package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Setenv("CG_DSN", "postgres://finops@db/costs")
	path := writeConfig(t, `
store:
  driver: postgres
  dsn: ${CG_DSN}
anomaly:
  idle_min_days: 14
rules:
  idle_seat_min_days: 90
cache:
  ttl: 90s
catalog:
  services:
    - name: Acme Seats
      service_id: saas-acme
      resource_type: saas_seat
budgets:
  - name: prod
    scope: acct-1
    monthly_limit: 1000
    alert_at: [50, 100]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://finops@db/costs", cfg.Store.DSN)
	assert.Equal(t, 14, cfg.Anomaly.IdleMinDays)
	assert.Equal(t, 30, cfg.Anomaly.WindowDays, "untouched fields keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 90, cfg.RecommendConfig().IdleSeatMinDays)
	assert.Equal(t, 14, cfg.DetectorConfig().IdleMinDays)

	entry, err := cfg.ServiceCatalog().Resolve("acme seats")
	require.NoError(t, err)
	assert.Equal(t, normalizer.ResourceSaaSSeat, entry.ResourceType)
	_, err = cfg.ServiceCatalog().Resolve("Amazon EC2")
	require.NoError(t, err)
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"driver", "store: {driver: mysql}", "store.driver"},
		{"window", "anomaly: {window_days: 0}", "anomaly.window_days"},
		{"idle", "anomaly: {idle_utilization: 1.5}", "anomaly.idle_utilization"},
		{"severity order", "severity: {high_waste: 500}", "severity.critical_waste"},
		{"resize", "rules: {resize_factor: 2}", "rules.resize_factor"},
		{"catalog", "catalog: {services: [{name: x}]}", "catalog.services[0]"},
		{"budget", "budgets: [{name: b}]", "budgets[0].monthly_limit"},
		{"forecast", "forecast: {method: prophet}", "forecast.method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			var cfgErr *errs.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.Len(t, cfg.Budgets, 1)
	assert.Equal(t, []int{50, 75, 90, 100}, cfg.Budgets[0].AlertAt)

	entry, err := cfg.ServiceCatalog().Resolve("Microsoft 365 E3")
	require.NoError(t, err)
	assert.Equal(t, normalizer.ResourceSaaSSeat, entry.ResourceType)
}
