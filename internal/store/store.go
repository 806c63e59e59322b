// Package store persists DailyUsage rows, anomalies, recommendations and
// dead letters through gorm. SQLite backs local runs and tests, PostgreSQL
// backs shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
)

// inChunk bounds the number of bound parameters in IN (...) clauses.
const inChunk = 500

// Options selects and tunes the backing database.
type Options struct {
	Driver   string // sqlite | postgres
	DSN      string
	LogLevel string // silent | error | warn | info
}

// DB is the gorm-backed store.
type DB struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(opts Options, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch opts.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(opts.DSN)
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, &errs.ConfigurationError{Field: "store.driver", Reason: fmt.Sprintf("unsupported driver %q", opts.Driver)}
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(logger, opts.LogLevel),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Driver, err)
	}

	if opts.Driver != "postgres" {
		// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&usageRow{}, &resourceRow{}, &anomalyRow{}, &recommendationRow{}, &deadLetterRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("Store opened", zap.String("driver", dialector.Name()))
	return &DB{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *DB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UsageFilter narrows a usage query. Zero fields match everything.
type UsageFilter struct {
	AccountID    string
	ServiceID    string
	ResourceType normalizer.ResourceType
	ResourceID   string
	Start        time.Time // inclusive
	End          time.Time // inclusive
	Limit        int
}

// GetUsage returns rows matching f, newest first.
func (s *DB) GetUsage(ctx context.Context, f UsageFilter) ([]aggregator.DailyUsage, error) {
	q := s.db.WithContext(ctx).Model(&usageRow{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.ServiceID != "" {
		q = q.Where("service_id = ?", f.ServiceID)
	}
	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", string(f.ResourceType))
	}
	if f.ResourceID != "" {
		q = q.Where("id IN (?)", s.db.Model(&resourceRow{}).Select("usage_id").Where("resource_id = ?", f.ResourceID))
	}
	if !f.Start.IsZero() {
		q = q.Where("usage_date >= ?", normalizer.DateKey(f.Start))
	}
	if !f.End.IsZero() {
		q = q.Where("usage_date <= ?", normalizer.DateKey(f.End))
	}
	q = q.Order("usage_date DESC").Order("cost DESC").Order("id")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []usageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	return s.withChildren(s.db.WithContext(ctx), rows)
}

// GetUsageByResource returns every row a resource contributed to within
// [from, to], oldest first.
func (s *DB) GetUsageByResource(ctx context.Context, resourceID string, from, to time.Time) ([]aggregator.DailyUsage, error) {
	rows, err := s.GetUsage(ctx, UsageFilter{ResourceID: resourceID, Start: from, End: to})
	if err != nil {
		return nil, err
	}
	sortByKey(rows)
	return rows, nil
}

// UsageForResources returns every row on or after from that any of the
// given resources contributed to. Rows come back sorted by key.
func (s *DB) UsageForResources(ctx context.Context, resourceIDs []string, from time.Time) ([]aggregator.DailyUsage, error) {
	tx := s.db.WithContext(ctx)
	seen := make(map[string]bool)
	var rows []usageRow
	for _, ids := range chunk(resourceIDs) {
		var batch []usageRow
		err := tx.Where("usage_date >= ?", normalizer.DateKey(from)).
			Where("id IN (?)", tx.Model(&resourceRow{}).Select("usage_id").Where("resource_id IN ?", ids)).
			Find(&batch).Error
		if err != nil {
			return nil, fmt.Errorf("query usage for resources: %w", err)
		}
		for _, r := range batch {
			if !seen[r.ID] {
				seen[r.ID] = true
				rows = append(rows, r)
			}
		}
	}
	out, err := s.withChildren(tx, rows)
	if err != nil {
		return nil, err
	}
	sortByKey(out)
	return out, nil
}

// UsageByKeys loads the stored rows for the given keys. Missing keys are
// simply absent from the result.
func (s *DB) UsageByKeys(ctx context.Context, keys []aggregator.Key) (map[aggregator.Key]aggregator.DailyUsage, error) {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.String())
	}
	tx := s.db.WithContext(ctx)
	var rows []usageRow
	for _, part := range chunk(ids) {
		var batch []usageRow
		if err := tx.Where("id IN ?", part).Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("query usage by key: %w", err)
		}
		rows = append(rows, batch...)
	}
	usage, err := s.withChildren(tx, rows)
	if err != nil {
		return nil, err
	}
	out := make(map[aggregator.Key]aggregator.DailyUsage, len(usage))
	for _, u := range usage {
		out[u.Key()] = u
	}
	return out, nil
}

func (s *DB) withChildren(tx *gorm.DB, rows []usageRow) ([]aggregator.DailyUsage, error) {
	if len(rows) == 0 {
		return []aggregator.DailyUsage{}, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	byUsage := make(map[string][]resourceRow, len(rows))
	for _, part := range chunk(ids) {
		var children []resourceRow
		if err := tx.Where("usage_id IN ?", part).Order("resource_id").Find(&children).Error; err != nil {
			return nil, fmt.Errorf("query resource breakdown: %w", err)
		}
		for _, c := range children {
			byUsage[c.UsageID] = append(byUsage[c.UsageID], c)
		}
	}
	out := make([]aggregator.DailyUsage, len(rows))
	for i, r := range rows {
		out[i] = fromUsageRow(r, byUsage[r.ID])
	}
	return out, nil
}

// AnomalyFilter narrows an anomaly query.
type AnomalyFilter struct {
	AccountID   string
	ResourceIDs []string
	Type        anomaly.Type
	Status      anomaly.Status
	Limit       int
}

// GetAnomalies returns anomalies matching f, most severe first.
func (s *DB) GetAnomalies(ctx context.Context, f AnomalyFilter) ([]anomaly.Anomaly, error) {
	if f.ResourceIDs != nil && len(f.ResourceIDs) == 0 {
		return []anomaly.Anomaly{}, nil
	}
	tx := s.db.WithContext(ctx)
	parts := [][]string{nil}
	if len(f.ResourceIDs) > 0 {
		parts = chunk(f.ResourceIDs)
	}

	var rows []anomalyRow
	for _, part := range parts {
		q := tx.Model(&anomalyRow{})
		if part != nil {
			q = q.Where("resource_id IN ?", part)
		}
		if f.AccountID != "" {
			q = q.Where("account_id = ?", f.AccountID)
		}
		if f.Type != "" {
			q = q.Where("type = ?", string(f.Type))
		}
		if f.Status != "" {
			q = q.Where("status = ?", string(f.Status))
		}
		var batch []anomalyRow
		if err := q.Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("query anomalies: %w", err)
		}
		rows = append(rows, batch...)
	}

	out := make([]anomaly.Anomaly, len(rows))
	for i, r := range rows {
		out[i] = fromAnomalyRow(r)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// AnomaliesOwnedBy returns the anomalies attached to the given rows.
func (s *DB) AnomaliesOwnedBy(ctx context.Context, keys []aggregator.Key) ([]anomaly.Anomaly, error) {
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.String())
	}
	tx := s.db.WithContext(ctx)
	var out []anomaly.Anomaly
	for _, part := range chunk(ids) {
		var rows []anomalyRow
		if err := tx.Where("daily_usage_id IN ?", part).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("query anomalies by row: %w", err)
		}
		for _, r := range rows {
			out = append(out, fromAnomalyRow(r))
		}
	}
	return out, nil
}

// SetAnomalyStatus moves an anomaly forward through its lifecycle.
func (s *DB) SetAnomalyStatus(ctx context.Context, id string, status anomaly.Status) (anomaly.Anomaly, error) {
	var out anomaly.Anomaly
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row anomalyRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("anomaly %s: %w", id, errs.ErrNotFound)
			}
			return fmt.Errorf("load anomaly %s: %w", id, err)
		}
		if err := anomaly.CheckTransition(anomaly.Status(row.Status), status); err != nil {
			return err
		}
		row.Status = string(status)
		if err := tx.Model(&row).Update("status", row.Status).Error; err != nil {
			return fmt.Errorf("update anomaly %s: %w", id, err)
		}
		out = fromAnomalyRow(row)
		return nil
	})
	return out, err
}

// RecommendationFilter narrows a recommendation query.
type RecommendationFilter struct {
	AccountID    string
	ResourceType normalizer.ResourceType
	Type         recommend.Type
	Status       recommend.Status
	MinSeverity  anomaly.Severity
	Limit        int
}

// GetRecommendations returns recommendations matching f, largest savings first.
func (s *DB) GetRecommendations(ctx context.Context, f RecommendationFilter) ([]recommend.Recommendation, error) {
	q := s.db.WithContext(ctx).Model(&recommendationRow{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", string(f.ResourceType))
	}
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var rows []recommendationRow
	if err := q.Order("projected_savings_monthly DESC").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}

	out := make([]recommend.Recommendation, 0, len(rows))
	for _, r := range rows {
		rec := fromRecommendationRow(r)
		if f.MinSeverity != "" && rec.Severity.Rank() < f.MinSeverity.Rank() {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// UpdateRecommendationStatus applies an owner decision to a recommendation.
func (s *DB) UpdateRecommendationStatus(ctx context.Context, id string, status recommend.Status, now time.Time) (recommend.Recommendation, error) {
	var out recommend.Recommendation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row recommendationRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("recommendation %s: %w", id, errs.ErrNotFound)
			}
			return fmt.Errorf("load recommendation %s: %w", id, err)
		}
		if err := recommend.CheckTransition(recommend.Status(row.Status), status); err != nil {
			return err
		}
		row.Status = string(status)
		row.UpdatedAt = now.UTC()
		if err := tx.Model(&row).Updates(map[string]interface{}{
			"status":     row.Status,
			"updated_at": row.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("update recommendation %s: %w", id, err)
		}
		out = fromRecommendationRow(row)
		return nil
	})
	return out, err
}

// DeadLetters returns every parked group, sorted by key.
func (s *DB) DeadLetters(ctx context.Context) ([]aggregator.DeadLetter, error) {
	var rows []deadLetterRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	out := make([]aggregator.DeadLetter, len(rows))
	for i, r := range rows {
		out[i] = fromDeadLetterRow(r)
	}
	return out, nil
}

func chunk(ids []string) [][]string {
	var out [][]string
	for len(ids) > inChunk {
		out = append(out, ids[:inChunk])
		ids = ids[inChunk:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func sortByKey(rows []aggregator.DailyUsage) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key().String() < rows[j].Key().String()
	})
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
