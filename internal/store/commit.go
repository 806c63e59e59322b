package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/errs"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
)

const insertBatch = 200

// Batch is everything one pipeline run writes.
type Batch struct {
	// Rows are upserted by key. Their resource breakdown replaces the stored one.
	Rows []aggregator.DailyUsage
	// Resources whose stored anomalies are superseded by Anomalies.
	Resources []string
	Anomalies []anomaly.Anomaly
	// Recommendations are reconciled against the stored set before writing.
	Recommendations []recommend.Recommendation
	DeadLetters     []aggregator.DeadLetter
	Now             time.Time
}

// CommitResult counts what a commit actually wrote.
type CommitResult struct {
	Rows                   int
	Anomalies              int
	AnomaliesSuperseded    int
	Recommendations        int
	RecommendationsSkipped int
	DeadLetters            int
}

// CommitBatch writes a batch in a single transaction. Any failure rolls back
// every write; a batch holding two rows with the same key fails with an
// *errs.IntegrityError before anything is written.
func (s *DB) CommitBatch(ctx context.Context, b Batch) (CommitResult, error) {
	seen := make(map[string]bool, len(b.Rows))
	for _, r := range b.Rows {
		k := r.Key().String()
		if seen[k] {
			return CommitResult{}, &errs.IntegrityError{Key: k}
		}
		seen[k] = true
	}

	var res CommitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := writeRows(tx, b.Rows)
		if err != nil {
			return err
		}
		res.Rows = n

		written, superseded, err := replaceAnomalies(tx, b.Resources, b.Anomalies)
		if err != nil {
			return err
		}
		res.Anomalies, res.AnomaliesSuperseded = written, superseded

		written, skipped, err := reconcileRecommendations(tx, b.Recommendations, b.Now)
		if err != nil {
			return err
		}
		res.Recommendations, res.RecommendationsSkipped = written, skipped

		res.DeadLetters, err = writeDeadLetters(tx, b.DeadLetters, b.Now)
		return err
	})
	if err != nil {
		return CommitResult{}, err
	}

	s.logger.Debug("Batch committed",
		zap.Int("rows", res.Rows),
		zap.Int("anomalies", res.Anomalies),
		zap.Int("anomalies_superseded", res.AnomaliesSuperseded),
		zap.Int("recommendations", res.Recommendations),
		zap.Int("dead_letters", res.DeadLetters),
	)
	return res, nil
}

func writeRows(tx *gorm.DB, usage []aggregator.DailyUsage) (int, error) {
	if len(usage) == 0 {
		return 0, nil
	}
	rows := make([]usageRow, 0, len(usage))
	ids := make([]string, 0, len(usage))
	var children []resourceRow
	for _, u := range usage {
		row, kids := toUsageRow(u)
		rows = append(rows, row)
		ids = append(ids, row.ID)
		children = append(children, kids...)
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).CreateInBatches(&rows, insertBatch).Error
	if err != nil {
		if isDuplicate(err) {
			return 0, &errs.IntegrityError{Key: "daily_usage", Err: err}
		}
		return 0, fmt.Errorf("upsert usage: %w", err)
	}

	for _, part := range chunk(ids) {
		if err := tx.Where("usage_id IN ?", part).Delete(&resourceRow{}).Error; err != nil {
			return 0, fmt.Errorf("clear resource breakdown: %w", err)
		}
	}
	if len(children) > 0 {
		if err := tx.CreateInBatches(&children, insertBatch).Error; err != nil {
			return 0, fmt.Errorf("insert resource breakdown: %w", err)
		}
	}
	return len(rows), nil
}

// replaceAnomalies drops every stored anomaly of the given resources and
// inserts the fresh set. Anomalies that survive by ID keep the status an
// operator gave them.
func replaceAnomalies(tx *gorm.DB, resources []string, fresh []anomaly.Anomaly) (written, superseded int, err error) {
	status := make(map[string]string)
	for _, part := range chunk(resources) {
		var stored []anomalyRow
		if err := tx.Select("id", "status").Where("resource_id IN ?", part).Find(&stored).Error; err != nil {
			return 0, 0, fmt.Errorf("load stored anomalies: %w", err)
		}
		for _, a := range stored {
			status[a.ID] = a.Status
		}
		del := tx.Where("resource_id IN ?", part).Delete(&anomalyRow{})
		if del.Error != nil {
			return 0, 0, fmt.Errorf("supersede anomalies: %w", del.Error)
		}
		superseded += int(del.RowsAffected)
	}
	if len(fresh) == 0 {
		return 0, superseded, nil
	}

	rows := make([]anomalyRow, 0, len(fresh))
	for _, a := range fresh {
		row := toAnomalyRow(a)
		if st, ok := status[a.ID]; ok {
			row.Status = st
			superseded--
		}
		rows = append(rows, row)
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).CreateInBatches(&rows, insertBatch).Error
	if err != nil {
		return 0, 0, fmt.Errorf("insert anomalies: %w", err)
	}
	return len(rows), superseded, nil
}

func reconcileRecommendations(tx *gorm.DB, derived []recommend.Recommendation, now time.Time) (written, skipped int, err error) {
	if len(derived) == 0 {
		return 0, 0, nil
	}
	ids := make([]string, len(derived))
	for i, r := range derived {
		ids[i] = r.ID
	}
	existing := make(map[string]recommend.Recommendation)
	for _, part := range chunk(ids) {
		var rows []recommendationRow
		if err := tx.Where("id IN ?", part).Find(&rows).Error; err != nil {
			return 0, 0, fmt.Errorf("load recommendations: %w", err)
		}
		for _, r := range rows {
			existing[r.ID] = fromRecommendationRow(r)
		}
	}

	toWrite := recommend.Reconcile(existing, derived, now)
	if len(toWrite) == 0 {
		return 0, len(derived), nil
	}
	rows := make([]recommendationRow, len(toWrite))
	for i, r := range toWrite {
		rows[i] = toRecommendationRow(r)
	}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).CreateInBatches(&rows, insertBatch).Error
	if err != nil {
		return 0, 0, fmt.Errorf("upsert recommendations: %w", err)
	}
	return len(rows), len(derived) - len(rows), nil
}

func writeDeadLetters(tx *gorm.DB, letters []aggregator.DeadLetter, now time.Time) (int, error) {
	if len(letters) == 0 {
		return 0, nil
	}
	rows := make([]deadLetterRow, len(letters))
	for i, d := range letters {
		rows[i] = toDeadLetterRow(d, now)
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).CreateInBatches(&rows, insertBatch).Error
	if err != nil {
		return 0, fmt.Errorf("park dead letters: %w", err)
	}
	return len(rows), nil
}
