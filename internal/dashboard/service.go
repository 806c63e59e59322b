// Package dashboard is the read-side facade consumed by API collaborators.
// Every result is a projection over the store, cached per filter and
// stamped with the time it was computed.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/cache"
	"github.com/lvonguyen/cost-guardian/internal/chargeback"
	"github.com/lvonguyen/cost-guardian/internal/normalizer"
	"github.com/lvonguyen/cost-guardian/internal/projector"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
	"github.com/lvonguyen/cost-guardian/internal/store"
)

// Repository is the read and decision surface the dashboard needs.
type Repository interface {
	GetUsage(ctx context.Context, f store.UsageFilter) ([]aggregator.DailyUsage, error)
	GetAnomalies(ctx context.Context, f store.AnomalyFilter) ([]anomaly.Anomaly, error)
	GetRecommendations(ctx context.Context, f store.RecommendationFilter) ([]recommend.Recommendation, error)
	UpdateRecommendationStatus(ctx context.Context, id string, status recommend.Status, now time.Time) (recommend.Recommendation, error)
}

// Result wraps a projection with the time it was computed.
type Result[T any] struct {
	Data  T         `json:"data"`
	AsOf  time.Time `json:"as_of"`
	Cache bool      `json:"cached"`
}

// UsageFilter selects usage metrics.
type UsageFilter struct {
	AccountID    string
	ResourceType normalizer.ResourceType
	Start        time.Time
	End          time.Time
	Limit        int
}

// Period bounds a view. Zero bounds are open.
type Period struct {
	Start time.Time
	End   time.Time
}

// Config tunes the service.
type Config struct {
	CacheTTL    time.Duration
	HorizonDays int
	Allocator   chargeback.AllocatorConfig
}

// Service serves usage, recommendations and the role views.
type Service struct {
	repo        Repository
	forecaster  projector.Forecaster
	allocator   *chargeback.Allocator
	horizonDays int
	cache       *cache.TTLCache[string, any]
	now         func() time.Time
	logger      *zap.Logger
}

// NewService creates the dashboard service.
func NewService(repo Repository, forecaster projector.Forecaster, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if forecaster == nil {
		forecaster = projector.TrailingMean{WindowDays: 30}
	}
	horizon := cfg.HorizonDays
	if horizon <= 0 {
		horizon = 30
	}
	return &Service{
		repo:        repo,
		forecaster:  forecaster,
		allocator:   chargeback.NewAllocator(cfg.Allocator),
		horizonDays: horizon,
		cache:       cache.New[string, any](cfg.CacheTTL),
		now:         time.Now,
		logger:      logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.cache.WithClock(now)
	return s
}

// Invalidate drops every cached projection. The pipeline calls it after
// each committed batch.
func (s *Service) Invalidate() {
	s.cache.Invalidate()
	s.logger.Debug("Dashboard cache invalidated")
}

// Usage returns per-resource daily metrics, newest first.
func (s *Service) Usage(ctx context.Context, f UsageFilter) (Result[[]projector.Metric], error) {
	return cached(s, cache.Key("usage", f), func() ([]projector.Metric, error) {
		rows, err := s.repo.GetUsage(ctx, store.UsageFilter{
			AccountID:    f.AccountID,
			ResourceType: f.ResourceType,
			Start:        f.Start,
			End:          f.End,
		})
		if err != nil {
			return nil, err
		}
		return projector.Metrics(rows, projector.MetricFilter{
			ResourceType: f.ResourceType,
			Start:        f.Start,
			End:          f.End,
			Limit:        f.Limit,
		}), nil
	})
}

// Recommendations returns stored recommendations, largest savings first.
func (s *Service) Recommendations(ctx context.Context, f store.RecommendationFilter) (Result[[]recommend.Recommendation], error) {
	return cached(s, cache.Key("recommendations", f), func() ([]recommend.Recommendation, error) {
		return s.repo.GetRecommendations(ctx, f)
	})
}

// SetRecommendationStatus records an owner decision. Status strings are
// case-insensitive; only forward transitions are accepted.
func (s *Service) SetRecommendationStatus(ctx context.Context, id, status string) (recommend.Recommendation, error) {
	st, err := recommend.ParseStatus(status)
	if err != nil {
		return recommend.Recommendation{}, err
	}
	rec, err := s.repo.UpdateRecommendationStatus(ctx, id, st, s.now())
	if err != nil {
		return recommend.Recommendation{}, err
	}
	s.cache.Invalidate()
	s.logger.Info("Recommendation status changed",
		zap.String("id", id),
		zap.String("status", string(st)),
		zap.String("resource_id", rec.ResourceID),
	)
	return rec, nil
}

// IT returns the operations view.
func (s *Service) IT(ctx context.Context, p Period, f projector.MetricFilter) (Result[projector.ITView], error) {
	return cached(s, cache.Key("it", []any{p, f}), func() (projector.ITView, error) {
		snap, err := s.snapshot(ctx, p)
		if err != nil {
			return projector.ITView{}, err
		}
		return projector.BuildIT(snap, f), nil
	})
}

// Finance returns the spend view with a forecast for the next horizon.
func (s *Service) Finance(ctx context.Context, p Period) (Result[projector.FinanceView], error) {
	return cached(s, cache.Key("finance", p), func() (projector.FinanceView, error) {
		snap, err := s.snapshot(ctx, p)
		if err != nil {
			return projector.FinanceView{}, err
		}
		return projector.BuildFinance(ctx, snap, s.forecaster, s.horizonDays)
	})
}

// MSP returns the per-account view.
func (s *Service) MSP(ctx context.Context, p Period) (Result[projector.MSPView], error) {
	return cached(s, cache.Key("msp", p), func() (projector.MSPView, error) {
		snap, err := s.snapshot(ctx, p)
		if err != nil {
			return projector.MSPView{}, err
		}
		return projector.BuildMSP(snap), nil
	})
}

// Showback allocates the period's cost to owners.
func (s *Service) Showback(ctx context.Context, p Period) (Result[*chargeback.Report], error) {
	return cached(s, cache.Key("showback", p), func() (*chargeback.Report, error) {
		rows, err := s.repo.GetUsage(ctx, store.UsageFilter{Start: p.Start, End: p.End})
		if err != nil {
			return nil, err
		}
		return chargeback.GenerateReport(s.allocator.Allocate(rows), periodLabel(p, rows), s.now()), nil
	})
}

func (s *Service) snapshot(ctx context.Context, p Period) (projector.Snapshot, error) {
	rows, err := s.repo.GetUsage(ctx, store.UsageFilter{Start: p.Start, End: p.End})
	if err != nil {
		return projector.Snapshot{}, fmt.Errorf("load usage: %w", err)
	}
	anomalies, err := s.repo.GetAnomalies(ctx, store.AnomalyFilter{})
	if err != nil {
		return projector.Snapshot{}, fmt.Errorf("load anomalies: %w", err)
	}
	recs, err := s.repo.GetRecommendations(ctx, store.RecommendationFilter{})
	if err != nil {
		return projector.Snapshot{}, fmt.Errorf("load recommendations: %w", err)
	}
	return projector.Snapshot{
		Rows:            rows,
		Anomalies:       inPeriod(anomalies, p),
		Recommendations: recs,
	}, nil
}

func inPeriod(anomalies []anomaly.Anomaly, p Period) []anomaly.Anomaly {
	out := make([]anomaly.Anomaly, 0, len(anomalies))
	for _, a := range anomalies {
		if !p.Start.IsZero() && a.WindowEnd.Before(p.Start) {
			continue
		}
		if !p.End.IsZero() && a.WindowEnd.After(p.End) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func periodLabel(p Period, rows []aggregator.DailyUsage) string {
	start, end := p.Start, p.End
	for _, r := range rows {
		if start.IsZero() || r.UsageDate.Before(start) {
			start = r.UsageDate
		}
		if end.IsZero() || r.UsageDate.After(end) {
			end = r.UsageDate
		}
	}
	if start.IsZero() {
		return ""
	}
	return normalizer.DateKey(start) + " to " + normalizer.DateKey(end)
}

func cached[T any](s *Service, key string, load func() (T, error)) (Result[T], error) {
	hit := true
	e, err := s.cache.GetOrLoad(key, func() (any, error) {
		hit = false
		return load()
	})
	if err != nil {
		return Result[T]{}, err
	}
	return Result[T]{Data: e.Value.(T), AsOf: e.ComputedAt, Cache: hit}, nil
}
