package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "cost_guardian"

// Record outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// BatchMetrics captures pipeline health per aggregation run.
type BatchMetrics struct {
	registry        *prometheus.Registry
	records         *prometheus.CounterVec
	deadLetters     prometheus.Counter
	rowsWritten     prometheus.Counter
	anomalies       *prometheus.CounterVec
	recommendations *prometheus.CounterVec
	batches         *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	batchCost       prometheus.Gauge
}

// New registers the batch metrics on a fresh registry.
func New() *BatchMetrics {
	reg := prometheus.NewRegistry()
	m := &BatchMetrics{
		registry: reg,
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Raw usage records processed, by outcome and rejection reason.",
		}, []string{"outcome", "reason"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Groups parked because their service could not be resolved.",
		}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_usage_rows_written_total",
			Help:      "DailyUsage rows upserted.",
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomalies detected, by type and severity.",
		}, []string{"type", "severity"}),
		recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Recommendations derived, by type.",
		}, []string{"type"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Aggregation runs, by result.",
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one aggregation run.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		batchCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_cost",
			Help:      "Net cost of the rows written by the last successful run.",
		}),
	}
	reg.MustRegister(
		m.records,
		m.deadLetters,
		m.rowsWritten,
		m.anomalies,
		m.recommendations,
		m.batches,
		m.batchDuration,
		m.batchCost,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *BatchMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Records counts n records with the given outcome.
func (m *BatchMetrics) Records(outcome, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(outcome, reason).Add(float64(n))
}

// DeadLetters counts parked groups.
func (m *BatchMetrics) DeadLetters(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deadLetters.Add(float64(n))
}

// RowsWritten counts upserted DailyUsage rows.
func (m *BatchMetrics) RowsWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsWritten.Add(float64(n))
}

// Anomaly counts one detected anomaly.
func (m *BatchMetrics) Anomaly(anomalyType, severity string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(anomalyType, severity).Inc()
}

// Recommendation counts one derived recommendation.
func (m *BatchMetrics) Recommendation(recType string) {
	if m == nil {
		return
	}
	m.recommendations.WithLabelValues(recType).Inc()
}

// Batch records the result and duration of one run.
func (m *BatchMetrics) Batch(err error, elapsed time.Duration, cost float64) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	} else {
		m.batchCost.Set(cost)
	}
	m.batches.WithLabelValues(result).Inc()
	m.batchDuration.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *BatchMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *BatchMetrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
