// Package telemetry provides the Prometheus metrics surface for the
// Coordinator, Sandbox, and Maintenance Pipeline: cycle duration, per-stage
// round counts, the nav-fail counter, and maintenance task outcomes.
// Adapted from the promauto CounterVec/HistogramVec construction pattern
// this module is grounded on, restructured around this module's own
// operation names instead of HTTP/LLM/agent/cache/db ones.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every metric this module exports.
type Collector struct {
	cycleDuration    *prometheus.HistogramVec
	stageRounds      *prometheus.HistogramVec
	navFailTotal     prometheus.Counter
	maintenanceTotal *prometheus.CounterVec
	maintenanceDur   *prometheus.HistogramVec
	selfRatingScore  prometheus.Histogram
	indexSize        *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers every metric under namespace. Safe to call once
// per process; a second call with the same namespace panics via
// promauto, matching the teacher's own registration discipline (metrics
// are wired once at startup, not per-request).
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.With(zap.String("component", "telemetry"))}

	c.cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one Coordinator exchange cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"outcome"}, // done | failed | budget_exceeded
	)

	c.stageRounds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_rounds",
			Help:      "Number of model-call rounds a Sandbox or Maintenance stage took.",
			Buckets:   prometheus.LinearBuckets(1, 1, 6),
		},
		[]string{"stage"},
	)

	c.navFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nav_fail_total",
		Help:      "Total unresolved concept-navigation paths across all cycles.",
	})

	c.maintenanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Maintenance Pipeline runs by task and final verdict.",
		},
		[]string{"task", "verdict"},
	)

	c.maintenanceDur = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Duration of one Maintenance Pipeline run.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"task"},
	)

	c.selfRatingScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "self_rating_score",
		Help:      "Coordinator self-rating Score() at each Nth-cycle evaluation.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	c.indexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_records",
			Help:      "Number of records currently indexed, by tier.",
		},
		[]string{"tier"},
	)

	logger.Info("telemetry collector initialized", zap.String("namespace", namespace))
	return c
}

// ObserveCycle records one Coordinator cycle's wall-clock duration.
func (c *Collector) ObserveCycle(outcome string, d time.Duration) {
	c.cycleDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveStageRounds records how many model-call rounds a stage consumed.
func (c *Collector) ObserveStageRounds(stage string, rounds int) {
	c.stageRounds.WithLabelValues(stage).Observe(float64(rounds))
}

// IncNavFail increments the nav-fail counter by one unresolved path.
func (c *Collector) IncNavFail() {
	c.navFailTotal.Inc()
}

// ObserveMaintenance records one Maintenance Pipeline run's task, verdict,
// and duration.
func (c *Collector) ObserveMaintenance(task, verdict string, d time.Duration) {
	c.maintenanceTotal.WithLabelValues(task, verdict).Inc()
	c.maintenanceDur.WithLabelValues(task).Observe(d.Seconds())
}

// ObserveSelfRating records one self-rating Score() sample.
func (c *Collector) ObserveSelfRating(score float64) {
	c.selfRatingScore.Observe(score)
}

// SetIndexSize reports the current indexed-record count for tier.
func (c *Collector) SetIndexSize(tier string, n int) {
	c.indexSize.WithLabelValues(tier).Set(float64(n))
}
