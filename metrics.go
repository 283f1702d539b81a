package sqlmigrate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runner's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	applied     *prometheus.CounterVec
	duration    prometheus.Histogram
	pending     prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewMetrics registers the runner's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		applied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlmigrate",
			Name:      "migrations_total",
			Help:      "Migrations attempted, by result.",
		}, []string{"result"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sqlmigrate",
			Name:      "migration_duration_seconds",
			Help:      "Time spent applying a single migration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sqlmigrate",
			Name:      "pending_migrations",
			Help:      "Migrations pending at the start of the last run.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sqlmigrate",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that finished without error.",
		}),
	}
}

func (m *Metrics) observeApply(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.applied.WithLabelValues(result).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observePending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observeSuccess() {
	if m == nil {
		return
	}
	m.lastSuccess.SetToCurrentTime()
}
