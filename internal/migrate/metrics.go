package migrate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters of a migration run.
type Metrics struct {
	VersionsApplied      prometheus.Counter
	CurrentVersion       prometheus.Gauge
	StepDuration         *prometheus.HistogramVec
	Swaps                *prometheus.CounterVec
	VerificationFailures *prometheus.CounterVec
	RowsCopied           prometheus.Counter
}

const (
	LabelTransform = "transform"
	LabelSwap      = "swap"
	LabelAction    = "action"

	LabelReplaced = "replaced"
	LabelCreated  = "created"
)

// NewMetrics builds unregistered metrics.
func NewMetrics() *Metrics {
	const (
		namespace = "oparchive"
		subsystem = "migrate"
	)

	return &Metrics{
		VersionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "versions_applied_total",
			Help:      "Count of archive versions applied",
		}),

		CurrentVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "archive_version",
			Help:      "Last archive version checkpoint written",
		}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Histogram of times spent applying migration steps",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 5, 8),
		}, []string{"kind"}),

		Swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "swaps_total",
			Help:      "Count of rebuilt tables swapped into place",
		}, []string{"result"}),

		VerificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "verification_failures_total",
			Help:      "Count of rebuilt tables rejected before swap",
		}, []string{"code"}),

		RowsCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rows_copied_total",
			Help:      "Count of rows written by rebuild jobs",
		}),
	}
}

// PrometheusCollectors returns all metrics for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.VersionsApplied,
		m.CurrentVersion,
		m.StepDuration,
		m.Swaps,
		m.VerificationFailures,
		m.RowsCopied,
	}
}
