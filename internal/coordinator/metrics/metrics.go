package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "coordinator"
	subsystem = "core"
)

// Metrics holds the coordinator's domain metrics. They are registered on
// the service collector's registry, not the global one, so tests can build
// as many instances as they want.
type Metrics struct {
	ReportsIngested     *prometheus.CounterVec
	ConsensusFinalized  prometheus.Counter
	ConsensusConflicts  prometheus.Counter
	ConsensusWindows    prometheus.Gauge
	RecordConfidence    prometheus.Histogram
	WorkersTracked      prometheus.Gauge
	WorkersAvailable    prometheus.Gauge
	SelectionsTotal     *prometheus.CounterVec
	WorkUnitsTotal      *prometheus.CounterVec
	EvaluationsTotal    *prometheus.CounterVec
	BufferedOperations  *prometheus.GaugeVec
	ThrottleMultiplier  prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the domain metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReportsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reports_ingested_total",
			Help:      "Verifier worker snapshots processed (result=accepted/skipped)",
		}, []string{"result"}),

		ConsensusFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "consensus_finalized_total",
			Help:      "Consensus records finalized",
		}),

		ConsensusConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "consensus_conflicts_total",
			Help:      "Fields finalized without a weighted majority",
		}),

		ConsensusWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "consensus_windows_open",
			Help:      "Consensus windows currently collecting reports",
		}),

		RecordConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "consensus_record_confidence",
			Help:      "Confidence of finalized consensus records",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.7, 0.8, 0.9, 0.95, 1},
		}),

		WorkersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workers_tracked",
			Help:      "Workers currently in the live pool",
		}),

		WorkersAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workers_available",
			Help:      "Workers currently eligible for new work",
		}),

		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "selections_total",
			Help:      "Worker selections served, by task type",
		}, []string{"task_type"}),

		WorkUnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "work_units_total",
			Help:      "Work unit transitions, by resulting status",
		}, []string{"status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evaluations_total",
			Help:      "Evaluation records processed (result=recorded/duplicate)",
		}, []string{"result"}),

		BufferedOperations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "buffered_operations",
			Help:      "Operations waiting in the write buffer, by class",
		}, []string{"class"}),

		ThrottleMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "throttle_multiplier",
			Help:      "Current backend throttle multiplier (1.0 = no throttling)",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "HTTP API requests received",
		}, []string{"method", "endpoint", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	reg.MustRegister(
		m.ReportsIngested,
		m.ConsensusFinalized,
		m.ConsensusConflicts,
		m.ConsensusWindows,
		m.RecordConfidence,
		m.WorkersTracked,
		m.WorkersAvailable,
		m.SelectionsTotal,
		m.WorkUnitsTotal,
		m.EvaluationsTotal,
		m.BufferedOperations,
		m.ThrottleMultiplier,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// ObserveIngest records the outcome counts of one ingested batch.
func (m *Metrics) ObserveIngest(accepted, skipped int) {
	m.ReportsIngested.WithLabelValues("accepted").Add(float64(accepted))
	m.ReportsIngested.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveFinalized records one finalized consensus record.
func (m *Metrics) ObserveFinalized(confidence float64, conflictFields int) {
	m.ConsensusFinalized.Inc()
	m.ConsensusConflicts.Add(float64(conflictFields))
	m.RecordConfidence.Observe(confidence)
}
