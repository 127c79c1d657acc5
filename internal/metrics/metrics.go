package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

// Escalation reason labels.
const (
	ReasonNoCandidate    = "no_candidate"
	ReasonConfidenceGate = "confidence_gate"
	ReasonRetryExhausted = "retry_exhausted"
)

var (
	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedia",
			Name:      "incidents_total",
			Help:      "Incidents reaching a terminal status, partitioned by status.",
		},
		[]string{"status"},
	)

	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedia",
			Name:      "admissions_total",
			Help:      "Admitted actions, partitioned by candidate source.",
		},
		[]string{"source"},
	)

	conflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remedia",
			Name:      "conflicts_total",
			Help:      "Candidates rejected because their target had an action in flight.",
		},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedia",
			Name:      "escalations_total",
			Help:      "Incidents escalated for human review, partitioned by reason.",
		},
		[]string{"reason"},
	)

	dispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remedia",
			Name:      "dispatch_attempts_total",
			Help:      "Executor dispatch attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	admissionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "remedia",
			Name:      "admission_seconds",
			Help:      "Latency from incident pickup to admission decision in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	activeActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "remedia",
			Name:      "active_actions",
			Help:      "Admitted actions currently in a non-terminal state.",
		},
	)
)

// Register attaches remedia collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsTotal,
		admissionsTotal,
		conflictsTotal,
		escalationsTotal,
		dispatchAttemptsTotal,
		admissionSeconds,
		activeActions,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIncidentTerminal records an incident reaching a terminal status.
func ObserveIncidentTerminal(status string) {
	incidentsTotal.WithLabelValues(status).Inc()
}

// ObserveAdmission records an admitted action and its decision latency.
func ObserveAdmission(source string, latency time.Duration) {
	admissionsTotal.WithLabelValues(source).Inc()
	if latency < 0 {
		latency = 0
	}
	admissionSeconds.Observe(latency.Seconds())
}

// ObserveConflict records a target-busy rejection.
func ObserveConflict() {
	conflictsTotal.Inc()
}

// ObserveEscalation records an escalation with its reason label.
func ObserveEscalation(reason string) {
	escalationsTotal.WithLabelValues(reason).Inc()
}

// ObserveDispatch records one executor dispatch attempt.
func ObserveDispatch(outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	dispatchAttemptsTotal.WithLabelValues(label).Inc()
}

// SetActiveActions updates the in-flight action gauge.
func SetActiveActions(n int) {
	activeActions.Set(float64(n))
}
