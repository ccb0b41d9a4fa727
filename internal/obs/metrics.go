package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeep_auth_attempts_total",
			Help: "Login attempt outcomes.",
		},
		[]string{"outcome"},
	)

	sessionLocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeep_session_locks_total",
			Help: "Vault sessions locked, by reason.",
		},
		[]string{"reason"},
	)

	emergencyTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeep_emergency_transitions_total",
			Help: "Emergency access request transitions, by resulting state.",
		},
		[]string{"state"},
	)

	notifyDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeep_notify_deliveries_total",
			Help: "Notification delivery results.",
		},
		[]string{"result"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vaultkeep_sweep_duration_seconds",
			Help:    "Background sweep latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Init registers the core metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		authAttemptsTotal,
		sessionLocksTotal,
		emergencyTransitionsTotal,
		notifyDeliveriesTotal,
		sweepDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthAttempt records a login attempt outcome (authenticated, step_up,
// invalid_credentials, rate_limited, locked_out, cancelled, expired).
func AuthAttempt(outcome string) {
	authAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SessionLocked records a lock event by reason.
func SessionLocked(reason string) {
	sessionLocksTotal.WithLabelValues(reason).Inc()
}

// EmergencyTransition records a request entering the given state.
func EmergencyTransition(state string) {
	emergencyTransitionsTotal.WithLabelValues(state).Inc()
}

// NotifyDelivery records a delivery result (acked, failed).
func NotifyDelivery(result string) {
	notifyDeliveriesTotal.WithLabelValues(result).Inc()
}

// ObserveSweep records the duration of one sweep pass.
func ObserveSweep(d time.Duration) {
	sweepDuration.Observe(d.Seconds())
}
