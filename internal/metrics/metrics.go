// Package metrics defines package-level Prometheus metric variables for
// gatewarden. Call Register() once at startup to expose them on the default
// registry, or RegisterWith() to use an isolated registry in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsEvaluated counts every request run through the engine.
	RequestsEvaluated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatewarden_requests_evaluated_total",
		Help: "Total requests evaluated by the tracking engine.",
	})

	// Verdicts counts engine outcomes, labelled by action.
	// Valid actions: pass, challenge, deny.
	Verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewarden_verdicts_total",
		Help: "Engine verdicts, by action (pass|challenge|deny).",
	}, []string{"action"})

	// QuotaBreaches counts quota-exceeded verdicts, labelled by signal.
	QuotaBreaches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewarden_quota_breaches_total",
		Help: "Quota ceilings exceeded, by signal.",
	}, []string{"signal"})

	// Escalations counts escalation-path triggers, labelled by path.
	Escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewarden_escalations_total",
		Help: "Escalation paths triggered (data_circle|system_firewall).",
	}, []string{"path"})

	// SessionsCreated counts session records created on first contact.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatewarden_sessions_created_total",
		Help: "Session records created for first-contact visitors.",
	})

	// SessionsReclaimed counts records deleted by GC sweeps.
	SessionsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatewarden_sessions_reclaimed_total",
		Help: "Expired session records deleted by garbage collection.",
	})

	// GCSweeps counts completed garbage-collection sweeps.
	GCSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatewarden_gc_sweeps_total",
		Help: "Garbage-collection sweeps over the session namespace.",
	})

	// ResetCycles counts completed reset-cycle rebuilds.
	ResetCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatewarden_reset_cycles_total",
		Help: "Traffic-triggered reset-cycle rebuilds completed.",
	})

	// StorageErrors counts request-path storage failures.
	StorageErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatewarden_storage_errors_total",
		Help: "Storage-provider failures observed on the request path.",
	})

	// DBSizeBytes is a gauge of the on-disk state database size.
	DBSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatewarden_db_size_bytes",
		Help: "Size of the on-disk state database file in bytes.",
	})
)

// Register registers all metrics with prometheus.DefaultRegisterer.
// Call once at process startup.
func Register() {
	RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with the given registerer.
// Use an isolated prometheus.NewRegistry() in tests to avoid conflicts.
func RegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsEvaluated,
		Verdicts,
		QuotaBreaches,
		Escalations,
		SessionsCreated,
		SessionsReclaimed,
		GCSweeps,
		ResetCycles,
		StorageErrors,
		DBSizeBytes,
	)
}
