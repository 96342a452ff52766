// Package metrics defines package-level Prometheus metric variables for
// keygate. Call Register() once at startup to expose them on the default
// registry, or RegisterWith() to use an isolated registry in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Validations counts /validate outcomes, labelled by result.
	// Valid results: success, denied, failed, error.
	Validations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_validations_total",
		Help: "Key validation attempts, by result (success|denied|failed|error).",
	}, []string{"result"})

	// ValidationFailures counts failed key checks, labelled by internal reason.
	ValidationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_validation_failures_total",
		Help: "Failed key checks, by reason.",
	}, []string{"reason"})

	// AdmissionDenials counts requests rejected by the abuse engine.
	AdmissionDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_admission_denials_total",
		Help: "Requests denied by the abuse engine, by reason.",
	}, []string{"reason"})

	// Escalations counts temporary blocks promoted to permanent.
	Escalations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_escalations_total",
		Help: "Temporary blocks escalated to permanent.",
	})

	// BlockedAddresses is the number of ledger entries, by kind.
	BlockedAddresses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keygate_blocked_addresses",
		Help: "Addresses currently in the abuse ledger, by kind (temporary|permanent).",
	}, []string{"kind"})

	// Keys is the number of keys, by state.
	Keys = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keygate_keys",
		Help: "Keys in the key store, by state (active|expired|removed).",
	}, []string{"state"})

	// PersistenceFailures counts failed state writes, by store.
	PersistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_persistence_failures_total",
		Help: "Failed state writes, by store (keys|blocks).",
	}, []string{"store"})

	// NotifyErrors counts notification webhook errors, labelled by type.
	// Valid types: rate_limit, auth, network, timeout, http.
	NotifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_notify_errors_total",
		Help: "Notification webhook errors, by type (rate_limit|auth|network|timeout|http).",
	}, []string{"type"})

	// NotificationsSent counts events delivered to a sink.
	NotificationsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_notifications_sent_total",
		Help: "Events delivered to notification sinks.",
	})

	// EventsDropped counts events discarded because the worker queue was full.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keygate_events_dropped_total",
		Help: "Events dropped because the notification queue was full.",
	})

	// StateFileBytes is the on-disk size of each state file.
	StateFileBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keygate_state_file_bytes",
		Help: "Size of each state file in bytes.",
	}, []string{"file"})
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
		Validations,
		ValidationFailures,
		AdmissionDenials,
		Escalations,
		BlockedAddresses,
		Keys,
		PersistenceFailures,
		NotifyErrors,
		NotificationsSent,
		EventsDropped,
		StateFileBytes,
	)
}
