package sink

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind string

const (
	KindKeyIssued           Kind = "key.issued"
	KindKeyRevoked          Kind = "key.revoked"
	KindKeyRenewed          Kind = "key.renewed"
	KindValidationSucceeded Kind = "validation.succeeded"
	KindValidationFailed    Kind = "validation.failed"
	KindValidationDenied    Kind = "validation.denied"
	KindAddressBlocked      Kind = "ip.blocked"
	KindBlockedRequest      Kind = "ip.blocked_request"
	KindAddressEscalated    Kind = "ip.escalated"
	KindAddressUnblocked    Kind = "ip.unblocked"
	KindPersistenceFailure  Kind = "persistence.failure"
	KindPluginInitialized   Kind = "plugin.initialized"
	KindPluginReported      Kind = "plugin.reported"
)

// Severity buckets kinds for presentation (embed colours, log levels).
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityAlert
)

// Severity returns how loudly k should be surfaced.
func (k Kind) Severity() Severity {
	switch k {
	case KindAddressEscalated, KindPersistenceFailure:
		return SeverityAlert
	case KindValidationFailed, KindValidationDenied, KindAddressBlocked, KindBlockedRequest, KindKeyRevoked:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// Event is the payload passed to sinks. Token is the raw key; sinks that
// leave the host should mask it with MaskToken.
type Event struct {
	ID      string
	Kind    Kind
	Time    time.Time
	Address string
	Plugin  string
	Token   string
	Reason  string
	Message string
	Fields  map[string]string
}

// NewEvent stamps a new event with a random ID and the current UTC time.
func NewEvent(kind Kind, message string) *Event {
	return &Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Time:    time.Now().UTC(),
		Message: message,
	}
}

// MaskToken keeps the first group of a token and hides the rest.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "-****"
}

// Sink delivers events to an external service.
type Sink interface {
	// Name returns the sink identifier for logging.
	Name() string

	// Notify sends a single event to the external service.
	Notify(ctx context.Context, e *Event) error

	// Healthy returns nil if the sink can reach its upstream.
	Healthy(ctx context.Context) error

	// Close performs graceful shutdown.
	Close() error
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e *Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(e *Event)

func (f PublisherFunc) Publish(e *Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(*Event) {})
