// Package perr defines the pipeline's closed error-kind taxonomy and the
// structured error type every component classifies its failures into.
package perr

import (
	"errors"
	"fmt"
)

// Kind is one of the five error kinds the pipeline substrate recognizes.
// Every handler outcome is classified into exactly one of these; the loop's
// retry/requeue/quarantine/exit behavior is driven entirely by Kind.
type Kind string

const (
	// TransientBroker covers connection loss, channel closure, and confirm
	// timeouts. The runtime nacks the input for redelivery, the same way it
	// handles TransientDownstream; no message is lost.
	TransientBroker Kind = "transient_broker"
	// TransientDownstream covers DB deadlocks and DNS timeouts. The runtime
	// nacks the input for redelivery on a later poll, with no added delay,
	// until its attempt budget is spent, then quarantines it.
	TransientDownstream Kind = "transient_downstream"
	// PermanentInput covers undecodable bodies and schema violations.
	// Handled by ack-and-quarantine with a structured log.
	PermanentInput Kind = "permanent_input"
	// PermanentConfig covers missing required config or a bad binding spec.
	// Handled by failing fast at startup; the loop is never entered.
	PermanentConfig Kind = "permanent_config"
	// FatalResource covers conditions like a full disk on the event store,
	// matched against a configured fatal code. Handled by requeuing the
	// input and exiting non-zero for a supervisor to restart after
	// intervention.
	FatalResource Kind = "fatal_resource"
)

// Error is the structured error type every component's handlers return.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair to the error for structured logging.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func new(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Broker-connection errors.

func BrokerLost(err error) *Error {
	return wrap(TransientBroker, "BROKER_CONN_LOST", "broker connection lost", err)
}

func ConfirmTimeout(routingKey string) *Error {
	return new(TransientBroker, "BROKER_CONFIRM_TIMEOUT", "publisher confirm timed out").
		WithDetails("routing_key", routingKey)
}

// Downstream-dependency errors.

func DownstreamTimeout(operation string, err error) *Error {
	return wrap(TransientDownstream, "DOWNSTREAM_TIMEOUT", "downstream operation timed out", err).
		WithDetails("operation", operation)
}

func DownstreamUnavailable(operation string, err error) *Error {
	return wrap(TransientDownstream, "DOWNSTREAM_UNAVAILABLE", "downstream dependency unavailable", err).
		WithDetails("operation", operation)
}

// Input-validation errors.

func UndecodableBody(err error) *Error {
	return wrap(PermanentInput, "INPUT_UNDECODABLE", "message body could not be decoded", err)
}

func SchemaViolation(field, reason string) *Error {
	return new(PermanentInput, "INPUT_SCHEMA_VIOLATION", "event failed schema validation").
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Configuration errors.

func MissingConfig(key string) *Error {
	return new(PermanentConfig, "CONFIG_MISSING", "required configuration key is missing").
		WithDetails("key", key)
}

func InvalidBinding(spec string, reason string) *Error {
	return new(PermanentConfig, "CONFIG_BAD_BINDING", "invalid binding specification").
		WithDetails("spec", spec).
		WithDetails("reason", reason)
}

// Resource errors.

func DiskFull(code string, err error) *Error {
	return wrap(FatalResource, code, "fatal resource condition on event store", err)
}

// IsKind reports whether err (or any error it wraps) is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// ClassifyOrDefault extracts the Kind of err if it is (or wraps) a *Error,
// defaulting unclassified errors to TransientDownstream per the pipeline's
// retry-until-exhausted-then-quarantine propagation policy.
func ClassifyOrDefault(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return TransientDownstream
}
