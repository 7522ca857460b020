package errors

import "fmt"

// Code classifies a lifecycle error.
type Code string

const (
	CodeValidation        Code = "VALIDATION"         // illegal transition or malformed request
	CodeNotFound          Code = "NOT_FOUND"          // unknown capsule or operation id
	CodeTimeout           Code = "TIMEOUT"            // operation wait or migration ack exceeded
	CodeRecoveryExhausted Code = "RECOVERY_EXHAUSTED" // retry limit reached, capsule forced to error
	CodePersistence       Code = "PERSISTENCE"        // snapshot I/O failure, retried next cycle
	CodeSyncConflict      Code = "SYNC_CONFLICT"      // resolved by timestamp, logged for audit
	CodeCapacity          Code = "CAPACITY"           // configured ceiling would be exceeded
	CodeInternal          Code = "INTERNAL"
)

// Error is a structured lifecycle error with a machine-readable code.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail attaches a key/value pair for diagnostics.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewInvalidTransition reports a transition outside the allowed graph.
func NewInvalidTransition(id, from, to string) *Error {
	return New(CodeValidation, "capsule %s: transition %s -> %s not allowed", id, from, to).
		WithDetail("capsule_id", id).
		WithDetail("from", from).
		WithDetail("to", to)
}

// NewNotFound reports an unknown capsule id.
func NewNotFound(id string) *Error {
	return New(CodeNotFound, "capsule not found: %s", id).WithDetail("capsule_id", id)
}

// NewOpNotFound reports an unknown operation id.
func NewOpNotFound(id string) *Error {
	return New(CodeNotFound, "operation not found: %s", id).WithDetail("op_id", id)
}

// NewTimeout reports an exceeded wait deadline.
func NewTimeout(what string) *Error {
	return New(CodeTimeout, "%s timed out", what)
}

// NewRecoveryExhausted reports that the retry limit was reached.
func NewRecoveryExhausted(id string, attempts int, cause error) *Error {
	return Wrap(CodeRecoveryExhausted, cause, "capsule %s: recovery exhausted after %d attempts", id, attempts).
		WithDetail("capsule_id", id).
		WithDetail("attempts", attempts)
}

// Is reports whether err is an *Error carrying the given code.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// CodeOf extracts the code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to the status the API layer should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeCapacity:
		return 400
	case CodeNotFound:
		return 404
	case CodeTimeout:
		return 408
	case CodeRecoveryExhausted, CodeSyncConflict:
		return 409
	default:
		return 500
	}
}
