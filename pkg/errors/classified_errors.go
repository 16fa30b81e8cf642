// Package errors classifies the failures the synchronization engine can
// observe so that callers decide between retrying, surfacing a banner, or
// silently dropping the offending input.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassTransient indicates a temporary transport failure that is retried with backoff
	ClassTransient
	// ClassTerminal indicates the reconnect budget is exhausted; requires a manual retry
	ClassTerminal
	// ClassAuthentication indicates the session expired; requires re-authentication
	ClassAuthentication
	// ClassWriteFailed indicates a durable write failed after its bounded retries
	ClassWriteFailed
	// ClassStaleReference indicates an undo/redo entry referenced objects that no longer exist
	ClassStaleReference
	// ClassMalformed indicates a remote message that cannot be decoded or applied
	ClassMalformed
	// ClassLocked indicates the object is locked by another participant
	ClassLocked
	// ClassNotFound indicates the object does not exist or is deleted
	ClassNotFound
	// ClassValidation indicates invalid input, such as a parent cycle
	ClassValidation
)

var classNames = map[ErrorClass]string{
	ClassUnknown:        "unknown",
	ClassTransient:      "transient",
	ClassTerminal:       "terminal",
	ClassAuthentication: "authentication",
	ClassWriteFailed:    "write_failed",
	ClassStaleReference: "stale_reference",
	ClassMalformed:      "malformed",
	ClassLocked:         "locked",
	ClassNotFound:       "not_found",
	ClassValidation:     "validation",
}

// String returns the snake_case name of the class
func (c ErrorClass) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return classNames[ClassUnknown]
}

// ClassifiedError is an error with classification information
type ClassifiedError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Class     ErrorClass        `json:"class"`
	Operation string            `json:"operation,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Original error for unwrapping
	cause error
}

// Sentinel errors. Compare with errors.Is; codes are matched, so a wrapped
// or enriched copy still matches its sentinel.
var (
	ErrTransport      = New("transport_unavailable", "broadcast channel unavailable", ClassTransient)
	ErrDisconnected   = New("disconnected", "reconnect attempts exhausted", ClassTerminal)
	ErrAuthExpired    = New("auth_expired", "session expired", ClassAuthentication)
	ErrWriteFailed    = New("write_failed", "durable write failed", ClassWriteFailed)
	ErrStaleReference = New("stale_reference", "referenced objects no longer exist", ClassStaleReference)
	ErrMalformed      = New("malformed_message", "malformed remote message", ClassMalformed)
	ErrLocked         = New("object_locked", "object is locked by another participant", ClassLocked)
	ErrNotFound       = New("object_not_found", "object not found", ClassNotFound)
	ErrCycle          = New("parent_cycle", "parent assignment would create a cycle", ClassValidation)
	ErrInvalid        = New("invalid_input", "invalid input", ClassValidation)
	ErrClosed         = New("closed", "component is closed", ClassTerminal)
)

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	msg := e.Message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// Is matches another ClassifiedError by code
func (e *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable returns true for errors the engine retries automatically
func (e *ClassifiedError) IsRetryable() bool {
	return e.Class == ClassTransient
}

// New creates a new classified error
func New(code string, message string, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now(),
	}
}

// Wrap wraps err with the code, message and class of sentinel
func Wrap(err error, sentinel *ClassifiedError) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Code:      sentinel.Code,
		Message:   sentinel.Message,
		Class:     sentinel.Class,
		Timestamp: time.Now(),
		cause:     err,
	}
}

// WithOperation returns a copy of the error annotated with the failing operation
func (e *ClassifiedError) WithOperation(operation string) *ClassifiedError {
	cp := *e
	cp.Operation = operation
	cp.Timestamp = time.Now()
	return &cp
}

// WithMetadata returns a copy of the error carrying an extra metadata entry
func (e *ClassifiedError) WithMetadata(key, value string) *ClassifiedError {
	cp := *e
	cp.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

// ClassOf returns the class of the first ClassifiedError in err's chain
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// IsTransient returns true if the error is transient and may be retried
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsTerminal returns true if the error requires an explicit user action
func IsTerminal(err error) bool {
	class := ClassOf(err)
	return class == ClassTerminal || class == ClassAuthentication
}

// IsMalformed returns true if the error describes an undecodable remote message
func IsMalformed(err error) bool {
	return ClassOf(err) == ClassMalformed
}

// IsValidationError returns true if the error is a validation error
func IsValidationError(err error) bool {
	return ClassOf(err) == ClassValidation
}
