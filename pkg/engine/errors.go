package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: gate executor unreachable, database busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates the preconditions of an operation are not
	// met yet. Examples: worker busy, stale revision, unit not eligible.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: dependency cycle, invalid transition, missing contract schema.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the unit, contract or worker ID that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewCodedError creates an error whose class is derived from the code.
// Unknown codes are permanent.
func NewCodedError(code, message string, err error) *EngineError {
	class, ok := codeClasses[code]
	if !ok {
		class = ErrorClassPermanent
	}
	return &EngineError{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	ErrCodeIncompleteContract = "INCOMPLETE_CONTRACT"
	ErrCodeNotLocked          = "NOT_LOCKED"
	ErrCodeWorkerBusy         = "WORKER_BUSY"
	ErrCodeUnitNotEligible    = "UNIT_NOT_ELIGIBLE"
	ErrCodeStillBlocked       = "STILL_BLOCKED"
	ErrCodeGuardFailed        = "GUARD_FAILED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeRevisionConflict   = "REVISION_CONFLICT"
	ErrCodeGateInfrastructure = "GATE_INFRASTRUCTURE"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

var codeClasses = map[string]ErrorClass{
	ErrCodeValidation:         ErrorClassPermanent,
	ErrCodeNotFound:           ErrorClassPermanent,
	ErrCodeAlreadyExists:      ErrorClassPermanent,
	ErrCodeCycleDetected:      ErrorClassPermanent,
	ErrCodeUnknownDependency:  ErrorClassPermanent,
	ErrCodeIncompleteContract: ErrorClassPermanent,
	ErrCodeNotLocked:          ErrorClassPermanent,
	ErrCodeWorkerBusy:         ErrorClassConflict,
	ErrCodeUnitNotEligible:    ErrorClassConflict,
	ErrCodeStillBlocked:       ErrorClassPermanent,
	ErrCodeGuardFailed:        ErrorClassPermanent,
	ErrCodeInvalidTransition:  ErrorClassPermanent,
	ErrCodeRevisionConflict:   ErrorClassConflict,
	ErrCodeGateInfrastructure: ErrorClassTransient,
	ErrCodeInternal:           ErrorClassPermanent,
}

// Sentinels for errors.Is. Matching compares class and code only.
var (
	ErrValidation         = NewCodedError(ErrCodeValidation, "validation failed", nil)
	ErrNotFound           = NewCodedError(ErrCodeNotFound, "not found", nil)
	ErrAlreadyExists      = NewCodedError(ErrCodeAlreadyExists, "already exists", nil)
	ErrCycleDetected      = NewCodedError(ErrCodeCycleDetected, "dependency cycle detected", nil)
	ErrUnknownDependency  = NewCodedError(ErrCodeUnknownDependency, "unknown dependency", nil)
	ErrIncompleteContract = NewCodedError(ErrCodeIncompleteContract, "contract has no schema", nil)
	ErrNotLocked          = NewCodedError(ErrCodeNotLocked, "contract not locked", nil)
	ErrWorkerBusy         = NewCodedError(ErrCodeWorkerBusy, "worker busy", nil)
	ErrUnitNotEligible    = NewCodedError(ErrCodeUnitNotEligible, "unit not eligible", nil)
	ErrStillBlocked       = NewCodedError(ErrCodeStillBlocked, "unit still blocked", nil)
	ErrGuardFailed        = NewCodedError(ErrCodeGuardFailed, "transition guard failed", nil)
	ErrInvalidTransition  = NewCodedError(ErrCodeInvalidTransition, "invalid transition", nil)
	ErrRevisionConflict   = NewCodedError(ErrCodeRevisionConflict, "revision conflict", nil)
	ErrGateInfrastructure = NewCodedError(ErrCodeGateInfrastructure, "gate infrastructure failure", nil)
)
