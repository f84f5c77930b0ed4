package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Run-related errors
	ErrRunNotFound      = errors.New("run not found")
	ErrRunAlreadyExists = errors.New("run already exists")
	ErrTerminalState    = errors.New("run is in a terminal state")

	// Job-related errors
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotClaimable = errors.New("job cannot be claimed")

	// Idempotency errors
	ErrRecordNotFound = errors.New("idempotency record not found")

	// Approval errors
	ErrSigningKeyNotFound = errors.New("signing key not found")
	ErrSigningKeyRevoked  = errors.New("signing key revoked")
	ErrSignatureInvalid   = errors.New("signature verification failed")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted     = errors.New("already started")
	ErrShutdown           = errors.New("service is shut down")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTerminalTransition = errors.New("cannot transition out of terminal status")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Network errors
	ErrConnectionFailed   = errors.New("connection failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// ErrorKind classifies an error by recovery strategy. Kinds drive retry,
// HTTP status mapping, and CLI exit codes.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindConflict       ErrorKind = "conflict"
	KindTransient      ErrorKind = "transient"
	KindPolicyDenied   ErrorKind = "policy_denied"
	KindPhaseFailed    ErrorKind = "phase_failed"
	KindRecoveryFailed ErrorKind = "recovery_failed"
	KindConfiguration  ErrorKind = "configuration"
	KindNotFound       ErrorKind = "not_found"
	KindSignature      ErrorKind = "signature"
	KindStore          ErrorKind = "store"
	KindInternal       ErrorKind = "internal"
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping.
type Error struct {
	Op      string    // Operation that failed (e.g., "idempotency.CheckAndSet")
	Kind    ErrorKind // Classification driving recovery strategy
	ID      string    // Optional ID of the entity involved
	Message string    // Human-readable message
	Err     error     // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured Error
func NewError(op string, kind ErrorKind, err error) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// WithID attaches the ID of the entity involved
func (e *Error) WithID(id string) *Error {
	e.ID = id
	return e
}

// WithMessage attaches a human-readable message
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// KindOf extracts the ErrorKind from an error chain.
// Returns KindInternal when no structured Error is present.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsRetryable checks if an error is retryable.
// Retryable errors are transient store or connectivity issues.
func IsRetryable(err error) bool {
	if KindOf(err) == KindTransient {
		return true
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	if KindOf(err) == KindNotFound {
		return true
	}
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrSigningKeyNotFound)
}

// IsValidation checks if an error is a validation failure
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsConflict checks if an error is an idempotency conflict
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	if KindOf(err) == KindConfiguration {
		return true
	}
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsSignatureError checks if an error is a signature or key failure
func IsSignatureError(err error) bool {
	if KindOf(err) == KindSignature {
		return true
	}
	return errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrSigningKeyNotFound) ||
		errors.Is(err, ErrSigningKeyRevoked)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrShutdown) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTerminalTransition)
}
