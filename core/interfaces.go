// Package core provides the foundational types and interfaces for the
// Git With Intent durable execution core: runs, checkpoints, durable jobs,
// structured logging, error classification, configuration, and the
// canonical JSON encoding shared by idempotency hashing and approval
// signing.
package core

import (
	"context"
	"time"
)

// Logger is the minimal structured logging interface used across all
// packages. The context variants let implementations attach request or
// trace correlation; they behave identically to the plain variants when
// the context carries nothing.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger can scope log lines to a named component.
// Constructors type-assert their injected Logger for this interface and,
// when present, scope it to "gwi/<package>".
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// CircuitBreaker provides circuit breaker protection for store and queue
// operations. Implementations temporarily block requests when a failure
// threshold is reached.
type CircuitBreaker interface {
	// Execute runs the provided function with circuit breaker protection.
	// If the circuit is open, it returns an error immediately without
	// invoking fn.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout runs the function with both circuit breaker
	// protection and a timeout.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns the current state: "closed", "open", or "half-open".
	GetState() string

	// Reset manually resets the circuit breaker to closed state.
	Reset()
}
