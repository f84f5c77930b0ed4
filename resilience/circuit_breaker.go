package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gitwithintent/gwi/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker events for monitoring
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string)                     {}
func (noopMetrics) RecordFailure(string, string)             {}
func (noopMetrics) RecordStateChange(string, string, string) {}
func (noopMetrics) RecordRejection(string)                   {}

// ErrorClassifier determines which errors count toward breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts only infrastructure errors. Validation,
// configuration, not-found, and state errors reflect caller mistakes and
// must not trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidation(err) || core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// BreakerConfig holds configuration for the circuit breaker
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that triggers opening
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of requests before evaluation
	VolumeThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests in half-open state
	HalfOpenRequests int

	// SuccessThreshold is the success rate needed to close from half-open
	SuccessThreshold float64

	// WindowSize bounds how long closed-state counts accumulate
	WindowSize time.Duration

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for state change events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultBreakerConfig returns a production-ready default configuration
func DefaultBreakerConfig(name string) *BreakerConfig {
	return &BreakerConfig{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          noopMetrics{},
	}
}

// Validate checks the configuration for invalid values
func (c *BreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: circuit breaker name is required", core.ErrInvalidConfiguration)
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("%w: error threshold must be between 0 and 1, got %f", core.ErrInvalidConfiguration, c.ErrorThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("%w: success threshold must be between 0 and 1, got %f", core.ErrInvalidConfiguration, c.SuccessThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("%w: half-open requests must be at least 1, got %d", core.ErrInvalidConfiguration, c.HalfOpenRequests)
	}
	return nil
}

// Breaker protects a downstream dependency by rejecting calls while it is
// failing. Closed passes everything through and tracks the error rate over
// a rolling window. Open rejects until SleepWindow elapses. Half-open lets
// a handful of probes through and closes again when enough succeed.
type Breaker struct {
	config *BreakerConfig

	mu          sync.Mutex
	state       CircuitState
	changedAt   time.Time
	windowStart time.Time
	successes   int
	failures    int

	halfOpenGranted int
	halfOpenSuccess int
	halfOpenFailure int
}

// NewBreaker creates a circuit breaker, applying defaults for unset fields
func NewBreaker(config *BreakerConfig) (*Breaker, error) {
	if config == nil {
		config = DefaultBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if cal, ok := config.Logger.(core.ComponentAwareLogger); ok {
		config.Logger = cal.WithComponent("gwi/resilience")
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}

	now := time.Now()
	return &Breaker{
		config:      config,
		state:       StateClosed,
		changedAt:   now,
		windowStart: now,
	}, nil
}

// Execute runs fn with circuit breaker protection
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	return b.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn with circuit breaker protection and an optional
// timeout. On timeout the function keeps running in the background and its
// eventual result is still recorded.
func (b *Breaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	halfOpen, allowed := b.allow()
	if !allowed {
		b.config.Metrics.RecordRejection(b.config.Name)
		return fmt.Errorf("circuit breaker '%s' is open: %w", b.config.Name, core.ErrCircuitBreakerOpen)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in circuit breaker '%s': %v\n%s", b.config.Name, r, debug.Stack())
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		b.record(halfOpen, err)
		return err
	case <-ctx.Done():
		// fn is still running. Record its outcome when it finishes so the
		// half-open budget is not leaked.
		go func() {
			<-done
			b.record(halfOpen, ctx.Err())
		}()
		return ctx.Err()
	}
}

// allow decides whether a call may proceed. The returned halfOpen flag marks
// probe calls so their outcome is scored against the recovery threshold.
func (b *Breaker) allow() (halfOpen bool, allowed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if time.Since(b.changedAt) > b.config.SleepWindow {
			b.transition(StateHalfOpen)
			b.halfOpenGranted++
			return true, true
		}
		return false, false
	case StateHalfOpen:
		if b.halfOpenGranted >= b.config.HalfOpenRequests {
			return false, false
		}
		b.halfOpenGranted++
		return true, true
	default:
		return false, false
	}
}

func (b *Breaker) record(halfOpen bool, err error) {
	counts := err != nil && b.config.ErrorClassifier(err)

	if err == nil {
		b.config.Metrics.RecordSuccess(b.config.Name)
	} else if counts {
		b.config.Metrics.RecordFailure(b.config.Name, fmt.Sprintf("%T", err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if halfOpen {
		if counts {
			b.halfOpenFailure++
		} else {
			b.halfOpenSuccess++
		}
		total := b.halfOpenSuccess + b.halfOpenFailure
		if total >= b.config.HalfOpenRequests {
			rate := float64(b.halfOpenSuccess) / float64(total)
			if rate >= b.config.SuccessThreshold {
				b.transition(StateClosed)
			} else {
				b.transition(StateOpen)
			}
		}
		return
	}

	if b.state != StateClosed {
		return
	}

	// Counts accumulate inside a rolling window so a burst of old failures
	// cannot trip the breaker an hour later.
	if time.Since(b.windowStart) > b.config.WindowSize {
		b.successes = 0
		b.failures = 0
		b.windowStart = time.Now()
	}

	if counts {
		b.failures++
	} else {
		b.successes++
	}

	total := b.successes + b.failures
	if total >= b.config.VolumeThreshold {
		rate := float64(b.failures) / float64(total)
		if rate >= b.config.ErrorThreshold {
			b.transition(StateOpen)
		}
	}
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.changedAt = time.Now()

	switch to {
	case StateHalfOpen:
		b.halfOpenGranted = 0
		b.halfOpenSuccess = 0
		b.halfOpenFailure = 0
	case StateClosed:
		b.successes = 0
		b.failures = 0
		b.windowStart = time.Now()
	}

	if b.config.Logger != nil {
		b.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
			"name": b.config.Name,
			"from": from.String(),
			"to":   to.String(),
		})
	}
	b.config.Metrics.RecordStateChange(b.config.Name, from.String(), to.String())
}

// GetState returns the current state
func (b *Breaker) GetState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// Reset returns the breaker to closed and clears all counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	b.state = StateClosed
	b.changedAt = time.Now()
	b.windowStart = time.Now()
	b.successes = 0
	b.failures = 0
	b.halfOpenGranted = 0
	b.halfOpenSuccess = 0
	b.halfOpenFailure = 0

	if from != StateClosed && b.config.Logger != nil {
		b.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
			"name":           b.config.Name,
			"previous_state": from.String(),
		})
	}
}

// Snapshot returns current counters for debug endpoints
func (b *Breaker) Snapshot() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.successes + b.failures
	rate := 0.0
	if total > 0 {
		rate = float64(b.failures) / float64(total)
	}
	return map[string]interface{}{
		"name":       b.config.Name,
		"state":      b.state.String(),
		"successes":  b.successes,
		"failures":   b.failures,
		"error_rate": rate,
	}
}

var _ core.CircuitBreaker = (*Breaker)(nil)
