package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gitwithintent/gwi/core"
)

// ErrPayloadMismatch signals a duplicate idempotency key whose payload
// differs from the first delivery's. Replaying the cached response for a
// different request would silently drop the new one.
var ErrPayloadMismatch = errors.New("idempotency key reused with a different payload")

// Handler is the side-effecting work admitted at most once per key. It
// returns the cached outcome replayed to every later duplicate.
type Handler func(ctx context.Context) (*Response, error)

// ProcessingError signals that another delivery of the same key is still
// being processed. HTTP callers translate it to 409 with Retry-After.
type ProcessingError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("request with key %s is already being processed, retry after %s", e.Key, e.RetryAfter)
}

// IsProcessing reports whether err is a concurrent-processing conflict.
func IsProcessing(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe)
}

// AsProcessing extracts the conflict details from an error chain.
func AsProcessing(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	ok := errors.As(err, &pe)
	return pe, ok
}

// ServiceConfig configures the idempotency service.
type ServiceConfig struct {
	// LockTimeout bounds how long a processing lock is honored.
	// Default: 30s.
	LockTimeout time.Duration

	// MaxAttempts bounds lock recoveries before a key is failed.
	// Default: 3.
	MaxAttempts int

	// CompletedTTL is how long completed records replay duplicates.
	// Default: 24h.
	CompletedTTL time.Duration

	// FailedTTL is how long failed records suppress retries. Kept shorter
	// than CompletedTTL so legitimate retries reopen sooner.
	// Default: 1h.
	FailedTTL time.Duration

	// RetryAfter is the delay suggested to callers on a processing
	// conflict. Default: 5s.
	RetryAfter time.Duration

	// Metrics is an optional counter set; nil disables metric emission.
	Metrics *Metrics

	// Logger is an optional logger.
	Logger core.Logger
}

// DefaultServiceConfig returns the default service configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		LockTimeout:  30 * time.Second,
		MaxAttempts:  3,
		CompletedTTL: 24 * time.Hour,
		FailedTTL:    1 * time.Hour,
		RetryAfter:   5 * time.Second,
	}
}

// Service guarantees each inbound event yields at most one downstream side
// effect. The store's transactional check-and-set linearizes concurrent
// deliveries; exactly one wins new, the rest see processing or duplicate.
type Service struct {
	store   Store
	config  ServiceConfig
	metrics *Metrics
	logger  core.Logger
}

// NewService creates an idempotency service over the given store.
func NewService(store Store, config *ServiceConfig) *Service {
	if config == nil {
		c := DefaultServiceConfig()
		config = &c
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.CompletedTTL <= 0 {
		config.CompletedTTL = 24 * time.Hour
	}
	if config.FailedTTL <= 0 {
		config.FailedTTL = 1 * time.Hour
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = 5 * time.Second
	}

	s := &Service{
		store:   store,
		config:  *config,
		metrics: config.Metrics,
		logger:  config.Logger,
	}
	if s.logger != nil {
		if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("gwi/idempotency")
		}
	}
	return s
}

// ProcessResult is the outcome of Process or Check.
type ProcessResult struct {
	// Processed is true when this call executed the handler
	Processed bool

	// RunID is the run started by the first delivery, when one was
	RunID string

	// Response is the handler outcome, fresh or replayed
	Response *Response
}

// Process admits the event and, when this delivery wins the key, runs the
// handler under the acquired lock. Duplicates get the cached outcome
// without the handler running; concurrent deliveries get a
// *ProcessingError.
func (s *Service) Process(ctx context.Context, key Key, tenantID string, payload interface{}, handler Handler) (*ProcessResult, error) {
	result, err := s.Check(ctx, key, tenantID, payload)
	if err != nil || !result.Processed {
		return result, err
	}

	response, handlerErr := s.invoke(ctx, handler)
	if handlerErr != nil {
		failResp := ErrorResponse(http.StatusInternalServerError, handlerErr.Error())
		if failErr := s.Fail(ctx, tenantID, key.String(), failResp); failErr != nil && s.logger != nil {
			s.logger.ErrorWithContext(ctx, "Failed to settle idempotency record as failed", map[string]interface{}{
				"key":   key.String(),
				"error": failErr.Error(),
			})
		}
		s.metrics.observeSettled(key.Source, true)
		return nil, handlerErr
	}

	if err := s.Complete(ctx, tenantID, key.String(), response); err != nil {
		return nil, err
	}
	s.metrics.observeSettled(key.Source, false)

	result.Response = response
	if response != nil {
		result.RunID = response.RunID
	}
	return result, nil
}

// invoke runs the handler with panic containment so a panicking handler
// settles the record instead of leaking a held lock until timeout.
func (s *Service) invoke(ctx context.Context, handler Handler) (response *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("idempotency handler panic: %v", r)
		}
	}()
	return handler(ctx)
}

// Check performs the transactional admission without invoking a handler.
// A Processed=true result means the caller now holds the lock and must
// settle the record via Complete or Fail.
func (s *Service) Check(ctx context.Context, key Key, tenantID string, payload interface{}) (*ProcessResult, error) {
	requestHash, err := core.CanonicalHash(payload)
	if err != nil {
		return nil, core.NewError("idempotency.Check", core.KindValidation,
			fmt.Errorf("failed to hash request payload: %w", err))
	}

	candidate := &Record{
		Key:         key.String(),
		Source:      key.Source,
		TenantID:    tenantID,
		RequestHash: requestHash,
	}

	check, err := s.store.CheckAndSet(ctx, candidate, CheckOptions{
		LockTimeout: s.config.LockTimeout,
		MaxAttempts: s.config.MaxAttempts,
		FailedTTL:   s.config.FailedTTL,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.observeCheck(key.Source, check)

	switch check.Outcome {
	case OutcomeNew:
		if check.Recovered && s.logger != nil {
			s.logger.WarnWithContext(ctx, "Recovered expired idempotency lock", map[string]interface{}{
				"key":      key.String(),
				"attempts": check.Record.Attempts,
			})
		}
		return &ProcessResult{Processed: true}, nil

	case OutcomeProcessing:
		return nil, core.NewError("idempotency.Check", core.KindConflict,
			&ProcessingError{Key: key.String(), RetryAfter: s.config.RetryAfter}).WithID(key.String())

	default: // OutcomeDuplicate
		if check.Record.RequestHash != "" && check.Record.RequestHash != requestHash {
			return nil, core.NewError("idempotency.Check", core.KindConflict,
				fmt.Errorf("%w: key %s", ErrPayloadMismatch, key.String())).WithID(key.String())
		}
		if s.logger != nil {
			s.logger.DebugWithContext(ctx, "Duplicate delivery replayed from cache", map[string]interface{}{
				"key":    key.String(),
				"status": string(check.Record.Status),
			})
		}
		response := check.Record.Response
		if response == nil && check.Record.Status == StatusFailed {
			// Failed records settled by the store (attempts exhausted)
			// carry no cached response; the duplicate must still see a
			// failure, never an empty success.
			msg := check.Record.Error
			if msg == "" {
				msg = "original delivery failed"
			}
			response = ErrorResponse(http.StatusInternalServerError, msg)
		}
		return &ProcessResult{
			Processed: false,
			RunID:     check.Record.RunID,
			Response:  response,
		}, nil
	}
}

// Complete settles a held record as completed and caches the response for
// replay until CompletedTTL elapses.
func (s *Service) Complete(ctx context.Context, tenantID, key string, response *Response) error {
	record, err := s.store.Get(ctx, tenantID, key)
	if err != nil {
		return err
	}

	record.Status = StatusCompleted
	record.Response = response
	if response != nil {
		record.RunID = response.RunID
	}
	record.Error = ""
	record.LockExpiresAt = nil
	expires := time.Now().Add(s.config.CompletedTTL)
	record.ExpiresAt = &expires

	return s.store.Update(ctx, record)
}

// Fail settles a held record as failed and caches the error response so
// duplicates replay the failure instead of an empty success. The shorter
// FailedTTL lets a legitimate retry of the same event through once it
// lapses.
func (s *Service) Fail(ctx context.Context, tenantID, key string, response *Response) error {
	record, err := s.store.Get(ctx, tenantID, key)
	if err != nil {
		return err
	}
	if response == nil {
		response = ErrorResponse(http.StatusInternalServerError, "handler failed")
	}

	record.Status = StatusFailed
	record.Response = response
	record.Error = response.Message
	record.LockExpiresAt = nil
	expires := time.Now().Add(s.config.FailedTTL)
	record.ExpiresAt = &expires

	return s.store.Update(ctx, record)
}

// GetStatus is a non-mutating record lookup.
func (s *Service) GetStatus(ctx context.Context, tenantID, key string) (*Record, error) {
	return s.store.Get(ctx, tenantID, key)
}

// CleanupExpired sweeps settled records past their retention.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	deleted, err := s.store.CleanupExpired(ctx, time.Now())
	s.metrics.observeCleanup(deleted)
	return deleted, err
}

// StartCleanupLoop runs CleanupExpired on the interval until ctx is done.
// It is safe to run on every worker; deletes of already-gone records are
// no-ops.
func (s *Service) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CleanupExpired(ctx); err != nil && s.logger != nil {
					s.logger.ErrorWithContext(ctx, "Idempotency cleanup sweep failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
		}
	}()
}

// RetryAfter exposes the configured conflict backoff for HTTP surfaces.
func (s *Service) RetryAfter() time.Duration {
	return s.config.RetryAfter
}
