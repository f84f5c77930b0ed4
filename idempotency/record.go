package idempotency

import (
	"encoding/json"
	"time"

	"github.com/gitwithintent/gwi/core"
)

// ═══════════════════════════════════════════════════════════════════════════
// Record Status
// ═══════════════════════════════════════════════════════════════════════════

// Status describes a record's lifecycle position
type Status string

const (
	// StatusProcessing means a handler holds the lock for this key
	StatusProcessing Status = "processing"
	// StatusCompleted means the handler finished and its response is cached
	StatusCompleted Status = "completed"
	// StatusFailed means the handler errored; retries reopen after the
	// (shorter) failed TTL expires
	StatusFailed Status = "failed"
)

// Settled reports whether the record reached a terminal status
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ═══════════════════════════════════════════════════════════════════════════
// Cached Response
// ═══════════════════════════════════════════════════════════════════════════

// ResponseKind tags the cached handler outcome
type ResponseKind string

const (
	// ResponseRunStarted caches a successfully started run
	ResponseRunStarted ResponseKind = "run_started"
	// ResponseError caches a handler error surface
	ResponseError ResponseKind = "error"
	// ResponseMessage caches a plain text reply (chat commands)
	ResponseMessage ResponseKind = "message"
)

// Response is the cached outcome replayed to duplicate deliveries. It is a
// tagged union: exactly the fields for its Kind are set, with enough
// structure to reconstitute an HTTP or chat reply without re-running the
// handler.
type Response struct {
	// Kind selects which fields below are meaningful
	Kind ResponseKind `json:"kind"`

	// RunID is set for run_started responses
	RunID string `json:"run_id,omitempty"`

	// StatusCode is the HTTP status to replay (run_started and error)
	StatusCode int `json:"status_code,omitempty"`

	// Body is the raw response body to replay (run_started)
	Body json.RawMessage `json:"body,omitempty"`

	// Message is the human-readable text (error and message)
	Message string `json:"message,omitempty"`
}

// RunStarted builds the cached response for a newly started run
func RunStarted(runID string, statusCode int, body json.RawMessage) *Response {
	return &Response{
		Kind:       ResponseRunStarted,
		RunID:      runID,
		StatusCode: statusCode,
		Body:       body,
	}
}

// ErrorResponse builds the cached response for a handler error surface
func ErrorResponse(statusCode int, message string) *Response {
	return &Response{
		Kind:       ResponseError,
		StatusCode: statusCode,
		Message:    message,
	}
}

// MessageResponse builds the cached response for a plain text reply
func MessageResponse(text string) *Response {
	return &Response{
		Kind:    ResponseMessage,
		Message: text,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Idempotency Record
// ═══════════════════════════════════════════════════════════════════════════

// Record is the persisted state for one idempotency key. A record is either
// in-flight (processing with a live lock) or settled (completed or failed
// with an expiry); cleanupExpired removes settled records past their TTL.
type Record struct {
	// Key is the wire-form idempotency key
	Key string `json:"key"`

	// Source identifies where the event came from
	Source core.EventSource `json:"source"`

	// TenantID scopes the record
	TenantID string `json:"tenant_id"`

	// Status is processing, completed, or failed
	Status Status `json:"status"`

	// RequestHash is the hash of the canonicalized payload; duplicates
	// carrying a different payload are rejected, not replayed
	RequestHash string `json:"request_hash"`

	// RunID links to the run the first delivery started
	RunID string `json:"run_id,omitempty"`

	// Response is the cached outcome replayed to duplicates
	Response *Response `json:"response,omitempty"`

	// Error holds the handler failure message for failed records
	Error string `json:"error,omitempty"`

	// Attempts counts lock acquisitions, including recoveries
	Attempts int `json:"attempts"`

	// CreatedAt is when the first delivery arrived
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last mutation time
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt bounds how long a settled record is retained
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// LockExpiresAt bounds the processing lock; nil once settled
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
}

// Expired reports whether a settled record has passed its retention TTL
func (r *Record) Expired(now time.Time) bool {
	return r.Status.Settled() && r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// LockExpired reports whether a processing record's lock has lapsed
func (r *Record) LockExpired(now time.Time) bool {
	return r.Status == StatusProcessing &&
		(r.LockExpiresAt == nil || r.LockExpiresAt.Before(now))
}

// Clone returns a deep copy so store internals never alias caller state
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	if r.LockExpiresAt != nil {
		t := *r.LockExpiresAt
		out.LockExpiresAt = &t
	}
	if r.Response != nil {
		resp := *r.Response
		if r.Response.Body != nil {
			resp.Body = append(json.RawMessage(nil), r.Response.Body...)
		}
		out.Response = &resp
	}
	return &out
}

// ═══════════════════════════════════════════════════════════════════════════
// Check-and-Set Result
// ═══════════════════════════════════════════════════════════════════════════

// Outcome is the sum type of transactional check-and-set results
type Outcome int

const (
	// OutcomeNew means the caller acquired the lock and must run the handler
	OutcomeNew Outcome = iota
	// OutcomeProcessing means another caller holds a live lock
	OutcomeProcessing
	// OutcomeDuplicate means a settled record exists; replay its response
	OutcomeDuplicate
)

// String returns the outcome name for logs
func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeProcessing:
		return "processing"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// CheckResult carries the outcome and the record it was decided against
type CheckResult struct {
	// Outcome is new, processing, or duplicate
	Outcome Outcome

	// Record is the stored record after the check. For new outcomes this
	// is the freshly written processing record.
	Record *Record

	// Recovered marks a new outcome that reclaimed an expired lock
	Recovered bool
}
