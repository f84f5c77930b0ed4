// Package core defines the durable execution data model.
//
// This file holds the long-lived objects the execution core persists and
// moves between workers: Runs (one end-to-end pipeline execution), their
// RunSteps and Checkpoints, DurableJobs (claim-and-lease queue items), and
// the ResumeContext that lets a recovering worker restart a run
// mid-pipeline.
//
// # Status machines
//
// Run and job statuses are validated state machines. Terminal statuses
// never transition back; ValidateRunTransition and ValidateJobTransition
// are the single source of truth for what is legal, and every store
// mutation path goes through them.
package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════
// Event sources
// ═══════════════════════════════════════════════════════════════════════════

// EventSource tags where an inbound event came from.
type EventSource string

const (
	SourceGitHubWebhook EventSource = "github_webhook"
	SourceAPI           EventSource = "api"
	SourceSlack         EventSource = "slack"
	SourceScheduler     EventSource = "scheduler"
)

// Valid reports whether the source is one of the known tags.
func (s EventSource) Valid() bool {
	switch s {
	case SourceGitHubWebhook, SourceAPI, SourceSlack, SourceScheduler:
		return true
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════
// Runs
// ═══════════════════════════════════════════════════════════════════════════

// RunStatus represents the state of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet claimed
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates a worker owns the run and is advancing it
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates the run finished successfully
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates the run failed with an error
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by request
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true for completed, failed, or cancelled.
// Terminal statuses never transition back.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// runTransitions is the legal run status transition table.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:   {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusRunning:   {RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusRunning},
	RunStatusCompleted: {},
	RunStatusFailed:    {},
	RunStatusCancelled: {},
}

// ValidateRunTransition returns an error when from→to is not a legal run
// status transition. Transitions out of a terminal status wrap
// ErrTerminalTransition; other illegal moves wrap ErrInvalidTransition.
// running→running is legal: recovery reclaims an orphan without a status
// change.
func ValidateRunTransition(from, to RunStatus) error {
	if from == to && !from.IsTerminal() {
		return nil
	}
	if from.IsTerminal() {
		return fmt.Errorf("run status %s is terminal, cannot transition to %s: %w", from, to, ErrTerminalTransition)
	}
	for _, allowed := range runTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return fmt.Errorf("run status %s cannot transition to %s: %w", from, to, ErrInvalidTransition)
}

// RunType identifies which pipeline a run executes.
type RunType string

const (
	RunTypeTriage    RunType = "triage"
	RunTypePlan      RunType = "plan"
	RunTypeResolve   RunType = "resolve"
	RunTypeReview    RunType = "review"
	RunTypeAutopilot RunType = "autopilot"
)

// TriggerInfo records what caused a run to start.
type TriggerInfo struct {
	// Source is the inbound event source
	Source EventSource `json:"source"`

	// Actor is the id of the user or system that triggered the run
	Actor string `json:"actor,omitempty"`

	// Repository is the owner/name of the target repository
	Repository string `json:"repository,omitempty"`

	// IssueNumber is the GitHub issue the run works on
	IssueNumber int `json:"issue_number,omitempty"`

	// IdempotencyKey is the key that admitted this run
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Run is one end-to-end pipeline execution.
type Run struct {
	// ID is the unique identifier for this run
	ID string `json:"id"`

	// TenantID scopes the run to a tenant
	TenantID string `json:"tenant_id"`

	// Type identifies which pipeline this run executes
	Type RunType `json:"type"`

	// Status is the current state of the run
	Status RunStatus `json:"status"`

	// CurrentStep is the id of the step currently (or last) executing
	CurrentStep string `json:"current_step,omitempty"`

	// Steps is the ordered record of executed steps
	Steps []RunStep `json:"steps,omitempty"`

	// OwnerID identifies the worker currently claiming this run
	OwnerID string `json:"owner_id,omitempty"`

	// LastHeartbeatAt is the most recent liveness stamp from the owner
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	// ResumeCount is how many times recovery has resumed this run
	ResumeCount int `json:"resume_count"`

	// CreatedAt is when the run was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the run was last mutated
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the run reached a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DurationMs is the total wall time once terminal
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Error holds the failure reason for failed runs
	Error string `json:"error,omitempty"`

	// Result holds the run outcome (e.g. the opened PR) once completed
	Result map[string]interface{} `json:"result,omitempty"`

	// Trigger records what started the run
	Trigger TriggerInfo `json:"trigger"`
}

// NewRun creates a pending run with a fresh id.
func NewRun(tenantID string, runType RunType, trigger TriggerInfo) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Type:      runType,
		Status:    RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Trigger:   trigger,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Steps and checkpoints
// ═══════════════════════════════════════════════════════════════════════════

// StepStatus represents the state of a single pipeline step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// RunStep records one executed pipeline step.
type RunStep struct {
	// StepID names the step (e.g. "analyze", "apply")
	StepID string `json:"step_id"`

	// Agent is the agent that executed the step
	Agent string `json:"agent,omitempty"`

	// Status is the outcome of the step
	Status StepStatus `json:"status"`

	// Input is the step input payload
	Input map[string]interface{} `json:"input,omitempty"`

	// Output is the step output payload
	Output map[string]interface{} `json:"output,omitempty"`

	// Error holds the failure reason for failed steps
	Error string `json:"error,omitempty"`

	// TokensUsed counts agent tokens consumed by the step
	TokensUsed int `json:"tokens_used,omitempty"`

	// DurationMs is the step wall time
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// Checkpoint is a durable snapshot written after a step. Checkpoints for
// a run form an append-only log ordered by Timestamp (ties broken by
// insertion order).
type Checkpoint struct {
	RunStep

	// Resumable marks this checkpoint as usable as a resume point
	Resumable bool `json:"resumable"`

	// Idempotent marks the step as safe to replay
	Idempotent bool `json:"idempotent"`

	// Timestamp is when the checkpoint was written
	Timestamp time.Time `json:"timestamp"`
}

// ResumeMode selects how a resumed run re-enters its pipeline.
type ResumeMode string

const (
	// ResumeFromCheckpoint skips every step completed at or before the
	// resume point and continues with the next step.
	ResumeFromCheckpoint ResumeMode = "from_checkpoint"

	// ResumeReplayStep re-executes exactly one named step, which must be
	// idempotent.
	ResumeReplayStep ResumeMode = "replay_step"
)

// ResumeContext carries everything a worker needs to restart a run
// mid-pipeline.
type ResumeContext struct {
	// Mode selects the resume strategy
	Mode ResumeMode `json:"mode"`

	// ResumeCheckpoint is the checkpoint the run resumes from
	ResumeCheckpoint *Checkpoint `json:"resume_checkpoint,omitempty"`

	// SkipStepIDs lists steps that completed before the resume point
	SkipStepIDs []string `json:"skip_step_ids,omitempty"`

	// CarryForwardState is the resume checkpoint's output, passed as
	// input to the first executed step
	CarryForwardState map[string]interface{} `json:"carry_forward_state,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Durable jobs
// ═══════════════════════════════════════════════════════════════════════════

// JobStatus represents the state of a durable job.
type JobStatus string

const (
	// JobStatusPending indicates the job waits in the queue
	JobStatusPending JobStatus = "pending"

	// JobStatusClaimed indicates a worker holds the lease but has not started
	JobStatusClaimed JobStatus = "claimed"

	// JobStatusRunning indicates the job is being processed
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted indicates the job finished successfully
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job failed; it may requeue while
	// attempts remain
	JobStatusFailed JobStatus = "failed"

	// JobStatusDeadLetter indicates the job exhausted its retries or
	// tripped a hard limit and will not be retried
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// IsTerminal returns true for completed and dead_letter. A failed job is
// not terminal while retry attempts remain.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusDeadLetter
}

// jobTransitions is the legal job status transition table. failed→pending
// carries the extra attempts<maxRetries condition checked by
// ValidateJobTransition's caller via the job itself.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusClaimed},
	JobStatusClaimed:    {JobStatusRunning, JobStatusPending},
	JobStatusRunning:    {JobStatusCompleted, JobStatusFailed, JobStatusDeadLetter},
	JobStatusFailed:     {JobStatusPending, JobStatusDeadLetter},
	JobStatusCompleted:  {},
	JobStatusDeadLetter: {},
}

// ErrRetriesExhausted is returned when failed→pending is requested with
// no attempts remaining.
var ErrRetriesExhausted = errors.New("job retries exhausted")

// ValidateJobTransition returns an error when from→to is not legal for
// the given job. The failed→pending edge additionally requires
// job.Attempts < job.MaxRetries.
func ValidateJobTransition(job *DurableJob, to JobStatus) error {
	from := job.Status
	if from.IsTerminal() {
		return fmt.Errorf("job status %s is terminal, cannot transition to %s: %w", from, to, ErrTerminalTransition)
	}
	legal := false
	for _, allowed := range jobTransitions[from] {
		if to == allowed {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("job status %s cannot transition to %s: %w", from, to, ErrInvalidTransition)
	}
	if from == JobStatusFailed && to == JobStatusPending && job.Attempts >= job.MaxRetries {
		return fmt.Errorf("job %s attempted %d of %d: %w", job.ID, job.Attempts, job.MaxRetries, ErrRetriesExhausted)
	}
	return nil
}

// DurableJob is a claim-and-lease work item.
type DurableJob struct {
	// ID is the unique identifier for this job
	ID string `json:"id"`

	// Type routes the job to a handler (e.g. "run.execute", "run.resume")
	Type string `json:"type"`

	// TenantID scopes the job to a tenant
	TenantID string `json:"tenant_id"`

	// RunID links the job to a run, when it carries one
	RunID string `json:"run_id,omitempty"`

	// Payload contains the job parameters
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Resume carries the resume context for run.resume jobs
	Resume *ResumeContext `json:"resume,omitempty"`

	// Status is the current state of the job
	Status JobStatus `json:"status"`

	// Attempts counts processing attempts so far
	Attempts int `json:"attempts"`

	// MaxRetries bounds failed→pending requeues
	MaxRetries int `json:"max_retries"`

	// Priority orders jobs within the queue (higher first)
	Priority int `json:"priority"`

	// ClaimedBy identifies the worker holding the lease
	ClaimedBy string `json:"claimed_by,omitempty"`

	// ClaimedAt is when the lease was taken
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// StartedAt is when processing began
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job reached a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LastHeartbeat is the worker's most recent liveness stamp for the job
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// Error holds the failure reason for failed jobs
	Error string `json:"error,omitempty"`

	// Result holds the job outcome once completed
	Result map[string]interface{} `json:"result,omitempty"`

	// CreatedAt is when the job was enqueued
	CreatedAt time.Time `json:"created_at"`
}

// NewJob creates a pending job with a fresh id.
func NewJob(jobType, tenantID string, payload map[string]interface{}) *DurableJob {
	return &DurableJob{
		ID:         uuid.New().String(),
		Type:       jobType,
		TenantID:   tenantID,
		Payload:    payload,
		Status:     JobStatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}
