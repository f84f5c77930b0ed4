// Package orchestration drives runs through their pipelines: durable run
// and checkpoint stores, a claim-and-lease job queue, the worker pool that
// serves it, per-run heartbeats, and the startup recovery pass that
// resumes or fails orphaned runs.
package orchestration

import (
	"context"
	"time"

	"github.com/gitwithintent/gwi/core"
)

// RunStore persists runs. Status mutations validate against the run
// transition table; terminal runs never transition back.
type RunStore interface {
	// Create persists a new run; an existing id is a conflict
	Create(ctx context.Context, run *core.Run) error

	// Get returns the run or core.ErrRunNotFound
	Get(ctx context.Context, tenantID, runID string) (*core.Run, error)

	// Update overwrites the run after validating the status transition
	Update(ctx context.Context, run *core.Run) error

	// UpdateHeartbeat stamps lastHeartbeatAt and ownerId without touching
	// the rest of the run
	UpdateHeartbeat(ctx context.Context, tenantID, runID, ownerID string) error

	// ListInFlight returns runs in pending or running status
	ListInFlight(ctx context.Context) ([]*core.Run, error)

	// Close releases store resources
	Close() error
}

// CheckpointStore is the append-only per-run checkpoint log.
type CheckpointStore interface {
	// Save appends a checkpoint to the run's log
	Save(ctx context.Context, tenantID, runID string, cp *core.Checkpoint) error

	// List returns the run's checkpoints in append order
	List(ctx context.Context, tenantID, runID string) ([]core.Checkpoint, error)

	// Latest returns the most recent completed checkpoint, or nil when
	// none exists
	Latest(ctx context.Context, tenantID, runID string) (*core.Checkpoint, error)

	// Exists reports whether the run has any checkpoints
	Exists(ctx context.Context, tenantID, runID string) (bool, error)

	// Clear removes the run's log. Test use only.
	Clear(ctx context.Context, tenantID, runID string) error

	// Close releases store resources
	Close() error
}

// JobQueue moves durable jobs between workers.
type JobQueue interface {
	// Enqueue adds a job to the pending queue
	Enqueue(ctx context.Context, job *core.DurableJob) error

	// Dequeue blocks up to timeout for the next job. Returns nil, nil
	// when the timeout expires with nothing available.
	Dequeue(ctx context.Context, timeout time.Duration) (*core.DurableJob, error)

	// Acknowledge removes a processed job from the processing list
	Acknowledge(ctx context.Context, jobID string) error

	// Reject removes the job from the processing list and, when requeue
	// is true, puts it back on the pending queue
	Reject(ctx context.Context, job *core.DurableJob, requeue bool) error

	// DeadLetter moves the job from the processing list to the dead
	// letter list
	DeadLetter(ctx context.Context, job *core.DurableJob) error

	// Depth returns the number of pending jobs
	Depth(ctx context.Context) (int64, error)

	// Close releases queue resources
	Close() error
}

// JobStore persists durable job state alongside the queue.
type JobStore interface {
	// Create persists a new job
	Create(ctx context.Context, job *core.DurableJob) error

	// Get returns the job or core.ErrJobNotFound
	Get(ctx context.Context, jobID string) (*core.DurableJob, error)

	// Update overwrites the job after validating the status transition
	Update(ctx context.Context, job *core.DurableJob) error

	// Claim conditionally marks the job claimed by ownerID. Exactly one
	// concurrent claimer wins; the rest get core.ErrJobNotClaimable.
	Claim(ctx context.Context, jobID, ownerID string) (*core.DurableJob, error)

	// ListByStatus returns jobs in the given status
	ListByStatus(ctx context.Context, status core.JobStatus) ([]*core.DurableJob, error)

	// Close releases store resources
	Close() error
}

// AgentInvoker executes one pipeline phase's agent work. Implementations
// may suspend for minutes; the orchestrator passes a per-phase deadline
// through ctx and holds no locks across the call.
type AgentInvoker interface {
	Invoke(ctx context.Context, agent string, input map[string]interface{}) (*AgentResult, error)
}

// AgentResult is an agent's phase output.
type AgentResult struct {
	// Output is the phase output carried into the next phase's input
	Output map[string]interface{}

	// TokensUsed counts tokens the agent consumed
	TokensUsed int
}

// SandboxRunner applies file changes through an isolated subprocess.
// Only the capability matters here; the provider is external.
type SandboxRunner interface {
	Apply(ctx context.Context, req *SandboxRequest) (*SandboxResult, error)
}

// SandboxRequest describes the changes the apply phase wants written.
type SandboxRequest struct {
	RunID      string                 `json:"run_id"`
	Repository string                 `json:"repository"`
	Plan       map[string]interface{} `json:"plan"`
}

// SandboxResult reports what the sandbox wrote.
type SandboxResult struct {
	FilesChanged []string `json:"files_changed"`
	BranchName   string   `json:"branch_name"`
}
