package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/resilience"
	"github.com/gitwithintent/gwi/telemetry"
)

// RecoveryAction is what recovery decided for one orphan.
type RecoveryAction string

const (
	RecoveryResumed RecoveryAction = "resumed"
	RecoveryFailed  RecoveryAction = "failed"
	RecoverySkipped RecoveryAction = "skipped"
	RecoveryErrored RecoveryAction = "errored"
)

// RunOutcome records recovery's decision for one orphaned run.
type RunOutcome struct {
	RunID    string         `json:"run_id"`
	TenantID string         `json:"tenant_id"`
	Action   RecoveryAction `json:"action"`
	Reason   string         `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Summary is one recovery pass's report.
type Summary struct {
	OrphanedCount int          `json:"orphaned_count"`
	ResumedCount  int          `json:"resumed_count"`
	FailedCount   int          `json:"failed_count"`
	SkippedCount  int          `json:"skipped_count"`
	ErrorCount    int          `json:"error_count"`
	Runs          []RunOutcome `json:"runs"`
	DurationMs    int64        `json:"duration_ms"`
	OwnerID       string       `json:"owner_id"`
}

// RecoveryConfig configures the recovery pass.
type RecoveryConfig struct {
	// MaxRuns caps how many orphans one pass handles
	// Default: 50
	MaxRuns int `json:"max_runs"`

	// Logger is an optional logger
	Logger core.Logger `json:"-"`
}

// Recovery brings orphaned runs to a safe state on worker startup. Runs
// with a resumable checkpoint restart through the job queue; the rest
// fail with a diagnostic naming the dead owner.
type Recovery struct {
	runs        RunStore
	checkpoints CheckpointStore
	heartbeats  *HeartbeatManager
	queue       JobQueue
	jobs        JobStore
	config      RecoveryConfig
	logger      core.Logger
}

// NewRecovery creates a recovery orchestrator.
func NewRecovery(runs RunStore, checkpoints CheckpointStore, heartbeats *HeartbeatManager, queue JobQueue, jobs JobStore, config *RecoveryConfig) *Recovery {
	if config == nil {
		config = &RecoveryConfig{}
	}
	if config.MaxRuns <= 0 {
		config.MaxRuns = 50
	}

	r := &Recovery{
		runs:        runs,
		checkpoints: checkpoints,
		heartbeats:  heartbeats,
		queue:       queue,
		jobs:        jobs,
		config:      *config,
		logger:      config.Logger,
	}
	if r.logger != nil {
		if cal, ok := r.logger.(core.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("gwi/orchestration")
		}
	}
	return r
}

// Recover runs one pass over the orphaned runs, up to MaxRuns. Each
// orphan is resumed, failed, or skipped independently; one orphan's error
// never aborts the pass.
func (r *Recovery) Recover(ctx context.Context) (*Summary, error) {
	start := time.Now()
	ownerID := r.heartbeats.OwnerID()
	summary := &Summary{OwnerID: ownerID}

	orphans, err := r.heartbeats.ListOrphanedRuns(ctx)
	if err != nil {
		return nil, core.NewError("orchestration.Recovery.Recover", core.KindRecoveryFailed, err)
	}
	summary.OrphanedCount = len(orphans)

	if len(orphans) > r.config.MaxRuns {
		orphans = orphans[:r.config.MaxRuns]
	}

	if r.logger != nil {
		r.logger.InfoWithContext(ctx, "Recovery pass started", map[string]interface{}{
			"orphaned": summary.OrphanedCount,
			"handling": len(orphans),
			"owner_id": ownerID,
		})
	}

	for _, run := range orphans {
		outcome := r.recoverRun(ctx, run, ownerID)
		summary.Runs = append(summary.Runs, outcome)
		switch outcome.Action {
		case RecoveryResumed:
			summary.ResumedCount++
		case RecoveryFailed:
			summary.FailedCount++
		case RecoverySkipped:
			summary.SkippedCount++
		case RecoveryErrored:
			summary.ErrorCount++
		}
	}

	summary.DurationMs = time.Since(start).Milliseconds()
	telemetry.Add(ctx, "gwi.recovery.resumed", int64(summary.ResumedCount))
	telemetry.Add(ctx, "gwi.recovery.failed", int64(summary.FailedCount))
	telemetry.Duration(ctx, "gwi.recovery.pass_duration", start)

	if r.logger != nil {
		r.logger.InfoWithContext(ctx, "Recovery pass finished", map[string]interface{}{
			"orphaned":    summary.OrphanedCount,
			"resumed":     summary.ResumedCount,
			"failed":      summary.FailedCount,
			"skipped":     summary.SkippedCount,
			"errors":      summary.ErrorCount,
			"duration_ms": summary.DurationMs,
		})
	}
	return summary, nil
}

func (r *Recovery) recoverRun(ctx context.Context, run *core.Run, ownerID string) RunOutcome {
	outcome := RunOutcome{RunID: run.ID, TenantID: run.TenantID}

	if run.Status.IsTerminal() {
		outcome.Action = RecoverySkipped
		outcome.Reason = fmt.Sprintf("run is %s", run.Status)
		return outcome
	}

	hasCheckpoints, err := r.checkpoints.Exists(ctx, run.TenantID, run.ID)
	if err != nil {
		outcome.Action = RecoveryErrored
		outcome.Error = err.Error()
		return outcome
	}
	if !hasCheckpoints {
		return r.failRun(ctx, run, ownerID, "No checkpoints saved", outcome)
	}

	checkpoints, err := r.checkpoints.List(ctx, run.TenantID, run.ID)
	if err != nil {
		outcome.Action = RecoveryErrored
		outcome.Error = err.Error()
		return outcome
	}

	// A trailing started marker means the previous owner died inside a
	// phase that cannot run twice; the run cannot be safely resumed.
	if cp := inFlightNonIdempotent(checkpoints); cp != nil {
		return r.failRun(ctx, run, ownerID,
			fmt.Sprintf("no-resumable-checkpoint-after-%s: non-idempotent phase was in progress", cp.StepID), outcome)
	}

	latest := latestCompleted(checkpoints)
	if latest == nil || !latest.Resumable {
		return r.failRun(ctx, run, ownerID, "No resumable checkpoint found", outcome)
	}

	resume, err := BuildResumeContext(checkpoints)
	if err != nil {
		return r.failRun(ctx, run, ownerID, err.Error(), outcome)
	}

	if err := r.resumeRun(ctx, run, ownerID, resume); err != nil {
		// A run we cannot re-enqueue must fail hard, or every instance
		// would rediscover the same orphan forever.
		return r.failRun(ctx, run, ownerID, fmt.Sprintf("resume action failed: %v", err), outcome)
	}

	outcome.Action = RecoveryResumed
	outcome.Reason = fmt.Sprintf("resumed from checkpoint %s", resume.ResumeCheckpoint.StepID)
	if r.logger != nil {
		r.logger.InfoWithContext(ctx, "Orphaned run resumed", map[string]interface{}{
			"run_id":       run.ID,
			"from_step":    resume.ResumeCheckpoint.StepID,
			"resume_count": run.ResumeCount,
			"owner_id":     ownerID,
		})
	}
	return outcome
}

// inFlightNonIdempotent returns the started marker of a non-idempotent
// phase that never finished, or nil. The orchestrator appends the marker
// before the phase body and the completion checkpoint after it, so only
// the newest log entry matters.
func inFlightNonIdempotent(checkpoints []core.Checkpoint) *core.Checkpoint {
	if len(checkpoints) == 0 {
		return nil
	}
	last := checkpoints[len(checkpoints)-1]
	if last.Status == core.StepStatusRunning && !last.Idempotent {
		return &last
	}
	return nil
}

func (r *Recovery) resumeRun(ctx context.Context, run *core.Run, ownerID string, resume *core.ResumeContext) error {
	now := time.Now().UTC()
	run.Status = core.RunStatusRunning
	run.OwnerID = ownerID
	run.LastHeartbeatAt = &now
	run.ResumeCount++
	if err := r.runs.Update(ctx, run); err != nil {
		return err
	}

	if err := r.heartbeats.StartHeartbeat(ctx, run.TenantID, run.ID); err != nil {
		return err
	}

	job := core.NewJob(JobTypeRunResume, run.TenantID, map[string]interface{}{
		"recovered_by": ownerID,
	})
	job.RunID = run.ID
	job.Resume = resume

	if r.jobs != nil {
		if err := r.jobs.Create(ctx, job); err != nil {
			r.heartbeats.StopHeartbeat(run.TenantID, run.ID)
			return err
		}
	}
	// Transient queue errors get a short retry budget before the run is
	// force-failed; anything else fails it immediately.
	enqueue := func() error { return r.queue.Enqueue(ctx, job) }
	if err := resilience.RetryTransient(ctx, nil, enqueue); err != nil {
		r.heartbeats.StopHeartbeat(run.TenantID, run.ID)
		return err
	}
	return nil
}

func (r *Recovery) failRun(ctx context.Context, run *core.Run, ownerID, reason string, outcome RunOutcome) RunOutcome {
	lastBeat := "never"
	if run.LastHeartbeatAt != nil {
		lastBeat = run.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}

	run.Status = core.RunStatusFailed
	run.Error = fmt.Sprintf("recovery failed run: %s (previous owner %s, last heartbeat %s, recovered by %s)",
		reason, run.OwnerID, lastBeat, ownerID)

	if err := r.runs.Update(ctx, run); err != nil {
		outcome.Action = RecoveryErrored
		outcome.Reason = reason
		outcome.Error = err.Error()
		return outcome
	}

	outcome.Action = RecoveryFailed
	outcome.Reason = reason
	if r.logger != nil {
		r.logger.WarnWithContext(ctx, "Orphaned run failed", map[string]interface{}{
			"run_id":         run.ID,
			"reason":         reason,
			"previous_owner": run.OwnerID,
			"owner_id":       ownerID,
		})
	}
	return outcome
}
