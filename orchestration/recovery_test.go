package orchestration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gitwithintent/gwi/core"
)

type recoveryFixture struct {
	runs        *MemoryRunStore
	checkpoints *MemoryCheckpointStore
	queue       JobQueue
	jobs        *MemoryJobStore
	heartbeats  *HeartbeatManager
	recovery    *Recovery
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	f := &recoveryFixture{
		runs:        NewMemoryRunStore(),
		checkpoints: NewMemoryCheckpointStore(nil),
		queue:       NewMemoryJobQueue(16),
		jobs:        NewMemoryJobStore(),
	}
	f.heartbeats = NewHeartbeatManager(f.runs, &HeartbeatManagerConfig{
		Interval:       time.Minute,
		StaleThreshold: 5 * time.Minute,
		OwnerID:        "recoverer",
	})
	t.Cleanup(f.heartbeats.Shutdown)
	f.recovery = NewRecovery(f.runs, f.checkpoints, f.heartbeats, f.queue, f.jobs, &RecoveryConfig{MaxRuns: 50})
	return f
}

// orphanRun creates a running run that stopped heartbeating an hour ago.
func (f *recoveryFixture) orphanRun(t *testing.T) *core.Run {
	t.Helper()
	ctx := context.Background()

	run := testRun("t1")
	run.Status = core.RunStatusRunning
	run.OwnerID = "dead-worker"
	stale := time.Now().UTC().Add(-time.Hour)
	run.LastHeartbeatAt = &stale
	if err := f.runs.Create(ctx, run); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return run
}

func TestRecoverNoCheckpointsFails(t *testing.T) {
	f := newRecoveryFixture(t)
	run := f.orphanRun(t)
	ctx := context.Background()

	summary, err := f.recovery.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if summary.OrphanedCount != 1 || summary.FailedCount != 1 {
		t.Fatalf("summary = %+v, want 1 orphan failed", summary)
	}
	if summary.Runs[0].Reason != "No checkpoints saved" {
		t.Errorf("reason = %q, want No checkpoints saved", summary.Runs[0].Reason)
	}

	got, _ := f.runs.Get(ctx, "t1", run.ID)
	if got.Status != core.RunStatusFailed {
		t.Errorf("run status = %s, want failed", got.Status)
	}
	// The diagnostic names the previous owner and the recoverer.
	if !strings.Contains(got.Error, "dead-worker") || !strings.Contains(got.Error, "recoverer") {
		t.Errorf("run error = %q, want both owners named", got.Error)
	}
}

func TestRecoverNoResumableCheckpointFails(t *testing.T) {
	f := newRecoveryFixture(t)
	run := f.orphanRun(t)
	ctx := context.Background()

	cp := checkpoint(PhaseAnalyze, core.StepStatusCompleted, false, true)
	if err := f.checkpoints.Save(ctx, "t1", run.ID, cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	summary, err := f.recovery.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if summary.FailedCount != 1 {
		t.Fatalf("summary = %+v, want 1 failed", summary)
	}
	if summary.Runs[0].Reason != "No resumable checkpoint found" {
		t.Errorf("reason = %q, want No resumable checkpoint found", summary.Runs[0].Reason)
	}
}

func TestRecoverFailsRunCrashedInsideApply(t *testing.T) {
	f := newRecoveryFixture(t)
	run := f.orphanRun(t)
	ctx := context.Background()

	// Durable state after a worker dies inside apply: completed analyze
	// and plan checkpoints, then apply's started marker with nothing
	// after it.
	for _, cp := range []*core.Checkpoint{
		checkpoint(PhaseAnalyze, core.StepStatusCompleted, true, true),
		checkpoint(PhasePlan, core.StepStatusCompleted, true, true),
		checkpoint(PhaseApply, core.StepStatusRunning, false, false),
	} {
		if err := f.checkpoints.Save(ctx, "t1", run.ID, cp); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	summary, err := f.recovery.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if summary.ResumedCount != 0 || summary.FailedCount != 1 {
		t.Fatalf("summary = %+v, want 1 failed and none resumed", summary)
	}
	if !strings.Contains(summary.Runs[0].Reason, "no-resumable-checkpoint-after-apply") {
		t.Errorf("reason = %q, want no-resumable-checkpoint-after-apply", summary.Runs[0].Reason)
	}

	got, _ := f.runs.Get(ctx, "t1", run.ID)
	if got.Status != core.RunStatusFailed {
		t.Errorf("run status = %s, want failed", got.Status)
	}

	// No resume job may exist; apply must never execute a second time.
	job, err := f.queue.Dequeue(ctx, 50*time.Millisecond)
	if err != nil || job != nil {
		t.Errorf("Dequeue = %+v, %v; want empty queue", job, err)
	}
}

func TestRecoverResumesWhenApplyCompleted(t *testing.T) {
	f := newRecoveryFixture(t)
	run := f.orphanRun(t)
	ctx := context.Background()

	// Crash after apply's completion checkpoint landed: the started
	// marker is superseded and the run resumes from apply.
	for _, cp := range []*core.Checkpoint{
		checkpoint(PhaseAnalyze, core.StepStatusCompleted, true, true),
		checkpoint(PhasePlan, core.StepStatusCompleted, true, true),
		checkpoint(PhaseApply, core.StepStatusRunning, false, false),
		checkpoint(PhaseApply, core.StepStatusCompleted, true, false),
	} {
		if err := f.checkpoints.Save(ctx, "t1", run.ID, cp); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	summary, err := f.recovery.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if summary.ResumedCount != 1 || summary.FailedCount != 0 {
		t.Fatalf("summary = %+v, want 1 resumed", summary)
	}

	job, err := f.queue.Dequeue(ctx, time.Second)
	if err != nil || job == nil {
		t.Fatalf("Dequeue = %+v, %v; want resume job", job, err)
	}
	if job.Resume == nil || job.Resume.ResumeCheckpoint.StepID != PhaseApply {
		t.Fatalf("resume = %+v, want resume point apply", job.Resume)
	}
}

func TestRecoverResumesFromCheckpoint(t *testing.T) {
	f := newRecoveryFixture(t)
	run := f.orphanRun(t)
	ctx := context.Background()

	planCP := checkpoint(PhasePlan, core.StepStatusCompleted, true, true)
	planCP.Output = map[string]interface{}{"plan": map[string]interface{}{"summary": "s"}}
	if err := f.checkpoints.Save(ctx, "t1", run.ID, checkpoint(PhaseAnalyze, core.StepStatusCompleted, true, true)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := f.checkpoints.Save(ctx, "t1", run.ID, planCP); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	summary, err := f.recovery.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if summary.ResumedCount != 1 || summary.FailedCount != 0 {
		t.Fatalf("summary = %+v, want 1 resumed", summary)
	}

	got, _ := f.runs.Get(ctx, "t1", run.ID)
	if got.Status != core.RunStatusRunning {
		t.Errorf("run status = %s, want running", got.Status)
	}
	if got.OwnerID != "recoverer" {
		t.Errorf("owner = %q, want recoverer", got.OwnerID)
	}
	if got.ResumeCount != 1 {
		t.Errorf("resume count = %d, want 1", got.ResumeCount)
	}

	// A resume job carrying the context is waiting in the queue.
	job, err := f.queue.Dequeue(ctx, time.Second)
	if err != nil || job == nil {
		t.Fatalf("Dequeue = %+v, %v; want resume job", job, err)
	}
	if job.Type != JobTypeRunResume || job.RunID != run.ID {
		t.Errorf("job = %+v, want run.resume for %s", job, run.ID)
	}
	if job.Resume == nil || job.Resume.Mode != core.ResumeFromCheckpoint {
		t.Fatalf("job resume = %+v, want from_checkpoint", job.Resume)
	}
	if len(job.Resume.SkipStepIDs) != 2 {
		t.Errorf("skip = %v, want analyze and plan", job.Resume.SkipStepIDs)
	}
	if job.Resume.CarryForwardState["plan"] == nil {
		t.Error("carry-forward state missing the plan output")
	}
}

func TestRecoverEnqueueFailureForceFails(t *testing.T) {
	f := newRecoveryFixture(t)
	run := f.orphanRun(t)
	ctx := context.Background()

	if err := f.checkpoints.Save(ctx, "t1", run.ID, checkpoint(PhaseAnalyze, core.StepStatusCompleted, true, true)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A closed queue rejects every enqueue.
	if err := f.queue.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	summary, err := f.recovery.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if summary.ResumedCount != 0 || summary.FailedCount != 1 {
		t.Fatalf("summary = %+v, want forced failure", summary)
	}
	if !strings.Contains(summary.Runs[0].Reason, "resume action failed") {
		t.Errorf("reason = %q, want resume action failed", summary.Runs[0].Reason)
	}

	got, _ := f.runs.Get(ctx, "t1", run.ID)
	if got.Status != core.RunStatusFailed {
		t.Errorf("run status = %s, want failed (never resumed)", got.Status)
	}
	if f.heartbeats.ActiveCount() != 0 {
		t.Error("heartbeat left running for a force-failed run")
	}
}

func TestRecoverSkipsHealthyAndCapsWork(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	// Healthy run: recent heartbeat, not an orphan at all.
	healthy := testRun("t1")
	healthy.Status = core.RunStatusRunning
	now := time.Now().UTC()
	healthy.LastHeartbeatAt = &now
	if err := f.runs.Create(ctx, healthy); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	orphans := make([]*core.Run, 3)
	for i := range orphans {
		orphans[i] = f.orphanRun(t)
	}

	f.recovery.config.MaxRuns = 2
	summary, err := f.recovery.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if summary.OrphanedCount != 3 {
		t.Errorf("orphaned = %d, want 3", summary.OrphanedCount)
	}
	if len(summary.Runs) != 2 {
		t.Errorf("handled %d runs, want capped at 2", len(summary.Runs))
	}
}

func TestRecoverHandlesEveryOrphanIndependently(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	resumable := f.orphanRun(t)
	if err := f.checkpoints.Save(ctx, "t1", resumable.ID, checkpoint(PhaseAnalyze, core.StepStatusCompleted, true, true)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	stuck := f.orphanRun(t)

	summary, err := f.recovery.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if summary.ResumedCount != 1 || summary.FailedCount != 1 {
		t.Fatalf("summary = %+v, want one resumed and one failed", summary)
	}

	actions := map[string]RecoveryAction{}
	for _, outcome := range summary.Runs {
		actions[outcome.RunID] = outcome.Action
	}
	if actions[resumable.ID] != RecoveryResumed {
		t.Errorf("resumable run action = %s", actions[resumable.ID])
	}
	if actions[stuck.ID] != RecoveryFailed {
		t.Errorf("checkpoint-less run action = %s", actions[stuck.ID])
	}

	if summary.OwnerID != "recoverer" {
		t.Errorf("summary owner = %q, want recoverer", summary.OwnerID)
	}
}
