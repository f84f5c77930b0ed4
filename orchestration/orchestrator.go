package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/telemetry"
)

// OrchestratorConfig configures run execution.
type OrchestratorConfig struct {
	// Pipeline is the phase sequence runs of this orchestrator execute
	Pipeline Pipeline `json:"-"`

	// Hooks wrap every phase, applied in order. The approval hook is
	// installed here.
	Hooks []StepHooks `json:"-"`

	// PhaseTimeout bounds a single phase execution
	// Default: 5m
	PhaseTimeout time.Duration `json:"phase_timeout"`

	// Logger is an optional logger
	Logger core.Logger `json:"-"`
}

// Orchestrator drives a run through its pipeline: hooks and gate before
// each phase, a checkpoint after each success, cancellation checks in
// between, and the test phase's soft-fail asymmetry.
type Orchestrator struct {
	runs        RunStore
	checkpoints CheckpointStore
	heartbeats  *HeartbeatManager
	config      OrchestratorConfig
	logger      core.Logger
}

// NewOrchestrator creates an orchestrator over the given stores.
func NewOrchestrator(runs RunStore, checkpoints CheckpointStore, heartbeats *HeartbeatManager, config *OrchestratorConfig) *Orchestrator {
	if config == nil {
		config = &OrchestratorConfig{}
	}
	if config.PhaseTimeout <= 0 {
		config.PhaseTimeout = 5 * time.Minute
	}

	o := &Orchestrator{
		runs:        runs,
		checkpoints: checkpoints,
		heartbeats:  heartbeats,
		config:      *config,
		logger:      config.Logger,
	}
	if o.logger != nil {
		if cal, ok := o.logger.(core.ComponentAwareLogger); ok {
			o.logger = cal.WithComponent("gwi/orchestration")
		}
	}
	return o
}

// Execute advances the run through the pipeline from its current state.
// A nil resume executes from the top; a from_checkpoint resume skips the
// already-completed prefix; a replay_step resume executes exactly one
// idempotent phase. The run record reflects the outcome when Execute
// returns.
func (o *Orchestrator) Execute(ctx context.Context, tenantID, runID string, resume *core.ResumeContext) error {
	start := time.Now()

	run, err := o.runs.Get(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, core.ErrTerminalState)
	}

	if run.Status == core.RunStatusPending {
		run.Status = core.RunStatusRunning
		if o.heartbeats != nil {
			run.OwnerID = o.heartbeats.OwnerID()
		}
		if err := o.runs.Update(ctx, run); err != nil {
			return err
		}
	}

	if o.heartbeats != nil {
		if err := o.heartbeats.StartHeartbeat(ctx, tenantID, runID); err != nil {
			return err
		}
		defer o.heartbeats.StopHeartbeat(tenantID, runID)
	}

	plan, err := o.buildPlan(run, resume)
	if err != nil {
		return o.failRun(ctx, run, err)
	}

	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Run execution started", map[string]interface{}{
			"run_id":    runID,
			"tenant_id": tenantID,
			"type":      string(run.Type),
			"resumed":   resume != nil,
			"skipped":   len(plan.skip),
		})
	}

	state := plan.state
	testsFailed := false

	for i := range o.config.Pipeline {
		def := &o.config.Pipeline[i]

		if plan.replayOnly != "" && def.ID != plan.replayOnly {
			continue
		}
		if plan.skip[def.ID] {
			continue
		}

		// Cancellation is checked between phases, never mid-phase.
		current, err := o.runs.Get(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		if current.Status == core.RunStatusCancelled {
			if o.logger != nil {
				o.logger.InfoWithContext(ctx, "Run cancelled, stopping pipeline", map[string]interface{}{
					"run_id": runID,
					"before": def.ID,
				})
			}
			return nil
		}

		pc := &PhaseContext{
			Run:         run,
			Phase:       def,
			Input:       state,
			TestsFailed: testsFailed,
		}

		// A non-idempotent phase must leave a durable trace before its
		// body runs: if the worker dies before the completion checkpoint
		// lands, recovery sees the started marker and fails the run
		// instead of executing the phase a second time.
		if !def.Idempotent {
			if err := o.savePhaseStarted(ctx, run, def); err != nil {
				return o.failRun(ctx, run, err)
			}
		}

		step, phaseErr := o.executePhase(ctx, pc)
		run.CurrentStep = def.ID
		run.Steps = append(run.Steps, *step)

		if phaseErr != nil {
			if def.ID == PhaseTest {
				// Tests run again in CI after the PR opens; a red test
				// here annotates the run instead of killing it.
				testsFailed = true
				telemetry.Counter(ctx, "gwi.orchestrator.tests_soft_failed")
				if o.logger != nil {
					o.logger.WarnWithContext(ctx, "Test phase failed, continuing to publish", map[string]interface{}{
						"run_id": runID,
						"error":  phaseErr.Error(),
					})
				}
				if err := o.saveCheckpoint(ctx, run, step, def, core.StepStatusFailed); err != nil {
					return o.failRun(ctx, run, err)
				}
				if err := o.runs.Update(ctx, run); err != nil {
					return err
				}
				continue
			}
			return o.failRun(ctx, run, phaseErr)
		}

		if err := o.saveCheckpoint(ctx, run, step, def, core.StepStatusCompleted); err != nil {
			return o.failRun(ctx, run, err)
		}
		if err := o.runs.Update(ctx, run); err != nil {
			return err
		}
		state = mergeState(state, step.Output)
	}

	run.Status = core.RunStatusCompleted
	run.Result = mergeState(nil, state)
	if testsFailed {
		run.Result["tests_failed"] = true
	}
	if err := o.runs.Update(ctx, run); err != nil {
		return err
	}

	telemetry.Counter(ctx, "gwi.orchestrator.runs_completed", "type", string(run.Type))
	telemetry.Duration(ctx, "gwi.orchestrator.run_duration", start, "type", string(run.Type))
	if o.logger != nil {
		o.logger.InfoWithContext(ctx, "Run completed", map[string]interface{}{
			"run_id":       runID,
			"duration_ms":  time.Since(start).Milliseconds(),
			"tests_failed": testsFailed,
		})
	}
	return nil
}

// executionPlan is the resolved resume strategy for one Execute call.
type executionPlan struct {
	skip       map[string]bool
	replayOnly string
	state      map[string]interface{}
}

func (o *Orchestrator) buildPlan(run *core.Run, resume *core.ResumeContext) (*executionPlan, error) {
	plan := &executionPlan{
		skip:  make(map[string]bool),
		state: seedState(run),
	}
	if resume == nil {
		return plan, nil
	}

	switch resume.Mode {
	case core.ResumeFromCheckpoint, "":
		for _, id := range resume.SkipStepIDs {
			plan.skip[id] = true
		}
	case core.ResumeReplayStep:
		if resume.ResumeCheckpoint == nil {
			return nil, core.NewError("orchestration.Orchestrator.Execute", core.KindValidation,
				errors.New("replay_step resume requires a checkpoint")).WithID(run.ID)
		}
		if !resume.ResumeCheckpoint.Idempotent {
			return nil, core.NewError("orchestration.Orchestrator.Execute", core.KindValidation,
				fmt.Errorf("step %s is not idempotent and cannot be replayed", resume.ResumeCheckpoint.StepID)).WithID(run.ID)
		}
		if _, ok := o.config.Pipeline.Find(resume.ResumeCheckpoint.StepID); !ok {
			return nil, core.NewError("orchestration.Orchestrator.Execute", core.KindValidation,
				fmt.Errorf("step %s is not in the pipeline", resume.ResumeCheckpoint.StepID)).WithID(run.ID)
		}
		plan.replayOnly = resume.ResumeCheckpoint.StepID
	default:
		return nil, core.NewError("orchestration.Orchestrator.Execute", core.KindValidation,
			fmt.Errorf("unknown resume mode %q", resume.Mode)).WithID(run.ID)
	}

	if len(resume.CarryForwardState) > 0 {
		plan.state = mergeState(plan.state, resume.CarryForwardState)
	}
	return plan, nil
}

// executePhase runs hooks and the phase body under the phase budget. The
// returned step records the outcome either way; err is non-nil when the
// phase failed.
func (o *Orchestrator) executePhase(ctx context.Context, pc *PhaseContext) (*core.RunStep, error) {
	def := pc.Phase
	start := time.Now()
	step := &core.RunStep{
		StepID: def.ID,
		Agent:  def.Agent,
		Status: core.StepStatusRunning,
		Input:  pc.Input,
	}

	finish := func(status core.StepStatus, err error) (*core.RunStep, error) {
		step.Status = status
		step.DurationMs = time.Since(start).Milliseconds()
		step.TokensUsed = pc.TokensUsed
		if err != nil {
			step.Error = err.Error()
		}
		for _, h := range o.config.Hooks {
			h.After(ctx, pc, status)
		}
		telemetry.Duration(ctx, "gwi.orchestrator.phase_duration", start,
			"phase", def.ID, "status", string(status))
		return step, err
	}

	for _, h := range o.config.Hooks {
		if err := h.Before(ctx, pc); err != nil {
			return finish(core.StepStatusFailed, err)
		}
	}

	phaseCtx, cancel := context.WithTimeout(ctx, o.config.PhaseTimeout)
	output, err := def.Run(phaseCtx, pc)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("phase %s exceeded its %s budget: %w", def.ID, o.config.PhaseTimeout, err)
		}
		return finish(core.StepStatusFailed,
			core.NewError("orchestration.Orchestrator.phase", core.KindPhaseFailed, err).WithID(pc.Run.ID))
	}

	pc.Output = output
	step.Output = output
	return finish(core.StepStatusCompleted, nil)
}

// savePhaseStarted appends the non-resumable started marker for a phase
// that cannot run twice. The completion checkpoint supersedes it.
func (o *Orchestrator) savePhaseStarted(ctx context.Context, run *core.Run, def *PhaseDef) error {
	cp := &core.Checkpoint{
		RunStep: core.RunStep{
			StepID: def.ID,
			Agent:  def.Agent,
			Status: core.StepStatusRunning,
		},
		Resumable:  false,
		Idempotent: def.Idempotent,
		Timestamp:  time.Now().UTC(),
	}
	return o.checkpoints.Save(ctx, run.TenantID, run.ID, cp)
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, run *core.Run, step *core.RunStep, def *PhaseDef, status core.StepStatus) error {
	cp := &core.Checkpoint{
		RunStep:    *step,
		Resumable:  status == core.StepStatusCompleted,
		Idempotent: def.Idempotent,
		Timestamp:  time.Now().UTC(),
	}
	cp.Status = status
	return o.checkpoints.Save(ctx, run.TenantID, run.ID, cp)
}

func (o *Orchestrator) failRun(ctx context.Context, run *core.Run, cause error) error {
	run.Status = core.RunStatusFailed
	run.Error = cause.Error()
	if err := o.runs.Update(ctx, run); err != nil {
		if o.logger != nil {
			o.logger.ErrorWithContext(ctx, "Failed to record run failure", map[string]interface{}{
				"run_id": run.ID,
				"cause":  cause.Error(),
				"error":  err.Error(),
			})
		}
	}
	telemetry.Counter(ctx, "gwi.orchestrator.runs_failed", "type", string(run.Type))
	if o.logger != nil {
		o.logger.ErrorWithContext(ctx, "Run failed", map[string]interface{}{
			"run_id": run.ID,
			"step":   run.CurrentStep,
			"error":  cause.Error(),
		})
	}
	return cause
}

// BuildResumeContext derives a from_checkpoint resume from a run's
// checkpoint log: the resume point is the newest completed resumable
// checkpoint, SkipStepIDs is every completed step at or before it, and
// the carry-forward state is its output.
func BuildResumeContext(checkpoints []core.Checkpoint) (*core.ResumeContext, error) {
	var resumePoint *core.Checkpoint
	for i := len(checkpoints) - 1; i >= 0; i-- {
		if checkpoints[i].Status == core.StepStatusCompleted && checkpoints[i].Resumable {
			cp := checkpoints[i]
			resumePoint = &cp
			break
		}
	}
	if resumePoint == nil {
		return nil, errors.New("no resumable checkpoint found")
	}

	var skip []string
	for _, cp := range checkpoints {
		if cp.Status == core.StepStatusCompleted && !cp.Timestamp.After(resumePoint.Timestamp) {
			skip = append(skip, cp.StepID)
		}
	}

	return &core.ResumeContext{
		Mode:              core.ResumeFromCheckpoint,
		ResumeCheckpoint:  resumePoint,
		SkipStepIDs:       skip,
		CarryForwardState: resumePoint.Output,
	}, nil
}

// seedState builds the initial pipeline state from the run's trigger.
func seedState(run *core.Run) map[string]interface{} {
	state := map[string]interface{}{
		"run_id": run.ID,
	}
	if run.Trigger.Repository != "" {
		state["repository"] = run.Trigger.Repository
	}
	if run.Trigger.IssueNumber != 0 {
		state["issue_number"] = run.Trigger.IssueNumber
	}
	if run.Trigger.Actor != "" {
		state["actor"] = run.Trigger.Actor
	}
	return state
}

// mergeState overlays src onto a copy of dst.
func mergeState(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
