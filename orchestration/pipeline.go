package orchestration

import (
	"context"
	"fmt"

	"github.com/gitwithintent/gwi/core"
)

// Phase ids of the autopilot pipeline.
const (
	PhaseAnalyze = "analyze"
	PhasePlan    = "plan"
	PhaseApply   = "apply"
	PhaseTest    = "test"
	PhasePublish = "publish"
)

// PhaseContext is the mutable state a phase and its hooks share. Input is
// the accumulated output of every executed phase so far (seeded with the
// trigger or a resume checkpoint's carry-forward state); Output is what
// this phase produced.
type PhaseContext struct {
	// Run is the run being advanced
	Run *core.Run

	// Phase is the phase definition being executed
	Phase *PhaseDef

	// Input is the accumulated pipeline state entering the phase
	Input map[string]interface{}

	// Output is the phase output, set after the body runs
	Output map[string]interface{}

	// TokensUsed counts agent tokens the phase consumed
	TokensUsed int

	// TestsFailed is set when the test phase soft-failed earlier in the
	// pipeline
	TestsFailed bool
}

// StepHooks wraps phase execution. Before runs ahead of the phase body;
// a non-nil error blocks the phase and fails the run. After runs once the
// phase settles, with the step's final status. Hooks are applied in slice
// order around each phase.
type StepHooks interface {
	Before(ctx context.Context, pc *PhaseContext) error
	After(ctx context.Context, pc *PhaseContext, status core.StepStatus)
}

// PhaseDef declares one pipeline phase as data.
type PhaseDef struct {
	// ID names the phase
	ID string

	// Agent is the agent the phase invokes, empty for non-agent phases
	Agent string

	// Idempotent marks the phase safe to replay
	Idempotent bool

	// RequiredScopes are the approval scopes the phase needs before it
	// may run. The publish phase gains deploy/delete dynamically when
	// the plan declares them; see PhaseRequiredScopes.
	RequiredScopes []string

	// Run is the phase body
	Run func(ctx context.Context, pc *PhaseContext) (map[string]interface{}, error)
}

// Pipeline is an ordered phase sequence.
type Pipeline []PhaseDef

// Find returns the phase with the given id.
func (p Pipeline) Find(stepID string) (*PhaseDef, bool) {
	for i := range p {
		if p[i].ID == stepID {
			return &p[i], true
		}
	}
	return nil, false
}

// PhaseRequiredScopes returns the phase's approval scopes. For publish,
// deploy and delete are appended when the plan declares them, so a plan
// that deploys cannot ride on an open_pr-only approval.
func PhaseRequiredScopes(def *PhaseDef, input map[string]interface{}) []string {
	scopes := append([]string(nil), def.RequiredScopes...)
	if def.ID != PhasePublish {
		return scopes
	}
	plan, ok := input["plan"].(map[string]interface{})
	if !ok {
		return scopes
	}
	if declared, _ := plan["deploy"].(bool); declared {
		scopes = append(scopes, "deploy")
	}
	if declared, _ := plan["delete"].(bool); declared {
		scopes = append(scopes, "delete")
	}
	return scopes
}

// AutopilotPipeline builds the analyze→plan→apply→test→publish pipeline.
// Agent phases go through the invoker; apply goes through the sandbox.
// When sandboxEnabled is false the apply phase refuses to run rather than
// writing files in-process.
func AutopilotPipeline(invoker AgentInvoker, sandbox SandboxRunner, sandboxEnabled bool) Pipeline {
	agentPhase := func(agent string) func(ctx context.Context, pc *PhaseContext) (map[string]interface{}, error) {
		return func(ctx context.Context, pc *PhaseContext) (map[string]interface{}, error) {
			result, err := invoker.Invoke(ctx, agent, pc.Input)
			if err != nil {
				return nil, err
			}
			pc.TokensUsed += result.TokensUsed
			return result.Output, nil
		}
	}

	return Pipeline{
		{
			ID:         PhaseAnalyze,
			Agent:      "analyzer",
			Idempotent: true,
			Run:        agentPhase("analyzer"),
		},
		{
			ID:         PhasePlan,
			Agent:      "planner",
			Idempotent: true,
			Run:        agentPhase("planner"),
		},
		{
			ID:             PhaseApply,
			Agent:          "sandbox",
			Idempotent:     false,
			RequiredScopes: []string{"commit", "push"},
			Run: func(ctx context.Context, pc *PhaseContext) (map[string]interface{}, error) {
				if !sandboxEnabled {
					return nil, fmt.Errorf("sandbox is disabled; apply cannot run")
				}
				plan, _ := pc.Input["plan"].(map[string]interface{})
				result, err := sandbox.Apply(ctx, &SandboxRequest{
					RunID:      pc.Run.ID,
					Repository: pc.Run.Trigger.Repository,
					Plan:       plan,
				})
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"files_changed": result.FilesChanged,
					"branch_name":   result.BranchName,
				}, nil
			},
		},
		{
			ID:         PhaseTest,
			Agent:      "tester",
			Idempotent: true,
			Run:        agentPhase("tester"),
		},
		{
			ID:             PhasePublish,
			Agent:          "publisher",
			Idempotent:     false,
			RequiredScopes: []string{"open_pr"},
			Run:            agentPhase("publisher"),
		},
	}
}
