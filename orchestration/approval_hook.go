package orchestration

import (
	"context"

	"github.com/gitwithintent/gwi/approval"
	"github.com/gitwithintent/gwi/core"
)

// ApprovalHook gates destructive phases on signed approvals. Installed as
// a step hook, it checks the gate before any phase that declares required
// scopes; scope-free phases pass untouched.
type ApprovalHook struct {
	gate   *approval.Gate
	logger core.Logger
}

// NewApprovalHook creates the hook around an approval gate.
func NewApprovalHook(gate *approval.Gate, logger core.Logger) *ApprovalHook {
	h := &ApprovalHook{gate: gate, logger: logger}
	if h.logger != nil {
		if cal, ok := h.logger.(core.ComponentAwareLogger); ok {
			h.logger = cal.WithComponent("gwi/orchestration")
		}
	}
	return h
}

// Before asks the gate whether the phase may run. The intent hash is
// computed over the plan in the pipeline state, so approvals bind to the
// exact plan being executed.
func (h *ApprovalHook) Before(ctx context.Context, pc *PhaseContext) error {
	scopeNames := PhaseRequiredScopes(pc.Phase, pc.Input)
	if len(scopeNames) == 0 {
		return nil
	}

	scopes := make([]approval.Scope, len(scopeNames))
	for i, s := range scopeNames {
		scopes[i] = approval.Scope(s)
	}

	var intentHash string
	if plan, ok := pc.Input["plan"].(map[string]interface{}); ok {
		hash, err := core.CanonicalHash(plan)
		if err != nil {
			return core.NewError("orchestration.ApprovalHook", core.KindInternal, err).WithID(pc.Run.ID)
		}
		intentHash = hash
	}

	verdict, err := h.gate.Check(ctx, approval.GateRequest{
		TenantID: pc.Run.TenantID,
		RunID:    pc.Run.ID,
		Actor: approval.Actor{
			ID:   pc.Run.Trigger.Actor,
			Type: "user",
		},
		Action:         pc.Phase.ID,
		RequiredScopes: scopes,
		IntentHash:     intentHash,
		Resource: approval.Resource{
			Repository: pc.Run.Trigger.Repository,
			Branch:     branchFromState(pc.Input),
			Protected:  protectedFromState(pc.Input),
		},
	})
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		if h.logger != nil {
			h.logger.WarnWithContext(ctx, "Phase blocked by approval gate", map[string]interface{}{
				"run_id": pc.Run.ID,
				"phase":  pc.Phase.ID,
				"reason": verdict.Reason,
			})
		}
		return verdict.Err(pc.Run.ID)
	}
	return nil
}

// After is a no-op; the gate only fronts phases.
func (h *ApprovalHook) After(ctx context.Context, pc *PhaseContext, status core.StepStatus) {}

var _ StepHooks = (*ApprovalHook)(nil)

func branchFromState(state map[string]interface{}) string {
	if b, ok := state["branch_name"].(string); ok {
		return b
	}
	return ""
}

func protectedFromState(state map[string]interface{}) bool {
	if plan, ok := state["plan"].(map[string]interface{}); ok {
		if p, ok := plan["protected_branch"].(bool); ok {
			return p
		}
	}
	return false
}
