package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/telemetry"
)

// GateRequest describes the action a pipeline phase wants to perform.
type GateRequest struct {
	// TenantID scopes the check
	TenantID string

	// RunID is the run requesting the action
	RunID string

	// Actor is the identity the run executes as
	Actor Actor

	// Action names the phase, e.g. "apply", "publish"
	Action string

	// RequiredScopes must all be covered by verified approvals
	RequiredScopes []Scope

	// IntentHash is the canonical hash of the plan being executed.
	// Approvals for a different plan are ignored.
	IntentHash string

	// Resource is what the action touches
	Resource Resource

	// Environment tags the deployment environment
	Environment string
}

// Verdict is the gate's answer.
type Verdict struct {
	// Allowed reports whether the phase may proceed
	Allowed bool

	// Effect is the policy outcome
	Effect Effect

	// Reason explains a blocked verdict
	Reason string

	// MissingScopes lists what further approvals must grant
	MissingScopes []Scope

	// SuggestedCommand is the exact CLI invocation that would unblock
	// the run, included in denial errors shown to users
	SuggestedCommand string

	// Approvals counts the verified approvals that contributed
	Approvals int
}

// Err converts a blocked verdict into the run-level policy error. The
// message embeds the suggested command so the failure is actionable from
// the run record alone.
func (v *Verdict) Err(runID string) error {
	if v.Allowed {
		return nil
	}
	msg := fmt.Sprintf("approval gate blocked the action: %s", v.Reason)
	if v.SuggestedCommand != "" {
		msg = fmt.Sprintf("%s (run: %s)", msg, v.SuggestedCommand)
	}
	return core.NewError("approval.Gate", core.KindPolicyDenied, fmt.Errorf("%s", msg)).WithID(runID)
}

// Gate loads signed approvals for a run, verifies each, and asks the
// policy engine whether the requested action is allowed.
type Gate struct {
	loader Loader
	keys   KeyStore
	engine *Engine
	logger core.Logger
}

// NewGate creates an approval gate.
func NewGate(loader Loader, keys KeyStore, engine *Engine, logger core.Logger) *Gate {
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("gwi/approval")
		}
	}
	if engine == nil {
		engine = NewEngine(logger)
	}
	return &Gate{loader: loader, keys: keys, engine: engine, logger: logger}
}

// Check evaluates the gate for one action. Approvals that fail signature
// verification or target a different intent hash are dropped before
// policy evaluation, so a tampered approval behaves exactly like a
// missing one.
func (g *Gate) Check(ctx context.Context, req GateRequest) (*Verdict, error) {
	candidates, err := g.loader.Load(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	verified := make([]SignedApproval, 0, len(candidates))
	for _, a := range candidates {
		if err := Verify(&a, g.keys); err != nil {
			if g.logger != nil {
				g.logger.WarnWithContext(ctx, "Rejecting unverifiable approval", map[string]interface{}{
					"approval_id": a.ApprovalID,
					"key_id":      a.SigningKeyID,
					"error":       err.Error(),
				})
			}
			telemetry.Counter(ctx, "gwi.approval.rejected", "reason", "signature")
			continue
		}
		if req.IntentHash != "" && a.IntentHash != req.IntentHash {
			if g.logger != nil {
				g.logger.WarnWithContext(ctx, "Ignoring approval for different intent", map[string]interface{}{
					"approval_id": a.ApprovalID,
					"approved":    a.IntentHash,
					"executing":   req.IntentHash,
				})
			}
			telemetry.Counter(ctx, "gwi.approval.rejected", "reason", "intent_mismatch")
			continue
		}
		verified = append(verified, a)
	}

	result := g.engine.Evaluate(ctx, &PolicyContext{
		TenantID:       req.TenantID,
		Action:         req.Action,
		Actor:          req.Actor,
		Resource:       req.Resource,
		Environment:    req.Environment,
		Approvals:      verified,
		RequiredScopes: req.RequiredScopes,
	})

	verdict := &Verdict{
		Allowed:       result.Allowed(),
		Effect:        result.Effect,
		Reason:        result.Reason,
		MissingScopes: result.MissingScopes,
		Approvals:     len(verified),
	}
	if !verdict.Allowed {
		scopes := verdict.MissingScopes
		if len(scopes) == 0 {
			scopes = req.RequiredScopes
		}
		verdict.SuggestedCommand = SuggestCommand(req.RunID, scopes)
		telemetry.Counter(ctx, "gwi.approval.blocked", "action", req.Action)
	} else {
		telemetry.Counter(ctx, "gwi.approval.allowed", "action", req.Action)
	}
	return verdict, nil
}

// SuggestCommand renders the CLI invocation that would approve runID for
// the given scopes.
func SuggestCommand(runID string, scopes []Scope) string {
	parts := make([]string, 0, len(scopes))
	for _, s := range scopes {
		parts = append(parts, string(s))
	}
	return fmt.Sprintf("gwi approval approve --run %s --scopes %s", runID, strings.Join(parts, ","))
}
