package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grant(approverID string, role ApproverRole, scopes ...Scope) SignedApproval {
	return SignedApproval{
		ApprovalID:     "a-" + approverID,
		Approver:       Approver{Type: "user", ID: approverID},
		ApproverRole:   role,
		Decision:       DecisionApproved,
		ScopesApproved: scopes,
		Target:         Target{TargetType: "run", RunID: "run-1"},
	}
}

func TestEngineAllowsCoveredScopes(t *testing.T) {
	engine := NewEngine(nil)
	result := engine.Evaluate(context.Background(), &PolicyContext{
		Action:         "apply",
		Actor:          Actor{ID: "u-agent"},
		RequiredScopes: []Scope{ScopeCommit, ScopePush},
		Approvals:      []SignedApproval{grant("u-reviewer", RoleMaintainer, ScopeCommit, ScopePush)},
	})
	assert.True(t, result.Allowed())
}

func TestEngineRequiresApprovalForUncoveredScopes(t *testing.T) {
	engine := NewEngine(nil)
	result := engine.Evaluate(context.Background(), &PolicyContext{
		Action:         "apply",
		Actor:          Actor{ID: "u-agent"},
		RequiredScopes: []Scope{ScopeCommit, ScopePush},
	})
	require.Equal(t, EffectRequireMore, result.Effect)
	assert.Equal(t, []Scope{ScopeCommit, ScopePush}, result.MissingScopes)
}

func TestEnginePartialCoverageIsNotEnough(t *testing.T) {
	engine := NewEngine(nil)
	result := engine.Evaluate(context.Background(), &PolicyContext{
		Action:         "publish",
		Actor:          Actor{ID: "u-agent"},
		RequiredScopes: []Scope{ScopeOpenPR, ScopeDeploy},
		Approvals:      []SignedApproval{grant("u-reviewer", RoleMaintainer, ScopeOpenPR)},
	})
	require.Equal(t, EffectRequireMore, result.Effect)
	assert.Equal(t, []Scope{ScopeDeploy}, result.MissingScopes)
}

func TestEngineRejectsSelfApproval(t *testing.T) {
	engine := NewEngine(nil)
	result := engine.Evaluate(context.Background(), &PolicyContext{
		Action:         "apply",
		Actor:          Actor{ID: "u-1"},
		RequiredScopes: []Scope{ScopeCommit, ScopePush},
		Approvals:      []SignedApproval{grant("u-1", RoleOwner, ScopeCommit, ScopePush)},
	})
	require.Equal(t, EffectRequireMore, result.Effect)
	assert.Equal(t, "no-self-approval", result.Rule)
	assert.Equal(t, "same actor cannot approve own run", result.Reason)
}

func TestEngineSelfApprovalIgnoredWhenOthersCover(t *testing.T) {
	engine := NewEngine(nil)
	result := engine.Evaluate(context.Background(), &PolicyContext{
		Action:         "apply",
		Actor:          Actor{ID: "u-1"},
		RequiredScopes: []Scope{ScopeCommit, ScopePush},
		Approvals: []SignedApproval{
			grant("u-1", RoleOwner, ScopeCommit, ScopePush),
			grant("u-2", RoleMaintainer, ScopeCommit, ScopePush),
		},
	})
	assert.True(t, result.Allowed())
}

func TestEngineDeleteRequiresOwner(t *testing.T) {
	engine := NewEngine(nil)

	blocked := engine.Evaluate(context.Background(), &PolicyContext{
		Action:         "publish",
		Actor:          Actor{ID: "u-agent"},
		RequiredScopes: []Scope{ScopeOpenPR, ScopeDelete},
		Approvals:      []SignedApproval{grant("u-reviewer", RoleMaintainer, ScopeOpenPR, ScopeDelete)},
	})
	require.Equal(t, EffectRequireMore, blocked.Effect)
	assert.Equal(t, "destructive-requires-owner", blocked.Rule)

	allowed := engine.Evaluate(context.Background(), &PolicyContext{
		Action:         "publish",
		Actor:          Actor{ID: "u-agent"},
		RequiredScopes: []Scope{ScopeOpenPR, ScopeDelete},
		Approvals:      []SignedApproval{grant("u-owner", RoleOwner, ScopeOpenPR, ScopeDelete)},
	})
	assert.True(t, allowed.Allowed())
}

func TestEngineProtectedBranchNeedsTwoApprovers(t *testing.T) {
	engine := NewEngine(nil)
	pc := &PolicyContext{
		Action:         "publish",
		Actor:          Actor{ID: "u-agent"},
		Resource:       Resource{Repository: "o/r", Branch: "main", Protected: true},
		RequiredScopes: []Scope{ScopeOpenPR},
		Approvals:      []SignedApproval{grant("u-1", RoleMaintainer, ScopeOpenPR)},
	}

	blocked := engine.Evaluate(context.Background(), pc)
	require.Equal(t, EffectRequireMore, blocked.Effect)
	assert.Equal(t, "protected-branch-two-approvals", blocked.Rule)

	pc.Approvals = append(pc.Approvals, grant("u-2", RoleMaintainer, ScopeOpenPR))
	assert.True(t, engine.Evaluate(context.Background(), pc).Allowed())

	// Two approvals from the same approver do not count twice.
	pc.Approvals = []SignedApproval{
		grant("u-1", RoleMaintainer, ScopeOpenPR),
		grant("u-1", RoleMaintainer, ScopeOpenPR),
	}
	assert.Equal(t, EffectRequireMore, engine.Evaluate(context.Background(), pc).Effect)
}

func TestEngineCustomDenyRuleShortCircuits(t *testing.T) {
	engine := NewEngine(nil, Rule{
		Name:     "freeze-window",
		Priority: PriorityCritical,
		Evaluate: func(ctx context.Context, pc *PolicyContext) *RuleDecision {
			return &RuleDecision{Effect: EffectDeny, Reason: "deploy freeze in effect"}
		},
	})
	result := engine.Evaluate(context.Background(), &PolicyContext{
		Action:         "apply",
		Actor:          Actor{ID: "u-agent"},
		RequiredScopes: []Scope{ScopeCommit},
		Approvals:      []SignedApproval{grant("u-reviewer", RoleOwner, ScopeCommit)},
	})
	require.Equal(t, EffectDeny, result.Effect)
	assert.Equal(t, "freeze-window", result.Rule)
}

func TestEngineNoScopesNoApprovalsAllows(t *testing.T) {
	engine := NewEngine(nil)
	result := engine.Evaluate(context.Background(), &PolicyContext{
		Action: "analyze",
		Actor:  Actor{ID: "u-agent"},
	})
	assert.True(t, result.Allowed())
}
