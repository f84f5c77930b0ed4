package approval

import (
	"context"
	"fmt"
	"sort"

	"github.com/gitwithintent/gwi/core"
)

// Effect is a rule's vote.
type Effect string

const (
	EffectAllow       Effect = "ALLOW"
	EffectDeny        Effect = "DENY"
	EffectRequireMore Effect = "REQUIRE_MORE_APPROVALS"
)

// Priority orders rule evaluation; higher severities dominate.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Actor is who the action runs as.
type Actor struct {
	// ID is the stable identity compared against approver ids
	ID string `json:"id"`

	// Type is "user" or "system"
	Type string `json:"type,omitempty"`
}

// Resource names what the action touches.
type Resource struct {
	// Repository is the owner/name target
	Repository string `json:"repository,omitempty"`

	// Branch is the target branch for publish actions
	Branch string `json:"branch,omitempty"`

	// Protected marks a branch whose publishes need two approvers
	Protected bool `json:"protected,omitempty"`
}

// PolicyContext is everything a rule may consider. Approvals carries only
// approvals that already passed signature verification and intent-hash
// matching; rules reason about authority, not cryptography.
type PolicyContext struct {
	TenantID       string
	Action         string
	Actor          Actor
	Resource       Resource
	Environment    string
	Approvals      []SignedApproval
	RequiredScopes []Scope
}

// RuleDecision is a rule's vote with its reason. A nil decision means the
// rule has no opinion on this context.
type RuleDecision struct {
	Effect Effect
	Reason string
}

// Rule is a named predicate over a PolicyContext.
type Rule struct {
	Name     string
	Priority Priority
	Evaluate func(ctx context.Context, pc *PolicyContext) *RuleDecision
}

// Result is the engine's verdict.
type Result struct {
	// Effect is the combined outcome
	Effect Effect

	// Rule names the rule that decided, when one short-circuited
	Rule string

	// Reason is the human-readable explanation
	Reason string

	// MissingScopes lists required scopes the approvals do not cover
	MissingScopes []Scope
}

// Allowed reports whether the action may proceed.
func (r *Result) Allowed() bool {
	return r.Effect == EffectAllow
}

// Engine evaluates rules in priority order, critical first. The first
// DENY or REQUIRE_MORE_APPROVALS short-circuits; ALLOW votes combine with
// later rules. Even when every rule allows, non-empty required scopes
// must be covered by the approved-scope union or the result is
// REQUIRE_MORE_APPROVALS.
type Engine struct {
	rules  []Rule
	logger core.Logger
}

// NewEngine creates a policy engine with the built-in rules plus any
// extras. Rules are stably sorted by priority so same-priority rules keep
// registration order.
func NewEngine(logger core.Logger, extra ...Rule) *Engine {
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("gwi/approval")
		}
	}
	rules := append(builtinRules(), extra...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return &Engine{rules: rules, logger: logger}
}

// Evaluate runs the rules over the context.
func (e *Engine) Evaluate(ctx context.Context, pc *PolicyContext) *Result {
	for _, rule := range e.rules {
		decision := rule.Evaluate(ctx, pc)
		if decision == nil || decision.Effect == EffectAllow {
			continue
		}
		if e.logger != nil {
			e.logger.InfoWithContext(ctx, "Policy rule blocked action", map[string]interface{}{
				"rule":     rule.Name,
				"priority": rule.Priority.String(),
				"effect":   string(decision.Effect),
				"action":   pc.Action,
			})
		}
		return &Result{
			Effect:        decision.Effect,
			Rule:          rule.Name,
			Reason:        decision.Reason,
			MissingScopes: MissingScopes(pc.RequiredScopes, pc.Approvals),
		}
	}

	// Scope-coverage backstop: allowed-unless-denied does not extend to
	// actions whose required scopes nobody approved.
	if missing := MissingScopes(pc.RequiredScopes, pc.Approvals); len(missing) > 0 {
		return &Result{
			Effect:        EffectRequireMore,
			Rule:          "scope-coverage",
			Reason:        fmt.Sprintf("approved scopes do not cover %v", missing),
			MissingScopes: missing,
		}
	}

	return &Result{Effect: EffectAllow}
}

// builtinRules returns the standing rule set.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:     "no-self-approval",
			Priority: PriorityCritical,
			Evaluate: func(ctx context.Context, pc *PolicyContext) *RuleDecision {
				var hasSelf bool
				others := make([]SignedApproval, 0, len(pc.Approvals))
				for _, a := range pc.Approvals {
					if a.Approver.ID == pc.Actor.ID {
						hasSelf = true
						continue
					}
					others = append(others, a)
				}
				if !hasSelf {
					return nil
				}
				// Self-approvals carry no authority; the action stands
				// only on what other approvers granted.
				if len(MissingScopes(pc.RequiredScopes, others)) == 0 && len(pc.RequiredScopes) > 0 {
					return nil
				}
				return &RuleDecision{
					Effect: EffectRequireMore,
					Reason: "same actor cannot approve own run",
				}
			},
		},
		{
			Name:     "destructive-requires-owner",
			Priority: PriorityHigh,
			Evaluate: func(ctx context.Context, pc *PolicyContext) *RuleDecision {
				if !scopeRequired(pc.RequiredScopes, ScopeDelete) {
					return nil
				}
				for _, a := range pc.Approvals {
					if a.ApproverRole == RoleOwner && hasScope(a, ScopeDelete) {
						return nil
					}
				}
				return &RuleDecision{
					Effect: EffectRequireMore,
					Reason: "scope delete requires an approval from an OWNER",
				}
			},
		},
		{
			Name:     "protected-branch-two-approvals",
			Priority: PriorityHigh,
			Evaluate: func(ctx context.Context, pc *PolicyContext) *RuleDecision {
				if !pc.Resource.Protected || !scopeRequired(pc.RequiredScopes, ScopeOpenPR) {
					return nil
				}
				approvers := make(map[string]bool)
				for _, a := range pc.Approvals {
					if hasScope(a, ScopeOpenPR) {
						approvers[a.Approver.ID] = true
					}
				}
				if len(approvers) >= 2 {
					return nil
				}
				return &RuleDecision{
					Effect: EffectRequireMore,
					Reason: fmt.Sprintf("publishing to protected branch %s requires two distinct approvers, have %d",
						pc.Resource.Branch, len(approvers)),
				}
			},
		},
		{
			Name:     "require-approval",
			Priority: PriorityNormal,
			Evaluate: func(ctx context.Context, pc *PolicyContext) *RuleDecision {
				if len(pc.RequiredScopes) == 0 {
					return nil
				}
				for _, a := range pc.Approvals {
					for _, s := range pc.RequiredScopes {
						if hasScope(a, s) {
							return nil
						}
					}
				}
				return &RuleDecision{
					Effect: EffectRequireMore,
					Reason: fmt.Sprintf("no approval grants any of the required scopes %v", pc.RequiredScopes),
				}
			},
		},
	}
}

func scopeRequired(required []Scope, scope Scope) bool {
	for _, s := range required {
		if s == scope {
			return true
		}
	}
	return false
}

func hasScope(a SignedApproval, scope Scope) bool {
	for _, s := range a.ScopesApproved {
		if s == scope {
			return true
		}
	}
	return false
}
