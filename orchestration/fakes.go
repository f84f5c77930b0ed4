package orchestration

import (
	"context"
	"fmt"
)

// StaticAgentInvoker is the deterministic in-process agent used by tests
// and the dev CLI. Each agent returns a fixed-shape output derived only
// from its input, so a replay produces identical state.
type StaticAgentInvoker struct{}

// NewStaticAgentInvoker creates the deterministic agent fake.
func NewStaticAgentInvoker() *StaticAgentInvoker {
	return &StaticAgentInvoker{}
}

// Invoke dispatches on agent name.
func (a *StaticAgentInvoker) Invoke(ctx context.Context, agent string, input map[string]interface{}) (*AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repository, _ := input["repository"].(string)

	switch agent {
	case "analyzer":
		return &AgentResult{
			Output: map[string]interface{}{
				"analysis": map[string]interface{}{
					"repository": repository,
					"summary":    "static analysis of the reported issue",
				},
			},
			TokensUsed: 120,
		}, nil

	case "planner":
		return &AgentResult{
			Output: map[string]interface{}{
				"plan": map[string]interface{}{
					"summary": "apply a minimal fix",
					"files":   []interface{}{"internal/fix.go"},
				},
			},
			TokensUsed: 340,
		}, nil

	case "tester":
		return &AgentResult{
			Output: map[string]interface{}{
				"tests_passed": true,
			},
			TokensUsed: 80,
		}, nil

	case "publisher":
		runID, _ := input["run_id"].(string)
		branch, _ := input["branch_name"].(string)
		return &AgentResult{
			Output: map[string]interface{}{
				"pr_url":    fmt.Sprintf("https://github.com/%s/pull/1", repository),
				"pr_branch": branch,
				"pr_run_id": runID,
			},
			TokensUsed: 60,
		}, nil

	default:
		return nil, fmt.Errorf("unknown agent %q", agent)
	}
}

var _ AgentInvoker = (*StaticAgentInvoker)(nil)

// StaticSandboxRunner is the deterministic sandbox fake. It never touches
// the filesystem; it reports the plan's files as changed on a branch
// named after the run.
type StaticSandboxRunner struct{}

// NewStaticSandboxRunner creates the deterministic sandbox fake.
func NewStaticSandboxRunner() *StaticSandboxRunner {
	return &StaticSandboxRunner{}
}

// Apply reports the plan's file list as written.
func (s *StaticSandboxRunner) Apply(ctx context.Context, req *SandboxRequest) (*SandboxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var files []string
	if raw, ok := req.Plan["files"].([]interface{}); ok {
		for _, f := range raw {
			if name, ok := f.(string); ok {
				files = append(files, name)
			}
		}
	}

	branch := "gwi/run"
	if req.RunID != "" {
		suffix := req.RunID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		branch = "gwi/run-" + suffix
	}

	return &SandboxResult{
		FilesChanged: files,
		BranchName:   branch,
	}, nil
}

var _ SandboxRunner = (*StaticSandboxRunner)(nil)
