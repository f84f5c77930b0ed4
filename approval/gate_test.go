package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitwithintent/gwi/core"
)

func writeApprovalFile(t *testing.T, dir string, name string, a *SignedApproval) {
	t.Helper()
	data, err := json.MarshalIndent(a, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func newTestGate(t *testing.T, dir string, keys KeyStore) *Gate {
	t.Helper()
	return NewGate(NewDirectoryLoader(dir, nil), keys, nil, nil)
}

func TestGateMissingApprovalSuggestsCommand(t *testing.T) {
	dir := t.TempDir()
	gate := newTestGate(t, dir, NewMemoryKeyStore())

	verdict, err := gate.Check(context.Background(), GateRequest{
		TenantID:       "t1",
		RunID:          "run-5",
		Actor:          Actor{ID: "u-agent"},
		Action:         "apply",
		RequiredScopes: []Scope{ScopeCommit, ScopePush},
	})
	require.NoError(t, err)
	require.False(t, verdict.Allowed)
	assert.Equal(t, []Scope{ScopeCommit, ScopePush}, verdict.MissingScopes)
	assert.Equal(t, "gwi approval approve --run run-5 --scopes commit,push", verdict.SuggestedCommand)

	gateErr := verdict.Err("run-5")
	require.Error(t, gateErr)
	assert.Contains(t, gateErr.Error(), "--scopes commit,push")
	assert.Equal(t, core.KindPolicyDenied, core.KindOf(gateErr))
}

func TestGateAllowsVerifiedApproval(t *testing.T) {
	dir := t.TempDir()
	keys := NewMemoryKeyStore()
	gate := newTestGate(t, dir, keys)

	a := newSignedApproval(t, keys, "u-reviewer", []Scope{ScopeCommit, ScopePush}, "run-6")
	writeApprovalFile(t, dir, "a1.json", a)

	verdict, err := gate.Check(context.Background(), GateRequest{
		TenantID:       "t1",
		RunID:          "run-6",
		Actor:          Actor{ID: "u-agent"},
		Action:         "apply",
		RequiredScopes: []Scope{ScopeCommit, ScopePush},
	})
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.Equal(t, 1, verdict.Approvals)
}

// A tampered approval behaves exactly like a missing one.
func TestGateTamperedApprovalIsIgnored(t *testing.T) {
	dir := t.TempDir()
	keys := NewMemoryKeyStore()
	gate := newTestGate(t, dir, keys)

	a := newSignedApproval(t, keys, "u-reviewer", []Scope{ScopeOpenPR}, "run-7")
	a.ScopesApproved = append(a.ScopesApproved, ScopeDeploy) // post-signing edit
	writeApprovalFile(t, dir, "a1.json", a)

	verdict, err := gate.Check(context.Background(), GateRequest{
		TenantID:       "t1",
		RunID:          "run-7",
		Actor:          Actor{ID: "u-agent"},
		Action:         "publish",
		RequiredScopes: []Scope{ScopeOpenPR, ScopeDeploy},
	})
	require.NoError(t, err)
	require.False(t, verdict.Allowed)
	assert.Equal(t, 0, verdict.Approvals)
	assert.Contains(t, verdict.MissingScopes, ScopeDeploy)
}

func TestGateIntentHashMismatchIgnoresApproval(t *testing.T) {
	dir := t.TempDir()
	keys := NewMemoryKeyStore()
	gate := newTestGate(t, dir, keys)

	key, priv, err := GenerateKey("key-intent")
	require.NoError(t, err)
	require.NoError(t, keys.Register(key))

	a := NewApproval("t1", Approver{Type: "user", ID: "u-reviewer"}, RoleMaintainer,
		Target{TargetType: "run", RunID: "run-8"}, []Scope{ScopeCommit, ScopePush})
	a.IntentHash = "hash-of-plan-A"
	require.NoError(t, Sign(a, key.KeyID, priv))
	writeApprovalFile(t, dir, "a1.json", a)

	// The orchestrator is executing plan B; the approval of plan A must
	// not authorize it.
	verdict, err := gate.Check(context.Background(), GateRequest{
		TenantID:       "t1",
		RunID:          "run-8",
		Actor:          Actor{ID: "u-agent"},
		Action:         "apply",
		RequiredScopes: []Scope{ScopeCommit, ScopePush},
		IntentHash:     "hash-of-plan-B",
	})
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, 0, verdict.Approvals)
}

func TestGateSelfApprovalBlocked(t *testing.T) {
	dir := t.TempDir()
	keys := NewMemoryKeyStore()
	gate := newTestGate(t, dir, keys)

	a := newSignedApproval(t, keys, "u-1", []Scope{ScopeCommit, ScopePush}, "run-9")
	writeApprovalFile(t, dir, "a1.json", a)

	verdict, err := gate.Check(context.Background(), GateRequest{
		TenantID:       "t1",
		RunID:          "run-9",
		Actor:          Actor{ID: "u-1"},
		Action:         "apply",
		RequiredScopes: []Scope{ScopeCommit, ScopePush},
	})
	require.NoError(t, err)
	require.False(t, verdict.Allowed)
	assert.Equal(t, "same actor cannot approve own run", verdict.Reason)
}

func TestDirectoryLoaderSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	keys := NewMemoryKeyStore()

	good := newSignedApproval(t, keys, "u-reviewer", []Scope{ScopeCommit}, "run-10")
	writeApprovalFile(t, dir, "good.json", good)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invalid.json"), []byte(`{"approval_id":""}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	other := newSignedApproval(t, keys, "u-other", []Scope{ScopeCommit}, "run-11")
	writeApprovalFile(t, dir, "other-run.json", other)

	denied := newSignedApproval(t, keys, "u-denier", []Scope{ScopeCommit}, "run-10")
	denied.Decision = DecisionDenied
	denied.ScopesApproved = nil
	writeApprovalFile(t, dir, "denied.json", denied)

	loader := NewDirectoryLoader(dir, nil)
	approvals, err := loader.Load(context.Background(), "run-10")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, good.ApprovalID, approvals[0].ApprovalID)
}

func TestDirectoryLoaderMissingDirIsEmpty(t *testing.T) {
	loader := NewDirectoryLoader(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	approvals, err := loader.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, approvals)
}
