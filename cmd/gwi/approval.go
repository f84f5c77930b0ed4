package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gitwithintent/gwi/approval"
	"github.com/gitwithintent/gwi/core"
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Create and manage signed approvals",
	Long: `Writes Ed25519-signed approval files into the approvals directory
(conventionally .gwi/approvals/). The approval gate reads them when a run
reaches a side-effecting phase; an approval signed by an unregistered or
revoked key, or covering a different plan, grants nothing.`,
}

var (
	approvalKeyID    string
	approvalApprover string
	approvalRole     string
	approvalScopes   string
	approvalIntent   string
	approvalReason   string
)

var approvalApproveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Sign an approval granting scopes to a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalApprove,
}

var approvalDenyCmd = &cobra.Command{
	Use:   "deny <run-id>",
	Short: "Record a signed denial for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalDeny,
}

var approvalRevokeCmd = &cobra.Command{
	Use:   "revoke <run-id>",
	Short: "Revoke the existing approvals for a run",
	Long: `Rewrites every approved file targeting the run with a revoked
decision, re-signed by the revoker's key. The gate stops counting them on
its next check.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprovalRevoke,
}

func init() {
	for _, c := range []*cobra.Command{approvalApproveCmd, approvalDenyCmd, approvalRevokeCmd} {
		c.Flags().StringVar(&approvalKeyID, "key", "", "Signing key id (required)")
		c.Flags().StringVar(&approvalApprover, "approver", "", "Approver identity compared against the run actor (required)")
		_ = c.MarkFlagRequired("key")
		_ = c.MarkFlagRequired("approver")
	}
	approvalApproveCmd.Flags().StringVar(&approvalRole, "role", string(approval.RoleMaintainer),
		"Approver role: OWNER, MAINTAINER, or MEMBER")
	approvalApproveCmd.Flags().StringVar(&approvalScopes, "scopes", "commit,push,open_pr",
		"Comma-separated scopes to grant")
	approvalApproveCmd.Flags().StringVar(&approvalIntent, "intent-hash", "",
		"Canonical hash of the plan being approved; binds the approval to that plan")
	approvalDenyCmd.Flags().StringVar(&approvalReason, "reason", "", "Why the run is denied (required)")
	_ = approvalDenyCmd.MarkFlagRequired("reason")

	approvalCmd.AddCommand(approvalApproveCmd, approvalDenyCmd, approvalRevokeCmd)
	rootCmd.AddCommand(approvalCmd)
}

// loadPrivateKey reads the hex private key written by "gwi keys generate".
func loadPrivateKey(keyringPath, keyID string) (ed25519.PrivateKey, error) {
	path := privateKeyPath(keyringPath, keyID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError("cli.approval", core.KindSignature,
				fmt.Errorf("private key for %s not found at %s: %w", keyID, path, core.ErrSigningKeyNotFound))
		}
		return nil, core.NewError("cli.approval", core.KindStore, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, core.NewError("cli.approval", core.KindSignature,
			fmt.Errorf("private key file %s is not hex: %w", path, core.ErrSignatureInvalid))
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, core.NewError("cli.approval", core.KindSignature,
			fmt.Errorf("private key file %s has wrong length %d: %w", path, len(raw), core.ErrSignatureInvalid))
	}
	return ed25519.PrivateKey(raw), nil
}

func parseRole(s string) (approval.ApproverRole, error) {
	switch approval.ApproverRole(s) {
	case approval.RoleOwner, approval.RoleMaintainer, approval.RoleMember:
		return approval.ApproverRole(s), nil
	default:
		return "", core.NewError("cli.approval", core.KindValidation,
			fmt.Errorf("unknown role %q (expected OWNER, MAINTAINER, or MEMBER)", s))
	}
}

// writeApprovalFile signs the approval, verifies it against the keyring
// so an unregistered or revoked key fails here instead of silently at
// gate time, and writes the JSON file the directory loader reads.
func writeApprovalFile(cfg *core.Config, a *approval.SignedApproval, priv ed25519.PrivateKey) (string, error) {
	if err := approval.Sign(a, approvalKeyID, priv); err != nil {
		return "", err
	}
	keys := approval.NewFileKeyStore(cfg.Approval.KeyringPath, nil)
	if err := approval.Verify(a, keys); err != nil {
		return "", err
	}

	if err := os.MkdirAll(cfg.Approval.Dir, 0o755); err != nil {
		return "", core.NewError("cli.approval", core.KindStore, err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", core.NewError("cli.approval", core.KindInternal, err)
	}
	path := filepath.Join(cfg.Approval.Dir, fmt.Sprintf("%s-%s.json", a.Target.RunID, a.ApprovalID[:8]))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", core.NewError("cli.approval", core.KindStore, err)
	}
	return path, nil
}

func runApprovalApprove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runID := args[0]

	scopes, err := approval.ParseScopes(approvalScopes)
	if err != nil {
		return err
	}
	role, err := parseRole(approvalRole)
	if err != nil {
		return err
	}
	priv, err := loadPrivateKey(cfg.Approval.KeyringPath, approvalKeyID)
	if err != nil {
		return err
	}

	a := approval.NewApproval(tenantID,
		approval.Approver{Type: "user", ID: approvalApprover},
		role,
		approval.Target{TargetType: "run", RunID: runID},
		scopes)
	a.Source = "cli"
	a.IntentHash = approvalIntent

	path, err := writeApprovalFile(cfg, a, priv)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved run %s: scopes %s\n", runID, approvalScopes)
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runApprovalDeny(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runID := args[0]

	priv, err := loadPrivateKey(cfg.Approval.KeyringPath, approvalKeyID)
	if err != nil {
		return err
	}

	a := approval.NewApproval(tenantID,
		approval.Approver{Type: "user", ID: approvalApprover},
		approval.RoleMaintainer,
		approval.Target{TargetType: "run", RunID: runID},
		nil)
	a.Decision = approval.DecisionDenied
	a.Source = "cli"

	path, err := writeApprovalFile(cfg, a, priv)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Denied run %s: %s\n", runID, approvalReason)
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runApprovalRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runID := args[0]

	priv, err := loadPrivateKey(cfg.Approval.KeyringPath, approvalKeyID)
	if err != nil {
		return err
	}
	keys := approval.NewFileKeyStore(cfg.Approval.KeyringPath, nil)

	entries, err := os.ReadDir(cfg.Approval.Dir)
	if os.IsNotExist(err) {
		entries = nil
	} else if err != nil {
		return core.NewError("cli.approval.revoke", core.KindStore, err)
	}

	revoked := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(cfg.Approval.Dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var a approval.SignedApproval
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		if a.Target.RunID != runID || a.Decision != approval.DecisionApproved {
			continue
		}

		a.Decision = approval.DecisionRevoked
		a.ScopesApproved = nil
		a.Approver = approval.Approver{Type: "user", ID: approvalApprover}
		if err := approval.Sign(&a, approvalKeyID, priv); err != nil {
			return err
		}
		if err := approval.Verify(&a, keys); err != nil {
			return err
		}
		out, err := json.MarshalIndent(&a, "", "  ")
		if err != nil {
			return core.NewError("cli.approval.revoke", core.KindInternal, err)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return core.NewError("cli.approval.revoke", core.KindStore, err)
		}
		revoked++
	}

	if revoked == 0 {
		return core.NewError("cli.approval.revoke", core.KindValidation,
			fmt.Errorf("no approved approvals found for run %s", runID))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d approval(s) for run %s\n", revoked, runID)
	return nil
}
