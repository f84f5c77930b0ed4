package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitwithintent/gwi/approval"
	"github.com/gitwithintent/gwi/core"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage approval signing keys",
	Long: `Manages the Ed25519 keys that sign approvals. Public key metadata
lives in the keyring file (conventionally .gwi/keys.json) so reviewers can
audit which keys may authorize runs; private keys stay on the approver's
machine and are never written into the repository.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate <key-id>",
	Short: "Generate a keypair and register its public key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysGenerate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a signing key",
	Long: `Marks the key revoked in the keyring. Every approval signed by a
revoked key stops granting scopes immediately, including approvals written
before the revocation.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysRevoke,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered signing keys",
	RunE:  runKeysList,
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd, keysRevokeCmd, keysListCmd)
	rootCmd.AddCommand(keysCmd)
}

// privateKeyPath is where generate writes the private key: beside the
// keyring, named after the key id.
func privateKeyPath(keyringPath, keyID string) string {
	return filepath.Join(filepath.Dir(keyringPath), keyID+".key")
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keyID := args[0]

	if err := os.MkdirAll(filepath.Dir(cfg.Approval.KeyringPath), 0o755); err != nil {
		return core.NewError("cli.keys.generate", core.KindStore, err)
	}

	key, priv, err := approval.GenerateKey(keyID)
	if err != nil {
		return err
	}

	store := approval.NewFileKeyStore(cfg.Approval.KeyringPath, nil)
	if err := store.Register(key); err != nil {
		return err
	}

	privPath := privateKeyPath(cfg.Approval.KeyringPath, keyID)
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
		return core.NewError("cli.keys.generate", core.KindStore, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered key %s in %s\n", keyID, cfg.Approval.KeyringPath)
	fmt.Fprintf(cmd.OutOrStdout(), "Private key written to %s (keep it out of version control)\n", privPath)
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := approval.NewFileKeyStore(cfg.Approval.KeyringPath, nil)
	if err := store.Revoke(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", args[0])
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := approval.NewFileKeyStore(cfg.Approval.KeyringPath, nil)
	keys, err := store.List()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No keys registered")
		return nil
	}
	for _, k := range keys {
		status := "active"
		if k.Revoked {
			status = "revoked"
			if k.RevokedAt != nil {
				status = fmt.Sprintf("revoked %s", k.RevokedAt.Format(time.RFC3339))
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tcreated %s\n",
			k.KeyID, k.Algorithm, status, k.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
