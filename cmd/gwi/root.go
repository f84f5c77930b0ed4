package main

import (
	"github.com/spf13/cobra"

	"github.com/gitwithintent/gwi/core"
)

var (
	// configPath is the gwi.yaml location; env and flags overlay it.
	configPath string

	// tenantID scopes every command to one tenant.
	tenantID string
)

var rootCmd = &cobra.Command{
	Use:   "gwi",
	Short: "gwi — durable execution core for intent-driven code changes",
	Long: `gwi runs multi-phase code-change pipelines that survive crashes.

Every run checkpoints after each phase, heartbeats while executing, and is
resumed (or failed with a diagnostic) by startup recovery when its worker
dies. Side-effecting phases are gated on Ed25519-signed approvals.

Common workflow:

  gwi serve                               # HTTP intake: webhooks, API, Slack
  gwi worker                              # recover orphans, then process jobs
  gwi recover                             # one-shot recovery pass
  gwi keys generate release-bot           # register a signing key
  gwi approval approve <run-id> --key release-bot --approver alice
  gwi approval deny <run-id> --reason "touches billing" --key release-bot --approver alice`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file (default: gwi.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "default", "Tenant id scoping the command")
}

// loadConfig reads the layered configuration the way every subcommand
// sees it: defaults, then gwi.yaml (optional), then GWI_* env vars.
func loadConfig() (*core.Config, error) {
	return core.LoadConfig(configPath)
}
