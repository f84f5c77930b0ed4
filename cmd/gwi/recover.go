package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run one recovery pass and print the summary",
	Long: `Scans for orphaned runs — running status, stale heartbeat — and brings
each to a safe state: resumed from its latest completed resumable
checkpoint, or failed with a diagnostic naming the dead owner. Prints the
pass summary as JSON.`,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := a.recovery.Recover(ctx)
	if err != nil {
		return err
	}

	// Resumed runs were handed to the job queue; a one-shot pass has no
	// worker pool, so their heartbeats must not outlive the process.
	a.heartbeats.Shutdown()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
