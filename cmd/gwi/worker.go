package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/orchestration"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the durable job worker pool",
	Long: `Runs a worker process: a startup recovery pass brings orphaned runs
to a safe state, then the pool claims and executes run jobs until SIGINT
or SIGTERM. Shutdown stops run heartbeats first so a run interrupted
mid-phase goes stale promptly and the next recovery pass picks it up.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	shutdownTelemetry := initTelemetry(ctx, cfg, a.logger)
	defer shutdownTelemetry(context.Background())

	summary, err := a.recovery.Recover(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("Startup recovery pass finished", map[string]interface{}{
		"orphaned": summary.OrphanedCount,
		"resumed":  summary.ResumedCount,
		"failed":   summary.FailedCount,
		"skipped":  summary.SkippedCount,
		"errors":   summary.ErrorCount,
	})

	pool := orchestration.NewWorkerPool(a.queue, a.jobs, &orchestration.WorkerPoolConfig{
		Count:      cfg.Worker.Count,
		JobTimeout: cfg.Worker.JobTimeout,
		OwnerID:    a.heartbeats.OwnerID(),
		Logger:     a.logger,
	})
	handler := orchestration.RunJobHandler(a.orchestrator)
	pool.RegisterHandler(orchestration.JobTypeRunExecute, handler)
	pool.RegisterHandler(orchestration.JobTypeRunResume, handler)

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Worker shutting down", map[string]interface{}{
		"owner_id": a.heartbeats.OwnerID(),
	})

	// Heartbeats stop before the pool drains: runs this worker abandons
	// go stale and the next recovery pass reclaims them.
	a.heartbeats.Shutdown()
	if err := pool.Stop(cfg.Worker.ShutdownTimeout); err != nil {
		if errors.Is(err, core.ErrTimeout) {
			a.logger.Warn("Worker pool did not drain before the shutdown deadline", map[string]interface{}{
				"timeout": cfg.Worker.ShutdownTimeout.String(),
			})
			return nil
		}
		return err
	}
	<-errCh
	return nil
}
