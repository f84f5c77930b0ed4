package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/gitwithintent/gwi/approval"
	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/idempotency"
	"github.com/gitwithintent/gwi/orchestration"
	"github.com/gitwithintent/gwi/resilience"
	"github.com/gitwithintent/gwi/telemetry"
)

// app is the fully wired durable-execution stack shared by the serve,
// worker, and recover commands. Which store implementations back it is
// decided once, by cfg.Backend.
type app struct {
	cfg    *core.Config
	logger core.Logger
	redis  *redis.Client

	runs        orchestration.RunStore
	checkpoints orchestration.CheckpointStore
	jobs        orchestration.JobStore
	queue       orchestration.JobQueue

	gate         *approval.Gate
	heartbeats   *orchestration.HeartbeatManager
	orchestrator *orchestration.Orchestrator
	recovery     *orchestration.Recovery
}

// buildApp constructs the stack from configuration. The memory backend
// wires the same components over in-process stores, which is what makes
// GWI_BACKEND=memory runnable end-to-end without infrastructure.
func buildApp(cfg *core.Config) (*app, error) {
	logger := core.NewProductionLogger(cfg.Service)

	a := &app{cfg: cfg, logger: logger}

	switch cfg.Backend {
	case "redis":
		client, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL: cfg.RedisURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client

		breaker, err := resilience.NewBreaker(resilience.DefaultBreakerConfig("gwi-queue"))
		if err != nil {
			return nil, err
		}

		a.runs = orchestration.NewRedisRunStore(client, &orchestration.RedisRunStoreConfig{Logger: logger})
		a.checkpoints = orchestration.NewRedisCheckpointStore(client, &orchestration.RedisCheckpointStoreConfig{Logger: logger})
		a.jobs = orchestration.NewRedisJobStore(client, &orchestration.RedisJobStoreConfig{Logger: logger})
		a.queue = orchestration.NewRedisJobQueue(client, &orchestration.RedisJobQueueConfig{
			CircuitBreaker: breaker,
			Logger:         logger,
		})
	case "memory":
		a.runs = orchestration.NewMemoryRunStore()
		a.checkpoints = orchestration.NewMemoryCheckpointStore(logger)
		a.jobs = orchestration.NewMemoryJobStore()
		a.queue = orchestration.NewMemoryJobQueue(0)
	default:
		return nil, core.NewError("cli.buildApp", core.KindConfiguration,
			fmt.Errorf("unknown backend %q", cfg.Backend))
	}

	a.gate = approval.NewGate(
		approval.NewDirectoryLoader(cfg.Approval.Dir, logger),
		approval.NewFileKeyStore(cfg.Approval.KeyringPath, logger),
		nil,
		logger,
	)

	a.heartbeats = orchestration.NewHeartbeatManager(a.runs, &orchestration.HeartbeatManagerConfig{
		Interval:       cfg.Heartbeat.Interval,
		StaleThreshold: cfg.Heartbeat.StaleThreshold,
		Logger:         logger,
	})

	pipeline := orchestration.AutopilotPipeline(
		orchestration.NewStaticAgentInvoker(),
		orchestration.NewStaticSandboxRunner(),
		cfg.Orchestrator.SandboxEnabled,
	)

	a.orchestrator = orchestration.NewOrchestrator(a.runs, a.checkpoints, a.heartbeats, &orchestration.OrchestratorConfig{
		Pipeline:     pipeline,
		Hooks:        []orchestration.StepHooks{orchestration.NewApprovalHook(a.gate, logger)},
		PhaseTimeout: cfg.Orchestrator.PhaseTimeout,
		Logger:       logger,
	})

	a.recovery = orchestration.NewRecovery(a.runs, a.checkpoints, a.heartbeats, a.queue, a.jobs, &orchestration.RecoveryConfig{
		MaxRuns: cfg.Recovery.MaxRuns,
		Logger:  logger,
	})

	return a, nil
}

// close releases store and connection resources in dependency order.
func (a *app) close() {
	a.heartbeats.Shutdown()
	_ = a.queue.Close()
	_ = a.jobs.Close()
	_ = a.checkpoints.Close()
	_ = a.runs.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// initTelemetry installs the OpenTelemetry providers when enabled. The
// returned shutdown is safe to defer unconditionally.
func initTelemetry(ctx context.Context, cfg *core.Config, logger core.Logger) func(context.Context) {
	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Service,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Enabled:     cfg.Telemetry.Enabled,
	}, logger)
	if err != nil {
		logger.Warn("Telemetry init failed, continuing without export", map[string]interface{}{
			"error": err.Error(),
		})
		return func(context.Context) {}
	}
	return func(ctx context.Context) { _ = provider.Shutdown(ctx) }
}

// buildIdempotencyService wires the intake idempotency layer over the
// same backend selection as the rest of the stack.
func (a *app) buildIdempotencyService(metrics *idempotency.Metrics) *idempotency.Service {
	var store idempotency.Store
	if a.redis != nil {
		store = idempotency.NewRedisStore(a.redis, &idempotency.RedisStoreConfig{Logger: a.logger})
	} else {
		store = idempotency.NewMemoryStore()
	}

	svcCfg := idempotency.DefaultServiceConfig()
	if a.cfg.Idempotency.LockTimeout > 0 {
		svcCfg.LockTimeout = a.cfg.Idempotency.LockTimeout
	}
	if a.cfg.Idempotency.MaxAttempts > 0 {
		svcCfg.MaxAttempts = a.cfg.Idempotency.MaxAttempts
	}
	if a.cfg.Idempotency.CompletedTTL > 0 {
		svcCfg.CompletedTTL = a.cfg.Idempotency.CompletedTTL
	}
	if a.cfg.Idempotency.FailedTTL > 0 {
		svcCfg.FailedTTL = a.cfg.Idempotency.FailedTTL
	}
	svcCfg.Metrics = metrics
	svcCfg.Logger = a.logger

	return idempotency.NewService(store, &svcCfg)
}
