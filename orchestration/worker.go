package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/telemetry"
)

// JobHandler processes one durable job and returns its result.
type JobHandler func(ctx context.Context, job *core.DurableJob) (map[string]interface{}, error)

// WorkerPoolConfig configures the worker pool.
type WorkerPoolConfig struct {
	// Count is the number of concurrent workers
	// Default: 5
	Count int `json:"count"`

	// JobTimeout bounds a single job execution
	// Default: 30m
	JobTimeout time.Duration `json:"job_timeout"`

	// DequeueTimeout is the blocking-pop window per poll
	// Default: 5s
	DequeueTimeout time.Duration `json:"dequeue_timeout"`

	// RetryBackoff is the base delay before a failed job requeues,
	// multiplied by the attempt count
	// Default: 2s
	RetryBackoff time.Duration `json:"retry_backoff"`

	// OwnerID identifies this worker process. Default: NewOwnerID()
	OwnerID string `json:"owner_id"`

	// Logger is an optional logger
	Logger core.Logger `json:"-"`
}

// WorkerPool serves the durable job queue with N workers. Each job is
// claimed through the job store before processing, so a job that races
// onto two workers' plates runs exactly once. A panicking handler fails
// the job instead of the worker.
type WorkerPool struct {
	queue    JobQueue
	store    JobStore
	config   WorkerPoolConfig
	logger   core.Logger
	handlers map[string]JobHandler

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWorkerPool creates a worker pool over the given queue and job store.
func NewWorkerPool(queue JobQueue, store JobStore, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}
	if config.Count <= 0 {
		config.Count = 5
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 5 * time.Second
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 2 * time.Second
	}
	if config.OwnerID == "" {
		config.OwnerID = NewOwnerID()
	}

	p := &WorkerPool{
		queue:    queue,
		store:    store,
		config:   *config,
		logger:   config.Logger,
		handlers: make(map[string]JobHandler),
		stopCh:   make(chan struct{}),
	}
	if p.logger != nil {
		if cal, ok := p.logger.(core.ComponentAwareLogger); ok {
			p.logger = cal.WithComponent("gwi/orchestration")
		}
	}
	return p
}

// RegisterHandler binds a job type to its handler. Must be called before
// Start.
func (p *WorkerPool) RegisterHandler(jobType string, handler JobHandler) {
	p.handlers[jobType] = handler
}

// Start launches the workers and blocks until Stop is called or ctx is
// cancelled. Starting a running pool returns core.ErrAlreadyStarted.
func (p *WorkerPool) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}

	if p.logger != nil {
		p.logger.Info("Worker pool starting", map[string]interface{}{
			"workers":  p.config.Count,
			"owner_id": p.config.OwnerID,
		})
	}

	for i := 0; i < p.config.Count; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}

	select {
	case <-ctx.Done():
	case <-p.stopCh:
	}
	p.wg.Wait()
	return nil
}

// Stop asks the workers to finish their current job and exit, waiting up
// to timeout for them to drain.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool stop: %w", core.ErrTimeout)
	}
}

func (p *WorkerPool) work(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.config.DequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrShutdown) {
				return
			}
			if p.logger != nil {
				p.logger.Warn("Dequeue failed", map[string]interface{}{
					"worker": id,
					"error":  err.Error(),
				})
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, id, job)
	}
}

func (p *WorkerPool) process(ctx context.Context, workerID int, job *core.DurableJob) {
	start := time.Now()

	claimed, err := p.store.Claim(ctx, job.ID, p.config.OwnerID)
	if errors.Is(err, core.ErrJobNotClaimable) {
		// Another worker owns it; drop our queue entry and move on.
		_ = p.queue.Acknowledge(ctx, job.ID)
		return
	}
	if err != nil {
		if p.logger != nil {
			p.logger.Error("Job claim failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
		return
	}
	job = claimed

	now := time.Now().UTC()
	job.Status = core.JobStatusRunning
	job.StartedAt = &now
	if err := p.store.Update(ctx, job); err != nil {
		if p.logger != nil {
			p.logger.Error("Job state update failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
		return
	}

	result, handlerErr := p.invoke(ctx, job)

	if handlerErr == nil {
		completed := time.Now().UTC()
		job.Status = core.JobStatusCompleted
		job.CompletedAt = &completed
		job.Result = result
		job.Error = ""
		if err := p.store.Update(ctx, job); err != nil && p.logger != nil {
			p.logger.Error("Job completion update failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
		_ = p.queue.Acknowledge(ctx, job.ID)
		telemetry.Counter(ctx, "gwi.worker.jobs_completed", "job_type", job.Type)
		telemetry.Duration(ctx, "gwi.worker.job_duration", start, "job_type", job.Type)
		if p.logger != nil {
			p.logger.InfoWithContext(ctx, "Job completed", map[string]interface{}{
				"job_id":      job.ID,
				"job_type":    job.Type,
				"worker":      workerID,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		}
		return
	}

	job.Error = handlerErr.Error()
	telemetry.Counter(ctx, "gwi.worker.jobs_failed", "job_type", job.Type)

	if job.Attempts >= job.MaxRetries {
		completed := time.Now().UTC()
		job.Status = core.JobStatusDeadLetter
		job.CompletedAt = &completed
		if err := p.store.Update(ctx, job); err != nil && p.logger != nil {
			p.logger.Error("Dead-letter update failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
		_ = p.queue.DeadLetter(ctx, job)
		return
	}

	// Attempts remain: failed, then back to pending with backoff.
	job.Status = core.JobStatusFailed
	if err := p.store.Update(ctx, job); err != nil && p.logger != nil {
		p.logger.Error("Job failure update failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	backoff := p.config.RetryBackoff * time.Duration(job.Attempts)
	select {
	case <-ctx.Done():
		return
	case <-p.stopCh:
		return
	case <-time.After(backoff):
	}

	job.Status = core.JobStatusPending
	job.ClaimedBy = ""
	job.ClaimedAt = nil
	if err := p.store.Update(ctx, job); err != nil {
		if p.logger != nil {
			p.logger.Error("Job requeue update failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
		return
	}
	if err := p.queue.Reject(ctx, job, true); err != nil && p.logger != nil {
		p.logger.Error("Job requeue failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	if p.logger != nil {
		p.logger.WarnWithContext(ctx, "Job failed, requeued", map[string]interface{}{
			"job_id":   job.ID,
			"job_type": job.Type,
			"attempt":  job.Attempts,
			"error":    handlerErr.Error(),
		})
	}
}

// invoke runs the handler under the job budget with panic recovery.
func (p *WorkerPool) invoke(ctx context.Context, job *core.DurableJob) (result map[string]interface{}, err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, core.NewError("orchestration.WorkerPool", core.KindValidation,
			fmt.Errorf("no handler registered for job type %q", job.Type)).WithID(job.ID)
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = core.NewError("orchestration.WorkerPool", core.KindInternal,
				fmt.Errorf("handler panicked: %v", r)).WithID(job.ID)
			if p.logger != nil {
				p.logger.Error("Job handler panicked", map[string]interface{}{
					"job_id":   job.ID,
					"job_type": job.Type,
					"panic":    fmt.Sprintf("%v", r),
					"stack":    string(debug.Stack()),
				})
			}
		}
	}()

	return handler(jobCtx, job)
}

// JobTypeRunExecute and JobTypeRunResume route run jobs to the
// orchestrator.
const (
	JobTypeRunExecute = "run.execute"
	JobTypeRunResume  = "run.resume"
)

// RunJobHandler adapts the orchestrator into a job handler for both
// run.execute and run.resume jobs. Resume jobs carry their context on the
// job itself.
func RunJobHandler(o *Orchestrator) JobHandler {
	return func(ctx context.Context, job *core.DurableJob) (map[string]interface{}, error) {
		if job.RunID == "" {
			return nil, core.NewError("orchestration.RunJobHandler", core.KindValidation,
				errors.New("job has no run id")).WithID(job.ID)
		}
		if err := o.Execute(ctx, job.TenantID, job.RunID, job.Resume); err != nil {
			return nil, err
		}
		return map[string]interface{}{"run_id": job.RunID}, nil
	}
}
