package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/telemetry"
)

// RedisJobQueueConfig configures the Redis job queue.
type RedisJobQueueConfig struct {
	// QueueName is the base name for the queue's Redis keys
	// Default: "gwi:queue"
	QueueName string `json:"queue_name"`

	// EnqueueRetries is how many times a failed enqueue is retried
	// Default: 3
	EnqueueRetries int `json:"enqueue_retries"`

	// EnqueueRetryDelay is the base delay between enqueue retries
	// Default: 100ms
	EnqueueRetryDelay time.Duration `json:"enqueue_retry_delay"`

	// CircuitBreaker optionally wraps enqueues so a dead Redis fails
	// fast instead of stalling intake
	CircuitBreaker core.CircuitBreaker `json:"-"`

	// Logger is an optional logger for queue operations
	Logger core.Logger `json:"-"`
}

// RedisJobQueue is a reliable queue built on LPUSH/BRPOP with a
// processing list: BRPOPLPUSH moves each dequeued job into
// {queue}:processing, and Acknowledge removes it after the worker
// finishes. Jobs a crashed worker left in the processing list are
// recoverable by a later sweep.
type RedisJobQueue struct {
	client *redis.Client
	config RedisJobQueueConfig
	logger core.Logger
}

// NewRedisJobQueue creates a Redis-backed job queue.
func NewRedisJobQueue(client *redis.Client, config *RedisJobQueueConfig) *RedisJobQueue {
	if config == nil {
		config = &RedisJobQueueConfig{}
	}
	if config.QueueName == "" {
		config.QueueName = "gwi:queue"
	}
	if config.EnqueueRetries <= 0 {
		config.EnqueueRetries = 3
	}
	if config.EnqueueRetryDelay <= 0 {
		config.EnqueueRetryDelay = 100 * time.Millisecond
	}

	q := &RedisJobQueue{
		client: client,
		config: *config,
		logger: config.Logger,
	}
	if q.logger != nil {
		if cal, ok := q.logger.(core.ComponentAwareLogger); ok {
			q.logger = cal.WithComponent("gwi/orchestration")
		}
	}
	return q
}

func (q *RedisJobQueue) pendingKey() string {
	return q.config.QueueName + ":pending"
}

func (q *RedisJobQueue) processingKey() string {
	return q.config.QueueName + ":processing"
}

func (q *RedisJobQueue) deadLetterKey() string {
	return q.config.QueueName + ":dead"
}

// removeProcessing finds and removes the job's entry from the processing
// list, returning whether an entry was found.
func (q *RedisJobQueue) removeProcessing(ctx context.Context, jobID string) (bool, error) {
	entries, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		var job core.DurableJob
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			continue
		}
		if job.ID == jobID {
			if err := q.client.LRem(ctx, q.processingKey(), 1, entry).Err(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Enqueue adds a job to the pending queue. Transient push failures are
// retried with linear backoff; when a circuit breaker is configured the
// push runs through it.
func (q *RedisJobQueue) Enqueue(ctx context.Context, job *core.DurableJob) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobQueue.Enqueue", core.KindValidation,
			errors.New("job must have an id"))
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return core.NewError("orchestration.JobQueue.Enqueue", core.KindStore, err).WithID(job.ID)
	}

	push := func() error {
		return q.client.LPush(ctx, q.pendingKey(), payload).Err()
	}

	var lastErr error
	for attempt := 0; attempt < q.config.EnqueueRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.config.EnqueueRetryDelay * time.Duration(attempt)):
			}
		}

		if q.config.CircuitBreaker != nil {
			lastErr = q.config.CircuitBreaker.Execute(ctx, push)
		} else {
			lastErr = push()
		}
		if lastErr == nil {
			telemetry.Counter(ctx, "gwi.queue.enqueued", "job_type", job.Type)
			if q.logger != nil {
				q.logger.DebugWithContext(ctx, "Job enqueued", map[string]interface{}{
					"job_id":   job.ID,
					"job_type": job.Type,
				})
			}
			return nil
		}
		if errors.Is(lastErr, core.ErrCircuitBreakerOpen) {
			break
		}
	}

	telemetry.RecordError(ctx, "gwi.queue.errors", "enqueue failed")
	return core.NewError("orchestration.JobQueue.Enqueue", core.KindTransient, lastErr).WithID(job.ID)
}

// Dequeue blocks up to timeout for the next job, moving it into the
// processing list in the same operation. Returns nil, nil on timeout.
func (q *RedisJobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*core.DurableJob, error) {
	entry, err := q.client.BRPopLPush(ctx, q.pendingKey(), q.processingKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewError("orchestration.JobQueue.Dequeue", core.KindTransient, err)
	}

	var job core.DurableJob
	if err := json.Unmarshal([]byte(entry), &job); err != nil {
		// A malformed entry would wedge the queue if left in place.
		q.client.LRem(ctx, q.processingKey(), 1, entry)
		return nil, core.NewError("orchestration.JobQueue.Dequeue", core.KindStore,
			fmt.Errorf("failed to deserialize job: %w", err))
	}

	telemetry.Counter(ctx, "gwi.queue.dequeued", "job_type", job.Type)
	return &job, nil
}

// Acknowledge removes a processed job from the processing list.
func (q *RedisJobQueue) Acknowledge(ctx context.Context, jobID string) error {
	found, err := q.removeProcessing(ctx, jobID)
	if err != nil {
		return core.NewError("orchestration.JobQueue.Acknowledge", core.KindStore, err).WithID(jobID)
	}
	if !found {
		return fmt.Errorf("%w: %s not in processing list", core.ErrJobNotFound, jobID)
	}
	return nil
}

// Reject removes the job from the processing list and, when requeue is
// true, pushes its current state back onto the pending queue.
func (q *RedisJobQueue) Reject(ctx context.Context, job *core.DurableJob, requeue bool) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobQueue.Reject", core.KindValidation,
			errors.New("job must have an id"))
	}
	if _, err := q.removeProcessing(ctx, job.ID); err != nil {
		return core.NewError("orchestration.JobQueue.Reject", core.KindStore, err).WithID(job.ID)
	}
	if !requeue {
		return nil
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return core.NewError("orchestration.JobQueue.Reject", core.KindStore, err).WithID(job.ID)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return core.NewError("orchestration.JobQueue.Reject", core.KindTransient, err).WithID(job.ID)
	}
	telemetry.Counter(ctx, "gwi.queue.requeued", "job_type", job.Type)
	return nil
}

// DeadLetter moves the job from the processing list to the dead letter
// list for operator inspection.
func (q *RedisJobQueue) DeadLetter(ctx context.Context, job *core.DurableJob) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobQueue.DeadLetter", core.KindValidation,
			errors.New("job must have an id"))
	}
	if _, err := q.removeProcessing(ctx, job.ID); err != nil {
		return core.NewError("orchestration.JobQueue.DeadLetter", core.KindStore, err).WithID(job.ID)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return core.NewError("orchestration.JobQueue.DeadLetter", core.KindStore, err).WithID(job.ID)
	}
	if err := q.client.LPush(ctx, q.deadLetterKey(), payload).Err(); err != nil {
		return core.NewError("orchestration.JobQueue.DeadLetter", core.KindStore, err).WithID(job.ID)
	}
	telemetry.Counter(ctx, "gwi.queue.dead_lettered", "job_type", job.Type)
	if q.logger != nil {
		q.logger.WarnWithContext(ctx, "Job dead-lettered", map[string]interface{}{
			"job_id":   job.ID,
			"job_type": job.Type,
			"attempts": job.Attempts,
			"error":    job.Error,
		})
	}
	return nil
}

// Depth returns the number of pending jobs.
func (q *RedisJobQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, core.NewError("orchestration.JobQueue.Depth", core.KindStore, err)
	}
	return n, nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (q *RedisJobQueue) Close() error {
	return nil
}

var _ JobQueue = (*RedisJobQueue)(nil)

// MemoryJobQueue is a channel-backed queue for tests and single-node
// development.
type MemoryJobQueue struct {
	mu         sync.Mutex
	jobs       chan *core.DurableJob
	processing map[string]*core.DurableJob
	dead       []*core.DurableJob
	closed     bool
}

// NewMemoryJobQueue creates an in-memory queue with the given capacity.
func NewMemoryJobQueue(capacity int) *MemoryJobQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryJobQueue{
		jobs:       make(chan *core.DurableJob, capacity),
		processing: make(map[string]*core.DurableJob),
	}
}

// Enqueue adds a job to the queue.
func (q *MemoryJobQueue) Enqueue(ctx context.Context, job *core.DurableJob) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobQueue.Enqueue", core.KindValidation,
			errors.New("job must have an id"))
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return core.ErrShutdown
	}

	select {
	case q.jobs <- cloneJob(job):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return core.NewError("orchestration.JobQueue.Enqueue", core.KindTransient,
			errors.New("queue is full"))
	}
}

// Dequeue blocks up to timeout for the next job. Returns nil, nil on
// timeout.
func (q *MemoryJobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*core.DurableJob, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, core.ErrShutdown
		}
		q.mu.Lock()
		q.processing[job.ID] = job
		q.mu.Unlock()
		return cloneJob(job), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Acknowledge removes a processed job from the processing set.
func (q *MemoryJobQueue) Acknowledge(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[jobID]; !ok {
		return fmt.Errorf("%w: %s not in processing list", core.ErrJobNotFound, jobID)
	}
	delete(q.processing, jobID)
	return nil
}

// Reject removes the job from the processing set and optionally requeues
// its current state.
func (q *MemoryJobQueue) Reject(ctx context.Context, job *core.DurableJob, requeue bool) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobQueue.Reject", core.KindValidation,
			errors.New("job must have an id"))
	}
	q.mu.Lock()
	delete(q.processing, job.ID)
	closed := q.closed
	q.mu.Unlock()
	if !requeue {
		return nil
	}
	if closed {
		return core.ErrShutdown
	}
	select {
	case q.jobs <- cloneJob(job):
		return nil
	default:
		return core.NewError("orchestration.JobQueue.Reject", core.KindTransient,
			errors.New("queue is full"))
	}
}

// DeadLetter moves the job from the processing set to the dead list.
func (q *MemoryJobQueue) DeadLetter(ctx context.Context, job *core.DurableJob) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobQueue.DeadLetter", core.KindValidation,
			errors.New("job must have an id"))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, job.ID)
	q.dead = append(q.dead, cloneJob(job))
	return nil
}

// DeadLetters returns a copy of the dead letter list.
func (q *MemoryJobQueue) DeadLetters() []*core.DurableJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*core.DurableJob, len(q.dead))
	for i, j := range q.dead {
		out[i] = cloneJob(j)
	}
	return out
}

// Depth returns the number of pending jobs.
func (q *MemoryJobQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

// Close shuts the queue; pending jobs are dropped.
func (q *MemoryJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}

var _ JobQueue = (*MemoryJobQueue)(nil)
