package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gitwithintent/gwi/core"
)

// RedisJobStoreConfig configures the Redis job store.
type RedisJobStoreConfig struct {
	// KeyPrefix is the prefix for all job keys
	// Default: "gwi:jobs"
	KeyPrefix string `json:"key_prefix"`

	// TTL bounds how long job records are retained
	// Default: 7 days
	TTL time.Duration `json:"ttl"`

	// Logger is an optional logger for store operations
	Logger core.Logger `json:"-"`
}

// RedisJobStore persists durable jobs as JSON under {prefix}:job:{id}.
// Claim uses a WATCH transaction so exactly one of N concurrent claimers
// wins the lease.
type RedisJobStore struct {
	client *redis.Client
	config RedisJobStoreConfig
	logger core.Logger
}

// NewRedisJobStore creates a Redis-backed job store.
func NewRedisJobStore(client *redis.Client, config *RedisJobStoreConfig) *RedisJobStore {
	if config == nil {
		config = &RedisJobStoreConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gwi:jobs"
	}
	if config.TTL <= 0 {
		config.TTL = 7 * 24 * time.Hour
	}

	s := &RedisJobStore{
		client: client,
		config: *config,
		logger: config.Logger,
	}
	if s.logger != nil {
		if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("gwi/orchestration")
		}
	}
	return s
}

func (s *RedisJobStore) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", s.config.KeyPrefix, jobID)
}

func (s *RedisJobStore) statusKey(status core.JobStatus) string {
	return fmt.Sprintf("%s:status:%s", s.config.KeyPrefix, status)
}

// Create persists a new job and indexes it by status.
func (s *RedisJobStore) Create(ctx context.Context, job *core.DurableJob) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobStore.Create", core.KindValidation,
			errors.New("job must have an id"))
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return core.NewError("orchestration.JobStore.Create", core.KindStore, err).WithID(job.ID)
	}

	set, err := s.client.SetNX(ctx, s.jobKey(job.ID), payload, s.config.TTL).Result()
	if err != nil {
		return core.NewError("orchestration.JobStore.Create", core.KindStore, err).WithID(job.ID)
	}
	if !set {
		return core.NewError("orchestration.JobStore.Create", core.KindConflict,
			fmt.Errorf("job %s already exists", job.ID))
	}
	if err := s.client.SAdd(ctx, s.statusKey(job.Status), job.ID).Err(); err != nil {
		return core.NewError("orchestration.JobStore.Create", core.KindStore, err).WithID(job.ID)
	}
	return nil
}

// Get returns the job for an id.
func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*core.DurableJob, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, core.NewError("orchestration.JobStore.Get", core.KindStore, err).WithID(jobID)
	}

	var job core.DurableJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, core.NewError("orchestration.JobStore.Get", core.KindStore,
			fmt.Errorf("failed to deserialize job: %w", err)).WithID(jobID)
	}
	return &job, nil
}

// Update overwrites the job after validating the status transition
// against the stored copy.
func (s *RedisJobStore) Update(ctx context.Context, job *core.DurableJob) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobStore.Update", core.KindValidation,
			errors.New("job must have an id"))
	}

	existing, err := s.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if existing.Status != job.Status {
		if err := core.ValidateJobTransition(existing, job.Status); err != nil {
			return core.NewError("orchestration.JobStore.Update", core.KindValidation, err).WithID(job.ID)
		}
	}
	return s.write(ctx, job, existing.Status)
}

func (s *RedisJobStore) write(ctx context.Context, job *core.DurableJob, previous core.JobStatus) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return core.NewError("orchestration.JobStore.write", core.KindStore, err).WithID(job.ID)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(job.ID), payload, s.config.TTL)
		if previous != job.Status {
			pipe.SRem(ctx, s.statusKey(previous), job.ID)
			pipe.SAdd(ctx, s.statusKey(job.Status), job.ID)
		}
		return nil
	})
	if err != nil {
		return core.NewError("orchestration.JobStore.write", core.KindStore, err).WithID(job.ID)
	}
	return nil
}

// Claim atomically moves a pending job to claimed for ownerID. A job that
// is missing, already claimed, or terminal yields core.ErrJobNotClaimable;
// when N workers race on the same job exactly one wins.
func (s *RedisJobStore) Claim(ctx context.Context, jobID, ownerID string) (*core.DurableJob, error) {
	key := s.jobKey(jobID)
	var claimed *core.DurableJob

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%w: job %s not found", core.ErrJobNotClaimable, jobID)
		}
		if err != nil {
			return err
		}

		var job core.DurableJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to deserialize job: %w", err)
		}
		if job.Status != core.JobStatusPending {
			return fmt.Errorf("%w: job %s is %s", core.ErrJobNotClaimable, jobID, job.Status)
		}

		now := time.Now().UTC()
		job.Status = core.JobStatusClaimed
		job.ClaimedBy = ownerID
		job.ClaimedAt = &now
		job.Attempts++

		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.config.TTL)
			pipe.SRem(ctx, s.statusKey(core.JobStatusPending), jobID)
			pipe.SAdd(ctx, s.statusKey(core.JobStatusClaimed), jobID)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = &job
		return nil
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// A rival writer touched the job mid-claim; they won the lease.
		return nil, fmt.Errorf("%w: job %s claimed concurrently", core.ErrJobNotClaimable, jobID)
	}
	if errors.Is(err, core.ErrJobNotClaimable) {
		return nil, err
	}
	if err != nil {
		return nil, core.NewError("orchestration.JobStore.Claim", core.KindStore, err).WithID(jobID)
	}

	if s.logger != nil {
		s.logger.DebugWithContext(ctx, "Job claimed", map[string]interface{}{
			"job_id":   jobID,
			"owner_id": ownerID,
			"attempt":  claimed.Attempts,
		})
	}
	return claimed, nil
}

// ListByStatus returns all jobs currently in the given status, repairing
// stale index members as it goes.
func (s *RedisJobStore) ListByStatus(ctx context.Context, status core.JobStatus) ([]*core.DurableJob, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, core.NewError("orchestration.JobStore.ListByStatus", core.KindStore, err)
	}
	sort.Strings(ids)

	jobs := make([]*core.DurableJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrJobNotFound) {
			s.client.SRem(ctx, s.statusKey(status), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != status {
			s.client.SRem(ctx, s.statusKey(status), id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *RedisJobStore) Close() error {
	return nil
}

var _ JobStore = (*RedisJobStore)(nil)

// MemoryJobStore is an in-process job store for tests and single-node
// development.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*core.DurableJob
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*core.DurableJob)}
}

func cloneJob(job *core.DurableJob) *core.DurableJob {
	if job == nil {
		return nil
	}
	c := *job
	return &c
}

// Create persists a new job.
func (s *MemoryJobStore) Create(ctx context.Context, job *core.DurableJob) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobStore.Create", core.KindValidation,
			errors.New("job must have an id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return core.NewError("orchestration.JobStore.Create", core.KindConflict,
			fmt.Errorf("job %s already exists", job.ID))
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get returns the job for an id.
func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*core.DurableJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	return cloneJob(job), nil
}

// Update overwrites the job after validating the status transition.
func (s *MemoryJobStore) Update(ctx context.Context, job *core.DurableJob) error {
	if job == nil || job.ID == "" {
		return core.NewError("orchestration.JobStore.Update", core.KindValidation,
			errors.New("job must have an id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, job.ID)
	}
	if existing.Status != job.Status {
		if err := core.ValidateJobTransition(existing, job.Status); err != nil {
			return core.NewError("orchestration.JobStore.Update", core.KindValidation, err).WithID(job.ID)
		}
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Claim atomically moves a pending job to claimed for ownerID.
func (s *MemoryJobStore) Claim(ctx context.Context, jobID, ownerID string) (*core.DurableJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s not found", core.ErrJobNotClaimable, jobID)
	}
	if job.Status != core.JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", core.ErrJobNotClaimable, jobID, job.Status)
	}

	now := time.Now().UTC()
	job.Status = core.JobStatusClaimed
	job.ClaimedBy = ownerID
	job.ClaimedAt = &now
	job.Attempts++
	return cloneJob(job), nil
}

// ListByStatus returns jobs in the given status ordered by creation time.
func (s *MemoryJobStore) ListByStatus(ctx context.Context, status core.JobStatus) ([]*core.DurableJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*core.DurableJob
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// Close clears the store.
func (s *MemoryJobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*core.DurableJob)
	return nil
}

var _ JobStore = (*MemoryJobStore)(nil)
