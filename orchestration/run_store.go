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
)

// RedisRunStoreConfig configures the Redis run store.
type RedisRunStoreConfig struct {
	// KeyPrefix is the prefix for all run keys
	// Default: "gwi:runs"
	KeyPrefix string `json:"key_prefix"`

	// TTL bounds how long terminal runs are retained
	// Default: 30 days
	TTL time.Duration `json:"ttl"`

	// Logger is an optional logger for store operations
	Logger core.Logger `json:"-"`
}

// RedisRunStore persists runs as JSON under {prefix}:run:{tenant}:{id},
// with a set index {prefix}:inflight of non-terminal runs so orphan scans
// do not walk the whole keyspace.
type RedisRunStore struct {
	client *redis.Client
	config RedisRunStoreConfig
	logger core.Logger
}

// NewRedisRunStore creates a Redis-backed run store.
// The client should already be connected.
func NewRedisRunStore(client *redis.Client, config *RedisRunStoreConfig) *RedisRunStore {
	if config == nil {
		config = &RedisRunStoreConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gwi:runs"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * 24 * time.Hour
	}

	s := &RedisRunStore{
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

func (s *RedisRunStore) runKey(tenantID, runID string) string {
	return fmt.Sprintf("%s:run:%s:%s", s.config.KeyPrefix, tenantID, runID)
}

func (s *RedisRunStore) inflightKey() string {
	return fmt.Sprintf("%s:inflight", s.config.KeyPrefix)
}

// inflightMember encodes tenant and run into one set member so the scan
// can load without a reverse lookup.
func inflightMember(tenantID, runID string) string {
	return tenantID + "/" + runID
}

// Create persists a new run and indexes it as in-flight.
func (s *RedisRunStore) Create(ctx context.Context, run *core.Run) error {
	if run == nil || run.ID == "" {
		return core.NewError("orchestration.RunStore.Create", core.KindValidation,
			errors.New("run must have an id"))
	}

	key := s.runKey(run.TenantID, run.ID)
	payload, err := json.Marshal(run)
	if err != nil {
		return core.NewError("orchestration.RunStore.Create", core.KindStore, err).WithID(run.ID)
	}

	set, err := s.client.SetNX(ctx, key, payload, s.config.TTL).Result()
	if err != nil {
		return core.NewError("orchestration.RunStore.Create", core.KindStore, err).WithID(run.ID)
	}
	if !set {
		return fmt.Errorf("%w: %s", core.ErrRunAlreadyExists, run.ID)
	}

	if !run.Status.IsTerminal() {
		if err := s.client.SAdd(ctx, s.inflightKey(), inflightMember(run.TenantID, run.ID)).Err(); err != nil {
			return core.NewError("orchestration.RunStore.Create", core.KindStore, err).WithID(run.ID)
		}
	}

	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "Run created", map[string]interface{}{
			"run_id":    run.ID,
			"tenant_id": run.TenantID,
			"type":      string(run.Type),
		})
	}
	return nil
}

// Get returns the run for a tenant and id.
func (s *RedisRunStore) Get(ctx context.Context, tenantID, runID string) (*core.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(tenantID, runID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, core.NewError("orchestration.RunStore.Get", core.KindStore, err).WithID(runID)
	}

	var run core.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, core.NewError("orchestration.RunStore.Get", core.KindStore,
			fmt.Errorf("failed to deserialize run: %w", err)).WithID(runID)
	}
	return &run, nil
}

// Update overwrites the run. The status transition against the stored run
// is validated first, so terminal runs stay terminal even under racing
// writers.
func (s *RedisRunStore) Update(ctx context.Context, run *core.Run) error {
	if run == nil || run.ID == "" {
		return core.NewError("orchestration.RunStore.Update", core.KindValidation,
			errors.New("run must have an id"))
	}

	existing, err := s.Get(ctx, run.TenantID, run.ID)
	if err != nil {
		return err
	}
	if err := core.ValidateRunTransition(existing.Status, run.Status); err != nil {
		return core.NewError("orchestration.RunStore.Update", core.KindValidation, err).WithID(run.ID)
	}

	run.UpdatedAt = time.Now().UTC()
	if run.Status.IsTerminal() && run.CompletedAt == nil {
		now := run.UpdatedAt
		run.CompletedAt = &now
		run.DurationMs = now.Sub(run.CreatedAt).Milliseconds()
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return core.NewError("orchestration.RunStore.Update", core.KindStore, err).WithID(run.ID)
	}

	// Write and index maintenance ride one pipeline so a crash between
	// them cannot leave a terminal run in the in-flight index.
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.TenantID, run.ID), payload, s.config.TTL)
		if run.Status.IsTerminal() {
			pipe.SRem(ctx, s.inflightKey(), inflightMember(run.TenantID, run.ID))
		} else {
			pipe.SAdd(ctx, s.inflightKey(), inflightMember(run.TenantID, run.ID))
		}
		return nil
	})
	if err != nil {
		return core.NewError("orchestration.RunStore.Update", core.KindStore, err).WithID(run.ID)
	}
	return nil
}

// UpdateHeartbeat stamps liveness without rewriting caller state. The
// read-modify-write is acceptable because only the owning worker stamps a
// given run.
func (s *RedisRunStore) UpdateHeartbeat(ctx context.Context, tenantID, runID, ownerID string) error {
	run, err := s.Get(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s: %w", runID, core.ErrTerminalState)
	}

	now := time.Now().UTC()
	run.LastHeartbeatAt = &now
	run.OwnerID = ownerID
	run.UpdatedAt = now

	payload, err := json.Marshal(run)
	if err != nil {
		return core.NewError("orchestration.RunStore.UpdateHeartbeat", core.KindStore, err).WithID(runID)
	}
	if err := s.client.Set(ctx, s.runKey(tenantID, runID), payload, s.config.TTL).Err(); err != nil {
		return core.NewError("orchestration.RunStore.UpdateHeartbeat", core.KindStore, err).WithID(runID)
	}
	return nil
}

// ListInFlight returns all non-terminal runs via the in-flight index.
// Index members whose run is gone or already terminal are repaired on
// the way through.
func (s *RedisRunStore) ListInFlight(ctx context.Context) ([]*core.Run, error) {
	members, err := s.client.SMembers(ctx, s.inflightKey()).Result()
	if err != nil {
		return nil, core.NewError("orchestration.RunStore.ListInFlight", core.KindStore, err)
	}

	runs := make([]*core.Run, 0, len(members))
	for _, member := range members {
		tenantID, runID, ok := splitInflightMember(member)
		if !ok {
			s.client.SRem(ctx, s.inflightKey(), member)
			continue
		}
		run, err := s.Get(ctx, tenantID, runID)
		if errors.Is(err, core.ErrRunNotFound) {
			s.client.SRem(ctx, s.inflightKey(), member)
			continue
		}
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			s.client.SRem(ctx, s.inflightKey(), member)
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func splitInflightMember(member string) (tenantID, runID string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '/' {
			return member[:i], member[i+1:], i > 0 && i < len(member)-1
		}
	}
	return "", "", false
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *RedisRunStore) Close() error {
	return nil
}

var _ RunStore = (*RedisRunStore)(nil)

// MemoryRunStore is an in-process run store for tests and single-node
// development. Runs do not survive a restart.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*core.Run
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*core.Run)}
}

func cloneRun(run *core.Run) *core.Run {
	if run == nil {
		return nil
	}
	c := *run
	if run.Steps != nil {
		c.Steps = append([]core.RunStep(nil), run.Steps...)
	}
	return &c
}

// Create persists a new run.
func (s *MemoryRunStore) Create(ctx context.Context, run *core.Run) error {
	if run == nil || run.ID == "" {
		return core.NewError("orchestration.RunStore.Create", core.KindValidation,
			errors.New("run must have an id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inflightMember(run.TenantID, run.ID)
	if _, ok := s.runs[key]; ok {
		return fmt.Errorf("%w: %s", core.ErrRunAlreadyExists, run.ID)
	}
	s.runs[key] = cloneRun(run)
	return nil
}

// Get returns the run for a tenant and id.
func (s *MemoryRunStore) Get(ctx context.Context, tenantID, runID string) (*core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[inflightMember(tenantID, runID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	return cloneRun(run), nil
}

// Update overwrites the run after validating the status transition.
func (s *MemoryRunStore) Update(ctx context.Context, run *core.Run) error {
	if run == nil || run.ID == "" {
		return core.NewError("orchestration.RunStore.Update", core.KindValidation,
			errors.New("run must have an id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inflightMember(run.TenantID, run.ID)
	existing, ok := s.runs[key]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, run.ID)
	}
	if err := core.ValidateRunTransition(existing.Status, run.Status); err != nil {
		return core.NewError("orchestration.RunStore.Update", core.KindValidation, err).WithID(run.ID)
	}

	run.UpdatedAt = time.Now().UTC()
	if run.Status.IsTerminal() && run.CompletedAt == nil {
		now := run.UpdatedAt
		run.CompletedAt = &now
		run.DurationMs = now.Sub(run.CreatedAt).Milliseconds()
	}
	s.runs[key] = cloneRun(run)
	return nil
}

// UpdateHeartbeat stamps liveness on the stored run.
func (s *MemoryRunStore) UpdateHeartbeat(ctx context.Context, tenantID, runID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[inflightMember(tenantID, runID)]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s: %w", runID, core.ErrTerminalState)
	}
	now := time.Now().UTC()
	run.LastHeartbeatAt = &now
	run.OwnerID = ownerID
	run.UpdatedAt = now
	return nil
}

// ListInFlight returns all non-terminal runs.
func (s *MemoryRunStore) ListInFlight(ctx context.Context) ([]*core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []*core.Run
	for _, run := range s.runs {
		if !run.Status.IsTerminal() {
			runs = append(runs, cloneRun(run))
		}
	}
	return runs, nil
}

// Close clears the store.
func (s *MemoryRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]*core.Run)
	return nil
}

var _ RunStore = (*MemoryRunStore)(nil)
