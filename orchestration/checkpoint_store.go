package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gitwithintent/gwi/core"
)

// RedisCheckpointStoreConfig configures the Redis checkpoint store.
type RedisCheckpointStoreConfig struct {
	// KeyPrefix is the prefix for all checkpoint keys
	// Default: "gwi:checkpoints"
	KeyPrefix string `json:"key_prefix"`

	// TTL bounds how long a run's checkpoint log is retained
	// Default: 30 days
	TTL time.Duration `json:"ttl"`

	// Logger is an optional logger for store operations
	Logger core.Logger `json:"-"`
}

// RedisCheckpointStore keeps each run's checkpoints as a Redis list under
// {prefix}:{tenant}:{run}, appended with RPUSH so list order is append
// order and Latest is a backward scan for the newest completed entry.
type RedisCheckpointStore struct {
	client *redis.Client
	config RedisCheckpointStoreConfig
	logger core.Logger
}

// NewRedisCheckpointStore creates a Redis-backed checkpoint store.
func NewRedisCheckpointStore(client *redis.Client, config *RedisCheckpointStoreConfig) *RedisCheckpointStore {
	if config == nil {
		config = &RedisCheckpointStoreConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gwi:checkpoints"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * 24 * time.Hour
	}

	s := &RedisCheckpointStore{
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

func (s *RedisCheckpointStore) key(tenantID, runID string) string {
	return fmt.Sprintf("%s:%s:%s", s.config.KeyPrefix, tenantID, runID)
}

// Save appends the checkpoint to the run's log. A missing Timestamp is
// stamped here so the log stays ordered even when callers forget.
func (s *RedisCheckpointStore) Save(ctx context.Context, tenantID, runID string, cp *core.Checkpoint) error {
	if cp == nil || cp.StepID == "" {
		return core.NewError("orchestration.CheckpointStore.Save", core.KindValidation,
			fmt.Errorf("checkpoint must have a step id")).WithID(runID)
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return core.NewError("orchestration.CheckpointStore.Save", core.KindStore, err).WithID(runID)
	}

	key := s.key(tenantID, runID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, s.config.TTL)
		return nil
	})
	if err != nil {
		return core.NewError("orchestration.CheckpointStore.Save", core.KindStore, err).WithID(runID)
	}

	if s.logger != nil {
		s.logger.DebugWithContext(ctx, "Checkpoint saved", map[string]interface{}{
			"run_id":    runID,
			"tenant_id": tenantID,
			"step_id":   cp.StepID,
			"resumable": cp.Resumable,
		})
	}
	return nil
}

// List returns the run's full checkpoint log in append order. A run with
// no checkpoints returns an empty slice, not an error.
func (s *RedisCheckpointStore) List(ctx context.Context, tenantID, runID string) ([]core.Checkpoint, error) {
	entries, err := s.client.LRange(ctx, s.key(tenantID, runID), 0, -1).Result()
	if err != nil {
		return nil, core.NewError("orchestration.CheckpointStore.List", core.KindStore, err).WithID(runID)
	}

	checkpoints := make([]core.Checkpoint, 0, len(entries))
	for _, entry := range entries {
		var cp core.Checkpoint
		if err := json.Unmarshal([]byte(entry), &cp); err != nil {
			return nil, core.NewError("orchestration.CheckpointStore.List", core.KindStore,
				fmt.Errorf("failed to deserialize checkpoint: %w", err)).WithID(runID)
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// Latest returns the newest completed checkpoint, or nil when none
// exists. A trailing failed checkpoint (the step a dying worker was in)
// is skipped; resume restarts after the last completed step.
func (s *RedisCheckpointStore) Latest(ctx context.Context, tenantID, runID string) (*core.Checkpoint, error) {
	checkpoints, err := s.List(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	return latestCompleted(checkpoints), nil
}

func latestCompleted(checkpoints []core.Checkpoint) *core.Checkpoint {
	for i := len(checkpoints) - 1; i >= 0; i-- {
		if checkpoints[i].Status == core.StepStatusCompleted {
			cp := checkpoints[i]
			return &cp
		}
	}
	return nil
}

// Exists reports whether the run has any checkpoints.
func (s *RedisCheckpointStore) Exists(ctx context.Context, tenantID, runID string) (bool, error) {
	n, err := s.client.LLen(ctx, s.key(tenantID, runID)).Result()
	if err != nil {
		return false, core.NewError("orchestration.CheckpointStore.Exists", core.KindStore, err).WithID(runID)
	}
	return n > 0, nil
}

// Clear removes the run's checkpoint log.
func (s *RedisCheckpointStore) Clear(ctx context.Context, tenantID, runID string) error {
	if err := s.client.Del(ctx, s.key(tenantID, runID)).Err(); err != nil {
		return core.NewError("orchestration.CheckpointStore.Clear", core.KindStore, err).WithID(runID)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *RedisCheckpointStore) Close() error {
	return nil
}

var _ CheckpointStore = (*RedisCheckpointStore)(nil)

// MemoryCheckpointStore is an in-process checkpoint store for tests and
// single-node development. Checkpoints do not survive a restart, which
// defeats recovery; production deployments use Redis.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	logs map[string][]core.Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
// Outside of tests it warns through the given logger: checkpoints lost
// on restart cannot drive recovery.
func NewMemoryCheckpointStore(logger core.Logger) *MemoryCheckpointStore {
	if logger != nil && !testing.Testing() {
		logger.Warn("In-memory checkpoint store in use; checkpoints will not survive a restart", map[string]interface{}{
			"store": "memory",
		})
	}
	return &MemoryCheckpointStore{
		logs: make(map[string][]core.Checkpoint),
	}
}

func memoryRunKey(tenantID, runID string) string {
	return tenantID + "/" + runID
}

// Save appends the checkpoint to the run's in-memory log.
func (s *MemoryCheckpointStore) Save(ctx context.Context, tenantID, runID string, cp *core.Checkpoint) error {
	if cp == nil || cp.StepID == "" {
		return core.NewError("orchestration.CheckpointStore.Save", core.KindValidation,
			fmt.Errorf("checkpoint must have a step id")).WithID(runID)
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryRunKey(tenantID, runID)
	s.logs[key] = append(s.logs[key], *cp)
	return nil
}

// List returns a copy of the run's checkpoint log in append order.
func (s *MemoryCheckpointStore) List(ctx context.Context, tenantID, runID string) ([]core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[memoryRunKey(tenantID, runID)]
	out := make([]core.Checkpoint, len(log))
	copy(out, log)
	return out, nil
}

// Latest returns the newest completed checkpoint, or nil when none
// exists.
func (s *MemoryCheckpointStore) Latest(ctx context.Context, tenantID, runID string) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestCompleted(s.logs[memoryRunKey(tenantID, runID)]), nil
}

// Exists reports whether the run has any checkpoints.
func (s *MemoryCheckpointStore) Exists(ctx context.Context, tenantID, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[memoryRunKey(tenantID, runID)]) > 0, nil
}

// Clear removes the run's checkpoint log.
func (s *MemoryCheckpointStore) Clear(ctx context.Context, tenantID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, memoryRunKey(tenantID, runID))
	return nil
}

// Close clears the store.
func (s *MemoryCheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[string][]core.Checkpoint)
	return nil
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
