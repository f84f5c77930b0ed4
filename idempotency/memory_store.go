package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gitwithintent/gwi/core"
)

// MemoryStore implements Store with an in-process map. It exists for the
// memory backend and for tests; records survive only as long as the
// process, so duplicates are not suppressed across restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func memoryKey(tenantID, key string) string {
	return tenantID + "/" + key
}

// CheckAndSet implements the transactional admission decision. The mutex
// plays the role Redis WATCH plays in the Redis store: concurrent
// deliveries of one key linearize on it.
func (s *MemoryStore) CheckAndSet(ctx context.Context, candidate *Record, opts CheckOptions) (*CheckResult, error) {
	if candidate == nil || candidate.Key == "" {
		return nil, core.NewError("idempotency.CheckAndSet", core.KindValidation,
			errors.New("candidate record must have a key"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.records[memoryKey(candidate.TenantID, candidate.Key)]
	result, write := decide(existing, candidate, time.Now(), opts)
	if write != nil {
		s.records[memoryKey(write.TenantID, write.Key)] = write.Clone()
	}
	return result, nil
}

// Get returns a copy of the record for a key.
func (s *MemoryStore) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[memoryKey(tenantID, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrRecordNotFound, key)
	}
	return record.Clone(), nil
}

// Update overwrites an existing record.
func (s *MemoryStore) Update(ctx context.Context, record *Record) error {
	if record == nil || record.Key == "" {
		return core.NewError("idempotency.Update", core.KindValidation,
			errors.New("record must have a key"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey(record.TenantID, record.Key)
	if _, ok := s.records[k]; !ok {
		return fmt.Errorf("%w: %s", core.ErrRecordNotFound, record.Key)
	}
	record.UpdatedAt = time.Now()
	s.records[k] = record.Clone()
	return nil
}

// CleanupExpired deletes settled records whose retention has lapsed.
func (s *MemoryStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for k, record := range s.records {
		if record.Expired(now) {
			delete(s.records, k)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
