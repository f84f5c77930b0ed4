package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gitwithintent/gwi/core"
)

// CheckOptions carries the service's lock policy into the store
type CheckOptions struct {
	// LockTimeout bounds how long a processing lock is honored
	LockTimeout time.Duration

	// MaxAttempts bounds lock recoveries before the key is failed
	MaxAttempts int

	// FailedTTL is the retention applied when the store itself settles a
	// key as failed (attempts exhausted)
	FailedTTL time.Duration
}

// Store persists idempotency records. CheckAndSet is the only mutation the
// service performs during admission; it must be transactional so concurrent
// deliveries of one key linearize.
type Store interface {
	// CheckAndSet atomically admits, defers, or replays the candidate
	CheckAndSet(ctx context.Context, candidate *Record, opts CheckOptions) (*CheckResult, error)

	// Get returns the record or core.ErrRecordNotFound
	Get(ctx context.Context, tenantID, key string) (*Record, error)

	// Update overwrites an existing record (settle path)
	Update(ctx context.Context, record *Record) error

	// CleanupExpired deletes settled records whose retention has lapsed
	CleanupExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases store resources
	Close() error
}

// decide evaluates the check-and-set branches against the existing record.
// It returns the result and, when a write is needed, the record to persist.
// Both store implementations share this so their semantics cannot drift.
func decide(existing, candidate *Record, now time.Time, opts CheckOptions) (*CheckResult, *Record) {
	if existing == nil || existing.Expired(now) {
		fresh := candidate.Clone()
		fresh.Status = StatusProcessing
		fresh.Attempts = 1
		fresh.CreatedAt = now
		fresh.UpdatedAt = now
		lock := now.Add(opts.LockTimeout)
		fresh.LockExpiresAt = &lock
		fresh.ExpiresAt = nil
		fresh.RunID = ""
		fresh.Response = nil
		fresh.Error = ""
		return &CheckResult{Outcome: OutcomeNew, Record: fresh}, fresh
	}

	if existing.Status == StatusProcessing {
		if !existing.LockExpired(now) {
			return &CheckResult{Outcome: OutcomeProcessing, Record: existing.Clone()}, nil
		}
		if existing.Attempts >= opts.MaxAttempts {
			failed := existing.Clone()
			failed.Status = StatusFailed
			failed.Error = "Max processing attempts exceeded"
			failed.LockExpiresAt = nil
			exp := now.Add(opts.FailedTTL)
			failed.ExpiresAt = &exp
			failed.UpdatedAt = now
			return &CheckResult{Outcome: OutcomeDuplicate, Record: failed}, failed
		}
		reclaimed := existing.Clone()
		reclaimed.Attempts++
		lock := now.Add(opts.LockTimeout)
		reclaimed.LockExpiresAt = &lock
		reclaimed.UpdatedAt = now
		return &CheckResult{Outcome: OutcomeNew, Record: reclaimed, Recovered: true}, reclaimed
	}

	return &CheckResult{Outcome: OutcomeDuplicate, Record: existing.Clone()}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Redis Store
// ═══════════════════════════════════════════════════════════════════════════

const (
	// checkAndSetRetries bounds optimistic transaction restarts under
	// contention before surfacing a transient error
	checkAndSetRetries = 5

	// processingBackstopTTL caps how long an abandoned processing record
	// can linger if no retry ever reclaims it
	processingBackstopTTL = 7 * 24 * time.Hour

	// retentionGrace keeps settled records in Redis slightly past their
	// logical expiry so the cleanup sweep observes them
	retentionGrace = time.Hour
)

// RedisStoreConfig configures the Redis idempotency store
type RedisStoreConfig struct {
	// KeyPrefix is the prefix for all record keys
	// Default: "gwi:idempotency"
	KeyPrefix string `json:"key_prefix"`

	// Logger is an optional logger for store operations
	Logger core.Logger `json:"-"`
}

// RedisStore implements Store on Redis. Each record is a JSON string under
// {prefix}:record:{tenantId}:{key}; check-and-set runs as an optimistic
// WATCH transaction so concurrent deliveries of one key linearize on the
// store.
type RedisStore struct {
	client *redis.Client
	config RedisStoreConfig
	logger core.Logger
}

// NewRedisStore creates a Redis-backed idempotency store.
// The client should already be connected.
func NewRedisStore(client *redis.Client, config *RedisStoreConfig) *RedisStore {
	if config == nil {
		config = &RedisStoreConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gwi:idempotency"
	}

	s := &RedisStore{
		client: client,
		config: *config,
		logger: config.Logger,
	}
	if s.logger != nil {
		if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("gwi/idempotency")
		}
	}
	return s
}

func (s *RedisStore) recordKey(tenantID, key string) string {
	return fmt.Sprintf("%s:record:%s:%s", s.config.KeyPrefix, tenantID, key)
}

// retention returns the Redis-level TTL backstop for a record. The logical
// contract is enforced by CleanupExpired; this only prevents leaks.
func (s *RedisStore) retention(record *Record) time.Duration {
	if record.ExpiresAt != nil {
		return time.Until(*record.ExpiresAt) + retentionGrace
	}
	return processingBackstopTTL
}

// CheckAndSet implements the transactional admission decision
func (s *RedisStore) CheckAndSet(ctx context.Context, candidate *Record, opts CheckOptions) (*CheckResult, error) {
	if candidate == nil || candidate.Key == "" {
		return nil, core.NewError("idempotency.CheckAndSet", core.KindValidation,
			errors.New("candidate record must have a key"))
	}

	storeKey := s.recordKey(candidate.TenantID, candidate.Key)
	var result *CheckResult

	txf := func(tx *redis.Tx) error {
		var existing *Record
		data, err := tx.Get(ctx, storeKey).Bytes()
		switch {
		case err == redis.Nil:
			// absent; decide() treats nil as create
		case err != nil:
			return fmt.Errorf("failed to read idempotency record: %w", err)
		default:
			existing = &Record{}
			if err := json.Unmarshal(data, existing); err != nil {
				return fmt.Errorf("failed to deserialize idempotency record: %w", err)
			}
		}

		var write *Record
		result, write = decide(existing, candidate, time.Now(), opts)
		if write == nil {
			return nil
		}

		payload, err := json.Marshal(write)
		if err != nil {
			return fmt.Errorf("failed to serialize idempotency record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, storeKey, payload, s.retention(write))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < checkAndSetRetries; attempt++ {
		err := s.client.Watch(ctx, txf, storeKey)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			// Lost the race to another delivery; re-evaluate against
			// the winner's write.
			continue
		default:
			return nil, core.NewError("idempotency.CheckAndSet", core.KindStore, err).WithID(candidate.Key)
		}
	}

	return nil, core.NewError("idempotency.CheckAndSet", core.KindTransient,
		fmt.Errorf("check-and-set contention persisted across %d attempts", checkAndSetRetries)).WithID(candidate.Key)
}

// Get returns the record for a key
func (s *RedisStore) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(tenantID, key)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRecordNotFound, key)
	}
	if err != nil {
		return nil, core.NewError("idempotency.Get", core.KindStore, err).WithID(key)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, core.NewError("idempotency.Get", core.KindStore,
			fmt.Errorf("failed to deserialize idempotency record: %w", err)).WithID(key)
	}
	return &record, nil
}

// Update overwrites an existing record. Used by the service to settle a
// processing record it owns; missing records are an error.
func (s *RedisStore) Update(ctx context.Context, record *Record) error {
	if record == nil || record.Key == "" {
		return core.NewError("idempotency.Update", core.KindValidation,
			errors.New("record must have a key"))
	}

	storeKey := s.recordKey(record.TenantID, record.Key)
	exists, err := s.client.Exists(ctx, storeKey).Result()
	if err != nil {
		return core.NewError("idempotency.Update", core.KindStore, err).WithID(record.Key)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", core.ErrRecordNotFound, record.Key)
	}

	record.UpdatedAt = time.Now()
	payload, err := json.Marshal(record)
	if err != nil {
		return core.NewError("idempotency.Update", core.KindStore,
			fmt.Errorf("failed to serialize idempotency record: %w", err)).WithID(record.Key)
	}
	if err := s.client.Set(ctx, storeKey, payload, s.retention(record)).Err(); err != nil {
		return core.NewError("idempotency.Update", core.KindStore, err).WithID(record.Key)
	}
	return nil
}

// CleanupExpired sweeps settled records whose retention has lapsed
func (s *RedisStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	pattern := fmt.Sprintf("%s:record:*", s.config.KeyPrefix)
	deleted := 0
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, core.NewError("idempotency.CleanupExpired", core.KindStore, err)
		}

		for _, storeKey := range keys {
			data, err := s.client.Get(ctx, storeKey).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return deleted, core.NewError("idempotency.CleanupExpired", core.KindStore, err)
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				// Unreadable records are removed rather than leaked.
				if s.logger != nil {
					s.logger.WarnWithContext(ctx, "Deleting unreadable idempotency record", map[string]interface{}{
						"store_key": storeKey,
						"error":     err.Error(),
					})
				}
				if err := s.client.Del(ctx, storeKey).Err(); err == nil {
					deleted++
				}
				continue
			}
			if record.Expired(now) {
				if err := s.client.Del(ctx, storeKey).Err(); err != nil {
					return deleted, core.NewError("idempotency.CleanupExpired", core.KindStore, err).WithID(record.Key)
				}
				deleted++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if deleted > 0 && s.logger != nil {
		s.logger.InfoWithContext(ctx, "Cleaned up expired idempotency records", map[string]interface{}{
			"deleted": deleted,
		})
	}
	return deleted, nil
}

// Close is a no-op; the caller owns the Redis client lifecycle
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
