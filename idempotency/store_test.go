package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/gitwithintent/gwi/core"
)

// setupTestRedis creates a miniredis instance for store testing.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func testOpts() CheckOptions {
	return CheckOptions{
		LockTimeout: 30 * time.Second,
		MaxAttempts: 3,
		FailedTTL:   time.Hour,
	}
}

func candidate(key string) *Record {
	return &Record{
		Key:         key,
		Source:      core.SourceGitHubWebhook,
		TenantID:    "t1",
		RequestHash: "abc",
	}
}

// storeFactories lets every lifecycle test run against both
// implementations so their semantics cannot drift.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			_, client := setupTestRedis(t)
			return NewRedisStore(client, &RedisStoreConfig{KeyPrefix: "test:idem"})
		},
	}
}

func TestCheckAndSetLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			// First delivery wins the key.
			res, err := store.CheckAndSet(ctx, candidate("github:k1"), testOpts())
			if err != nil {
				t.Fatalf("CheckAndSet failed: %v", err)
			}
			if res.Outcome != OutcomeNew {
				t.Fatalf("expected new, got %s", res.Outcome)
			}
			if res.Record.Status != StatusProcessing || res.Record.Attempts != 1 {
				t.Errorf("unexpected record state: %+v", res.Record)
			}

			// Second delivery while the lock is live defers.
			res, err = store.CheckAndSet(ctx, candidate("github:k1"), testOpts())
			if err != nil {
				t.Fatalf("CheckAndSet failed: %v", err)
			}
			if res.Outcome != OutcomeProcessing {
				t.Fatalf("expected processing, got %s", res.Outcome)
			}

			// Settle the record as completed.
			record, err := store.Get(ctx, "t1", "github:k1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			record.Status = StatusCompleted
			record.RunID = "run-1"
			record.Response = RunStarted("run-1", 202, []byte(`{"run_id":"run-1"}`))
			record.LockExpiresAt = nil
			expires := time.Now().Add(time.Hour)
			record.ExpiresAt = &expires
			if err := store.Update(ctx, record); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			// Later deliveries replay the settled record.
			res, err = store.CheckAndSet(ctx, candidate("github:k1"), testOpts())
			if err != nil {
				t.Fatalf("CheckAndSet failed: %v", err)
			}
			if res.Outcome != OutcomeDuplicate {
				t.Fatalf("expected duplicate, got %s", res.Outcome)
			}
			if res.Record.RunID != "run-1" {
				t.Errorf("expected cached run id, got %q", res.Record.RunID)
			}
		})
	}
}

func TestCheckAndSetReclaimsExpiredLock(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			opts := testOpts()
			opts.LockTimeout = -time.Second // locks expire immediately

			res, err := store.CheckAndSet(ctx, candidate("github:k2"), opts)
			if err != nil {
				t.Fatalf("CheckAndSet failed: %v", err)
			}
			if res.Outcome != OutcomeNew || res.Recovered {
				t.Fatalf("first delivery should be a plain new, got %+v", res)
			}

			// The owner never settled and its lock lapsed; the retry
			// reclaims the key.
			res, err = store.CheckAndSet(ctx, candidate("github:k2"), opts)
			if err != nil {
				t.Fatalf("CheckAndSet failed: %v", err)
			}
			if res.Outcome != OutcomeNew || !res.Recovered {
				t.Fatalf("expected lock recovery, got %+v", res)
			}
			if res.Record.Attempts != 2 {
				t.Errorf("expected attempts=2, got %d", res.Record.Attempts)
			}
		})
	}
}

func TestCheckAndSetFailsKeyAfterMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	opts := testOpts()
	opts.LockTimeout = -time.Second
	opts.MaxAttempts = 2

	for i := 0; i < 2; i++ {
		res, err := store.CheckAndSet(ctx, candidate("github:k3"), opts)
		if err != nil {
			t.Fatalf("CheckAndSet failed: %v", err)
		}
		if res.Outcome != OutcomeNew {
			t.Fatalf("attempt %d: expected new, got %s", i+1, res.Outcome)
		}
	}

	// Attempts are exhausted; the key settles as failed and replays.
	res, err := store.CheckAndSet(ctx, candidate("github:k3"), opts)
	if err != nil {
		t.Fatalf("CheckAndSet failed: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", res.Outcome)
	}
	if res.Record.Status != StatusFailed || res.Record.Error != "Max processing attempts exceeded" {
		t.Errorf("unexpected settled record: %+v", res.Record)
	}
}

func TestExpiredSettledRecordIsRecreated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.CheckAndSet(ctx, candidate("github:k4"), testOpts())
	if err != nil {
		t.Fatalf("CheckAndSet failed: %v", err)
	}
	record := res.Record
	record.Status = StatusFailed
	record.Error = "boom"
	record.LockExpiresAt = nil
	expired := time.Now().Add(-time.Minute)
	record.ExpiresAt = &expired
	if err := store.Update(ctx, record); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Retention lapsed; the retry is treated as a brand new event.
	res, err = store.CheckAndSet(ctx, candidate("github:k4"), testOpts())
	if err != nil {
		t.Fatalf("CheckAndSet failed: %v", err)
	}
	if res.Outcome != OutcomeNew {
		t.Fatalf("expected new after expiry, got %s", res.Outcome)
	}
	if res.Record.Attempts != 1 || res.Record.Error != "" {
		t.Errorf("recreated record should be fresh: %+v", res.Record)
	}
}

func TestCleanupExpired(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			now := time.Now()

			settle := func(key string, expiresAt time.Time) {
				res, err := store.CheckAndSet(ctx, candidate(key), testOpts())
				if err != nil {
					t.Fatalf("CheckAndSet failed: %v", err)
				}
				record := res.Record
				record.Status = StatusCompleted
				record.LockExpiresAt = nil
				record.ExpiresAt = &expiresAt
				if err := store.Update(ctx, record); err != nil {
					t.Fatalf("Update failed: %v", err)
				}
			}

			settle("github:expired-1", now.Add(-time.Minute))
			settle("github:expired-2", now.Add(-time.Hour))
			settle("github:live", now.Add(time.Hour))

			deleted, err := store.CleanupExpired(ctx, now)
			if err != nil {
				t.Fatalf("CleanupExpired failed: %v", err)
			}
			if deleted != 2 {
				t.Errorf("expected 2 deletions, got %d", deleted)
			}

			if _, err := store.Get(ctx, "t1", "github:expired-1"); !errors.Is(err, core.ErrRecordNotFound) {
				t.Errorf("expired record should be gone, got %v", err)
			}
			if _, err := store.Get(ctx, "t1", "github:live"); err != nil {
				t.Errorf("live record should survive: %v", err)
			}
		})
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "t1", "github:missing")
	if !errors.Is(err, core.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}
