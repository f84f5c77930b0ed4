package orchestration

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

func testRun(tenantID string) *core.Run {
	return core.NewRun(tenantID, core.RunTypeAutopilot, core.TriggerInfo{
		Source:     core.SourceAPI,
		Actor:      "alice",
		Repository: "acme/widgets",
	})
}

// runStoreFactories lets lifecycle tests run against both implementations
// so their semantics cannot drift.
func runStoreFactories(t *testing.T) map[string]func(t *testing.T) RunStore {
	return map[string]func(t *testing.T) RunStore{
		"memory": func(t *testing.T) RunStore { return NewMemoryRunStore() },
		"redis": func(t *testing.T) RunStore {
			_, client := setupTestRedis(t)
			return NewRedisRunStore(client, &RedisRunStoreConfig{KeyPrefix: "test:runs"})
		},
	}
}

func TestRunStoreCreateAndGet(t *testing.T) {
	for name, factory := range runStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			run := testRun("t1")
			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			got, err := store.Get(ctx, "t1", run.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.ID != run.ID || got.Status != core.RunStatusPending {
				t.Errorf("got run %s status %s, want %s pending", got.ID, got.Status, run.ID)
			}
			if got.Trigger.Actor != "alice" {
				t.Errorf("trigger actor = %q, want alice", got.Trigger.Actor)
			}

			if err := store.Create(ctx, run); !errors.Is(err, core.ErrRunAlreadyExists) {
				t.Errorf("duplicate Create = %v, want ErrRunAlreadyExists", err)
			}

			if _, err := store.Get(ctx, "t1", "missing"); !errors.Is(err, core.ErrRunNotFound) {
				t.Errorf("Get missing = %v, want ErrRunNotFound", err)
			}
		})
	}
}

func TestRunStoreUpdateValidatesTransitions(t *testing.T) {
	for name, factory := range runStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			run := testRun("t1")
			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			run.Status = core.RunStatusRunning
			if err := store.Update(ctx, run); err != nil {
				t.Fatalf("pending→running failed: %v", err)
			}

			run.Status = core.RunStatusCompleted
			if err := store.Update(ctx, run); err != nil {
				t.Fatalf("running→completed failed: %v", err)
			}

			got, err := store.Get(ctx, "t1", run.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.CompletedAt == nil {
				t.Error("CompletedAt not stamped on terminal transition")
			}

			// Terminal runs stay terminal.
			got.Status = core.RunStatusRunning
			err = store.Update(ctx, got)
			if !errors.Is(err, core.ErrTerminalTransition) {
				t.Errorf("completed→running = %v, want ErrTerminalTransition", err)
			}
		})
	}
}

func TestRunStoreHeartbeat(t *testing.T) {
	for name, factory := range runStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			run := testRun("t1")
			if err := store.Create(ctx, run); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			if err := store.UpdateHeartbeat(ctx, "t1", run.ID, "worker-1"); err != nil {
				t.Fatalf("UpdateHeartbeat failed: %v", err)
			}

			got, err := store.Get(ctx, "t1", run.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.OwnerID != "worker-1" {
				t.Errorf("owner = %q, want worker-1", got.OwnerID)
			}
			if got.LastHeartbeatAt == nil {
				t.Fatal("LastHeartbeatAt not stamped")
			}
			if time.Since(*got.LastHeartbeatAt) > time.Minute {
				t.Errorf("heartbeat too old: %v", got.LastHeartbeatAt)
			}

			got.Status = core.RunStatusRunning
			if err := store.Update(ctx, got); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			got.Status = core.RunStatusFailed
			if err := store.Update(ctx, got); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			if err := store.UpdateHeartbeat(ctx, "t1", run.ID, "worker-1"); !errors.Is(err, core.ErrTerminalState) {
				t.Errorf("heartbeat on terminal run = %v, want ErrTerminalState", err)
			}
		})
	}
}

func TestRunStoreListInFlight(t *testing.T) {
	for name, factory := range runStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			pending := testRun("t1")
			running := testRun("t1")
			finished := testRun("t2")
			for _, r := range []*core.Run{pending, running, finished} {
				if err := store.Create(ctx, r); err != nil {
					t.Fatalf("Create failed: %v", err)
				}
			}

			running.Status = core.RunStatusRunning
			if err := store.Update(ctx, running); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			finished.Status = core.RunStatusCancelled
			if err := store.Update(ctx, finished); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			inflight, err := store.ListInFlight(ctx)
			if err != nil {
				t.Fatalf("ListInFlight failed: %v", err)
			}
			if len(inflight) != 2 {
				t.Fatalf("got %d in-flight runs, want 2", len(inflight))
			}
			for _, r := range inflight {
				if r.Status.IsTerminal() {
					t.Errorf("terminal run %s in in-flight list", r.ID)
				}
			}
		})
	}
}
