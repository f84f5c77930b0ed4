package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gitwithintent/gwi/core"
)

func jobStoreFactories(t *testing.T) map[string]func(t *testing.T) JobStore {
	return map[string]func(t *testing.T) JobStore{
		"memory": func(t *testing.T) JobStore { return NewMemoryJobStore() },
		"redis": func(t *testing.T) JobStore {
			_, client := setupTestRedis(t)
			return NewRedisJobStore(client, &RedisJobStoreConfig{KeyPrefix: "test:jobs"})
		},
	}
}

func TestJobStoreLifecycle(t *testing.T) {
	for name, factory := range jobStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			job := core.NewJob(JobTypeRunExecute, "t1", map[string]interface{}{"k": "v"})
			job.RunID = "r1"
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if err := store.Create(ctx, job); err == nil {
				t.Error("duplicate Create succeeded")
			}

			got, err := store.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Type != JobTypeRunExecute || got.RunID != "r1" {
				t.Errorf("got job %+v", got)
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrJobNotFound) {
				t.Errorf("Get missing = %v, want ErrJobNotFound", err)
			}

			claimed, err := store.Claim(ctx, job.ID, "worker-1")
			if err != nil {
				t.Fatalf("Claim failed: %v", err)
			}
			if claimed.Status != core.JobStatusClaimed || claimed.ClaimedBy != "worker-1" || claimed.Attempts != 1 {
				t.Errorf("claimed job = %+v", claimed)
			}

			// The lease is exclusive.
			if _, err := store.Claim(ctx, job.ID, "worker-2"); !errors.Is(err, core.ErrJobNotClaimable) {
				t.Errorf("second Claim = %v, want ErrJobNotClaimable", err)
			}

			claimed.Status = core.JobStatusRunning
			if err := store.Update(ctx, claimed); err != nil {
				t.Fatalf("claimed→running failed: %v", err)
			}
			claimed.Status = core.JobStatusCompleted
			if err := store.Update(ctx, claimed); err != nil {
				t.Fatalf("running→completed failed: %v", err)
			}

			claimed.Status = core.JobStatusPending
			if err := store.Update(ctx, claimed); !errors.Is(err, core.ErrTerminalTransition) {
				t.Errorf("completed→pending = %v, want ErrTerminalTransition", err)
			}
		})
	}
}

func TestJobStoreClaimExactlyOnce(t *testing.T) {
	store := NewMemoryJobStore()
	ctx := context.Background()

	job := core.NewJob(JobTypeRunExecute, "t1", nil)
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const claimers = 10
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Claim(ctx, job.ID, "worker"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d claimers won, want exactly 1", wins)
	}
}

func TestJobStoreListByStatus(t *testing.T) {
	for name, factory := range jobStoreFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			a := core.NewJob(JobTypeRunExecute, "t1", nil)
			b := core.NewJob(JobTypeRunResume, "t1", nil)
			for _, j := range []*core.DurableJob{a, b} {
				if err := store.Create(ctx, j); err != nil {
					t.Fatalf("Create failed: %v", err)
				}
			}
			if _, err := store.Claim(ctx, a.ID, "worker-1"); err != nil {
				t.Fatalf("Claim failed: %v", err)
			}

			pending, err := store.ListByStatus(ctx, core.JobStatusPending)
			if err != nil {
				t.Fatalf("ListByStatus failed: %v", err)
			}
			if len(pending) != 1 || pending[0].ID != b.ID {
				t.Errorf("pending = %d jobs, want just %s", len(pending), b.ID)
			}

			claimed, err := store.ListByStatus(ctx, core.JobStatusClaimed)
			if err != nil {
				t.Fatalf("ListByStatus failed: %v", err)
			}
			if len(claimed) != 1 || claimed[0].ID != a.ID {
				t.Errorf("claimed = %d jobs, want just %s", len(claimed), a.ID)
			}
		})
	}
}

func jobQueueFactories(t *testing.T) map[string]func(t *testing.T) JobQueue {
	return map[string]func(t *testing.T) JobQueue{
		"memory": func(t *testing.T) JobQueue { return NewMemoryJobQueue(16) },
		"redis": func(t *testing.T) JobQueue {
			_, client := setupTestRedis(t)
			return NewRedisJobQueue(client, &RedisJobQueueConfig{QueueName: "test:queue"})
		},
	}
}

func TestJobQueueRoundTrip(t *testing.T) {
	for name, factory := range jobQueueFactories(t) {
		t.Run(name, func(t *testing.T) {
			queue := factory(t)
			ctx := context.Background()

			job := core.NewJob(JobTypeRunExecute, "t1", map[string]interface{}{"n": float64(1)})
			job.RunID = "r1"
			if err := queue.Enqueue(ctx, job); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}

			depth, err := queue.Depth(ctx)
			if err != nil {
				t.Fatalf("Depth failed: %v", err)
			}
			if depth != 1 {
				t.Errorf("depth = %d, want 1", depth)
			}

			got, err := queue.Dequeue(ctx, time.Second)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if got == nil || got.ID != job.ID || got.RunID != "r1" {
				t.Fatalf("dequeued %+v, want job %s", got, job.ID)
			}

			if err := queue.Acknowledge(ctx, job.ID); err != nil {
				t.Fatalf("Acknowledge failed: %v", err)
			}
			if err := queue.Acknowledge(ctx, job.ID); !errors.Is(err, core.ErrJobNotFound) {
				t.Errorf("double Acknowledge = %v, want ErrJobNotFound", err)
			}
		})
	}
}

func TestJobQueueDequeueTimeout(t *testing.T) {
	for name, factory := range jobQueueFactories(t) {
		t.Run(name, func(t *testing.T) {
			queue := factory(t)

			start := time.Now()
			job, err := queue.Dequeue(context.Background(), 100*time.Millisecond)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if job != nil {
				t.Fatalf("empty queue yielded job %+v", job)
			}
			if time.Since(start) < 50*time.Millisecond {
				t.Error("Dequeue returned before the timeout window")
			}
		})
	}
}

func TestJobQueueRejectRequeues(t *testing.T) {
	for name, factory := range jobQueueFactories(t) {
		t.Run(name, func(t *testing.T) {
			queue := factory(t)
			ctx := context.Background()

			job := core.NewJob(JobTypeRunExecute, "t1", nil)
			if err := queue.Enqueue(ctx, job); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			got, err := queue.Dequeue(ctx, time.Second)
			if err != nil || got == nil {
				t.Fatalf("Dequeue = %+v, %v", got, err)
			}

			got.Attempts = 1
			if err := queue.Reject(ctx, got, true); err != nil {
				t.Fatalf("Reject failed: %v", err)
			}

			again, err := queue.Dequeue(ctx, time.Second)
			if err != nil || again == nil {
				t.Fatalf("Dequeue after requeue = %+v, %v", again, err)
			}
			if again.ID != job.ID || again.Attempts != 1 {
				t.Errorf("requeued job = %+v, want id %s attempts 1", again, job.ID)
			}
		})
	}
}

func TestJobQueueDeadLetter(t *testing.T) {
	queue := NewMemoryJobQueue(16)
	ctx := context.Background()

	job := core.NewJob(JobTypeRunExecute, "t1", nil)
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	got, err := queue.Dequeue(ctx, time.Second)
	if err != nil || got == nil {
		t.Fatalf("Dequeue = %+v, %v", got, err)
	}

	got.Error = "exhausted"
	if err := queue.DeadLetter(ctx, got); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	dead := queue.DeadLetters()
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Fatalf("dead letters = %+v, want job %s", dead, job.ID)
	}

	depth, err := queue.Depth(ctx)
	if err != nil || depth != 0 {
		t.Errorf("Depth = %d, %v; want 0", depth, err)
	}
}
