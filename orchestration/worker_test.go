package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gitwithintent/gwi/core"
)

func startTestPool(t *testing.T, queue JobQueue, store JobStore, handlers map[string]JobHandler) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(queue, store, &WorkerPoolConfig{
		Count:          2,
		JobTimeout:     5 * time.Second,
		DequeueTimeout: 50 * time.Millisecond,
		RetryBackoff:   10 * time.Millisecond,
		OwnerID:        "test-pool",
	})
	for jobType, h := range handlers {
		pool.RegisterHandler(jobType, h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = pool.Stop(time.Second)
		<-done
	})
	return pool
}

// waitForStatus polls the store until the job reaches the status or the
// deadline expires.
func waitForStatus(t *testing.T, store JobStore, jobID string, want core.JobStatus) *core.DurableJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, err := store.Get(context.Background(), jobID)
	t.Fatalf("job never reached %s; last state %+v (err %v)", want, job, err)
	return nil
}

func TestWorkerPoolProcessesJob(t *testing.T) {
	queue := NewMemoryJobQueue(16)
	store := NewMemoryJobStore()
	ctx := context.Background()

	processed := make(chan string, 1)
	startTestPool(t, queue, store, map[string]JobHandler{
		"echo": func(ctx context.Context, job *core.DurableJob) (map[string]interface{}, error) {
			processed <- job.ID
			return map[string]interface{}{"ok": true}, nil
		},
	})

	job := core.NewJob("echo", "t1", nil)
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case id := <-processed:
		if id != job.ID {
			t.Errorf("processed %s, want %s", id, job.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job was never processed")
	}

	final := waitForStatus(t, store, job.ID, core.JobStatusCompleted)
	if final.Result["ok"] != true {
		t.Errorf("result = %+v, want ok", final.Result)
	}
	if final.ClaimedBy != "test-pool" {
		t.Errorf("claimed by %q, want test-pool", final.ClaimedBy)
	}
}

func TestWorkerPoolRetriesThenDeadLetters(t *testing.T) {
	queue := NewMemoryJobQueue(16)
	store := NewMemoryJobStore()
	ctx := context.Background()

	attempts := make(chan int, 16)
	startTestPool(t, queue, store, map[string]JobHandler{
		"flaky": func(ctx context.Context, job *core.DurableJob) (map[string]interface{}, error) {
			attempts <- job.Attempts
			return nil, errors.New("always broken")
		},
	})

	job := core.NewJob("flaky", "t1", nil)
	job.MaxRetries = 2
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	final := waitForStatus(t, store, job.ID, core.JobStatusDeadLetter)
	if final.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", final.Attempts)
	}
	if final.Error == "" {
		t.Error("dead-lettered job has no error")
	}
	if len(attempts) != 2 {
		t.Errorf("handler ran %d times, want 2", len(attempts))
	}
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	queue := NewMemoryJobQueue(16)
	store := NewMemoryJobStore()
	ctx := context.Background()

	startTestPool(t, queue, store, map[string]JobHandler{
		"boom": func(ctx context.Context, job *core.DurableJob) (map[string]interface{}, error) {
			panic("handler bug")
		},
	})

	job := core.NewJob("boom", "t1", nil)
	job.MaxRetries = 1
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	final := waitForStatus(t, store, job.ID, core.JobStatusDeadLetter)
	if final.Error == "" || !strings.Contains(final.Error, "panicked") {
		t.Errorf("error = %q, want panic recorded", final.Error)
	}
}

func TestWorkerPoolUnknownJobType(t *testing.T) {
	queue := NewMemoryJobQueue(16)
	store := NewMemoryJobStore()
	ctx := context.Background()

	startTestPool(t, queue, store, map[string]JobHandler{})

	job := core.NewJob("unknown", "t1", nil)
	job.MaxRetries = 1
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	final := waitForStatus(t, store, job.ID, core.JobStatusDeadLetter)
	if !strings.Contains(final.Error, "no handler registered") {
		t.Errorf("error = %q, want missing-handler complaint", final.Error)
	}
}

func TestWorkerPoolDoubleStart(t *testing.T) {
	pool := NewWorkerPool(NewMemoryJobQueue(1), NewMemoryJobStore(), &WorkerPoolConfig{
		Count:          1,
		DequeueTimeout: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)

	if err := pool.Start(ctx); !errors.Is(err, core.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestRunJobHandlerDrivesOrchestrator(t *testing.T) {
	f := newOrchestratorFixture(t)
	run := f.startRun(t)
	ctx := context.Background()

	handler := RunJobHandler(f.orch)
	job := core.NewJob(JobTypeRunExecute, "t1", nil)
	job.RunID = run.ID

	result, err := handler(ctx, job)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if result["run_id"] != run.ID {
		t.Errorf("result = %+v, want run_id %s", result, run.ID)
	}

	got, _ := f.runs.Get(ctx, "t1", run.ID)
	if got.Status != core.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", got.Status)
	}
}

