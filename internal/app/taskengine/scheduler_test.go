package taskengine_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
	"github.com/R3E-Network/taskengine/internal/app/storage/taskengine/memory"
	te "github.com/R3E-Network/taskengine/internal/app/taskengine"
)

func newTestEngine(t *testing.T) (*te.Engine, te.TaskRepository) {
	t.Helper()
	tasks := memory.NewTaskStore()
	events := memory.NewEventStore()
	cfg := te.Config{
		WorkerID:   "test-worker",
		LeaseMs:    200,
		PollMsIdle: 5,
		PollMsBusy: 5,
	}
	engine := te.NewEngine(cfg, tasks, events, nil)
	return engine, tasks
}

// waitForStatus polls the task store until the task reaches one of the
// terminal/waiting statuses in want, or the timeout elapses.
func waitForStatus(t *testing.T, tasks te.TaskRepository, id string, timeout time.Duration, want ...model.Status) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := tasks.Read(context.Background(), id)
		if err == nil {
			for _, w := range want {
				if task.Status == w {
					return task
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach any of %v within %s", id, want, timeout)
	return nil
}

func TestEngineAtomicTaskSucceeds(t *testing.T) {
	engine, tasks := newTestEngine(t)
	engine.Registry().MustRegister("greet", te.HandlerFunc(func(ctx *te.Context, input any) (any, error) {
		return fmt.Sprintf("hello %v", input), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop(context.Background())

	task, err := engine.Push(ctx, "greet", "world")
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	final := waitForStatus(t, tasks, task.ID, 2*time.Second, model.StatusSucceeded, model.StatusFailed)
	if final.Status != model.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (error %+v)", final.Status, final.Error)
	}
	if final.Output != "hello world" {
		t.Fatalf("expected output %q, got %v", "hello world", final.Output)
	}
}

func TestEngineTransientFailureThenSuccess(t *testing.T) {
	engine, tasks := newTestEngine(t)
	var attempts int32
	engine.Registry().MustRegister("flaky", te.HandlerFunc(func(ctx *te.Context, input any) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return nil, fmt.Errorf("transient failure on attempt %d", n)
		}
		return "recovered", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop(context.Background())

	task, err := engine.Push(ctx, "flaky", nil,
		te.WithMaxAttempts(3),
		te.WithBackoff(model.Backoff{Strategy: model.BackoffFixed, BaseMs: 1000, MaxMs: 1000, Jitter: model.JitterNone}),
	)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	final := waitForStatus(t, tasks, task.ID, 3*time.Second, model.StatusSucceeded, model.StatusFailed)
	if final.Status != model.StatusSucceeded {
		t.Fatalf("expected eventual SUCCEEDED, got %s", final.Status)
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestEngineExhaustedRetriesReachesFailed(t *testing.T) {
	engine, tasks := newTestEngine(t)
	engine.Registry().MustRegister("always-fails", te.HandlerFunc(func(ctx *te.Context, input any) (any, error) {
		return nil, fmt.Errorf("permanent failure")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop(context.Background())

	task, err := engine.Push(ctx, "always-fails", nil,
		te.WithMaxAttempts(2),
		te.WithBackoff(model.Backoff{Strategy: model.BackoffFixed, BaseMs: 1000, MaxMs: 1000, Jitter: model.JitterNone}),
	)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	final := waitForStatus(t, tasks, task.ID, 3*time.Second, model.StatusSucceeded, model.StatusFailed)
	if final.Status != model.StatusFailed {
		t.Fatalf("expected FAILED after exhausting retries, got %s", final.Status)
	}
	if final.Error == nil || final.Error.Message == "" {
		t.Fatalf("expected a recorded error on the failed task")
	}
}

func TestEngineRecoversAnExpiredLease(t *testing.T) {
	tasks := memory.NewTaskStore()
	events := memory.NewEventStore()
	cfg := te.Config{WorkerID: "orphaned-worker", LeaseMs: 10_000}
	bootstrap := te.NewEngine(cfg, tasks, events, nil)

	ctx := context.Background()
	task, err := bootstrap.Push(ctx, "recoverable", nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	// Simulate a worker that claimed the task and then vanished: RUNNING
	// with a lease that already expired in the past.
	stored, _ := tasks.Read(ctx, task.ID)
	stale := stored.Clone()
	stale.Status = model.StatusRunning
	stale.LeaseOwner = "dead-worker"
	past := time.Now().Add(-time.Minute)
	stale.LeaseExpiry = &past
	stale.UpdatedAt = time.Now()
	if _, err := tasks.Update(ctx, stale); err != nil {
		t.Fatalf("simulate orphaned lease: %v", err)
	}

	recoveringEngine := te.NewEngine(te.Config{WorkerID: "recovering-worker", LeaseMs: 10_000, PollMsIdle: 5, PollMsBusy: 5}, tasks, events, nil)
	recoveringEngine.Registry().MustRegister("recoverable", te.HandlerFunc(func(ctx *te.Context, input any) (any, error) {
		return "recovered", nil
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := recoveringEngine.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer recoveringEngine.Stop(context.Background())

	final := waitForStatus(t, tasks, task.ID, 2*time.Second, model.StatusSucceeded, model.StatusFailed)
	if final.Status != model.StatusSucceeded {
		t.Fatalf("expected the orphaned task to be reclaimed and succeed, got %s", final.Status)
	}
}

func TestEngineCompositeMidStepFailureLeavesPriorStepCached(t *testing.T) {
	engine, tasks := newTestEngine(t)
	var secondStepAttempts int32
	engine.Registry().MustRegister("step-one", te.HandlerFunc(func(ctx *te.Context, input any) (any, error) {
		return "step-one-output", nil
	}))
	engine.Registry().MustRegister("step-two", te.HandlerFunc(func(ctx *te.Context, input any) (any, error) {
		n := atomic.AddInt32(&secondStepAttempts, 1)
		if n == 1 {
			return nil, fmt.Errorf("step two fails on first attempt")
		}
		cached, ok := ctx.CachedResult("step-one")
		if !ok {
			t.Errorf("expected step-one's cached result to survive into the retried step-two attempt")
		}
		return cached, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop(context.Background())

	task, err := engine.Push(ctx, "composite-job", nil,
		te.WithSteps(
			model.StepSpec{Classification: "step-one"},
			model.StepSpec{Classification: "step-two"},
		),
		te.WithMaxAttempts(3),
		te.WithBackoff(model.Backoff{Strategy: model.BackoffFixed, BaseMs: 1000, MaxMs: 1000, Jitter: model.JitterNone}),
	)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if task.Atomicity != model.Composite {
		t.Fatalf("expected pushing with steps to create a COMPOSITE task")
	}

	final := waitForStatus(t, tasks, task.ID, 3*time.Second, model.StatusSucceeded, model.StatusFailed)
	if final.Status != model.StatusSucceeded {
		t.Fatalf("expected composite task to eventually succeed, got %s", final.Status)
	}
	if final.CurrentStep != 2 {
		t.Fatalf("expected both steps to have completed, currentStep=%d", final.CurrentStep)
	}
	if len(final.StepResults) != 2 || final.StepResults[0].Status != model.StepSucceeded {
		t.Fatalf("expected step-one's result preserved across the retry, got %+v", final.StepResults)
	}
}

func TestEngineCancelPendingTask(t *testing.T) {
	engine, tasks := newTestEngine(t)
	engine.Registry().MustRegister("never-runs", te.HandlerFunc(func(ctx *te.Context, input any) (any, error) {
		t.Fatalf("canceled task's handler should never be invoked")
		return nil, nil
	}))

	ctx := context.Background()
	task, err := engine.Push(ctx, "never-runs", nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	canceled, err := engine.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != model.StatusCanceled {
		t.Fatalf("expected CANCELED, got %s", canceled.Status)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := engine.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	final, err := tasks.Read(ctx, task.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if final.Status != model.StatusCanceled {
		t.Fatalf("expected task to remain CANCELED, got %s", final.Status)
	}
}

func TestEngineCancelAlreadyTerminalIsNoop(t *testing.T) {
	engine, tasks := newTestEngine(t)
	engine.Registry().MustRegister("quick", te.HandlerFunc(func(ctx *te.Context, input any) (any, error) {
		return "done", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop(context.Background())

	task, err := engine.Push(ctx, "quick", nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	waitForStatus(t, tasks, task.ID, 2*time.Second, model.StatusSucceeded)

	again, err := engine.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel on terminal task should not error: %v", err)
	}
	if again.Status != model.StatusSucceeded {
		t.Fatalf("expected cancel on a terminal task to be a no-op, got %s", again.Status)
	}
}
