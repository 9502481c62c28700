// Package taskengine implements a durable, at-least-once background job
// executor: a state machine, a leased work-claiming protocol, a
// backoff/retry policy, a composite step runner, an event pipeline, and
// an optional worker pool, fronted by a Scheduler loop.
//
// It is grounded on system/events/router.go's RequestRouter, generalized
// from a single ServiceType-keyed handler table to the full
// Task/Handler/Composite model, and on
// internal/app/services/automation/scheduler.go for the tick/poll loop
// shape and system.Service lifecycle.
package taskengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/R3E-Network/taskengine/internal/app/core/service"
	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
	"github.com/R3E-Network/taskengine/internal/app/system"
)

// Config holds the task engine's recognized options.
type Config struct {
	WorkerID    string
	Concurrency int
	LeaseMs     int64
	PollMsIdle  int64
	PollMsBusy  int64

	LogTailMax int

	StreamBufferSize        int
	MaxLoggingBuffer        int
	LoggingBufferTruncation int

	GracefulShutdownMsTimeout int64

	WorkerPool *WorkerPoolConfig
}

// withDefaults fills zero-valued fields with the engine's conservative
// defaults, mirroring this tree's NewScheduler/NewDispatcher constructors,
// which always apply sane fallbacks rather than rejecting a partial
// config.
func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-1"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LeaseMs <= 0 {
		c.LeaseMs = 30_000
	}
	if c.PollMsIdle <= 0 {
		c.PollMsIdle = 1000
	}
	if c.PollMsBusy <= 0 {
		c.PollMsBusy = 50
	}
	if c.LogTailMax <= 0 {
		c.LogTailMax = 50
	}
	if c.StreamBufferSize <= 0 {
		c.StreamBufferSize = 20
	}
	if c.MaxLoggingBuffer <= 0 {
		c.MaxLoggingBuffer = 200
	}
	if c.LoggingBufferTruncation <= 0 {
		c.LoggingBufferTruncation = c.MaxLoggingBuffer / 4
	}
	if c.GracefulShutdownMsTimeout <= 0 {
		c.GracefulShutdownMsTimeout = 10_000
	}
	return c
}

// Engine is the task engine's single cooperative scheduler loop. One
// Engine instance owns one Registry, one Bus, and the Task/Event
// repositories it was constructed with.
type Engine struct {
	cfg      Config
	registry *Registry
	bus      *Bus
	tasks    TaskRepository
	events   EventRepository
	pipeline *eventPipeline
	log      Logger
	pool     *workerPool
	metrics  *Metrics
	hooks    core.ObservationHooks

	clock func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

var _ system.Service = (*Engine)(nil)
var _ system.DescriptorProvider = (*Engine)(nil)

// EngineOption configures an Engine at construction, supplying optional
// bus/registry overrides.
type EngineOption func(*Engine)

// WithRegistry overrides the default Registry.
func WithRegistry(r *Registry) EngineOption { return func(e *Engine) { e.registry = r } }

// WithBus overrides the default Bus.
func WithBus(b *Bus) EngineOption { return func(e *Engine) { e.bus = b } }

// WithClock overrides time.Now, for deterministic tests.
func WithClock(fn func() time.Time) EngineOption { return func(e *Engine) { e.clock = fn } }

// WithMetrics attaches a Metrics instance the engine updates as it claims
// and settles tasks.
func WithMetrics(m *Metrics) EngineOption { return func(e *Engine) { e.metrics = m } }

// WithObservationHooks attaches start/complete callbacks fired around every
// claimed task's execution, the same shape services/ uses for request
// tracing.
func WithObservationHooks(h core.ObservationHooks) EngineOption {
	return func(e *Engine) { e.hooks = h }
}

// NewEngine wires an Engine from its Config and the persistence contracts it
// will drive its claim/execute/persist loop against.
func NewEngine(cfg Config, tasks TaskRepository, events EventRepository, log Logger, opts ...EngineOption) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{cfg: cfg, tasks: tasks, events: events, log: log}
	for _, o := range opts {
		o(e)
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.bus == nil {
		e.bus = NewBus(log)
	}
	e.pipeline = &eventPipeline{events: events, tasks: tasks, bus: e.bus, log: log}
	if cfg.WorkerPool != nil {
		size := cfg.WorkerPool.Size
		if size <= 0 {
			size = cfg.Concurrency
		}
		e.pool = newWorkerPool(e.registry, log, size, cfg.WorkerPool.Capacity)
	}
	return e
}

// Name implements system.Service.
func (e *Engine) Name() string { return "task-engine" }

// Descriptor implements system.DescriptorProvider.
func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:   "task-engine",
		Domain: "jobs",
		Layer:  core.LayerEngine,
	}.WithCapabilities("claim", "execute", "retry", "composite")
}

// Registry exposes the engine's Registry for bootstrap registration.
func (e *Engine) Registry() *Registry { return e.registry }

// Bus exposes the engine's Bus so Trackers can subscribe.
func (e *Engine) Bus() *Bus { return e.bus }

// Start begins the polling loop. Implements system.Service.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			default:
			}
			n := e.tick(runCtx)
			sleep := e.cfg.PollMsIdle
			if n > 0 {
				sleep = e.cfg.PollMsBusy
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(time.Duration(sleep) * time.Millisecond):
			}
		}
	}()

	if e.log != nil {
		e.log.Info("task engine started", "workerId", e.cfg.WorkerID)
	}
	return nil
}

// Stop halts the polling loop and waits up to GracefulShutdownMsTimeout for
// the loop goroutine to exit, then releases worker pool resources. It
// does not interrupt any handler currently executing; callers that need
// to know when in-flight tasks finish should attach a Tracker per id.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(e.cfg.GracefulShutdownMsTimeout) * time.Millisecond):
	case <-ctx.Done():
	}

	if e.pool != nil {
		if err := e.pool.shutdown(); err != nil && e.log != nil {
			e.log.Warn("task engine stop: worker pool shutdown reported errors", "err", err)
		}
	}

	if e.log != nil {
		e.log.Info("task engine stopped")
	}
	return nil
}

// tick runs one claim→execute→persist cycle and returns the number of
// tasks claimed, used by Start to choose between PollMsBusy/PollMsIdle.
func (e *Engine) tick(ctx context.Context) int {
	candidates, err := e.findRunnable(ctx)
	if err != nil {
		if e.log != nil {
			e.log.Warn("tick: findRunnable failed", "err", err)
		}
		return 0
	}

	claimed := make([]*model.Task, 0, e.cfg.Concurrency)
	for _, cand := range candidates {
		if len(claimed) >= e.cfg.Concurrency {
			break
		}
		task, ok := e.tryClaim(ctx, cand)
		if ok {
			claimed = append(claimed, task)
		}
	}

	e.metrics.recordClaim(e.cfg.WorkerID, len(claimed))
	if len(claimed) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, task := range claimed {
		wg.Add(1)
		go func(t *model.Task) {
			defer wg.Done()
			e.executeClaim(ctx, t)
		}(task)
	}
	wg.Wait()
	return len(claimed)
}

// findRunnable queries the persistence layer for the candidate batch,
// fetching up to max(concurrency*4, 20) rows to tolerate claim conflicts.
func (e *Engine) findRunnable(ctx context.Context) ([]*model.Task, error) {
	now := e.now()
	limit := e.cfg.Concurrency * 4
	if limit < 20 {
		limit = 20
	}

	cond := Or(
		Attr("status").Eq(model.StatusPending),
		And(Attr("status").Eq(model.StatusScheduled), Attr("scheduledTo").Lte(now)),
		And(Attr("status").Eq(model.StatusWaitingRetry), Attr("nextRunAt").Lte(now)),
		And(Attr("status").Eq(model.StatusRunning), Attr("leaseExpiry").Lte(now)),
	)

	return e.tasks.Select().Where(cond).OrderBy("createdAt", false).Limit(limit).Execute(ctx)
}

// tryClaim attempts to transition one candidate to RUNNING with a fresh
// lease via compare-and-set update. A conflict drops the candidate
// silently; the engine re-reads the latest version on a best-effort basis
// first to reduce lost updates from concurrent claimers, and drops the
// candidate when that version is no longer runnable (already claimed by a
// live lease, terminal, or not yet due).
func (e *Engine) tryClaim(ctx context.Context, candidate *model.Task) (*model.Task, bool) {
	latest := candidate
	if fresh, err := e.tasks.Read(ctx, candidate.ID); err == nil {
		latest = fresh
	}

	now := e.now()
	due := func(at *time.Time) bool { return at != nil && !at.After(now) }
	runnable := latest.Status == model.StatusPending ||
		(latest.Status == model.StatusScheduled && due(latest.ScheduledTo)) ||
		(latest.Status == model.StatusWaitingRetry && due(latest.NextRunAt)) ||
		(latest.Status == model.StatusRunning && due(latest.LeaseExpiry))
	if !runnable {
		return nil, false
	}
	expiry := now.Add(time.Duration(e.cfg.LeaseMs) * time.Millisecond)
	updated := latest.Clone()
	updated.Status = model.StatusRunning
	updated.LeaseOwner = e.cfg.WorkerID
	updated.LeaseExpiry = &expiry
	updated.ScheduledTo = nil
	updated.NextRunAt = nil
	updated.UpdatedAt = now
	updated.UpdatedBy = e.cfg.WorkerID

	stored, err := e.tasks.Update(ctx, updated)
	if err != nil {
		return nil, false
	}
	return stored, true
}

// executeClaim runs one claimed task end to end.
func (e *Engine) executeClaim(ctx context.Context, task *model.Task) {
	start := e.now()
	complete := core.StartObservation(ctx, e.hooks, map[string]string{
		"taskId":         task.ID,
		"classification": task.Classification,
	})
	e.pipeline.emit(ctx, task.ID, model.EventStatus, statusPayload{Status: model.StatusRunning})

	logger := NewTaskLogger(e.cfg.StreamBufferSize, e.cfg.MaxLoggingBuffer, e.cfg.LoggingBufferTruncation)
	tctx := NewContext(ctx, task.ID, task.Attempt,
		logger,
		func(c context.Context, data any) error {
			e.pipeline.emitProgress(c, task.ID, data)
			return nil
		},
		func(c context.Context) bool { return e.heartbeat(c, task) },
		func(entries []model.LogEntry) error {
			e.pipeline.appendLog(ctx, task, entries)
			e.pipeline.emitLog(ctx, task.ID, entries)
			return nil
		},
		nil,
	)

	var (
		output any
		runErr error
	)
	if task.Atomicity == model.Composite {
		output, runErr = e.runComposite(ctx, task, tctx)
	} else {
		handler, ok := e.registry.Get(task.Classification)
		if !ok {
			runErr = MissingHandlerError(task.Classification)
		} else {
			output, runErr = e.invokeHandler(ctx, handler, task.Classification, task.Input, task, tctx)
		}
	}

	elapsed := e.now().Sub(start)
	complete(runErr)

	if sc, ok := asStateChangeRequest(runErr); ok {
		e.applyStateChange(ctx, task, tctx, sc)
		e.metrics.recordTerminal(e.cfg.WorkerID, task.Classification, string(stateChangeStatus(sc)), elapsed)
		return
	}

	if runErr == nil {
		e.succeed(ctx, task, tctx, output)
		e.metrics.recordTerminal(e.cfg.WorkerID, task.Classification, string(model.StatusSucceeded), elapsed)
		return
	}
	e.fail(ctx, task, tctx, runErr)
	e.metrics.recordTerminal(e.cfg.WorkerID, task.Classification, string(failedOrRetryStatus(task)), elapsed)
}

// stateChangeStatus reports the terminal status a StateChangeRequest maps to,
// for metrics labeling only.
func stateChangeStatus(sc *StateChangeRequest) model.Status {
	switch sc.Kind {
	case StateChangeCancel:
		return model.StatusCanceled
	case StateChangeRetry:
		return model.StatusWaitingRetry
	case StateChangeReschedule:
		return model.StatusScheduled
	default:
		return model.StatusFailed
	}
}

// failedOrRetryStatus reports whether fail's ladder produced FAILED or
// WAITING_RETRY, for metrics labeling only; it re-derives the same
// attempt/maxAttempts comparison fail() makes.
func failedOrRetryStatus(task *model.Task) model.Status {
	if task.Attempt+1 < task.MaxAttempts {
		return model.StatusWaitingRetry
	}
	return model.StatusFailed
}

func asStateChangeRequest(err error) (*StateChangeRequest, bool) {
	sc, ok := err.(*StateChangeRequest)
	return sc, ok
}

// heartbeat extends the lease if the in-memory copy still believes it owns
// the claim; it best-effort re-reads the task to confirm the lease is
// still held by this worker.
func (e *Engine) heartbeat(ctx context.Context, task *model.Task) bool {
	fresh, err := e.tasks.Read(ctx, task.ID)
	if err != nil {
		fresh = task
	}
	if fresh.Status != model.StatusRunning || fresh.LeaseOwner != e.cfg.WorkerID {
		return false
	}
	expiry := e.now().Add(time.Duration(e.cfg.LeaseMs) * time.Millisecond)
	updated := fresh.Clone()
	updated.LeaseExpiry = &expiry
	updated.UpdatedAt = e.now()
	stored, err := e.tasks.Update(ctx, updated)
	if err != nil {
		return false
	}
	*task = *stored
	return true
}

// succeed applies the SUCCEEDED terminal transition.
func (e *Engine) succeed(ctx context.Context, task *model.Task, tctx *Context, output any) {
	updated := e.reReadOrFallback(ctx, task)
	updated.Status = model.StatusSucceeded
	updated.Output = output
	updated.Error = nil
	updated.LeaseOwner = ""
	updated.LeaseExpiry = nil
	updated.UpdatedAt = e.now()
	updated.UpdatedBy = e.cfg.WorkerID

	stored, err := e.tasks.Update(ctx, updated)
	if err != nil && e.log != nil {
		e.log.Warn("succeed: persist failed", "taskId", task.ID, "err", err)
		stored = updated
	}
	e.pipeline.emitStatus(ctx, tctx, stored, model.StatusSucceeded, output, nil)
}

// fail either schedules a retry or terminates the task as FAILED,
// depending on remaining attempts.
func (e *Engine) fail(ctx context.Context, task *model.Task, tctx *Context, runErr error) {
	updated := e.reReadOrFallback(ctx, task)
	rec := toErrorRecord(runErr)
	updated.Error = rec
	updated.LeaseOwner = ""
	updated.LeaseExpiry = nil
	updated.UpdatedAt = e.now()
	updated.UpdatedBy = e.cfg.WorkerID

	if updated.Attempt+1 < updated.MaxAttempts {
		updated.Attempt++
		updated.Status = model.StatusWaitingRetry
		delay := ComputeBackoffMs(updated.Attempt, updated.Backoff)
		next := e.now().Add(time.Duration(delay) * time.Millisecond)
		updated.NextRunAt = &next

		stored, err := e.tasks.Update(ctx, updated)
		if err != nil && e.log != nil {
			e.log.Warn("fail: persist failed", "taskId", task.ID, "err", err)
			stored = updated
		}
		if e.log != nil {
			e.log.Info("task scheduled for retry", "taskId", stored.ID, "attempt", stored.Attempt, "nextRunAt", next)
		}
		e.pipeline.emitStatus(ctx, tctx, stored, model.StatusWaitingRetry, nil, rec)
		return
	}

	updated.Attempt++
	updated.Status = model.StatusFailed
	stored, err := e.tasks.Update(ctx, updated)
	if err != nil && e.log != nil {
		e.log.Warn("fail: persist failed", "taskId", task.ID, "err", err)
		stored = updated
	}
	e.pipeline.emitStatus(ctx, tctx, stored, model.StatusFailed, nil, rec)
}

// applyStateChange bypasses the retry ladder per a handler-raised
// StateChangeRequest.
func (e *Engine) applyStateChange(ctx context.Context, task *model.Task, tctx *Context, sc *StateChangeRequest) {
	updated := e.reReadOrFallback(ctx, task)
	updated.LeaseOwner = ""
	updated.LeaseExpiry = nil
	updated.UpdatedAt = e.now()
	updated.UpdatedBy = e.cfg.WorkerID

	var status model.Status
	switch sc.Kind {
	case StateChangeCancel:
		status = model.StatusCanceled
		updated.NextRunAt = nil
		updated.ScheduledTo = nil
	case StateChangeRetry:
		status = model.StatusWaitingRetry
		delay := ComputeBackoffMs(updated.Attempt+1, updated.Backoff)
		next := e.now().Add(time.Duration(delay) * time.Millisecond)
		updated.NextRunAt = &next
		updated.Attempt++
	case StateChangeReschedule:
		status = model.StatusScheduled
		updated.ScheduledTo = sc.ScheduledTo
		updated.NextRunAt = nil
	default:
		status = model.StatusFailed
	}
	updated.Status = status
	if sc.Error != nil {
		updated.Error = sc.Error
	}

	stored, err := e.tasks.Update(ctx, updated)
	if err != nil && e.log != nil {
		e.log.Warn("applyStateChange: persist failed", "taskId", task.ID, "err", err)
		stored = updated
	}
	e.pipeline.emitStatus(ctx, tctx, stored, status, nil, toErrorRecord(sc.Error))
}

// reReadOrFallback best-effort re-reads task to pick up worker-side
// mutations (e.g. heartbeat-extended lease) before a terminal persist. It
// falls back to the in-memory copy on read error.
func (e *Engine) reReadOrFallback(ctx context.Context, task *model.Task) *model.Task {
	fresh, err := e.tasks.Read(ctx, task.ID)
	if err != nil {
		return task.Clone()
	}
	return fresh
}

// Push creates a new Task record in PENDING or SCHEDULED status.
// PushOptions configure attempts, backoff, composite steps, and
// scheduling, mirroring system/events/router.go's RequestOption pattern.
func (e *Engine) Push(ctx context.Context, classification string, input any, opts ...PushOption) (*model.Task, error) {
	now := e.now()
	t := &model.Task{
		ID:             newTaskID(),
		Classification: classification,
		Atomicity:      model.Atomic,
		Status:         model.StatusPending,
		Input:          input,
		MaxAttempts:    3,
		Backoff:        model.DefaultBackoff,
		LogTailMax:     e.cfg.LogTailMax,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.ScheduledTo != nil {
		t.Status = model.StatusScheduled
	}
	if len(t.Steps) > 0 {
		t.Atomicity = model.Composite
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return e.tasks.Create(ctx, t)
}

// Cancel transitions a non-terminal task directly to CANCELED.
func (e *Engine) Cancel(ctx context.Context, id string) (*model.Task, error) {
	task, err := e.tasks.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}
	updated := task.Clone()
	updated.Status = model.StatusCanceled
	updated.Error = &model.ErrorRecord{Message: fmt.Sprintf("Task %s canceled", id), Code: 400}
	updated.LeaseOwner = ""
	updated.LeaseExpiry = nil
	updated.NextRunAt = nil
	updated.ScheduledTo = nil
	updated.UpdatedAt = e.now()
	updated.UpdatedBy = e.cfg.WorkerID

	stored, err := e.tasks.Update(ctx, updated)
	if err != nil {
		return nil, err
	}
	e.pipeline.emitStatus(ctx, nil, stored, model.StatusCanceled, nil, stored.Error)
	return stored, nil
}

// EngineStats reports operational counters for diagnostics, grounded on
// system/events/router.go's RouterStats.
type EngineStats struct {
	Running         bool
	HandlerCount    int
	Classifications []string
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	return EngineStats{
		Running:         running,
		HandlerCount:    len(e.registry.Classifications()),
		Classifications: e.registry.Classifications(),
	}
}

// newTaskID generates an opaque unique task id.
func newTaskID() string {
	return "task_" + uuid.NewString()
}
