package taskengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// job is dispatched to a pool worker, the Go analogue of a main-to-worker
// `{type: execute, job}` message. There is no process/thread boundary to
// serialize across (Go goroutines share memory), so the message collapses
// to a typed struct passed over a channel, the same simplification the
// teacher's own worker-thread analogue (system/events/dispatcher.go's
// eventQueue) makes for its queue of *ContractEvent.
type job struct {
	id             string
	classification string
	input          any
	task           *model.Task
	tctx           *Context
	resultCh       chan jobResult
}

type jobResult struct {
	output any
	err    error
	cache  map[string]any
}

// WorkerPoolConfig configures the optional off-main execution pool.
type WorkerPoolConfig struct {
	// Size is the number of concurrent workers; defaults to Engine
	// concurrency when zero.
	Size int
	// Capacity is the max in-flight jobs per worker before it is no longer
	// eligible for new dispatch.
	Capacity int
}

// workerPool dispatches handler execution to a fixed set of goroutine
// workers, each processing jobs from its own buffered channel. No OS-level
// worker_threads exist in Go, and goroutines already provide
// isolation-by-convention (no shared mutable task state outside the
// Context), so "worker" here means "a dedicated goroutine with its own
// bounded job queue" rather than a separate process.
type workerPool struct {
	registry *Registry
	log      Logger

	mu      sync.Mutex
	workers []*poolWorker
	queue   []*job
	closed  bool
	wg      sync.WaitGroup
}

type poolWorker struct {
	id         string
	capacity   int
	activeJobs int
	jobs       chan *job
	done       chan struct{}
}

// newWorkerPool spawns size workers, each capable of capacity concurrent
// jobs.
func newWorkerPool(registry *Registry, log Logger, size, capacity int) *workerPool {
	if size <= 0 {
		size = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	p := &workerPool{registry: registry, log: log}
	for i := 0; i < size; i++ {
		w := &poolWorker{
			id:       fmt.Sprintf("worker-%d", i+1),
			capacity: capacity,
			jobs:     make(chan *job, capacity),
			done:     make(chan struct{}),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(w)
	}
	return p
}

// run is the worker loop: every job it receives is executed inline in this
// goroutine (ready-for-dispatch is therefore implicit — a worker only reads
// from its channel once its prior job has resolved).
func (p *workerPool) run(w *poolWorker) {
	defer p.wg.Done()
	defer close(w.done)
	for j := range w.jobs {
		p.execute(w, j)
	}
}

func (p *workerPool) execute(w *poolWorker, j *job) {
	defer func() {
		if r := recover(); r != nil {
			// A panicking handler still reports through the job result
			// channel, with a WorkerTerminationError, so the caller's
			// invokeHandler never blocks forever.
			j.resultCh <- jobResult{err: WorkerTerminationError(w.id, fmt.Errorf("handler panic: %v", r))}
		}
	}()

	handler, ok := p.registry.Get(j.classification)
	if !ok {
		j.resultCh <- jobResult{err: MissingHandlerError(j.classification)}
		return
	}
	output, err := handler.Run(j.tctx, j.input)
	j.resultCh <- jobResult{output: output, err: err, cache: j.tctx.ResultCache()}
}

// leastLoaded picks the ready worker with the fewest active jobs under
// capacity.
func (p *workerPool) leastLoaded() *poolWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *poolWorker
	for _, w := range p.workers {
		if w.activeJobs >= w.capacity {
			continue
		}
		if best == nil || w.activeJobs < best.activeJobs {
			best = w
		}
	}
	return best
}

// dispatch enqueues j onto the least-loaded eligible worker, blocking (by
// buffered-channel backpressure) only as long as every worker is at
// capacity. It returns the job's result once the worker finishes.
func (p *workerPool) dispatch(ctx context.Context, j *job) (any, error, map[string]any) {
	w := p.leastLoaded()
	if w == nil {
		// All workers saturated: fall back to the first worker's queue,
		// which will backpressure via its buffered channel.
		w = p.workers[0]
	}

	p.mu.Lock()
	w.activeJobs++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		w.activeJobs--
		p.mu.Unlock()
	}()

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err(), nil
	}

	select {
	case res := <-j.resultCh:
		return res.output, res.err, res.cache
	case <-ctx.Done():
		return nil, ctx.Err(), nil
	}
}

// invokeHandler either runs the handler inline (no pool configured) or
// enqueues a job on the pool. The task and tctx are threaded through so
// the worker sees the same cache and lease-aware heartbeat/progress sinks
// as an inline execution would.
func (e *Engine) invokeHandler(ctx context.Context, handler Handler, classification string, input any, task *model.Task, tctx *Context) (any, error) {
	if e.pool == nil {
		return handler.Run(tctx, input)
	}
	if e.metrics != nil {
		e.metrics.WorkerPoolQueueDepth.Inc()
		defer e.metrics.WorkerPoolQueueDepth.Dec()
	}
	j := &job{
		id:             uuid.NewString(),
		classification: classification,
		input:          input,
		task:           task,
		tctx:           tctx,
		resultCh:       make(chan jobResult, 1),
	}
	output, err, cache := e.pool.dispatch(ctx, j)
	if cache != nil {
		tctx.LoadResultCache(cache)
	}
	return output, err
}

// shutdown closes every worker's queue and waits for in-flight jobs
// to drain, aggregating any errors with go-multierror the way
// infrastructure/ aggregates multi-source failures elsewhere in this
// tree. This is
// the engine's guaranteed-release path for pool resources.
func (p *workerPool) shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.jobs)
	}
	p.mu.Unlock()

	p.wg.Wait()

	var result *multierror.Error
	for _, w := range p.workers {
		select {
		case <-w.done:
		default:
			result = multierror.Append(result, fmt.Errorf("worker %s did not signal done", w.id))
		}
	}
	return result.ErrorOrNil()
}
