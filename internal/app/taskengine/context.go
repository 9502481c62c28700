package taskengine

import (
	"context"
	"sync"
	"time"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// HeartbeatFunc extends the calling execution's lease if it still owns the
// claim; it returns false when the lease has already been lost.
type HeartbeatFunc func(ctx context.Context) bool

// ProgressFunc emits a PROGRESS event carrying data.
type ProgressFunc func(ctx context.Context, data any) error

// Context is the scoped, read-mostly handle passed to every Handler.Run
// call. It is created anew per execution attempt and carries no
// cross-attempt state beyond what it reads from the Task record at
// construction: an explicit parameter, not hidden global state.
type Context struct {
	ctx     context.Context
	TaskID  string
	Attempt int

	Logger *TaskLogger

	progress  ProgressFunc
	heartbeat HeartbeatFunc
	pipe      PipeFunc

	cacheMu sync.RWMutex
	cache   map[string]any

	parent *Context
}

// NewContext constructs a Context for one execution attempt.
func NewContext(ctx context.Context, taskID string, attempt int, logger *TaskLogger, progress ProgressFunc, heartbeat HeartbeatFunc, pipe PipeFunc, parent *Context) *Context {
	return &Context{
		ctx:       ctx,
		TaskID:    taskID,
		Attempt:   attempt,
		Logger:    logger,
		progress:  progress,
		heartbeat: heartbeat,
		pipe:      pipe,
		cache:     make(map[string]any),
		parent:    parent,
	}
}

// Deadline, Done, Err, Value implement context.Context by delegating to the
// wrapped context, so a Context can itself be passed anywhere a
// context.Context is expected.
func (c *Context) Deadline() (time.Time, bool) { return c.ctx.Deadline() }
func (c *Context) Done() <-chan struct{}       { return c.ctx.Done() }
func (c *Context) Err() error                  { return c.ctx.Err() }
func (c *Context) Value(key any) any           { return c.ctx.Value(key) }

// Progress emits a PROGRESS event through the engine's event pipeline.
func (c *Context) Progress(data any) error {
	if c.progress == nil {
		return nil
	}
	return c.progress(c.ctx, data)
}

// Heartbeat extends the owning lease if the caller still owns the claim.
func (c *Context) Heartbeat() bool {
	if c.heartbeat == nil {
		return true
	}
	return c.heartbeat(c.ctx)
}

// Pipe appends a batch of log entries to persistence and emits a LOG event.
func (c *Context) Pipe(entries []model.LogEntry) error {
	if c.pipe == nil {
		return nil
	}
	return c.pipe(entries)
}

// Flush drains the logger through Pipe.
func (c *Context) Flush() error {
	if c.Logger == nil {
		return nil
	}
	return c.Logger.Flush(c.Pipe)
}

// Log appends a log entry and flushes automatically once the soft threshold
// (streamBufferSize) is reached.
func (c *Context) Log(level, msg string, meta map[string]any) {
	if c.Logger == nil {
		return
	}
	if should := c.Logger.Log(level, msg, meta); should {
		_ = c.Flush()
	}
}

// CacheResult stores value under key in the in-memory result cache shared
// between composite steps within one execution.
func (c *Context) CacheResult(key string, value any) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[key] = value
}

// CachedResult retrieves a previously cached value.
func (c *Context) CachedResult(key string) (any, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	v, ok := c.cache[key]
	return v, ok
}

// ResultCache returns a snapshot of the cache, used by the worker pool to
// propagate a worker's final cache state back into the main process.
func (c *Context) ResultCache() map[string]any {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	out := make(map[string]any, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// LoadResultCache replaces the cache wholesale, used when replaying a
// worker's returned cache snapshot.
func (c *Context) LoadResultCache(snapshot map[string]any) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		c.cache[k] = v
	}
}
