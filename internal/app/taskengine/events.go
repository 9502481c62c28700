package taskengine

import (
	"context"
	"time"

	"github.com/google/uuid"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// eventPipeline is the durable event + log-tail persistence surface. It is
// owned by the Engine and threaded into every Context it constructs.
type eventPipeline struct {
	events EventRepository
	tasks  TaskRepository
	bus    *Bus
	log    Logger
}

// appendLog concatenates entries onto task.LogTail, truncates to the most
// recent logTailMax, and persists. Persistence failure is swallowed: the
// log tail is best-effort telemetry, not authoritative.
func (p *eventPipeline) appendLog(ctx context.Context, task *model.Task, entries []model.LogEntry) {
	if len(entries) == 0 {
		return
	}
	task.AppendLogTail(entries)
	stored, err := p.tasks.Update(ctx, task)
	if err != nil {
		if p.log != nil {
			p.log.Warn("appendLog: best-effort task update failed", "taskId", task.ID, "err", err)
		}
		return
	}
	task.Version = stored.Version
}

// emit persists and publishes a single event of the given classification.
func (p *eventPipeline) emit(ctx context.Context, taskID string, class model.EventClassification, payload any) model.Event {
	evt := &model.Event{
		TaskID:         taskID,
		Classification: class,
		UUID:           uuid.NewString(),
		Ts:             time.Now(),
		Payload:        payload,
	}
	stored, err := p.events.Create(ctx, evt)
	if err != nil && p.log != nil {
		p.log.Warn("emit: event persistence failed", "taskId", taskID, "class", class, "err", err)
	}
	if stored == nil {
		stored = evt
	}
	if p.bus != nil {
		p.bus.Emit(ctx, *stored)
	}
	return *stored
}

// emitLog persists a LOG event.
func (p *eventPipeline) emitLog(ctx context.Context, taskID string, entries []model.LogEntry) model.Event {
	return p.emit(ctx, taskID, model.EventLog, entries)
}

// emitProgress persists a PROGRESS event.
func (p *eventPipeline) emitProgress(ctx context.Context, taskID string, data any) model.Event {
	return p.emit(ctx, taskID, model.EventProgress, data)
}

// statusPayload is the STATUS payload shape used throughout the engine's own
// emissions (PROGRESS events carry a plain map). NextRunAt/ScheduledTo are carried so a Tracker's
// refresh can mirror them without re-reading the task from storage.
type statusPayload struct {
	Status      Status     `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       any        `json:"error,omitempty"`
	NextRunAt   *time.Time `json:"nextRunAt,omitempty"`
	ScheduledTo *time.Time `json:"scheduledTo,omitempty"`
}

// Status is a re-export of model.Status so call sites inside this package
// can write Status(...) without qualifying the domain package everywhere.
type Status = model.Status

// emitStatus flushes the context logger first so LOG events precede the
// STATUS event they belong to, then persists and publishes the STATUS
// event. nextRunAt/scheduledTo are taken from the just-persisted task so a
// Tracker observing WAITING_RETRY or SCHEDULED can mirror them without a
// separate read.
func (p *eventPipeline) emitStatus(ctx context.Context, tctx *Context, task *model.Task, status Status, output any, errPayload any) model.Event {
	if tctx != nil {
		_ = tctx.Flush()
	}
	return p.emit(ctx, task.ID, model.EventStatus, statusPayload{
		Status:      status,
		Output:      output,
		Error:       errPayload,
		NextRunAt:   task.NextRunAt,
		ScheduledTo: task.ScheduledTo,
	})
}
