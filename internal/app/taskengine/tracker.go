package taskengine

import (
	"context"
	"sync"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// StatusHandler is invoked once when a Tracker observes the given status.
type StatusHandler func(task *model.Task)

// Tracker is a client-side observer attached to a specific task id. It is
// not a Go "promise" (Go has none) but exposes the same resolve/wait/onX
// shape via blocking methods and channels, the idiomatic substitute for
// task-based concurrency.
type Tracker struct {
	mu   sync.Mutex
	task *model.Task
	sub  Subscription
	bus  *Bus

	settleOnce sync.Once
	settleCh   chan struct{}
	result     error // nil on SUCCEEDED

	onSucceed StatusHandler
	onFailure StatusHandler
	onCancel  StatusHandler
}

// NewTracker subscribes to bus for events belonging to task.ID and mirrors
// incoming STATUS payload fields onto a local copy of task, resolving
// immediately if the task already holds a terminal (or SCHEDULED) status.
func NewTracker(bus *Bus, task *model.Task) *Tracker {
	t := &Tracker{
		task:     task.Clone(),
		bus:      bus,
		settleCh: make(chan struct{}),
	}
	t.sub = bus.Subscribe(ObserverFunc(t.refresh), ByTaskID(task.ID))
	if t.task.Status.Terminal() || t.task.Status == model.StatusScheduled {
		t.settle(t.task.Status)
	}
	return t
}

// refresh is the Tracker's internal pipe: it mirrors
// status/output/error/nextRunAt/scheduledTo from incoming STATUS payloads.
func (t *Tracker) refresh(_ context.Context, evt model.Event) {
	if evt.Classification != model.EventStatus {
		return
	}
	payload, ok := evt.Payload.(statusPayload)
	if !ok {
		return
	}

	t.mu.Lock()
	t.task.Status = payload.Status
	if payload.Output != nil {
		t.task.Output = payload.Output
	}
	if rec, ok := payload.Error.(*model.ErrorRecord); ok {
		t.task.Error = rec
	}
	t.task.NextRunAt = payload.NextRunAt
	t.task.ScheduledTo = payload.ScheduledTo
	status := t.task.Status
	task := t.task.Clone()
	t.mu.Unlock()

	switch status {
	case model.StatusSucceeded:
		if t.onSucceed != nil {
			t.onSucceed(task)
		}
	case model.StatusFailed:
		if t.onFailure != nil {
			t.onFailure(task)
		}
	case model.StatusCanceled:
		if t.onCancel != nil {
			t.onCancel(task)
		}
	}

	if status.Terminal() || status == model.StatusScheduled {
		t.settle(status)
	}
}

func (t *Tracker) settle(status model.Status) {
	t.settleOnce.Do(func() {
		t.result = t.controlErrorFor(status)
		close(t.settleCh)
	})
}

func (t *Tracker) controlErrorFor(status model.Status) error {
	t.mu.Lock()
	task := t.task.Clone()
	t.mu.Unlock()

	switch status {
	case model.StatusSucceeded:
		return nil
	case model.StatusFailed:
		return &TaskFailError{newControlError(task.ID, status, nil, errString(task.Error))}
	case model.StatusCanceled:
		return &TaskCancelError{newControlError(task.ID, status, nil, errString(task.Error))}
	case model.StatusWaitingRetry:
		meta := map[string]any{"nextRunAt": task.NextRunAt}
		return &TaskRetryError{newControlError(task.ID, status, meta, errString(task.Error))}
	case model.StatusScheduled:
		meta := map[string]any{"scheduledTo": task.ScheduledTo}
		return &TaskRescheduleError{newControlError(task.ID, status, meta, "")}
	default:
		return nil
	}
}

func errString(rec *model.ErrorRecord) string {
	if rec == nil {
		return ""
	}
	return rec.Message
}

// Resolve settles on the first of {SUCCEEDED, FAILED, CANCELED, SCHEDULED}.
// SUCCEEDED resolves with (output, nil); the others return a typed control
// error.
func (t *Tracker) Resolve(ctx context.Context) (any, error) {
	select {
	case <-t.settleCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return t.task.Output, nil
	}
	return nil, t.result
}

// Wait is like Resolve but ignores SCHEDULED and WAITING_RETRY, settling
// only on true terminal statuses. Resolve and Wait deliberately differ on
// SCHEDULED (see DESIGN.md); this implementation keeps both variants
// rather than unifying them.
func (t *Tracker) Wait(ctx context.Context) (any, error) {
	for {
		select {
		case <-t.settleCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		t.mu.Lock()
		status := t.task.Status
		t.mu.Unlock()
		if status.Terminal() {
			if t.result == nil {
				t.mu.Lock()
				out := t.task.Output
				t.mu.Unlock()
				return out, nil
			}
			return nil, t.result
		}
		// Settled on a non-terminal status (SCHEDULED or, after a future
		// resettle, WAITING_RETRY): reset and keep waiting for the real
		// terminal status.
		t.resetForWait()
	}
}

// resetForWait rearms the settle gate after Wait ignores a non-terminal
// settlement, so a subsequent terminal STATUS event can settle it again.
func (t *Tracker) resetForWait() {
	t.mu.Lock()
	t.settleCh = make(chan struct{})
	t.settleOnce = sync.Once{}
	t.mu.Unlock()
}

// OnSucceed registers h, invoked once when SUCCEEDED is observed, or
// immediately if the task already holds it.
func (t *Tracker) OnSucceed(h StatusHandler) {
	t.mu.Lock()
	t.onSucceed = h
	status := t.task.Status
	task := t.task.Clone()
	t.mu.Unlock()
	if status == model.StatusSucceeded {
		h(task)
	}
}

// OnFailure registers h, invoked once when FAILED is observed, or
// immediately if the task already holds it.
func (t *Tracker) OnFailure(h StatusHandler) {
	t.mu.Lock()
	t.onFailure = h
	status := t.task.Status
	task := t.task.Clone()
	t.mu.Unlock()
	if status == model.StatusFailed {
		h(task)
	}
}

// OnCancel registers h, invoked once when CANCELED is observed, or
// immediately if the task already holds it.
func (t *Tracker) OnCancel(h StatusHandler) {
	t.mu.Lock()
	t.onCancel = h
	status := t.task.Status
	task := t.task.Clone()
	t.mu.Unlock()
	if status == model.StatusCanceled {
		h(task)
	}
}

// Close unsubscribes the Tracker from the bus. Safe to call more than once.
func (t *Tracker) Close() { t.sub.Unsubscribe() }

// Task returns the Tracker's current local copy of the task.
func (t *Tracker) Task() *model.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task.Clone()
}
