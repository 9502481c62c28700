package taskengine

import (
	"context"
	"testing"
	"time"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

func emitStatusEvent(bus *Bus, taskID string, status model.Status) {
	bus.Emit(context.Background(), model.Event{
		TaskID:         taskID,
		Classification: model.EventStatus,
		Payload:        statusPayload{Status: status},
	})
}

func emitStatusEventWithPayload(bus *Bus, taskID string, payload statusPayload) {
	bus.Emit(context.Background(), model.Event{
		TaskID:         taskID,
		Classification: model.EventStatus,
		Payload:        payload,
	})
}

func TestTrackerResolveSettlesOnScheduled(t *testing.T) {
	bus := NewBus(nil)
	task := &model.Task{ID: "t1", Status: model.StatusPending}
	tr := NewTracker(bus, task)
	defer tr.Close()

	done := make(chan struct{})
	var resolveErr error
	go func() {
		_, resolveErr = tr.Resolve(context.Background())
		close(done)
	}()

	emitStatusEvent(bus, "t1", model.StatusScheduled)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Resolve did not settle on SCHEDULED")
	}
	if _, ok := resolveErr.(*TaskRescheduleError); !ok {
		t.Fatalf("expected TaskRescheduleError, got %v (%T)", resolveErr, resolveErr)
	}
}

func TestTrackerWaitIgnoresScheduledAndSettlesOnTerminal(t *testing.T) {
	bus := NewBus(nil)
	task := &model.Task{ID: "t1", Status: model.StatusPending}
	tr := NewTracker(bus, task)
	defer tr.Close()

	done := make(chan struct{})
	var waitErr error
	var waitOutput any
	go func() {
		waitOutput, waitErr = tr.Wait(context.Background())
		close(done)
	}()

	emitStatusEvent(bus, "t1", model.StatusScheduled)

	select {
	case <-done:
		t.Fatalf("Wait settled on SCHEDULED, but it should ignore non-terminal statuses")
	case <-time.After(50 * time.Millisecond):
	}

	emitStatusEvent(bus, "t1", model.StatusSucceeded)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not settle on SUCCEEDED")
	}
	if waitErr != nil {
		t.Fatalf("expected nil error on SUCCEEDED, got %v", waitErr)
	}
	_ = waitOutput
}

func TestTrackerResolveSettlesImmediatelyIfAlreadyTerminal(t *testing.T) {
	bus := NewBus(nil)
	task := &model.Task{ID: "t1", Status: model.StatusFailed, Error: &model.ErrorRecord{Message: "boom"}}
	tr := NewTracker(bus, task)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Resolve(ctx)
	if _, ok := err.(*TaskFailError); !ok {
		t.Fatalf("expected TaskFailError, got %v (%T)", err, err)
	}
}

func TestTrackerOnSucceedFiresImmediatelyIfAlreadySettled(t *testing.T) {
	bus := NewBus(nil)
	task := &model.Task{ID: "t1", Status: model.StatusSucceeded, Output: "done"}
	tr := NewTracker(bus, task)
	defer tr.Close()

	var got *model.Task
	tr.OnSucceed(func(task *model.Task) { got = task })
	if got == nil || got.Output != "done" {
		t.Fatalf("expected OnSucceed to fire immediately with the already-succeeded task")
	}
}

func TestTrackerRefreshMirrorsNextRunAtFromPayload(t *testing.T) {
	bus := NewBus(nil)
	task := &model.Task{ID: "t1", Status: model.StatusPending}
	tr := NewTracker(bus, task)
	defer tr.Close()

	next := time.Now().Add(5 * time.Second)
	emitStatusEventWithPayload(bus, "t1", statusPayload{Status: model.StatusWaitingRetry, NextRunAt: &next})

	// refresh runs synchronously from Bus.Emit, so by the time Emit returns
	// the mirrored copy already reflects the WAITING_RETRY payload.
	retryErr, ok := tr.controlErrorFor(model.StatusWaitingRetry).(*TaskRetryError)
	if !ok {
		t.Fatalf("expected TaskRetryError, got %T", tr.controlErrorFor(model.StatusWaitingRetry))
	}
	got, ok := retryErr.Meta["nextRunAt"].(*time.Time)
	if !ok || got == nil || !got.Equal(next) {
		t.Fatalf("expected meta nextRunAt %v mirrored from the event payload, got %v", next, retryErr.Meta["nextRunAt"])
	}
}

func TestTrackerOnFailureFiresOnEvent(t *testing.T) {
	bus := NewBus(nil)
	task := &model.Task{ID: "t1", Status: model.StatusPending}
	tr := NewTracker(bus, task)
	defer tr.Close()

	fired := make(chan *model.Task, 1)
	tr.OnFailure(func(task *model.Task) { fired <- task })

	emitStatusEvent(bus, "t1", model.StatusFailed)

	select {
	case got := <-fired:
		if got.Status != model.StatusFailed {
			t.Fatalf("expected delivered task to be FAILED, got %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnFailure callback was never invoked")
	}
}
