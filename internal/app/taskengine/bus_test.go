package taskengine

import (
	"context"
	"testing"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

func TestBusEmitDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe(ObserverFunc(func(ctx context.Context, evt model.Event) {
			order = append(order, i)
		}), nil)
	}

	bus.Emit(context.Background(), model.Event{TaskID: "t1"})

	for i, got := range order {
		if got != i {
			t.Fatalf("expected delivery order 0..4, got %v", order)
		}
	}
}

func TestBusEmitFiltersByTaskID(t *testing.T) {
	bus := NewBus(nil)
	var received []string
	bus.Subscribe(ObserverFunc(func(ctx context.Context, evt model.Event) {
		received = append(received, evt.TaskID)
	}), ByTaskID("task-a"))

	bus.Emit(context.Background(), model.Event{TaskID: "task-b"})
	bus.Emit(context.Background(), model.Event{TaskID: "task-a"})

	if len(received) != 1 || received[0] != "task-a" {
		t.Fatalf("expected only task-a delivered, got %v", received)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	count := 0
	sub := bus.Subscribe(ObserverFunc(func(ctx context.Context, evt model.Event) {
		count++
	}), nil)

	bus.Emit(context.Background(), model.Event{TaskID: "t1"})
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	bus.Emit(context.Background(), model.Event{TaskID: "t1"})

	if count != 1 {
		t.Fatalf("expected exactly one delivery before unsubscribe, got %d", count)
	}
}

func TestBusEmitIsolatesObserverPanics(t *testing.T) {
	bus := NewBus(nil)
	secondRan := false
	bus.Subscribe(ObserverFunc(func(ctx context.Context, evt model.Event) {
		panic("boom")
	}), nil)
	bus.Subscribe(ObserverFunc(func(ctx context.Context, evt model.Event) {
		secondRan = true
	}), nil)

	bus.Emit(context.Background(), model.Event{TaskID: "t1"})

	if !secondRan {
		t.Fatalf("expected second observer to run despite first panicking")
	}
}
