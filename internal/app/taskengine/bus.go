package taskengine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// Observer receives events the Bus delivers to it. Refresh mirrors the
// client-side Tracker's internal pipe but is the general shape any bus
// subscriber implements.
type Observer interface {
	Refresh(ctx context.Context, evt model.Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ctx context.Context, evt model.Event)

func (f ObserverFunc) Refresh(ctx context.Context, evt model.Event) { f(ctx, evt) }

// Filter decides whether an Observer should receive a given event. A nil
// Filter matches everything.
type Filter func(evt model.Event) bool

// Bus is the in-process publish/subscribe surface for task events: fan-out
// with per-observer failure isolation and no cross-task ordering guarantee.
// Grounded on system/events/dispatcher.go's handlers-map-plus-filter shape,
// simplified from a queued/worker dispatcher to direct synchronous fan-out
// since the engine itself already runs each emit call from a suspension
// point and needs emission-order delivery within one execution.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        uint64
	log           Logger
}

type subscription struct {
	id       uint64
	observer Observer
	filter   Filter
}

// NewBus creates an empty Bus. log may be nil; in that case observer panics
// are still isolated but not reported anywhere.
func NewBus(log Logger) *Bus {
	return &Bus{subscriptions: make(map[uint64]*subscription), log: log}
}

// Subscription is an opaque handle returned by Subscribe, passed to
// Unsubscribe. Unsubscription is idempotent.
type Subscription struct {
	id  uint64
	bus *Bus
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
}

var subIDCounter uint64

// Subscribe registers observer to receive events matching filter (nil
// filter matches all events).
func (b *Bus) Subscribe(observer Observer, filter Filter) Subscription {
	id := atomic.AddUint64(&subIDCounter, 1)
	b.mu.Lock()
	b.subscriptions[id] = &subscription{id: id, observer: observer, filter: filter}
	b.mu.Unlock()
	return Subscription{id: id, bus: b}
}

// Emit delivers evt to every subscriber whose filter matches, in
// subscription order. An observer panic or the observer simply being slow
// does not stop delivery to its peers: failures are isolated and logged,
// not propagated.
func (b *Bus) Emit(ctx context.Context, evt model.Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, s := range subs {
		if s.filter != nil && !s.filter(evt) {
			continue
		}
		b.deliver(ctx, s, evt)
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscription, evt model.Event) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Error("bus observer panicked", "recover", r, "taskId", evt.TaskID)
		}
	}()
	s.observer.Refresh(ctx, evt)
}

// ByTaskID returns a Filter matching events whose TaskID equals id, the
// filter used by Tracker to scope itself to a single task.
func ByTaskID(id string) Filter {
	return func(evt model.Event) bool { return evt.TaskID == id }
}
