package memory

import (
	"context"
	"sort"
	"sync"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
	te "github.com/R3E-Network/taskengine/internal/app/taskengine"
)

// EventStore is a concurrency-safe in-memory EventRepository. Events are
// append-only: Update and DeleteAll exist only to satisfy the Repository
// contract and are not exercised by the engine itself.
type EventStore struct {
	mu     sync.RWMutex
	events map[string]*model.Event
}

// NewEventStore creates an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string]*model.Event)}
}

var _ te.EventRepository = (*EventStore)(nil)

func (s *EventStore) Create(_ context.Context, m *model.Event) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.Key()
	if _, exists := s.events[key]; exists {
		return nil, te.ConflictError(key)
	}
	copied := m
	s.events[key] = copied
	return copied, nil
}

func (s *EventStore) Read(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, te.NotFoundError(id)
	}
	return e, nil
}

func (s *EventStore) Update(_ context.Context, m *model.Event) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.Key()
	s.events[key] = m
	return m, nil
}

func (s *EventStore) DeleteAll(_ context.Context, ids []string) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*model.Event
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			removed = append(removed, e)
			delete(s.events, id)
		}
	}
	return removed, nil
}

func (s *EventStore) Select() te.Query[*model.Event] {
	return &eventQuery{store: s}
}

type eventQuery struct {
	store *EventStore
	conds []te.Condition
	limit int
}

func (q *eventQuery) Where(cond te.Condition) te.Query[*model.Event] {
	q.conds = append(q.conds, cond)
	return q
}

func (q *eventQuery) OrderBy(_ string, _ bool) te.Query[*model.Event] { return q }

func (q *eventQuery) Limit(n int) te.Query[*model.Event] {
	q.limit = n
	return q
}

func (q *eventQuery) Execute(_ context.Context) ([]*model.Event, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	var out []*model.Event
	for _, e := range q.store.events {
		if matchesAllEvent(e, q.conds) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out, nil
}

func matchesAllEvent(e *model.Event, conds []te.Condition) bool {
	for _, c := range conds {
		if c.Attr == "taskId" {
			if !compareEq(c.Op, e.TaskID, c.Value) {
				return false
			}
			continue
		}
		if c.Attr == "classification" {
			if !compareEq(c.Op, e.Classification, c.Value) {
				return false
			}
			continue
		}
	}
	return true
}
