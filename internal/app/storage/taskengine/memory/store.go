// Package memory is an in-memory implementation of the task engine's
// persistence contract, intended for tests and local development — the
// teacher's own pkg/storage/memory.Store fills exactly
// this role for its domain stores, down to the map-plus-RWMutex shape.
package memory

import (
	"context"
	"sort"
	"sync"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
	te "github.com/R3E-Network/taskengine/internal/app/taskengine"
)

// TaskStore is a concurrency-safe in-memory TaskRepository.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
}

// NewTaskStore creates an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*model.Task)}
}

var _ te.TaskRepository = (*TaskStore)(nil)

func (s *TaskStore) Create(_ context.Context, m *model.Task) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[m.ID]; exists {
		return nil, te.ConflictError(m.ID)
	}
	stored := m.Clone()
	stored.Version = 0
	s.tasks[m.ID] = stored
	return stored.Clone(), nil
}

func (s *TaskStore) Read(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, te.NotFoundError(id)
	}
	return t.Clone(), nil
}

// Update performs an optimistic compare-and-set keyed on Version: the write
// is accepted only if m.Version still matches the row currently stored,
// proving the caller last read that exact row and nothing has written over
// it since. On acceptance the stored row's Version is bumped by one, so a
// second writer racing from the same stale read (same observed Version)
// always loses once the first writer's Update has gone through, even if
// both stamp the same or an out-of-order UpdatedAt.
func (s *TaskStore) Update(_ context.Context, m *model.Task) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[m.ID]
	if !ok {
		return nil, te.NotFoundError(m.ID)
	}
	if existing.Version != m.Version {
		return nil, te.ConflictError(m.ID)
	}
	stored := m.Clone()
	stored.Version = existing.Version + 1
	s.tasks[m.ID] = stored
	return stored.Clone(), nil
}

func (s *TaskStore) DeleteAll(_ context.Context, ids []string) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*model.Task
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			removed = append(removed, t.Clone())
			delete(s.tasks, id)
		}
	}
	return removed, nil
}

func (s *TaskStore) Select() te.Query[*model.Task] {
	return &taskQuery{store: s}
}

type taskQuery struct {
	store *TaskStore
	conds []te.Condition
	sortField string
	sortDesc  bool
	limit     int
}

func (q *taskQuery) Where(cond te.Condition) te.Query[*model.Task] {
	q.conds = append(q.conds, cond)
	return q
}

func (q *taskQuery) OrderBy(field string, desc bool) te.Query[*model.Task] {
	q.sortField = field
	q.sortDesc = desc
	return q
}

func (q *taskQuery) Limit(n int) te.Query[*model.Task] {
	q.limit = n
	return q
}

func (q *taskQuery) Execute(_ context.Context) ([]*model.Task, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()

	var out []*model.Task
	for _, t := range q.store.tasks {
		if matchesAll(t, q.conds) {
			out = append(out, t.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		less := out[i].CreatedAt.Before(out[j].CreatedAt)
		if q.sortDesc {
			return !less
		}
		return less
	})

	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out, nil
}

func matchesAll(t *model.Task, conds []te.Condition) bool {
	for _, c := range conds {
		if !evalCondition(t, c) {
			return false
		}
	}
	return true
}

// evalCondition interprets the Condition tree against a Task in memory,
// standing in for the SQL WHERE clause the postgres backend builds instead.
func evalCondition(t *model.Task, c te.Condition) bool {
	switch c.Op {
	case te.OpAnd:
		for _, child := range c.Children {
			if !evalCondition(t, child) {
				return false
			}
		}
		return true
	case te.OpOr:
		for _, child := range c.Children {
			if evalCondition(t, child) {
				return true
			}
		}
		return len(c.Children) == 0
	case te.OpNot:
		return !evalCondition(t, c.Children[0])
	}

	field, ok := taskField(t, c.Attr)
	if !ok {
		return false
	}
	return compare(c.Op, field, c.Value)
}

func taskField(t *model.Task, attr string) (any, bool) {
	switch attr {
	case "status":
		return t.Status, true
	case "scheduledTo":
		return t.ScheduledTo, true
	case "nextRunAt":
		return t.NextRunAt, true
	case "leaseExpiry":
		return t.LeaseExpiry, true
	case "createdAt":
		return t.CreatedAt, true
	default:
		return nil, false
	}
}
