package taskengine

import (
	"context"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// Repository is the persistence contract the engine consumes for one model
// type (Task or Event). It mirrors pkg/storage/crud.go's
// storage.CRUDStore[T] shape, generalized with a Select query builder
// instead of bespoke List/Count methods, since the engine's claim query
// needs arbitrary OR-of-AND conditions CRUDStore did not need to express.
type Repository[T any] interface {
	Create(ctx context.Context, m T) (T, error)
	Read(ctx context.Context, id string) (T, error)
	Update(ctx context.Context, m T) (T, error)
	Select() Query[T]
	DeleteAll(ctx context.Context, ids []string) ([]T, error)
}

// Query is the fluent builder returned by Repository.Select, modeled after
// pkg/storage/crud.go's QueryBuilder but typed on the model and terminated
// by Execute rather than Build, since the engine never touches raw SQL.
type Query[T any] interface {
	Where(cond Condition) Query[T]
	OrderBy(field string, desc bool) Query[T]
	Limit(n int) Query[T]
	Execute(ctx context.Context) ([]T, error)
}

// Op enumerates the comparison operators a Condition may use.
type Op string

const (
	OpEq      Op = "eq"
	OpGt      Op = "gt"
	OpLt      Op = "lt"
	OpGte     Op = "gte"
	OpLte     Op = "lte"
	OpIn      Op = "in"
	OpBetween Op = "between"
	OpAnd     Op = "and"
	OpOr      Op = "or"
	OpNot     Op = "not"
)

// Condition is a small expression tree over Task/Event attributes, the
// generalization of pkg/storage/crud.go's flat FilterSet needed to express
// the scheduler's claim query (status == X OR status == Y AND ...).
type Condition struct {
	Op       Op
	Attr     string
	Value    any
	Children []Condition
}

// Attr begins a condition builder rooted at a field name, mirroring the
// spec's `attr(name).eq(...)` fluent surface.
func Attr(name string) AttrBuilder { return AttrBuilder{name: name} }

// AttrBuilder accumulates comparison operators for one attribute.
type AttrBuilder struct{ name string }

func (a AttrBuilder) Eq(v any) Condition  { return Condition{Op: OpEq, Attr: a.name, Value: v} }
func (a AttrBuilder) Gt(v any) Condition  { return Condition{Op: OpGt, Attr: a.name, Value: v} }
func (a AttrBuilder) Lt(v any) Condition  { return Condition{Op: OpLt, Attr: a.name, Value: v} }
func (a AttrBuilder) Gte(v any) Condition { return Condition{Op: OpGte, Attr: a.name, Value: v} }
func (a AttrBuilder) Lte(v any) Condition { return Condition{Op: OpLte, Attr: a.name, Value: v} }
func (a AttrBuilder) In(v ...any) Condition {
	return Condition{Op: OpIn, Attr: a.name, Value: v}
}
func (a AttrBuilder) Between(lo, hi any) Condition {
	return Condition{Op: OpBetween, Attr: a.name, Value: [2]any{lo, hi}}
}

// And combines conditions with logical AND.
func And(conds ...Condition) Condition { return Condition{Op: OpAnd, Children: conds} }

// Or combines conditions with logical OR.
func Or(conds ...Condition) Condition { return Condition{Op: OpOr, Children: conds} }

// Not negates a condition.
func Not(cond Condition) Condition { return Condition{Op: OpNot, Children: []Condition{cond}} }

// TaskRepository is the Repository specialized on *model.Task.
type TaskRepository = Repository[*model.Task]

// EventRepository is the Repository specialized on *model.Event.
type EventRepository = Repository[*model.Event]
