package memory

import (
	"time"

	te "github.com/R3E-Network/taskengine/internal/app/taskengine"
)

// compare evaluates one leaf Condition against a field value pulled off a
// Task or Event by taskField. Supported field shapes are model.Status,
// *time.Time, and time.Time, covering every attribute the scheduler's claim
// query and any future filters touch.
func compare(op te.Op, field any, value any) bool {
	switch f := field.(type) {
	case *time.Time:
		if f == nil {
			return false
		}
		return compareTime(op, *f, value)
	case time.Time:
		return compareTime(op, f, value)
	default:
		return compareEq(op, field, value)
	}
}

func compareTime(op te.Op, t time.Time, value any) bool {
	other, ok := asTime(value)
	if !ok {
		return false
	}
	switch op {
	case te.OpEq:
		return t.Equal(other)
	case te.OpGt:
		return t.After(other)
	case te.OpLt:
		return t.Before(other)
	case te.OpGte:
		return t.After(other) || t.Equal(other)
	case te.OpLte:
		return t.Before(other) || t.Equal(other)
	case te.OpBetween:
		bounds, ok := value.([2]any)
		if !ok {
			return false
		}
		lo, lok := asTime(bounds[0])
		hi, hok := asTime(bounds[1])
		if !lok || !hok {
			return false
		}
		return !t.Before(lo) && !t.After(hi)
	default:
		return false
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	default:
		return time.Time{}, false
	}
}

func compareEq(op te.Op, field any, value any) bool {
	switch op {
	case te.OpEq:
		return field == value
	case te.OpIn:
		vals, ok := value.([]any)
		if !ok {
			return false
		}
		for _, v := range vals {
			if field == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}
