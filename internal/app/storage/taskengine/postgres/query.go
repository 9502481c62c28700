package postgres

import (
	"fmt"
	"strings"

	te "github.com/R3E-Network/taskengine/internal/app/taskengine"
)

// columnName maps the engine's attribute names (spec's camelCase field
// names) to the snake_case SQL columns from migrations/0001_init.up.sql.
func columnName(attr string) string {
	switch attr {
	case "status":
		return "status"
	case "scheduledTo":
		return "scheduled_to"
	case "nextRunAt":
		return "next_run_at"
	case "leaseExpiry":
		return "lease_expiry"
	case "createdAt":
		return "created_at"
	case "taskId":
		return "task_id"
	case "classification":
		return "classification"
	default:
		return attr
	}
}

// buildWhere renders a Condition tree (the scheduler's OR-of-AND claim
// query, and any future filters) into a parameterized SQL WHERE clause,
// generalizing
// pkg/storage/crud.go's FilterSet-to-SQL translation to handle nesting.
func buildWhere(conds []te.Condition) (string, []any) {
	if len(conds) == 0 {
		return "", nil
	}
	var args []any
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		clause, a := renderCondition(c, &args)
		parts = append(parts, clause)
		_ = a
	}
	return strings.Join(parts, " AND "), args
}

func renderCondition(c te.Condition, args *[]any) (string, []any) {
	switch c.Op {
	case te.OpAnd:
		return joinChildren(c.Children, " AND ", args)
	case te.OpOr:
		return joinChildren(c.Children, " OR ", args)
	case te.OpNot:
		inner, _ := renderCondition(c.Children[0], args)
		return "NOT (" + inner + ")", nil
	}

	col := columnName(c.Attr)
	switch c.Op {
	case te.OpEq:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s = $%d", col, len(*args)), nil
	case te.OpGt:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s > $%d", col, len(*args)), nil
	case te.OpLt:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s < $%d", col, len(*args)), nil
	case te.OpGte:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s >= $%d", col, len(*args)), nil
	case te.OpLte:
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s <= $%d", col, len(*args)), nil
	case te.OpIn:
		vals, _ := c.Value.([]any)
		placeholders := make([]string, 0, len(vals))
		for _, v := range vals {
			*args = append(*args, v)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(*args)))
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), nil
	case te.OpBetween:
		bounds, _ := c.Value.([2]any)
		*args = append(*args, bounds[0])
		lo := len(*args)
		*args = append(*args, bounds[1])
		hi := len(*args)
		return fmt.Sprintf("%s BETWEEN $%d AND $%d", col, lo, hi), nil
	default:
		return "TRUE", nil
	}
}

func joinChildren(children []te.Condition, sep string, args *[]any) (string, []any) {
	if len(children) == 0 {
		return "TRUE", nil
	}
	parts := make([]string, 0, len(children))
	for _, child := range children {
		clause, _ := renderCondition(child, args)
		parts = append(parts, "("+clause+")")
	}
	return strings.Join(parts, sep), nil
}
