package postgres

import (
	"testing"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
	te "github.com/R3E-Network/taskengine/internal/app/taskengine"
)

func TestColumnNameMapsKnownAttrs(t *testing.T) {
	cases := map[string]string{
		"status":         "status",
		"scheduledTo":    "scheduled_to",
		"nextRunAt":      "next_run_at",
		"leaseExpiry":    "lease_expiry",
		"createdAt":      "created_at",
		"taskId":         "task_id",
		"classification": "classification",
		"unknownAttr":    "unknownAttr",
	}
	for attr, want := range cases {
		if got := columnName(attr); got != want {
			t.Fatalf("columnName(%q) = %q, want %q", attr, got, want)
		}
	}
}

func TestBuildWhereSimpleEq(t *testing.T) {
	clause, args := buildWhere([]te.Condition{te.Attr("status").Eq(model.StatusPending)})
	if clause != "status = $1" {
		t.Fatalf("unexpected clause: %q", clause)
	}
	if len(args) != 1 || args[0] != model.StatusPending {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildWhereOrOfAndMatchesClaimQueryShape(t *testing.T) {
	cond := te.Or(
		te.Attr("status").Eq(model.StatusPending),
		te.And(te.Attr("status").Eq(model.StatusWaitingRetry), te.Attr("nextRunAt").Lte("2026-01-01")),
	)
	clause, args := buildWhere([]te.Condition{cond})
	want := "(status = $1) OR ((status = $2) AND (next_run_at <= $3))"
	if clause != want {
		t.Fatalf("clause = %q, want %q", clause, want)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 positional args, got %d: %v", len(args), args)
	}
}

func TestBuildWhereIn(t *testing.T) {
	cond := te.Attr("status").In(model.StatusPending, model.StatusScheduled)
	clause, args := buildWhere([]te.Condition{cond})
	if clause != "status IN ($1, $2)" {
		t.Fatalf("unexpected clause: %q", clause)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}
}

func TestBuildWhereBetween(t *testing.T) {
	cond := te.Attr("createdAt").Between("lo", "hi")
	clause, args := buildWhere([]te.Condition{cond})
	if clause != "created_at BETWEEN $1 AND $2" {
		t.Fatalf("unexpected clause: %q", clause)
	}
	if args[0] != "lo" || args[1] != "hi" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildWhereNot(t *testing.T) {
	cond := te.Not(te.Attr("status").Eq(model.StatusCanceled))
	clause, _ := buildWhere([]te.Condition{cond})
	if clause != "NOT (status = $1)" {
		t.Fatalf("unexpected clause: %q", clause)
	}
}

func TestBuildWhereEmptyConditionsYieldsEmptyClause(t *testing.T) {
	clause, args := buildWhere(nil)
	if clause != "" || args != nil {
		t.Fatalf("expected empty clause and nil args, got %q, %v", clause, args)
	}
}
