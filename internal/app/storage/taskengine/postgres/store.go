package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
	te "github.com/R3E-Network/taskengine/internal/app/taskengine"
)

// TaskStore is the sqlx-backed TaskRepository. sqlx's struct-tag scanning
// (taskRow below) replaces the hand-rolled row.Scan argument lists the
// teacher's other postgres stores use (e.g. store_automation.go), since the
// Task record has enough columns that positional Scan calls become error
// prone.
type TaskStore struct {
	db *sqlx.DB
}

// NewTaskStore wraps an existing *sql.DB connection (see
// internal/platform/database.Open for how callers typically obtain one).
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: sqlx.NewDb(db, "postgres")}
}

var _ te.TaskRepository = (*TaskStore)(nil)

// taskRow is the flat, sqlx-scannable representation of model.Task. Opaque
// or nested fields (Input/Output/Error/Backoff/Steps/StepResults/LogTail)
// are stored as JSONB and marshaled/unmarshaled at the boundary.
type taskRow struct {
	ID             string         `db:"id"`
	Classification string         `db:"classification"`
	Atomicity      string         `db:"atomicity"`
	Status         string         `db:"status"`
	Input          sql.NullString `db:"input"`
	Output         sql.NullString `db:"output"`
	Error          sql.NullString `db:"error"`
	Attempt        int            `db:"attempt"`
	MaxAttempts    int            `db:"max_attempts"`
	Backoff        string         `db:"backoff"`
	NextRunAt      sql.NullTime   `db:"next_run_at"`
	ScheduledTo    sql.NullTime   `db:"scheduled_to"`
	LeaseOwner     string         `db:"lease_owner"`
	LeaseExpiry    sql.NullTime   `db:"lease_expiry"`
	Steps          sql.NullString `db:"steps"`
	CurrentStep    int            `db:"current_step"`
	StepResults    sql.NullString `db:"step_results"`
	LogTail        sql.NullString `db:"log_tail"`
	LogTailMax     int            `db:"log_tail_max"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	CreatedBy      string         `db:"created_by"`
	UpdatedBy      string         `db:"updated_by"`
	Version        int64          `db:"version"`
}

func toRow(t *model.Task) (*taskRow, error) {
	input, err := marshalOpt(t.Input)
	if err != nil {
		return nil, err
	}
	output, err := marshalOpt(t.Output)
	if err != nil {
		return nil, err
	}
	errRec, err := marshalOpt(t.Error)
	if err != nil {
		return nil, err
	}
	backoff, err := json.Marshal(t.Backoff)
	if err != nil {
		return nil, err
	}
	steps, err := marshalOpt(t.Steps)
	if err != nil {
		return nil, err
	}
	stepResults, err := marshalOpt(t.StepResults)
	if err != nil {
		return nil, err
	}
	logTail, err := marshalOpt(t.LogTail)
	if err != nil {
		return nil, err
	}

	return &taskRow{
		ID:             t.ID,
		Classification: t.Classification,
		Atomicity:      string(t.Atomicity),
		Status:         string(t.Status),
		Input:          input,
		Output:         output,
		Error:          errRec,
		Attempt:        t.Attempt,
		MaxAttempts:    t.MaxAttempts,
		Backoff:        string(backoff),
		NextRunAt:      toNullTime(t.NextRunAt),
		ScheduledTo:    toNullTime(t.ScheduledTo),
		LeaseOwner:     t.LeaseOwner,
		LeaseExpiry:    toNullTime(t.LeaseExpiry),
		Steps:          steps,
		CurrentStep:    t.CurrentStep,
		StepResults:    stepResults,
		LogTail:        logTail,
		LogTailMax:     t.LogTailMax,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CreatedBy:      t.CreatedBy,
		UpdatedBy:      t.UpdatedBy,
		Version:        t.Version,
	}, nil
}

func (r *taskRow) toModel() (*model.Task, error) {
	t := &model.Task{
		ID:             r.ID,
		Classification: r.Classification,
		Atomicity:      model.Atomicity(r.Atomicity),
		Status:         model.Status(r.Status),
		Attempt:        r.Attempt,
		MaxAttempts:    r.MaxAttempts,
		LeaseOwner:     r.LeaseOwner,
		CurrentStep:    r.CurrentStep,
		LogTailMax:     r.LogTailMax,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CreatedBy:      r.CreatedBy,
		UpdatedBy:      r.UpdatedBy,
		Version:        r.Version,
		NextRunAt:      fromNullTime(r.NextRunAt),
		ScheduledTo:    fromNullTime(r.ScheduledTo),
		LeaseExpiry:    fromNullTime(r.LeaseExpiry),
	}
	if err := unmarshalOpt(r.Input, &t.Input); err != nil {
		return nil, err
	}
	if err := unmarshalOpt(r.Output, &t.Output); err != nil {
		return nil, err
	}
	if r.Error.Valid {
		var rec model.ErrorRecord
		if err := json.Unmarshal([]byte(r.Error.String), &rec); err != nil {
			return nil, err
		}
		t.Error = &rec
	}
	if err := json.Unmarshal([]byte(r.Backoff), &t.Backoff); err != nil {
		return nil, err
	}
	if r.Steps.Valid {
		if err := json.Unmarshal([]byte(r.Steps.String), &t.Steps); err != nil {
			return nil, err
		}
	}
	if r.StepResults.Valid {
		if err := json.Unmarshal([]byte(r.StepResults.String), &t.StepResults); err != nil {
			return nil, err
		}
	}
	if r.LogTail.Valid {
		if err := json.Unmarshal([]byte(r.LogTail.String), &t.LogTail); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func marshalOpt(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch x := v.(type) {
	case []model.StepSpec:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []model.StepResult:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []model.LogEntry:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalOpt(s sql.NullString, dest any) error {
	if !s.Valid {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dest)
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

const taskColumns = `id, classification, atomicity, status, input, output, error, attempt, max_attempts,
	backoff, next_run_at, scheduled_to, lease_owner, lease_expiry, steps, current_step,
	step_results, log_tail, log_tail_max, created_at, updated_at, created_by, updated_by, version`

func (s *TaskStore) Create(ctx context.Context, m *model.Task) (*model.Task, error) {
	m = m.Clone()
	m.Version = 0
	row, err := toRow(m)
	if err != nil {
		return nil, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO taskengine_tasks (`+taskColumns+`)
		VALUES (:id, :classification, :atomicity, :status, :input, :output, :error, :attempt, :max_attempts,
			:backoff, :next_run_at, :scheduled_to, :lease_owner, :lease_expiry, :steps, :current_step,
			:step_results, :log_tail, :log_tail_max, :created_at, :updated_at, :created_by, :updated_by, :version)
	`, row)
	if err != nil {
		return nil, fmt.Errorf("taskengine/postgres: create task %s: %w", m.ID, err)
	}
	return m.Clone(), nil
}

func (s *TaskStore) Read(ctx context.Context, id string) (*model.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM taskengine_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, te.NotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("taskengine/postgres: read task %s: %w", id, err)
	}
	return row.toModel()
}

// Update performs an optimistic compare-and-set keyed on version, the SQL
// analogue of the in-memory store's version check: the WHERE clause only
// matches the row the caller last read (id = :id AND version = :version),
// and the SET clause bumps version by one. A row matched by id but already
// moved past the caller's observed version falls out of the WHERE clause
// entirely, so RowsAffected() == 0 is ambiguous between "no such id" and
// "version conflict" — a follow-up Read disambiguates the two.
func (s *TaskStore) Update(ctx context.Context, m *model.Task) (*model.Task, error) {
	row, err := toRow(m)
	if err != nil {
		return nil, err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE taskengine_tasks SET
			classification = :classification, atomicity = :atomicity, status = :status,
			input = :input, output = :output, error = :error, attempt = :attempt,
			max_attempts = :max_attempts, backoff = :backoff, next_run_at = :next_run_at,
			scheduled_to = :scheduled_to, lease_owner = :lease_owner, lease_expiry = :lease_expiry,
			steps = :steps, current_step = :current_step, step_results = :step_results,
			log_tail = :log_tail, log_tail_max = :log_tail_max, updated_at = :updated_at,
			updated_by = :updated_by, version = version + 1
		WHERE id = :id AND version = :version
	`, row)
	if err != nil {
		return nil, fmt.Errorf("taskengine/postgres: update task %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, readErr := s.Read(ctx, m.ID); readErr != nil {
			return nil, te.NotFoundError(m.ID)
		}
		return nil, te.ConflictError(m.ID)
	}
	stored := m.Clone()
	stored.Version = m.Version + 1
	return stored, nil
}

func (s *TaskStore) DeleteAll(ctx context.Context, ids []string) ([]*model.Task, error) {
	var removed []*model.Task
	for _, id := range ids {
		t, err := s.Read(ctx, id)
		if err != nil {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM taskengine_tasks WHERE id = $1`, id); err == nil {
			removed = append(removed, t)
		}
	}
	return removed, nil
}

func (s *TaskStore) Select() te.Query[*model.Task] {
	return &taskQuery{store: s}
}

type taskQuery struct {
	store     *TaskStore
	conds     []te.Condition
	orderBy   string
	orderDesc bool
	limit     int
}

func (q *taskQuery) Where(cond te.Condition) te.Query[*model.Task] {
	q.conds = append(q.conds, cond)
	return q
}

func (q *taskQuery) OrderBy(field string, desc bool) te.Query[*model.Task] {
	q.orderBy = field
	q.orderDesc = desc
	return q
}

func (q *taskQuery) Limit(n int) te.Query[*model.Task] {
	q.limit = n
	return q
}

func (q *taskQuery) Execute(ctx context.Context) ([]*model.Task, error) {
	where, args := buildWhere(q.conds)
	query := `SELECT ` + taskColumns + ` FROM taskengine_tasks`
	if where != "" {
		query += " WHERE " + where
	}
	if q.orderBy != "" {
		col := columnName(q.orderBy)
		query += fmt.Sprintf(" ORDER BY %s", col)
		if q.orderDesc {
			query += " DESC"
		}
	}
	if q.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.limit)
	}

	rows, err := q.store.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskengine/postgres: query tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var row taskRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
