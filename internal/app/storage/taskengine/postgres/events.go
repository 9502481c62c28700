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

// EventStore is the sqlx-backed EventRepository. Events are append-only;
// Update/DeleteAll are implemented to satisfy the Repository contract but
// are not exercised by the engine itself.
type EventStore struct {
	db *sqlx.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: sqlx.NewDb(db, "postgres")}
}

var _ te.EventRepository = (*EventStore)(nil)

type eventRow struct {
	TaskID         string         `db:"task_id"`
	Classification string         `db:"classification"`
	UUID           string         `db:"uuid"`
	Ts             time.Time      `db:"ts"`
	Payload        sql.NullString `db:"payload"`
}

func eventToRow(e *model.Event) (*eventRow, error) {
	payload, err := marshalOpt(e.Payload)
	if err != nil {
		return nil, err
	}
	return &eventRow{
		TaskID:         e.TaskID,
		Classification: string(e.Classification),
		UUID:           e.UUID,
		Ts:             e.Ts,
		Payload:        payload,
	}, nil
}

func (r *eventRow) toModel() (*model.Event, error) {
	e := &model.Event{
		TaskID:         r.TaskID,
		Classification: model.EventClassification(r.Classification),
		UUID:           r.UUID,
		Ts:             r.Ts,
	}
	if r.Payload.Valid {
		var payload any
		if err := json.Unmarshal([]byte(r.Payload.String), &payload); err != nil {
			return nil, err
		}
		e.Payload = payload
	}
	return e, nil
}

func (s *EventStore) Create(ctx context.Context, m *model.Event) (*model.Event, error) {
	row, err := eventToRow(m)
	if err != nil {
		return nil, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO taskengine_events (task_id, classification, uuid, ts, payload)
		VALUES (:task_id, :classification, :uuid, :ts, :payload)
	`, row)
	if err != nil {
		return nil, fmt.Errorf("taskengine/postgres: create event %s: %w", m.Key(), err)
	}
	return m, nil
}

func (s *EventStore) Read(ctx context.Context, id string) (*model.Event, error) {
	parts, err := splitEventKey(id)
	if err != nil {
		return nil, err
	}
	var row eventRow
	err = s.db.GetContext(ctx, &row, `
		SELECT task_id, classification, uuid, ts, payload FROM taskengine_events
		WHERE task_id = $1 AND classification = $2 AND uuid = $3
	`, parts[0], parts[1], parts[2])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, te.NotFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *EventStore) Update(ctx context.Context, m *model.Event) (*model.Event, error) {
	return s.Create(ctx, m)
}

func (s *EventStore) DeleteAll(ctx context.Context, ids []string) ([]*model.Event, error) {
	var removed []*model.Event
	for _, id := range ids {
		e, err := s.Read(ctx, id)
		if err != nil {
			continue
		}
		parts, err := splitEventKey(id)
		if err != nil {
			continue
		}
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM taskengine_events WHERE task_id = $1 AND classification = $2 AND uuid = $3
		`, parts[0], parts[1], parts[2])
		if err == nil {
			removed = append(removed, e)
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

func (q *eventQuery) Execute(ctx context.Context) ([]*model.Event, error) {
	where, args := buildWhere(q.conds)
	query := `SELECT task_id, classification, uuid, ts, payload FROM taskengine_events`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY ts"
	if q.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.limit)
	}

	rows, err := q.store.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var row eventRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		e, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func splitEventKey(key string) ([3]string, error) {
	var parts [3]string
	idx1 := indexByte(key, ':')
	if idx1 < 0 {
		return parts, fmt.Errorf("taskengine/postgres: malformed event key %q", key)
	}
	rest := key[idx1+1:]
	idx2 := indexByte(rest, ':')
	if idx2 < 0 {
		return parts, fmt.Errorf("taskengine/postgres: malformed event key %q", key)
	}
	parts[0] = key[:idx1]
	parts[1] = rest[:idx2]
	parts[2] = rest[idx2+1:]
	return parts, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
