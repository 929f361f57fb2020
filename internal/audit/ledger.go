// Package audit records every device command in an append-only ledger,
// with optional rollback points capturing entity state before the
// command ran. Rollback points are captured only; nothing replays them.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/faults"
)

// Sources.
const (
	SourceAssistant = "assistant"
	SourceUI        = "ui"
	SourceAPI       = "api"
)

// Action is one audited command.
type Action struct {
	ID           string          `json:"id"`
	ActionType   string          `json:"action_type"`
	EntityID     string          `json:"entity_id,omitempty"`
	Service      string          `json:"service"`
	Data         json.RawMessage `json:"data,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Source       string          `json:"source"`
	BeforeState  json.RawMessage `json:"before_state,omitempty"`
	AfterState   json.RawMessage `json:"after_state,omitempty"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EntitySnapshot is the state of one entity at capture time.
type EntitySnapshot struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// RollbackPoint is the pre-command state of the entities an action
// touched.
type RollbackPoint struct {
	ID           string                    `json:"id"`
	ActionLogID  string                    `json:"action_log_id"`
	EntityStates map[string]EntitySnapshot `json:"entity_states"`
	Description  string                    `json:"description"`
	CanRollback  bool                      `json:"can_rollback"`
	CreatedAt    time.Time                 `json:"created_at"`
}

// Stats aggregates the ledger since a point in time.
type Stats struct {
	Since         time.Time      `json:"since"`
	Total         int            `json:"total"`
	BySource      map[string]int `json:"by_source"`
	SuccessRate   float64        `json:"success_rate"` // percent
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Ledger is an append-only SQLite audit log.
type Ledger struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewLedger creates a ledger using the given database connection. The
// schema is created automatically on first use.
func NewLedger(db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db, nowFunc: time.Now}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS action_logs (
		id            TEXT PRIMARY KEY,
		action_type   TEXT NOT NULL,
		entity_id     TEXT,
		service       TEXT NOT NULL,
		data          TEXT,
		reason        TEXT,
		source        TEXT NOT NULL,
		before_state  TEXT,
		after_state   TEXT,
		success       INTEGER NOT NULL,
		error_message TEXT,
		duration_ms   INTEGER,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_logs_created ON action_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_action_logs_entity ON action_logs(entity_id);

	CREATE TABLE IF NOT EXISTS rollback_points (
		id            TEXT PRIMARY KEY,
		action_log_id TEXT NOT NULL REFERENCES action_logs(id),
		entity_states TEXT NOT NULL,
		description   TEXT,
		can_rollback  INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rollback_action ON rollback_points(action_log_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// LogAction appends a. ID and CreatedAt are assigned when empty.
func (l *Ledger) LogAction(ctx context.Context, a *Action) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate action ID: %w", err)
		}
		a.ID = id.String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = l.nowFunc().UTC()
	}

	var duration any
	if a.DurationMS != nil {
		duration = *a.DurationMS
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO action_logs (id, action_type, entity_id, service, data, reason, source,
		 before_state, after_state, success, error_message, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ActionType, nullString(a.EntityID), a.Service, nullJSON(a.Data),
		nullString(a.Reason), a.Source, nullJSON(a.BeforeState), nullJSON(a.AfterState),
		a.Success, nullString(a.ErrorMessage), duration,
		a.CreatedAt.UTC().Format(time.RFC3339),
	)
	return faults.Persistence("insert action log", err)
}

// CreateRollbackPoint stores states as the restorable snapshot for the
// action identified by actionLogID.
func (l *Ledger) CreateRollbackPoint(ctx context.Context, actionLogID string, states map[string]EntitySnapshot, description string) (*RollbackPoint, error) {
	if actionLogID == "" {
		return nil, faults.Invalid("action_log_id", "must not be empty")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate rollback ID: %w", err)
	}
	statesJSON, err := json.Marshal(states)
	if err != nil {
		return nil, fmt.Errorf("marshal entity states: %w", err)
	}

	rp := &RollbackPoint{
		ID:           id.String(),
		ActionLogID:  actionLogID,
		EntityStates: states,
		Description:  description,
		CanRollback:  true,
		CreatedAt:    l.nowFunc().UTC(),
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO rollback_points (id, action_log_id, entity_states, description, can_rollback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rp.ID, rp.ActionLogID, string(statesJSON), rp.Description, rp.CanRollback,
		rp.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, faults.Persistence("insert rollback point", err)
	}
	return rp, nil
}

// RollbackPoints returns the rollback points captured for an action.
func (l *Ledger) RollbackPoints(ctx context.Context, actionLogID string) ([]*RollbackPoint, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, action_log_id, entity_states, COALESCE(description, ''), can_rollback, created_at
		 FROM rollback_points WHERE action_log_id = ? ORDER BY created_at, id`,
		actionLogID)
	if err != nil {
		return nil, faults.Persistence("query rollback points", err)
	}
	defer rows.Close()

	var out []*RollbackPoint
	for rows.Next() {
		var (
			rp              RollbackPoint
			states, created string
		)
		if err := rows.Scan(&rp.ID, &rp.ActionLogID, &states, &rp.Description, &rp.CanRollback, &created); err != nil {
			return nil, faults.Persistence("scan rollback point", err)
		}
		if err := json.Unmarshal([]byte(states), &rp.EntityStates); err != nil {
			return nil, fmt.Errorf("decode entity states: %w", err)
		}
		rp.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, &rp)
	}
	return out, faults.Persistence("iterate rollback points", rows.Err())
}

// Recent returns the latest actions, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, action_type, COALESCE(entity_id, ''), service, data, COALESCE(reason, ''), source,
		 before_state, after_state, success, COALESCE(error_message, ''), duration_ms, created_at
		 FROM action_logs ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, faults.Persistence("query actions", err)
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		var (
			a                   Action
			data, before, after sql.NullString
			duration            sql.NullInt64
			created             string
		)
		if err := rows.Scan(&a.ID, &a.ActionType, &a.EntityID, &a.Service, &data, &a.Reason,
			&a.Source, &before, &after, &a.Success, &a.ErrorMessage, &duration, &created); err != nil {
			return nil, faults.Persistence("scan action", err)
		}
		a.Data = rawOrNil(data)
		a.BeforeState = rawOrNil(before)
		a.AfterState = rawOrNil(after)
		if duration.Valid {
			d := duration.Int64
			a.DurationMS = &d
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, &a)
	}
	return out, faults.Persistence("iterate actions", rows.Err())
}

// Stats aggregates actions created at or after since: count per
// source, success rate as a percentage, and mean duration over the
// actions that recorded one.
func (l *Ledger) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{Since: since.UTC(), BySource: make(map[string]int)}
	cutoff := since.UTC().Format(time.RFC3339)

	rows, err := l.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM action_logs WHERE created_at >= ? GROUP BY source`,
		cutoff)
	if err != nil {
		return nil, faults.Persistence("count actions by source", err)
	}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			rows.Close()
			return nil, faults.Persistence("scan action count", err)
		}
		st.BySource[src] = n
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, faults.Persistence("iterate action counts", err)
	}

	var successes int
	var avgDuration sql.NullFloat64
	err = l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), AVG(duration_ms)
		 FROM action_logs WHERE created_at >= ?`,
		cutoff,
	).Scan(&st.Total, &successes, &avgDuration)
	if err != nil {
		return nil, faults.Persistence("aggregate actions", err)
	}
	if st.Total > 0 {
		st.SuccessRate = float64(successes) / float64(st.Total) * 100
	}
	if avgDuration.Valid {
		st.AvgDurationMS = avgDuration.Float64
	}
	return st, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}
