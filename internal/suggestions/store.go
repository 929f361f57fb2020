// Package suggestions manages the review lifecycle of automation and
// energy suggestions. A suggestion starts pending and moves exactly
// once to accepted, rejected, implemented, or expired.
//
// Expiry is evaluated lazily: every read and status update first flips
// pending rows whose expires_at has passed to expired, so no background
// sweep is needed.
package suggestions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/faults"
)

// Status values.
const (
	StatusPending     = "pending"
	StatusAccepted    = "accepted"
	StatusRejected    = "rejected"
	StatusImplemented = "implemented"
	StatusExpired     = "expired"
)

// Impact values.
const (
	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"
)

var (
	impacts  = []string{ImpactHigh, ImpactMedium, ImpactLow}
	statuses = []string{StatusPending, StatusAccepted, StatusRejected, StatusImplemented, StatusExpired}
)

// ErrNotFound is returned when no suggestion has the requested ID.
var ErrNotFound = errors.New("suggestion not found")

// Suggestion is a proposed change awaiting review.
type Suggestion struct {
	ID            string          `json:"id"`
	Type          string          `json:"suggestion_type"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Confidence    float64         `json:"confidence"`
	Impact        string          `json:"impact"`
	Category      string          `json:"category"`
	Entities      []string        `json:"entities_involved"`
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ImplementedAt *time.Time      `json:"implemented_at,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// Store persists suggestions in SQLite.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a suggestion store using the given database
// connection. The schema is created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, nowFunc: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate suggestions schema: %w", err)
	}
	return s, nil
}

// SetClock replaces the time source used for created_at,
// implemented_at, and expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.nowFunc = now
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ai_suggestions (
		id                TEXT PRIMARY KEY,
		suggestion_type   TEXT NOT NULL,
		title             TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		confidence        REAL NOT NULL,
		impact            TEXT NOT NULL,
		category          TEXT NOT NULL,
		entities_involved TEXT NOT NULL DEFAULT '[]',
		status            TEXT NOT NULL DEFAULT 'pending',
		data              TEXT,
		created_at        TEXT NOT NULL,
		implemented_at    TEXT,
		expires_at        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_suggestions_status ON ai_suggestions(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_suggestions_type ON ai_suggestions(suggestion_type, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Validate checks the fields required of a new suggestion.
func Validate(sg *Suggestion) error {
	switch {
	case sg.Title == "":
		return faults.Invalid("title", "must not be empty")
	case sg.Type == "":
		return faults.Invalid("suggestion_type", "must not be empty")
	case sg.Category == "":
		return faults.Invalid("category", "must not be empty")
	case sg.Confidence < 0 || sg.Confidence > 1:
		return faults.Invalid("confidence", "%.2f outside [0,1]", sg.Confidence)
	case !slices.Contains(impacts, sg.Impact):
		return faults.Invalid("impact", "%q (valid: high, medium, low)", sg.Impact)
	}
	return nil
}

// Create validates sg and inserts it as pending. ID, Status, and
// CreatedAt are assigned.
func (s *Store) Create(ctx context.Context, sg *Suggestion) error {
	if err := Validate(sg); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate suggestion ID: %w", err)
	}
	sg.ID = id.String()
	sg.Status = StatusPending
	sg.CreatedAt = s.nowFunc().UTC().Truncate(time.Second)
	sg.ImplementedAt = nil
	if sg.Entities == nil {
		sg.Entities = []string{}
	}

	entitiesJSON, err := json.Marshal(sg.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_suggestions (id, suggestion_type, title, description, confidence,
		 impact, category, entities_involved, status, data, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.Type, sg.Title, sg.Description, sg.Confidence,
		sg.Impact, sg.Category, string(entitiesJSON), sg.Status, nullJSON(sg.Data),
		sg.CreatedAt.Format(time.RFC3339), nullTime(sg.ExpiresAt),
	)
	return faults.Persistence("insert suggestion", err)
}

// Get returns the suggestion with id, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, id string) (*Suggestion, error) {
	if err := s.expire(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM ai_suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, faults.Persistence("get suggestion", err)
	}
	return sg, nil
}

// UpdateStatus moves a pending suggestion to status. Only transitions
// out of pending are allowed; implemented_at is set only when status
// is implemented.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) (*Suggestion, error) {
	if !slices.Contains(statuses, status) || status == StatusPending {
		return nil, faults.Invalid("status", "%q is not a valid target status", status)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		return nil, faults.Invalid("status", "cannot move from %s to %s", current.Status, status)
	}

	var implementedAt any
	if status == StatusImplemented {
		implementedAt = s.nowFunc().UTC().Format(time.RFC3339)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_suggestions SET status = ?, implemented_at = ?
		 WHERE id = ? AND status = ?`,
		status, implementedAt, id, StatusPending,
	)
	if err != nil {
		return nil, faults.Persistence("update suggestion status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, faults.Invalid("status", "suggestion %s is no longer pending", id)
	}
	return s.Get(ctx, id)
}

// List returns suggestions, newest first. An empty status lists all.
func (s *Store) List(ctx context.Context, status string, limit int) ([]*Suggestion, error) {
	if status != "" && !slices.Contains(statuses, status) {
		return nil, faults.Invalid("status", "%q is not a valid status", status)
	}
	if err := s.expire(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + columns + ` FROM ai_suggestions`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, faults.Persistence("list suggestions", err)
	}
	defer rows.Close()

	var out []*Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, faults.Persistence("scan suggestion", err)
		}
		out = append(out, sg)
	}
	return out, faults.Persistence("iterate suggestions", rows.Err())
}

// HasPending reports whether a pending suggestion of suggestionType
// exists.
func (s *Store) HasPending(ctx context.Context, suggestionType string) (bool, error) {
	if err := s.expire(ctx); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ai_suggestions WHERE suggestion_type = ? AND status = ?`,
		suggestionType, StatusPending,
	).Scan(&n)
	if err != nil {
		return false, faults.Persistence("count pending suggestions", err)
	}
	return n > 0, nil
}

// CountByStatus returns the number of suggestions in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	if err := s.expire(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ai_suggestions GROUP BY status`)
	if err != nil {
		return nil, faults.Persistence("count suggestions", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, faults.Persistence("scan suggestion count", err)
		}
		out[status] = n
	}
	return out, faults.Persistence("iterate suggestion counts", rows.Err())
}

// expire flips overdue pending suggestions to expired.
func (s *Store) expire(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ai_suggestions SET status = ?
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		StatusExpired, StatusPending, s.nowFunc().UTC().Format(time.RFC3339),
	)
	return faults.Persistence("expire suggestions", err)
}

const columns = `id, suggestion_type, title, description, confidence, impact, category,
	entities_involved, status, data, created_at, implemented_at, expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row scanner) (*Suggestion, error) {
	var (
		sg                      Suggestion
		entitiesJSON, created   string
		data, implemented, exps sql.NullString
	)
	if err := row.Scan(&sg.ID, &sg.Type, &sg.Title, &sg.Description, &sg.Confidence,
		&sg.Impact, &sg.Category, &entitiesJSON, &sg.Status, &data, &created,
		&implemented, &exps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(entitiesJSON), &sg.Entities); err != nil {
		return nil, fmt.Errorf("decode entities_involved: %w", err)
	}
	if data.Valid {
		sg.Data = json.RawMessage(data.String)
	}
	sg.CreatedAt, _ = time.Parse(time.RFC3339, created)
	sg.ImplementedAt = parseNullTime(implemented)
	sg.ExpiresAt = parseNullTime(exps)
	return &sg, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
