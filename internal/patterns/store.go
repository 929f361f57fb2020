// Package patterns learns usage patterns from conversation and keeps
// them in SQLite. Each (scope, type, key) triple is a single row whose
// confidence strengthens every time the pattern is observed again.
// Confidence never drops from repetition; only explicit feedback
// lowers it.
package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/faults"
)

// Pattern types.
const (
	TypeCommandAlias = "command_alias"
	TypePreference   = "preference"
	TypeRoutine      = "routine"
	TypeEntityAlias  = "entity_alias"
	TypeFeedback     = "feedback"
)

// GlobalScope is shared by every user.
const GlobalScope = "global"

// maxLearned caps LearnedPatterns results.
const maxLearned = 50

// Pattern is one learned association.
type Pattern struct {
	ID         string          `json:"id"`
	Scope      string          `json:"scope"`
	Type       string          `json:"pattern_type"`
	Key        string          `json:"pattern_key"`
	Value      json.RawMessage `json:"pattern_value"`
	Confidence float64         `json:"confidence"`
	UsageCount int             `json:"usage_count"`
	Source     string          `json:"learning_source"`
	LastUsedAt time.Time       `json:"last_used_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Candidate is a pattern detected in a message, not yet stored.
type Candidate struct {
	Type       string
	Key        string
	Value      map[string]any
	Confidence float64
}

// Store persists learned patterns and feedback ratings. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewStore creates a pattern store using the given database
// connection. The schema is created automatically on first use.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger, nowFunc: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate patterns schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS learned_patterns (
		id              TEXT PRIMARY KEY,
		scope           TEXT NOT NULL,
		pattern_type    TEXT NOT NULL,
		pattern_key     TEXT NOT NULL,
		pattern_value   TEXT NOT NULL,
		confidence      REAL NOT NULL,
		usage_count     INTEGER NOT NULL DEFAULT 1,
		learning_source TEXT NOT NULL,
		last_used_at    TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE (scope, pattern_type, pattern_key)
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_scope_usage ON learned_patterns(scope, usage_count DESC);

	CREATE TABLE IF NOT EXISTS feedback_ratings (
		id              TEXT PRIMARY KEY,
		scope           TEXT NOT NULL,
		suggestion_type TEXT NOT NULL,
		rating          TEXT NOT NULL,
		comment         TEXT,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_scope_type ON feedback_ratings(scope, suggestion_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

const patternColumns = `id, scope, pattern_type, pattern_key, pattern_value, confidence,
	usage_count, learning_source, last_used_at, created_at, updated_at`

// Upsert records an observation of c. A new (scope, type, key) row is
// inserted with c.Confidence and usage_count 1. An existing row has
// its usage_count incremented and its confidence raised by 0.10 while
// the new count is below 5, 0.05 while below 10, and 0.02 after that,
// never above 1.0, rounded to four decimals. The value is replaced with the latest observation.
//
// The whole read-modify-write happens in one statement, so concurrent
// writers to the same key cannot lose an increment.
func (s *Store) Upsert(ctx context.Context, scope string, c Candidate, source string) (*Pattern, error) {
	if err := validateCandidate(c); err != nil {
		return nil, err
	}
	value, err := json.Marshal(c.Value)
	if err != nil {
		return nil, fmt.Errorf("marshal pattern value: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate pattern ID: %w", err)
	}
	now := s.nowFunc().UTC().Format(time.RFC3339)

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO learned_patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (scope, pattern_type, pattern_key) DO UPDATE SET
			usage_count   = usage_count + 1,
			confidence    = ROUND(MIN(1.0, confidence + CASE
				WHEN usage_count + 1 < 5  THEN 0.10
				WHEN usage_count + 1 < 10 THEN 0.05
				ELSE 0.02
			END), 4),
			pattern_value = excluded.pattern_value,
			last_used_at  = excluded.last_used_at,
			updated_at    = excluded.updated_at
		RETURNING `+patternColumns,
		id.String(), scope, c.Type, c.Key, string(value), c.Confidence,
		source, now, now, now,
	)
	p, err := scanPattern(row)
	if err != nil {
		return nil, faults.Persistence("upsert pattern", err)
	}
	return p, nil
}

// LearnedPatterns returns patterns in scope at or above minConfidence,
// most used first (ties by confidence), at most 50.
func (s *Store) LearnedPatterns(ctx context.Context, scope string, minConfidence float64) ([]*Pattern, error) {
	return s.query(ctx, `
		SELECT `+patternColumns+` FROM learned_patterns
		WHERE scope = ? AND confidence >= ?
		ORDER BY usage_count DESC, confidence DESC
		LIMIT ?`,
		scope, minConfidence, maxLearned)
}

// ByType returns patterns of one type in scope at or above
// minConfidence, most used first.
func (s *Store) ByType(ctx context.Context, scope, patternType string, minConfidence float64) ([]*Pattern, error) {
	return s.query(ctx, `
		SELECT `+patternColumns+` FROM learned_patterns
		WHERE scope = ? AND pattern_type = ? AND confidence >= ?
		ORDER BY usage_count DESC, confidence DESC
		LIMIT ?`,
		scope, patternType, minConfidence, maxLearned)
}

// Get returns a single pattern, or nil if none exists.
func (s *Store) Get(ctx context.Context, scope, patternType, key string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+patternColumns+` FROM learned_patterns
		WHERE scope = ? AND pattern_type = ? AND pattern_key = ?`,
		scope, patternType, key)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Persistence("get pattern", err)
	}
	return p, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Pattern, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, faults.Persistence("query patterns", err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, faults.Persistence("scan pattern", err)
		}
		out = append(out, p)
	}
	return out, faults.Persistence("iterate patterns", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(row scanner) (*Pattern, error) {
	var (
		p                          Pattern
		value                      string
		lastUsed, created, updated string
	)
	if err := row.Scan(&p.ID, &p.Scope, &p.Type, &p.Key, &value, &p.Confidence,
		&p.UsageCount, &p.Source, &lastUsed, &created, &updated); err != nil {
		return nil, err
	}
	p.Value = json.RawMessage(value)
	p.LastUsedAt, _ = time.Parse(time.RFC3339, lastUsed)
	p.CreatedAt, _ = time.Parse(time.RFC3339, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &p, nil
}

func validateCandidate(c Candidate) error {
	if c.Type == "" {
		return faults.Invalid("pattern_type", "must not be empty")
	}
	if c.Key == "" {
		return faults.Invalid("pattern_key", "must not be empty")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return faults.Invalid("confidence", "%.2f outside [0,1]", c.Confidence)
	}
	return nil
}
