package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/faults"
)

// Ratings.
const (
	RatingUp   = "up"
	RatingDown = "down"
)

// Feedback pattern confidence per rating.
const (
	feedbackUpConfidence   = 0.8
	feedbackDownConfidence = 0.2
)

// Feedback is a user's rating of a suggestion type.
type Feedback struct {
	ID             string    `json:"id"`
	Scope          string    `json:"scope"`
	SuggestionType string    `json:"suggestion_type"`
	Rating         string    `json:"rating"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordFeedback stores a rating and sets the feedback pattern for the
// suggestion type. Unlike [Store.Upsert], the feedback pattern's
// confidence is overwritten rather than reinforced: 0.8 after an up
// rating, 0.2 after a down rating.
func (s *Store) RecordFeedback(ctx context.Context, scope, suggestionType, rating, comment string) (*Feedback, error) {
	if suggestionType == "" {
		return nil, faults.Invalid("suggestion_type", "must not be empty")
	}
	confidence := feedbackUpConfidence
	switch rating {
	case RatingUp:
	case RatingDown:
		confidence = feedbackDownConfidence
	default:
		return nil, faults.Invalid("rating", "%q (valid: up, down)", rating)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate feedback ID: %w", err)
	}
	patternID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate pattern ID: %w", err)
	}
	now := s.nowFunc().UTC()
	ts := now.Format(time.RFC3339)
	value, _ := json.Marshal(map[string]any{"rating": rating, "comment": comment})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, faults.Persistence("begin feedback", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO feedback_ratings (id, scope, suggestion_type, rating, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), scope, suggestionType, rating, comment, ts,
	); err != nil {
		return nil, faults.Persistence("insert feedback", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO learned_patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 1, 'feedback', ?, ?, ?)
		ON CONFLICT (scope, pattern_type, pattern_key) DO UPDATE SET
			usage_count   = usage_count + 1,
			confidence    = excluded.confidence,
			pattern_value = excluded.pattern_value,
			last_used_at  = excluded.last_used_at,
			updated_at    = excluded.updated_at`,
		patternID.String(), scope, TypeFeedback, suggestionType, string(value), confidence,
		ts, ts, ts,
	); err != nil {
		return nil, faults.Persistence("upsert feedback pattern", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, faults.Persistence("commit feedback", err)
	}

	return &Feedback{
		ID:             id.String(),
		Scope:          scope,
		SuggestionType: suggestionType,
		Rating:         rating,
		Comment:        comment,
		CreatedAt:      now,
	}, nil
}

// DownRatedTypes returns the suggestion types whose most recent rating
// in scope was down.
func (s *Store) DownRatedTypes(ctx context.Context, scope string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern_key FROM learned_patterns
		 WHERE scope = ? AND pattern_type = ? AND confidence <= ?
		 ORDER BY pattern_key`,
		scope, TypeFeedback, feedbackDownConfidence)
	if err != nil {
		return nil, faults.Persistence("query down-rated types", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, faults.Persistence("scan down-rated type", err)
		}
		out = append(out, t)
	}
	return out, faults.Persistence("iterate down-rated types", rows.Err())
}

// RecentFeedback lists the latest ratings in scope, newest first.
func (s *Store) RecentFeedback(ctx context.Context, scope string, limit int) ([]Feedback, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, suggestion_type, rating, COALESCE(comment, ''), created_at
		 FROM feedback_ratings WHERE scope = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		scope, limit)
	if err != nil {
		return nil, faults.Persistence("query feedback", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		var created string
		if err := rows.Scan(&f.ID, &f.Scope, &f.SuggestionType, &f.Rating, &f.Comment, &created); err != nil {
			return nil, faults.Persistence("scan feedback", err)
		}
		f.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, f)
	}
	return out, faults.Persistence("iterate feedback", rows.Err())
}
