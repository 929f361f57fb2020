package patterns

import (
	"context"
	"math"

	"github.com/nugget/hearth/internal/faults"
)

// topInsights bounds Insights.Top.
const topInsights = 10

// Insight is a pattern with its display confidence.
type Insight struct {
	*Pattern
	AdjustedConfidence float64 `json:"adjusted_confidence"`
}

// Insights summarizes what has been learned in a scope.
type Insights struct {
	Total    int            `json:"total"`
	ByType   map[string]int `json:"by_type"`
	BySource map[string]int `json:"by_source"`
	Top      []Insight      `json:"top"`
}

// AdjustedConfidence boosts confidence by 0.02 per use, at most 0.3,
// capped at 1. It is computed for display only and never stored.
func AdjustedConfidence(confidence float64, usageCount int) float64 {
	return math.Min(1, confidence+math.Min(0.3, float64(usageCount)*0.02))
}

// Insights reports pattern counts by type and by learning source,
// plus the most used patterns with their adjusted confidence.
func (s *Store) Insights(ctx context.Context, scope string) (*Insights, error) {
	ins := &Insights{
		ByType:   make(map[string]int),
		BySource: make(map[string]int),
	}

	for _, group := range []struct {
		column string
		into   map[string]int
	}{
		{"pattern_type", ins.ByType},
		{"learning_source", ins.BySource},
	} {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+group.column+`, COUNT(*) FROM learned_patterns WHERE scope = ? GROUP BY `+group.column,
			scope)
		if err != nil {
			return nil, faults.Persistence("count patterns", err)
		}
		for rows.Next() {
			var k string
			var n int
			if err := rows.Scan(&k, &n); err != nil {
				rows.Close()
				return nil, faults.Persistence("scan pattern count", err)
			}
			group.into[k] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, faults.Persistence("iterate pattern counts", err)
		}
	}

	for _, n := range ins.ByType {
		ins.Total += n
	}

	top, err := s.LearnedPatterns(ctx, scope, 0)
	if err != nil {
		return nil, err
	}
	if len(top) > topInsights {
		top = top[:topInsights]
	}
	for _, p := range top {
		ins.Top = append(ins.Top, Insight{
			Pattern:            p,
			AdjustedConfidence: AdjustedConfidence(p.Confidence, p.UsageCount),
		})
	}
	return ins, nil
}
