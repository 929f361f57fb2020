package compactor

import (
	"slices"
	"strings"
	"unicode"

	"github.com/nugget/hearth/internal/entities"
)

// Scoring weights for relevance mode.
const (
	scoreAliasMatch  = 10 // per keyword found inside any possible name
	scoreDomainMatch = 5  // keyword equals the entity's domain
	scoreCoreDomain  = 1  // baseline for commonly addressed domains
)

var coreDomains = map[string]bool{
	"light":   true,
	"switch":  true,
	"sensor":  true,
	"climate": true,
}

// Scored pairs an entity with its relevance score.
type Scored struct {
	entities.Mapping
	Score int
}

// Keywords splits message on whitespace, strips every non-alphanumeric
// rune, lowercases, and keeps tokens longer than two characters.
func Keywords(message string) []string {
	var out []string
	for _, tok := range strings.Fields(message) {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, tok)
		if len([]rune(clean)) > 2 {
			out = append(out, clean)
		}
	}
	return out
}

// Score rates m against keywords. An entity that matches no keyword
// scores zero even in a core domain: the baseline only breaks ties
// among entities that already matched.
func Score(m entities.Mapping, keywords []string) int {
	score := 0
	for _, kw := range keywords {
		for _, name := range m.PossibleNames {
			if strings.Contains(name, kw) {
				score += scoreAliasMatch
				break
			}
		}
		if kw == m.Domain {
			score += scoreDomainMatch
		}
	}
	if score > 0 && coreDomains[m.Domain] {
		score += scoreCoreDomain
	}
	return score
}

// Rank scores every mapping, drops zero scores, sorts descending with
// catalog order preserved among equal scores, and truncates to limit.
func Rank(mappings []entities.Mapping, keywords []string, limit int) []Scored {
	var ranked []Scored
	for _, m := range mappings {
		if s := Score(m, keywords); s > 0 {
			ranked = append(ranked, Scored{Mapping: m, Score: s})
		}
	}
	slices.SortStableFunc(ranked, func(a, b Scored) int {
		return b.Score - a.Score
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
