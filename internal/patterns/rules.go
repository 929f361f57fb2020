package patterns

import (
	"context"
	"regexp"
	"strings"
)

// Rule detects one kind of pattern in a message. Rules are data: the
// table below is evaluated in order and each rule yields at most one
// candidate per message.
type Rule struct {
	Name       string
	Type       string
	Confidence float64
	Match      *regexp.Regexp

	// Build turns the submatches into a key and value. Returning an
	// empty key drops the match.
	Build func(m []string) (key string, value map[string]any)
}

// targetWords captures up to five words naming a device or area.
const targetWords = `([a-z0-9]+(?:\s+[a-z0-9]+){0,4})`

// KnownAliases are multi-word area and entity names people use in
// conversation instead of entity IDs.
var KnownAliases = []string{
	"living room",
	"family room",
	"dining room",
	"master bedroom",
	"guest room",
	"front door",
	"back door",
	"garage door",
	"front porch",
	"back yard",
}

// DefaultRules is the ordered extraction table.
var DefaultRules = []Rule{
	{
		Name:       "turn_on_off",
		Type:       TypeCommandAlias,
		Confidence: 0.85,
		Match:      regexp.MustCompile(`(?i)\bturn\s+(on|off)\s+(?:the\s+)?` + targetWords),
		Build: func(m []string) (string, map[string]any) {
			return commandAlias("turn_"+strings.ToLower(m[1]), m[2], nil)
		},
	},
	{
		Name:       "set_to_value",
		Type:       TypeCommandAlias,
		Confidence: 0.85,
		Match:      regexp.MustCompile(`(?i)\bset\s+(?:the\s+)?([a-z0-9]+(?:\s+[a-z0-9]+){0,4}?)\s+to\s+(\d+(?:\.\d+)?)\s*(%|percent|degrees?)?`),
		Build: func(m []string) (string, map[string]any) {
			return commandAlias("set", m[1], map[string]any{"value": m[2], "unit": strings.ToLower(m[3])})
		},
	},
	{
		Name:       "dim_brighten",
		Type:       TypeCommandAlias,
		Confidence: 0.85,
		Match:      regexp.MustCompile(`(?i)\b(dim|brighten)\s+(?:the\s+)?` + targetWords),
		Build: func(m []string) (string, map[string]any) {
			return commandAlias(strings.ToLower(m[1]), m[2], nil)
		},
	},
	{
		Name:       "open_close",
		Type:       TypeCommandAlias,
		Confidence: 0.85,
		Match:      regexp.MustCompile(`(?i)\b(open|close)\s+(?:the\s+)?` + targetWords),
		Build: func(m []string) (string, map[string]any) {
			return commandAlias(strings.ToLower(m[1]), m[2], nil)
		},
	},
	{
		Name:       "preference",
		Type:       TypePreference,
		Confidence: 0.75,
		Match:      regexp.MustCompile(`(?i)\b(prefer|like)s?\b\s*([^.!?]*)`),
		Build: func(m []string) (string, map[string]any) {
			subject := normalizeTarget(m[2])
			if subject == "" {
				subject = "general"
			}
			return subject, map[string]any{
				"verb":      strings.ToLower(m[1]),
				"statement": strings.TrimSpace(m[2]),
			}
		},
	},
	{
		Name:       "time_of_day",
		Type:       TypeRoutine,
		Confidence: 0.70,
		Match:      regexp.MustCompile(`(?i)\b(morning|evening|night|bedtime)\b`),
		Build: func(m []string) (string, map[string]any) {
			tod := strings.ToLower(m[1])
			return tod, map[string]any{"time_of_day": tod}
		},
	},
	{
		Name:       "known_alias",
		Type:       TypeEntityAlias,
		Confidence: 0.90,
		Match:      aliasMatcher(KnownAliases),
		Build: func(m []string) (string, map[string]any) {
			phrase := strings.ToLower(strings.Join(strings.Fields(m[1]), " "))
			return phrase, map[string]any{"phrase": phrase}
		},
	},
}

// stopWords end a captured device target.
var stopWords = map[string]bool{
	"to": true, "by": true, "and": true, "please": true, "now": true,
	"in": true, "at": true, "for": true, "when": true, "then": true,
	"if": true, "so": true, "because": true, "with": true,
}

// normalizeTarget lowercases s and cuts it at the first stop word.
func normalizeTarget(s string) string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if stopWords[w] {
			break
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func commandAlias(action, target string, extra map[string]any) (string, map[string]any) {
	t := normalizeTarget(target)
	if t == "" {
		return "", nil
	}
	value := map[string]any{"action": action, "target": t}
	for k, v := range extra {
		if v != "" {
			value[k] = v
		}
	}
	return action + ":" + t, value
}

func aliasMatcher(phrases []string) *regexp.Regexp {
	alts := make([]string, len(phrases))
	for i, p := range phrases {
		alts[i] = strings.ReplaceAll(regexp.QuoteMeta(p), " ", `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(alts, "|") + `)\b`)
}

// Extract runs rules against message in order and returns one
// candidate per matching rule.
func Extract(rules []Rule, message string) []Candidate {
	var out []Candidate
	for _, r := range rules {
		m := r.Match.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		key, value := r.Build(m)
		if key == "" {
			continue
		}
		out = append(out, Candidate{Type: r.Type, Key: key, Value: value, Confidence: r.Confidence})
	}
	return out
}

// LearnFromMessage extracts candidates from message with
// [DefaultRules] and upserts each one. Store failures are logged and
// skipped; learning never fails the conversation that triggered it.
// Returns the patterns that were stored.
func (s *Store) LearnFromMessage(ctx context.Context, scope, message, source string) []*Pattern {
	var learned []*Pattern
	for _, c := range Extract(DefaultRules, message) {
		p, err := s.Upsert(ctx, scope, c, source)
		if err != nil {
			s.logger.Warn("pattern upsert failed",
				"scope", scope, "type", c.Type, "key", c.Key, "error", err)
			continue
		}
		learned = append(learned, p)
	}
	if len(learned) > 0 {
		s.logger.Debug("patterns learned", "scope", scope, "count", len(learned))
	}
	return learned
}

// Aliases adapts a Store into a source of learned alias phrases for
// context rendering.
type Aliases struct {
	Store         *Store
	Scope         string
	MinConfidence float64
}

// AliasPhrases returns the keys of entity_alias patterns at or above
// the confidence floor.
func (a Aliases) AliasPhrases(ctx context.Context) ([]string, error) {
	ps, err := a.Store.ByType(ctx, a.Scope, TypeEntityAlias, a.MinConfidence)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Key
	}
	return out, nil
}
