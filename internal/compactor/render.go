package compactor

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/nugget/hearth/internal/entities"
)

// instructions is appended to every context block handed to the model.
const instructions = `
### How to use this context
- Match the user's wording against friendly names, entity IDs, and the listed aliases before deciding a device does not exist.
- Always report sensor values together with their units.
- If more than one entity could match, list every match and ask which one was meant.
`

func formatEntity(m entities.Mapping) string {
	value := m.State
	if m.Unit != "" {
		value += " " + m.Unit
	}
	if m.FriendlyName != "" && m.FriendlyName != m.EntityID {
		return fmt.Sprintf("- %s: %s (%s)", m.EntityID, value, m.FriendlyName)
	}
	return fmt.Sprintf("- %s: %s", m.EntityID, value)
}

// RenderFull lists every entity grouped by domain. Domains are sorted
// by name; entities keep catalog order within a domain.
func RenderFull(mappings []entities.Mapping) string {
	groups := make(map[string][]entities.Mapping)
	var domains []string
	for _, m := range mappings {
		if _, ok := groups[m.Domain]; !ok {
			domains = append(domains, m.Domain)
		}
		groups[m.Domain] = append(groups[m.Domain], m)
	}
	slices.Sort(domains)

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Home State (%d entities)\n", len(mappings))
	for _, d := range domains {
		fmt.Fprintf(&sb, "\n### %s (%d)\n", d, len(groups[d]))
		for _, m := range groups[d] {
			sb.WriteString(formatEntity(m))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// RenderRelevant lists ranked entities with their aliases.
func RenderRelevant(ranked []Scored, total int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Relevant Entities (%d of %d)\n\n", len(ranked), total)
	for _, s := range ranked {
		sb.WriteString(formatEntity(s.Mapping))
		if aliases := extraAliases(s.Mapping); len(aliases) > 0 {
			fmt.Fprintf(&sb, " [aliases: %s]", strings.Join(aliases, ", "))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// extraAliases drops the names already visible in the entity line.
func extraAliases(m entities.Mapping) []string {
	var out []string
	for _, n := range m.PossibleNames {
		if n == strings.ToLower(m.EntityID) || n == strings.ToLower(m.FriendlyName) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// DomainCount is one row of the fallback summary.
type DomainCount struct {
	Domain string
	Count  int
}

// CountByDomain tallies mappings per domain, sorted by count
// descending and then by domain name.
func CountByDomain(mappings []entities.Mapping) []DomainCount {
	counts := make(map[string]int)
	for _, m := range mappings {
		counts[m.Domain]++
	}
	out := make([]DomainCount, 0, len(counts))
	for d, n := range counts {
		out = append(out, DomainCount{Domain: d, Count: n})
	}
	slices.SortFunc(out, func(a, b DomainCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Domain, b.Domain)
	})
	return out
}

// RenderSummary is used when nothing in the house matched the request.
func RenderSummary(mappings []entities.Mapping) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Home Summary (%d entities, none matched the request)\n\n", len(mappings))
	for _, dc := range CountByDomain(mappings) {
		fmt.Fprintf(&sb, "- %s: %d\n", dc.Domain, dc.Count)
	}
	return sb.String()
}

// renderAliases lists learned alias phrases that resolve to at least
// one entity. Phrases matching nothing are omitted.
func renderAliases(phrases []string, mappings []entities.Mapping) string {
	var lines []string
	for _, phrase := range phrases {
		var ids []string
		for _, m := range mappings {
			if slices.ContainsFunc(m.PossibleNames, func(n string) bool { return strings.Contains(n, phrase) }) {
				ids = append(ids, m.EntityID)
			}
		}
		if len(ids) > 0 {
			lines = append(lines, fmt.Sprintf("- %q: %s", phrase, strings.Join(ids, ", ")))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n### Known aliases\n" + strings.Join(lines, "\n") + "\n"
}
