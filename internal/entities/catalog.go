// Package entities normalizes raw Home Assistant states into
// alias-indexed mappings. The catalog is rebuilt from scratch on every
// context request and never persisted.
package entities

import (
	"strings"

	"github.com/nugget/hearth/internal/homeassistant"
)

// Mapping is the derived, alias-indexed view of one entity.
type Mapping struct {
	EntityID     string
	FriendlyName string
	Domain       string
	State        string
	Unit         string

	// PossibleNames holds every lowercase variant a person might use
	// for this entity, deduplicated, in derivation order.
	PossibleNames []string
}

// Build derives a Mapping for each state, preserving input order.
func Build(states []homeassistant.State) []Mapping {
	out := make([]Mapping, 0, len(states))
	for _, s := range states {
		out = append(out, NewMapping(s))
	}
	return out
}

// NewMapping derives the alias set for a single state.
func NewMapping(s homeassistant.State) Mapping {
	friendly := s.FriendlyName()
	return Mapping{
		EntityID:      s.EntityID,
		FriendlyName:  friendly,
		Domain:        homeassistant.Domain(s.EntityID),
		State:         s.State,
		Unit:          s.Unit(),
		PossibleNames: PossibleNames(s.EntityID, friendly),
	}
}

// PossibleNames returns the alias set for an entity: the lowercase
// friendly name and entity ID, the object ID with underscores as
// spaces and with underscores removed, each word of a multi-word
// friendly name, and the friendly name's words joined together.
func PossibleNames(entityID, friendlyName string) []string {
	names := newOrderedSet()

	lowerName := strings.ToLower(strings.TrimSpace(friendlyName))
	names.add(lowerName)
	names.add(strings.ToLower(entityID))

	object := strings.ToLower(homeassistant.ObjectID(entityID))
	names.add(strings.ReplaceAll(object, "_", " "))
	names.add(strings.ReplaceAll(object, "_", ""))

	words := strings.Fields(lowerName)
	if len(words) > 1 {
		for _, w := range words {
			names.add(w)
		}
		names.add(strings.Join(words, ""))
	}

	return names.items
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}
