package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
)

// StateChangeHandler receives entity transitions that pass the filter.
type StateChangeHandler func(entityID, oldState, newState string)

// EntityFilter selects entity IDs by glob pattern ([path.Match] syntax,
// e.g. "sensor.*power*"). An empty filter matches everything.
type EntityFilter struct {
	patterns []string
}

// NewEntityFilter creates an entity filter from glob patterns.
func NewEntityFilter(globs []string) *EntityFilter {
	return &EntityFilter{patterns: globs}
}

// Match reports whether entityID matches at least one pattern.
// Malformed patterns never match.
func (f *EntityFilter) Match(entityID string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		if ok, err := path.Match(pat, entityID); err == nil && ok {
			return true
		}
	}
	return false
}

// StateWatcher consumes state_changed events and dispatches the ones
// matching its filter to a handler.
type StateWatcher struct {
	events  <-chan Event
	filter  *EntityFilter
	handler StateChangeHandler
	logger  *slog.Logger
}

// NewStateWatcher creates a watcher over events. A nil filter matches
// every entity.
func NewStateWatcher(events <-chan Event, filter *EntityFilter, handler StateChangeHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateWatcher{events: events, filter: filter, handler: handler, logger: logger}
}

// Run blocks until ctx is cancelled or the event channel closes.
func (w *StateWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		}
	}
}

func (w *StateWatcher) handleEvent(ev Event) {
	if ev.Type != "state_changed" {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("failed to unmarshal state_changed data", "error", err)
		return
	}
	// Entity removal.
	if data.NewState == nil {
		return
	}
	if !w.filter.Match(data.EntityID) {
		return
	}

	oldState := ""
	if data.OldState != nil {
		oldState = data.OldState.State
	}
	w.handler(data.EntityID, oldState, data.NewState.State)
}
