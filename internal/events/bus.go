// Package events is an in-process broadcast bus. Components publish
// what they did (a snapshot captured, a command executed) and
// subscribers such as the MQTT publisher react without the publisher
// knowing who listens. A nil *Bus accepts Publish as a no-op.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAssistant = "assistant"
	SourceEnergy    = "energy"
	SourceGateway   = "gateway"
	SourceHA        = "homeassistant"
)

// Kinds.
const (
	// KindChatComplete: request_id, elapsed_ms, fallback.
	KindChatComplete = "chat_complete"

	// KindCaptureComplete: total_power, solar_production,
	// grid_consumption, battery_level, active_devices.
	KindCaptureComplete = "capture_complete"

	// KindAnalysisComplete: snapshots, peaks, waste_patterns,
	// suggestions_created.
	KindAnalysisComplete = "analysis_complete"

	// KindCommand: service, entity_id, source, outcome.
	KindCommand = "command"

	// KindStateChanged: entity_id, old_state, new_state.
	KindStateChanged = "state_changed"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. A full
// subscriber misses the event; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room. A zero
// Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving every event published from now
// on. Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe closes ch and stops delivery to it. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
