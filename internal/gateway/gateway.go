// Package gateway is the only path by which a command reaches a real
// device. Calls are checked against a fixed allowlist before any
// network activity, forwarded to Home Assistant exactly once, and
// written to the audit ledger.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/nugget/hearth/internal/audit"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/faults"
	"github.com/nugget/hearth/internal/homeassistant"
)

// Backend invokes services and reads entity state.
type Backend interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error)
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// Observer is told the outcome of every call: "ok", "error", or
// "denied".
type Observer interface {
	CommandObserved(service, outcome string)
}

// Call is one service invocation.
type Call struct {
	Domain   string
	Service  string
	EntityID string         // optional
	Data     map[string]any // optional extra service data
	Source   string         // audit source: assistant, ui, api
	Reason   string         // optional free-text justification
}

// Result is the normalized outcome of a successful call.
type Result struct {
	Success  bool            `json:"success"`
	Service  string          `json:"service"`
	EntityID string          `json:"entity_id,omitempty"`
	Data     map[string]any  `json:"data"`
	Raw      json.RawMessage `json:"result"`
}

// Gateway enforces the allowlist and audits every call.
type Gateway struct {
	backend  Backend
	sink     audit.Sink
	observer Observer
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a Gateway. sink and observer may be nil.
func New(backend Backend, sink audit.Sink, observer Observer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{backend: backend, sink: sink, observer: observer, logger: logger}
}

// SetBus publishes a command event for every call outcome.
func (g *Gateway) SetBus(bus *events.Bus) {
	g.bus = bus
}

// CallService invokes c.Domain.c.Service. A pair outside the allowlist
// fails with a [faults.ConfigurationError] wrapping
// [faults.ErrServiceNotAllowed] and performs no network call. Allowed
// calls are sent once and never retried; toggles are not idempotent.
func (g *Gateway) CallService(ctx context.Context, c Call) (*Result, error) {
	service := c.Domain + "." + c.Service
	payload := make(map[string]any, len(c.Data)+1)
	maps.Copy(payload, c.Data)
	if c.EntityID != "" {
		payload["entity_id"] = c.EntityID
	}

	if !Allowed(c.Domain, c.Service) {
		err := &faults.ConfigurationError{Msg: service, Err: faults.ErrServiceNotAllowed}
		g.logger.Warn("service call denied", "service", service, "entity_id", c.EntityID, "source", c.Source)
		g.observe(c, service, "denied")
		g.record(ctx, c, service, payload, nil, nil, err, nil)
		return nil, err
	}

	before := g.snapshot(ctx, c.EntityID)

	start := time.Now()
	raw, err := g.backend.CallService(ctx, c.Domain, c.Service, payload)
	elapsed := time.Since(start)

	if err != nil {
		g.logger.Error("service call failed", "service", service, "entity_id", c.EntityID, "error", err)
		g.observe(c, service, "error")
		g.record(ctx, c, service, payload, before, nil, err, &elapsed)
		return nil, fmt.Errorf("call %s: %w", service, err)
	}

	after := g.snapshot(ctx, c.EntityID)
	g.observe(c, service, "ok")
	actionID := g.record(ctx, c, service, payload, before, after, nil, &elapsed)

	if g.sink != nil && before != nil {
		g.sink.Checkpoint(ctx, actionID, map[string]audit.EntitySnapshot{
			c.EntityID: {State: before.State, Timestamp: before.LastUpdated},
		}, "before "+service)
	}

	g.logger.Info("service called", "service", service, "entity_id", c.EntityID,
		"source", c.Source, "elapsed", elapsed.Round(time.Millisecond))

	return &Result{
		Success:  true,
		Service:  service,
		EntityID: c.EntityID,
		Data:     payload,
		Raw:      raw,
	}, nil
}

// snapshot reads the entity's state for the audit record. A failed
// read is logged and yields nil; it never blocks the command.
func (g *Gateway) snapshot(ctx context.Context, entityID string) *homeassistant.State {
	if entityID == "" {
		return nil
	}
	s, err := g.backend.GetState(ctx, entityID)
	if err != nil {
		g.logger.Debug("state snapshot unavailable", "entity_id", entityID, "error", err)
		return nil
	}
	return s
}

func (g *Gateway) record(ctx context.Context, c Call, service string, payload map[string]any, before, after *homeassistant.State, callErr error, elapsed *time.Duration) string {
	if g.sink == nil {
		return ""
	}
	a := &audit.Action{
		ActionType:  "service_call",
		EntityID:    c.EntityID,
		Service:     service,
		Data:        mustJSON(payload),
		Reason:      c.Reason,
		Source:      c.Source,
		BeforeState: stateJSON(before),
		AfterState:  stateJSON(after),
		Success:     callErr == nil,
	}
	if callErr != nil {
		a.ErrorMessage = callErr.Error()
	}
	if elapsed != nil {
		d := elapsed.Milliseconds()
		a.DurationMS = &d
	}
	return g.sink.Record(ctx, a)
}

func (g *Gateway) observe(c Call, service, outcome string) {
	if g.observer != nil {
		g.observer.CommandObserved(service, outcome)
	}
	g.bus.Publish(events.Event{
		Source: events.SourceGateway,
		Kind:   events.KindCommand,
		Data: map[string]any{
			"service":   service,
			"entity_id": c.EntityID,
			"source":    c.Source,
			"outcome":   outcome,
		},
	})
}

func stateJSON(s *homeassistant.State) json.RawMessage {
	if s == nil {
		return nil
	}
	return mustJSON(map[string]any{
		"state":        s.State,
		"last_updated": s.LastUpdated,
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
