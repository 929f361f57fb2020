// Package homeassistant provides clients for the Home Assistant REST
// and WebSocket APIs. Only state reads, service invocation, and the
// state_changed subscription are implemented; everything else the
// backend offers is outside Hearth's surface.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/faults"
	"github.com/nugget/hearth/internal/httpkit"
)

// Client is a Home Assistant REST API client.
//
// Reads and writes use separate HTTP clients: reads may be retried once
// after a transient dial failure, service calls never are.
type Client struct {
	baseURL string
	token   string
	reads   *http.Client
	writes  *http.Client
	logger  *slog.Logger
}

// NewClient creates a new Home Assistant client. Every request is
// bounded by a 30s timeout.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		reads: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithReadRetry(500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		writes: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		logger: logger,
	}
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the entity-type prefix ("light" for "light.porch").
// An entity ID without a separator is its own domain.
func (s State) Domain() string {
	return Domain(s.EntityID)
}

// FriendlyName returns the friendly_name attribute, falling back to
// the entity ID when it is missing or empty.
func (s State) FriendlyName() string {
	if fn, ok := s.Attributes["friendly_name"].(string); ok && fn != "" {
		return fn
	}
	return s.EntityID
}

// Unit returns the unit_of_measurement attribute, or "".
func (s State) Unit() string {
	u, _ := s.Attributes["unit_of_measurement"].(string)
	return u
}

// Domain returns the text before the first '.' in entityID.
func Domain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return entityID
}

// ObjectID returns the text after the first '.' in entityID.
func ObjectID(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[i+1:]
	}
	return entityID
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetState retrieves a single entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+entityID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// CallService invokes a Home Assistant service exactly once and returns
// the raw response body (HA answers with the list of states that
// changed). Callers outside the gateway package should not use this
// directly: the allowlist lives in the gateway.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal service data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	c.logger.Debug("calling service", "domain", domain, "service", service)

	resp, err := c.writes.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &faults.UpstreamError{
			Service: "homeassistant",
			Status:  resp.StatusCode,
			Body:    httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		// Some services answer 200 with an empty body.
		return json.RawMessage("[]"), nil
	}
	return raw, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.reads.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &faults.UpstreamError{
			Service: "homeassistant",
			Status:  resp.StatusCode,
			Body:    httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
