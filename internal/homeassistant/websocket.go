package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient holds a WebSocket connection to Home Assistant used for the
// state_changed subscription. Request/response traffic other than
// subscribe is not needed by Hearth.
type WSClient struct {
	baseURL string
	token   string

	connMu sync.Mutex
	conn   *websocket.Conn
	msgID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsMessage

	events chan Event
	logger *slog.Logger
}

// Event represents a Home Assistant event received via WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData is the payload of a state_changed event.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWSClient creates a WebSocket client. Call Run to connect.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		pending: make(map[int64]chan wsMessage),
		events:  make(chan Event, 100),
		logger:  logger,
	}
}

// Events returns the channel of subscribed events.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

func (c *WSClient) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// Connect dials, authenticates, and starts the read loop. The returned
// channel is closed when the read loop exits.
func (c *WSClient) Connect(ctx context.Context) (<-chan struct{}, error) {
	target, err := c.wsURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   256 * 1024,
		WriteBufferSize:  16 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(64 * 1024 * 1024)

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readLoop(conn)
	}()

	c.logger.Info("home assistant websocket authenticated", "url", target)
	return done, nil
}

func (c *WSClient) authenticate(conn *websocket.Conn) error {
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}
}

// Subscribe subscribes the current connection to an event type.
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	id := c.msgID.Add(1)
	respCh := make(chan wsMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = fmt.Errorf("not connected")
	} else {
		err = conn.WriteJSON(map[string]any{
			"id":         id,
			"type":       "subscribe_events",
			"event_type": eventType,
		})
	}
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}

	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("subscribe to %s: %s: %s", eventType, resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("subscribe to %s: request failed", eventType)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("subscribe to %s: timeout waiting for response", eventType)
	}

	c.logger.Info("subscribed to events", "event_type", eventType)
	return nil
}

// Close closes the current connection, if any.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Run keeps a state_changed subscription alive until ctx is cancelled,
// reconnecting with capped exponential backoff (1s doubling to 60s)
// whenever the connection drops.
func (c *WSClient) Run(ctx context.Context, eventType string) {
	delay := time.Second
	for {
		done, err := c.Connect(ctx)
		if err == nil {
			err = c.Subscribe(ctx, eventType)
			if err == nil {
				delay = time.Second
				select {
				case <-ctx.Done():
					c.Close()
					return
				case <-done:
				}
				c.logger.Warn("home assistant websocket disconnected")
			} else {
				c.Close()
			}
		}
		if err != nil {
			c.logger.Warn("home assistant websocket unavailable", "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Minute)
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- msg
			}
			c.pendingMu.Unlock()

		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "type", msg.Event.Type)
			}
		}
	}
}
