package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHAWebSocket speaks just enough of the HA protocol to authenticate,
// acknowledge one subscription, and push a single state_changed event.
func fakeHAWebSocket(t *testing.T, token string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]string{"type": "auth_required"})
		var auth map[string]string
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["access_token"] != token {
			conn.WriteJSON(map[string]string{"type": "auth_invalid"})
			return
		}
		conn.WriteJSON(map[string]string{"type": "auth_ok"})

		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"id": sub["id"], "type": "result", "success": true})
		conn.WriteJSON(map[string]any{
			"type": "event",
			"event": map[string]any{
				"event_type": "state_changed",
				"data": map[string]any{
					"entity_id": "light.porch",
					"old_state": map[string]any{"entity_id": "light.porch", "state": "off"},
					"new_state": map[string]any{"entity_id": "light.porch", "state": "on"},
				},
			},
		})

		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWSClient_SubscribeAndReceive(t *testing.T) {
	srv := fakeHAWebSocket(t, "tok")
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewWSClient(srv.URL, "tok", nil)
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case ev := <-c.Events():
		if ev.Type != "state_changed" {
			t.Errorf("event type = %q", ev.Type)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestWSClient_AuthInvalid(t *testing.T) {
	srv := fakeHAWebSocket(t, "right")
	defer srv.Close()

	c := NewWSClient(srv.URL, "wrong", nil)
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect with a bad token should fail")
	}
}
