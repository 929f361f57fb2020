package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nugget/hearth/internal/audit"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/faults"
	"github.com/nugget/hearth/internal/homeassistant"
)

type recordingSink struct {
	actions     []*audit.Action
	checkpoints []map[string]audit.EntitySnapshot
}

func (r *recordingSink) Record(_ context.Context, a *audit.Action) string {
	r.actions = append(r.actions, a)
	return "action-" + string(rune('0'+len(r.actions)))
}

func (r *recordingSink) Checkpoint(_ context.Context, actionID string, states map[string]audit.EntitySnapshot, _ string) {
	if actionID != "" {
		r.checkpoints = append(r.checkpoints, states)
	}
}

// fakeHA serves GET /api/states/{id} and POST /api/services/... and
// counts every request.
func fakeHA(t *testing.T, serviceStatus int) (*httptest.Server, *atomic.Int32, *[]map[string]any) {
	t.Helper()
	var hits atomic.Int32
	var bodies []map[string]any
	state := "off"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/states/"):
			json.NewEncoder(w).Encode(map[string]any{
				"entity_id":    strings.TrimPrefix(r.URL.Path, "/api/states/"),
				"state":        state,
				"last_updated": "2026-03-01T12:00:00Z",
			})
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/services/"):
			data, _ := io.ReadAll(r.Body)
			var body map[string]any
			json.Unmarshal(data, &body)
			bodies = append(bodies, body)
			if serviceStatus != http.StatusOK {
				http.Error(w, "boom", serviceStatus)
				return
			}
			state = "on"
			w.Write([]byte(`[{"entity_id":"light.porch","state":"on"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &bodies
}

func TestAllowlist(t *testing.T) {
	if got := len(Allowlist()); got != 30 {
		t.Errorf("allowlist size = %d, want 30", got)
	}
	tests := []struct {
		domain, service string
		want            bool
	}{
		{"light", "turn_on", true},
		{"LIGHT", "Turn_On", true},
		{"input_select", "select_option", true},
		{"climate", "set_preset_mode", false},
		{"lock", "unlock", false},
		{"homeassistant", "restart", false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.domain, tt.service); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.domain, tt.service, got, tt.want)
		}
	}
}

func TestCallService_DisallowedMakesNoNetworkCalls(t *testing.T) {
	srv, hits, _ := fakeHA(t, http.StatusOK)
	sink := &recordingSink{}
	g := New(homeassistant.NewClient(srv.URL, "token", nil), sink, nil, nil)

	_, err := g.CallService(t.Context(), Call{
		Domain:   "climate",
		Service:  "set_preset_mode",
		EntityID: "climate.living_room",
		Data:     map[string]any{"preset_mode": "away"},
		Source:   audit.SourceAssistant,
	})

	var ce *faults.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if !errors.Is(err, faults.ErrServiceNotAllowed) {
		t.Errorf("err = %v, want ErrServiceNotAllowed", err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
	if len(sink.actions) != 1 || sink.actions[0].Success {
		t.Errorf("denied call should be audited as a failure: %+v", sink.actions)
	}
	if len(sink.checkpoints) != 0 {
		t.Error("denied call must not capture a rollback point")
	}
}

func TestCallService_Allowed(t *testing.T) {
	srv, _, bodies := fakeHA(t, http.StatusOK)
	sink := &recordingSink{}
	g := New(homeassistant.NewClient(srv.URL, "token", nil), sink, nil, nil)

	res, err := g.CallService(t.Context(), Call{
		Domain:   "light",
		Service:  "turn_on",
		EntityID: "light.porch",
		Data:     map[string]any{"brightness": 200},
		Source:   audit.SourceUI,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if !res.Success || res.Service != "light.turn_on" || res.EntityID != "light.porch" {
		t.Errorf("result = %+v", res)
	}
	if res.Data["brightness"] != 200 || res.Data["entity_id"] != "light.porch" {
		t.Errorf("echo data = %v", res.Data)
	}
	if !strings.Contains(string(res.Raw), `"state":"on"`) {
		t.Errorf("raw = %s", res.Raw)
	}

	if len(*bodies) != 1 {
		t.Fatalf("service posts = %d, want 1", len(*bodies))
	}
	if (*bodies)[0]["entity_id"] != "light.porch" || (*bodies)[0]["brightness"] != float64(200) {
		t.Errorf("payload = %v", (*bodies)[0])
	}

	if len(sink.actions) != 1 {
		t.Fatalf("actions = %d", len(sink.actions))
	}
	a := sink.actions[0]
	if !a.Success || a.DurationMS == nil {
		t.Errorf("action = %+v", a)
	}
	if !strings.Contains(string(a.BeforeState), `"off"`) || !strings.Contains(string(a.AfterState), `"on"`) {
		t.Errorf("before = %s, after = %s", a.BeforeState, a.AfterState)
	}
	if len(sink.checkpoints) != 1 || sink.checkpoints[0]["light.porch"].State != "off" {
		t.Errorf("checkpoints = %+v", sink.checkpoints)
	}
}

func TestCallService_UpstreamFailurePropagatesWithoutRetry(t *testing.T) {
	srv, _, bodies := fakeHA(t, http.StatusInternalServerError)
	sink := &recordingSink{}
	g := New(homeassistant.NewClient(srv.URL, "token", nil), sink, nil, nil)

	_, err := g.CallService(t.Context(), Call{Domain: "switch", Service: "toggle", EntityID: "switch.fan", Source: audit.SourceAPI})
	var ue *faults.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusInternalServerError {
		t.Fatalf("err = %v, want UpstreamError 500", err)
	}
	if len(*bodies) != 1 {
		t.Errorf("service posts = %d, want exactly 1", len(*bodies))
	}
	if len(sink.actions) != 1 || sink.actions[0].Success || sink.actions[0].ErrorMessage == "" {
		t.Errorf("failed call audit = %+v", sink.actions)
	}
	if len(sink.checkpoints) != 0 {
		t.Error("failed call must not capture a rollback point")
	}
}

func TestCallService_NoEntityNoSnapshots(t *testing.T) {
	srv, hits, _ := fakeHA(t, http.StatusOK)
	g := New(homeassistant.NewClient(srv.URL, "token", nil), nil, nil, nil)

	if _, err := g.CallService(t.Context(), Call{Domain: "scene", Service: "turn_on", Data: map[string]any{"entity_id": "scene.movie"}}); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("requests = %d, want 1 (no state reads without entity)", n)
	}
}

func TestCallService_PublishesOutcome(t *testing.T) {
	srv, _, _ := fakeHA(t, http.StatusOK)
	g := New(homeassistant.NewClient(srv.URL, "token", nil), nil, nil, nil)
	bus := events.New()
	ch := bus.Subscribe(4)
	g.SetBus(bus)

	if _, err := g.CallService(t.Context(), Call{Domain: "light", Service: "turn_on", EntityID: "light.porch", Source: audit.SourceUI}); err != nil {
		t.Fatalf("CallService: %v", err)
	}
	g.CallService(t.Context(), Call{Domain: "lock", Service: "unlock", Source: audit.SourceUI})

	want := []string{"ok", "denied"}
	for _, outcome := range want {
		ev := <-ch
		if ev.Kind != events.KindCommand || ev.Data["outcome"] != outcome {
			t.Errorf("event = %+v, want outcome %s", ev, outcome)
		}
	}
}
