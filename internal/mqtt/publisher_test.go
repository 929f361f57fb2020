package mqtt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/events"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(id, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", id)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "hearth-test",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "hearth/hearth-test"},
		{"availabilityTopic", p.availabilityTopic(), "hearth/hearth-test/availability"},
		{"stateTopic", p.stateTopic("total_power"), "hearth/hearth-test/total_power/state"},
		{"discoveryTopic", p.discoveryTopic("sensor", "total_power"), "homeassistant/sensor/hearth-test/total_power/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, "instance-123", nil, nil)

	want := map[string]string{
		"total_power":         "W",
		"solar_production":    "W",
		"grid_consumption":    "W",
		"battery_level":       "%",
		"active_devices":      "",
		"pending_suggestions": "",
		"last_capture":        "",
	}

	defs := p.sensorDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(want))
	}
	for _, d := range defs {
		unit, ok := want[d.entitySuffix]
		if !ok {
			t.Errorf("unexpected sensor %q", d.entitySuffix)
			continue
		}
		if d.config.UnitOfMeasurement != unit {
			t.Errorf("sensor %s: unit = %q, want %q", d.entitySuffix, d.config.UnitOfMeasurement, unit)
		}
		if strings.Contains(d.config.Name, cfg.DeviceName) {
			t.Errorf("sensor %s: Name %q contains device name", d.entitySuffix, d.config.Name)
		}
		if !d.config.HasEntityName || d.config.ObjectID != d.entitySuffix {
			t.Errorf("sensor %s: HasEntityName=%v ObjectID=%q", d.entitySuffix, d.config.HasEntityName, d.config.ObjectID)
		}
		if d.config.AvailabilityTopic != "hearth/hearth-test/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("sensor %s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if len(d.config.Device.Identifiers) != 1 || d.config.Device.Identifiers[0] != "instance-123" {
			t.Errorf("sensor %s: Device.Identifiers = %v", d.entitySuffix, d.config.Device.Identifiers)
		}
	}
}

type fakePending struct {
	counts map[string]int
	err    error
}

func (f fakePending) CountByStatus(context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func TestPublisher_StateValues(t *testing.T) {
	p := New(testConfig(), "id", fakePending{counts: map[string]int{"pending": 3, "dismissed": 1}}, nil)

	// Before any capture only the suggestion count is reported.
	states := p.stateValues(t.Context())
	if len(states) != 1 || states["pending_suggestions"] != "3" {
		t.Errorf("states before capture = %v", states)
	}

	ts := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	if !p.Update(events.Event{
		Timestamp: ts,
		Source:    events.SourceEnergy,
		Kind:      events.KindCaptureComplete,
		Data: map[string]any{
			"total_power":      1500.0,
			"solar_production": 400.0,
			"grid_consumption": 1100.0,
			"battery_level":    82.0,
			"active_devices":   4,
		},
	}) {
		t.Fatal("Update ignored a capture event")
	}

	states = p.stateValues(t.Context())
	want := map[string]string{
		"total_power":         "1500.0",
		"solar_production":    "400.0",
		"grid_consumption":    "1100.0",
		"battery_level":       "82",
		"active_devices":      "4",
		"last_capture":        "2026-03-01T18:00:00Z",
		"pending_suggestions": "3",
	}
	for k, v := range want {
		if states[k] != v {
			t.Errorf("%s = %q, want %q", k, states[k], v)
		}
	}
}

func TestPublisher_UpdateIgnoresOtherEvents(t *testing.T) {
	p := New(testConfig(), "id", fakePending{err: errors.New("db closed")}, nil)
	if p.Update(events.Event{Source: events.SourceEnergy, Kind: events.KindAnalysisComplete}) {
		t.Error("Update accepted an analysis event")
	}
	if p.Update(events.Event{Source: events.SourceGateway, Kind: events.KindCaptureComplete}) {
		t.Error("Update accepted a gateway event")
	}
	if !p.Readings().Captured.IsZero() {
		t.Error("readings changed")
	}
	if states := p.stateValues(t.Context()); len(states) != 0 {
		t.Errorf("states = %v, want none", states)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if !(config.MQTTConfig{Broker: "mqtt://localhost"}).Configured() {
		t.Error("broker set should be configured")
	}
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config should not be configured")
	}
}
