package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/events"
)

// PendingSource reports how many suggestions await a decision.
type PendingSource interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Readings are the latest energy values. A zero Captured means no
// snapshot has been seen yet.
type Readings struct {
	TotalPower      float64
	SolarProduction float64
	GridConsumption float64
	BatteryLevel    float64
	ActiveDevices   int
	Captured        time.Time
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and pushes sensor states on capture events
// and on a fixed interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	pending    PendingSource
	logger     *slog.Logger

	mu       sync.Mutex
	readings Readings

	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. pending may be nil.
func New(cfg config.MQTTConfig, instanceID string, pending PendingSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		pending:    pending,
		logger:     logger,
	}
}

// Start connects to the broker and publishes until ctx is cancelled.
// Capture events from bus trigger an immediate state publish.
func (p *Publisher) Start(ctx context.Context, bus <-chan events.Event) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hearth-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx, bus)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// Update records a capture event's readings. It reports whether the
// event carried readings.
func (p *Publisher) Update(ev events.Event) bool {
	if ev.Source != events.SourceEnergy || ev.Kind != events.KindCaptureComplete {
		return false
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p.mu.Lock()
	p.readings = Readings{
		TotalPower:      number(ev.Data["total_power"]),
		SolarProduction: number(ev.Data["solar_production"]),
		GridConsumption: number(ev.Data["grid_consumption"]),
		BatteryLevel:    number(ev.Data["battery_level"]),
		ActiveDevices:   int(number(ev.Data["active_devices"])),
		Captured:        ts,
	}
	p.mu.Unlock()
	return true
}

// Readings returns the latest values.
func (p *Publisher) Readings() Readings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readings
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "hearth/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// sensor builds a discovery payload. Names are relative to the device
// (HasEntityName) so HA does not prefix the device name twice.
func (p *Publisher) sensor(suffix, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) power(suffix, name, icon string) SensorConfig {
	s := p.sensor(suffix, name, icon)
	s.UnitOfMeasurement = "W"
	s.DeviceClass = "power"
	s.StateClass = "measurement"
	return s
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	battery := p.sensor("battery_level", "Battery Level", "mdi:home-battery")
	battery.UnitOfMeasurement = "%"
	battery.DeviceClass = "battery"
	battery.StateClass = "measurement"

	devices := p.sensor("active_devices", "Active Devices", "mdi:power-plug")
	devices.StateClass = "measurement"

	pending := p.sensor("pending_suggestions", "Pending Suggestions", "mdi:lightbulb-on-outline")
	pending.StateClass = "measurement"

	lastCapture := p.sensor("last_capture", "Last Capture", "mdi:clock-check")
	lastCapture.DeviceClass = "timestamp"
	lastCapture.EntityCategory = "diagnostic"

	return []sensorDef{
		{"total_power", p.power("total_power", "Total Power", "mdi:flash")},
		{"solar_production", p.power("solar_production", "Solar Production", "mdi:solar-power")},
		{"grid_consumption", p.power("grid_consumption", "Grid Consumption", "mdi:transmission-tower")},
		{"battery_level", battery},
		{"active_devices", devices},
		{"pending_suggestions", pending},
		{"last_capture", lastCapture},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State loop ---

func (p *Publisher) runLoop(ctx context.Context, bus <-chan events.Event) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case ev, ok := <-bus:
			if !ok {
				bus = nil
				continue
			}
			if p.Update(ev) {
				p.publishStates(ctx)
			}
		}
	}
}

// stateValues renders the sensor payloads. Readings are omitted until
// the first capture so HA shows "unknown" rather than zero.
func (p *Publisher) stateValues(ctx context.Context) map[string]string {
	states := make(map[string]string)

	r := p.Readings()
	if !r.Captured.IsZero() {
		states["total_power"] = formatWatts(r.TotalPower)
		states["solar_production"] = formatWatts(r.SolarProduction)
		states["grid_consumption"] = formatWatts(r.GridConsumption)
		states["battery_level"] = strconv.FormatFloat(r.BatteryLevel, 'f', 0, 64)
		states["active_devices"] = strconv.Itoa(r.ActiveDevices)
		states["last_capture"] = r.Captured.UTC().Format(time.RFC3339)
	}

	if p.pending != nil {
		counts, err := p.pending.CountByStatus(ctx)
		if err != nil {
			p.logger.Debug("mqtt pending suggestion count failed", "error", err)
		} else {
			states["pending_suggestions"] = strconv.Itoa(counts["pending"])
		}
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.stateValues(ctx)
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}

func formatWatts(w float64) string {
	return strconv.FormatFloat(w, 'f', 1, 64)
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
