package energy

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
)

// Classification sorts entities into the roles that feed a snapshot.
// Each list holds entity IDs in input order.
type Classification struct {
	Power   []string `json:"power_sensors"`
	Solar   []string `json:"solar_sensors"`
	Battery []string `json:"battery_sensors"`
	Active  []string `json:"active_devices"`
}

// Classify assigns each state to at most one sensor role, plus the
// active-device set. Sensor roles apply to the sensor domain only:
//
//   - solar: entity ID contains both "solar" and "power"
//   - power: entity ID contains "power", or the unit is W or kW
//   - battery: entity ID contains "battery" and one of "level", "soc",
//     "state_of_charge"
//
// Lights and switches are active when "on"; climate devices when in
// any state other than "off" or "unavailable".
func Classify(states []homeassistant.State) Classification {
	var c Classification
	for _, s := range states {
		id := strings.ToLower(s.EntityID)
		switch s.Domain() {
		case "sensor":
			switch {
			case isSolar(id):
				c.Solar = append(c.Solar, s.EntityID)
			case isPower(id, s.Unit()):
				c.Power = append(c.Power, s.EntityID)
			case isBattery(id):
				c.Battery = append(c.Battery, s.EntityID)
			}
		case "light", "switch":
			if s.State == "on" {
				c.Active = append(c.Active, s.EntityID)
			}
		case "climate":
			if s.State != "off" && s.State != "unavailable" {
				c.Active = append(c.Active, s.EntityID)
			}
		}
	}
	return c
}

func isSolar(id string) bool {
	return strings.Contains(id, "solar") && strings.Contains(id, "power")
}

func isPower(id, unit string) bool {
	return strings.Contains(id, "power") || unit == "W" || unit == "kW"
}

func isBattery(id string) bool {
	if !strings.Contains(id, "battery") {
		return false
	}
	return strings.Contains(id, "level") || strings.Contains(id, "soc") || strings.Contains(id, "state_of_charge")
}

// watts parses a power reading, converting kW to W. Non-numeric
// states read as zero.
func watts(s homeassistant.State) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s.State), 64)
	if err != nil {
		return 0
	}
	if s.Unit() == "kW" {
		return v * 1000
	}
	return v
}

// Measure classifies states and reduces them to a snapshot taken at
// now. Solar sensors contribute to SolarProduction only, never to
// TotalPower. Battery level is the first battery sensor's value.
func Measure(states []homeassistant.State, now time.Time) *Snapshot {
	c := Classify(states)
	byID := make(map[string]homeassistant.State, len(states))
	for _, s := range states {
		byID[s.EntityID] = s
	}

	snap := &Snapshot{
		Timestamp:     now.UTC(),
		ActiveDevices: slices.Clone(c.Active),
		Hour:          now.Hour(),
		DayOfWeek:     int(now.Weekday()),
	}
	for _, id := range c.Power {
		snap.TotalPower += watts(byID[id])
	}
	for _, id := range c.Solar {
		snap.SolarProduction += watts(byID[id])
	}
	if len(c.Battery) > 0 {
		if v, err := strconv.ParseFloat(byID[c.Battery[0]].State, 64); err == nil {
			snap.BatteryLevel = v
		}
	}
	snap.GridConsumption = max(0, snap.TotalPower-snap.SolarProduction)
	if snap.ActiveDevices == nil {
		snap.ActiveDevices = []string{}
	}
	return snap
}
