package energy

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/nugget/hearth/internal/homeassistant"
)

// Analysis windows and thresholds.
const (
	usageWindow  = 7 * 24 * time.Hour
	deviceWindow = 3 * 24 * time.Hour
	wasteWindow  = 24 * time.Hour

	maxPeaks = 5

	minWasteSnapshots    = 10
	minAlwaysOnSnapshots = 20

	nightPowerThreshold = 100.0 // W
	nightPresenceRatio  = 0.70
	alwaysOnRatio       = 0.95

	// Cost model.
	nightHoursPerDay    = 6.0
	daysPerMonth        = 30.0
	wasteRatePerKWh     = 0.15
	alwaysOnBaselineW   = 10.0
	peakShiftFraction   = 0.3
	peakShiftRatePerKWh = 0.10
)

// Waste pattern types.
const (
	WasteNightUsage = "night_usage"
	WasteAlwaysOn   = "always_on_devices"
)

var nightHours = map[int]bool{23: true, 0: true, 1: true, 2: true, 3: true, 4: true, 5: true}

// UsagePattern aggregates snapshots sharing a day of week and hour.
type UsagePattern struct {
	Key          string   `json:"key"` // "<dow>-<hour>"
	DayOfWeek    int      `json:"day_of_week"`
	Hour         int      `json:"hour"`
	AveragePower float64  `json:"average_power"`
	PeakPower    float64  `json:"peak_power"`
	Devices      []string `json:"devices"`
	Samples      int      `json:"samples"`
}

// PeakTime is one of the highest-average usage buckets.
type PeakTime struct {
	Hour      int     `json:"hour"`
	DayOfWeek int     `json:"day_of_week"`
	Power     float64 `json:"power"`
}

// DevicePattern records how often a device was seen active.
type DevicePattern struct {
	UsageCount int   `json:"usage_count"`
	Hours      []int `json:"hours"`
}

// WastePattern is a detected source of avoidable consumption.
type WastePattern struct {
	Type             string   `json:"type"`
	AveragePower     float64  `json:"average_power,omitempty"`
	Devices          []string `json:"devices"`
	PotentialSavings float64  `json:"potential_savings"` // dollars per month
}

// Analysis is the result of one mining cycle.
type Analysis struct {
	Scope          string                   `json:"scope"`
	AnalyzedAt     time.Time                `json:"analyzed_at"`
	SnapshotCount  int                      `json:"snapshot_count"`
	UsagePatterns  []UsagePattern           `json:"usage_patterns"`
	PeakTimes      []PeakTime               `json:"peak_times"`
	DevicePatterns map[string]DevicePattern `json:"device_patterns"`
	WastePatterns  []WastePattern           `json:"waste_patterns"`
}

// Analyze mines snapshots (any order) relative to now. Each detector
// looks only at its own trailing window.
func Analyze(scope string, snapshots []Snapshot, now time.Time) *Analysis {
	usage := UsagePatterns(window(snapshots, now, usageWindow))
	return &Analysis{
		Scope:          scope,
		AnalyzedAt:     now.UTC(),
		SnapshotCount:  len(window(snapshots, now, usageWindow)),
		UsagePatterns:  usage,
		PeakTimes:      PeakTimes(usage),
		DevicePatterns: DevicePatterns(window(snapshots, now, deviceWindow)),
		WastePatterns:  WastePatterns(window(snapshots, now, wasteWindow)),
	}
}

// window returns the snapshots taken within d before now, oldest
// first.
func window(snapshots []Snapshot, now time.Time, d time.Duration) []Snapshot {
	cutoff := now.Add(-d)
	var out []Snapshot
	for _, s := range snapshots {
		if !s.Timestamp.Before(cutoff) && !s.Timestamp.After(now) {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b Snapshot) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// UsagePatterns buckets snapshots by (day of week, hour), ordered by
// day then hour.
func UsagePatterns(snapshots []Snapshot) []UsagePattern {
	type bucket struct {
		UsagePattern
		sum     float64
		devices map[string]bool
	}
	buckets := make(map[string]*bucket)
	for _, s := range snapshots {
		key := fmt.Sprintf("%d-%d", s.DayOfWeek, s.Hour)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{
				UsagePattern: UsagePattern{Key: key, DayOfWeek: s.DayOfWeek, Hour: s.Hour},
				devices:      make(map[string]bool),
			}
			buckets[key] = b
		}
		b.Samples++
		b.sum += s.TotalPower
		b.PeakPower = max(b.PeakPower, s.TotalPower)
		for _, d := range s.ActiveDevices {
			b.devices[d] = true
		}
	}

	out := make([]UsagePattern, 0, len(buckets))
	for _, b := range buckets {
		p := b.UsagePattern
		p.AveragePower = b.sum / float64(b.Samples)
		p.Devices = sortedKeys(b.devices)
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b UsagePattern) int {
		if c := cmp.Compare(a.DayOfWeek, b.DayOfWeek); c != 0 {
			return c
		}
		return cmp.Compare(a.Hour, b.Hour)
	})
	return out
}

// PeakTimes returns the five buckets with the highest average power,
// highest first.
func PeakTimes(usage []UsagePattern) []PeakTime {
	sorted := slices.Clone(usage)
	slices.SortStableFunc(sorted, func(a, b UsagePattern) int {
		return cmp.Compare(b.AveragePower, a.AveragePower)
	})
	if len(sorted) > maxPeaks {
		sorted = sorted[:maxPeaks]
	}
	out := make([]PeakTime, len(sorted))
	for i, p := range sorted {
		out[i] = PeakTime{Hour: p.Hour, DayOfWeek: p.DayOfWeek, Power: p.AveragePower}
	}
	return out
}

// DevicePatterns counts how many snapshots each device appeared active
// in and the distinct hours it was seen.
func DevicePatterns(snapshots []Snapshot) map[string]DevicePattern {
	counts := make(map[string]int)
	hours := make(map[string]map[int]bool)
	for _, s := range snapshots {
		for _, d := range s.ActiveDevices {
			counts[d]++
			if hours[d] == nil {
				hours[d] = make(map[int]bool)
			}
			hours[d][s.Hour] = true
		}
	}

	out := make(map[string]DevicePattern, len(counts))
	for d, n := range counts {
		hs := make([]int, 0, len(hours[d]))
		for h := range hours[d] {
			hs = append(hs, h)
		}
		slices.Sort(hs)
		out[d] = DevicePattern{UsageCount: n, Hours: hs}
	}
	return out
}

// WastePatterns runs the night-usage and always-on detectors. Fewer
// than ten snapshots yields no patterns.
func WastePatterns(snapshots []Snapshot) []WastePattern {
	if len(snapshots) < minWasteSnapshots {
		return []WastePattern{}
	}
	out := []WastePattern{}
	if p, ok := nightUsage(snapshots); ok {
		out = append(out, p)
	}
	if p, ok := alwaysOn(snapshots); ok {
		out = append(out, p)
	}
	return out
}

// nightUsage flags overnight draw above 100 W when at least one
// device is present in 70% or more of the night snapshots.
func nightUsage(snapshots []Snapshot) (WastePattern, bool) {
	var night []Snapshot
	for _, s := range snapshots {
		if nightHours[s.Hour] {
			night = append(night, s)
		}
	}
	if len(night) == 0 {
		return WastePattern{}, false
	}

	var sum float64
	for _, s := range night {
		sum += s.TotalPower
	}
	avg := sum / float64(len(night))
	if avg <= nightPowerThreshold {
		return WastePattern{}, false
	}

	devices := presentAtLeast(night, nightPresenceRatio, nil)
	if len(devices) == 0 {
		return WastePattern{}, false
	}
	return WastePattern{
		Type:             WasteNightUsage,
		AveragePower:     avg,
		Devices:          devices,
		PotentialSavings: avg * nightHoursPerDay * daysPerMonth * wasteRatePerKWh / 1000,
	}, true
}

// alwaysOn flags lights and switches present in 95% or more of at
// least twenty snapshots, assuming a 10 W baseline draw each.
func alwaysOn(snapshots []Snapshot) (WastePattern, bool) {
	if len(snapshots) < minAlwaysOnSnapshots {
		return WastePattern{}, false
	}
	devices := presentAtLeast(snapshots, alwaysOnRatio, func(id string) bool {
		d := homeassistant.Domain(id)
		return d == "light" || d == "switch"
	})
	if len(devices) == 0 {
		return WastePattern{}, false
	}
	return WastePattern{
		Type:             WasteAlwaysOn,
		Devices:          devices,
		PotentialSavings: float64(len(devices)) * alwaysOnBaselineW * 24 * daysPerMonth * wasteRatePerKWh / 1000,
	}, true
}

// presentAtLeast returns, sorted, the devices active in at least ratio
// of snapshots. keep filters candidates when non-nil.
func presentAtLeast(snapshots []Snapshot, ratio float64, keep func(string) bool) []string {
	counts := make(map[string]int)
	for _, s := range snapshots {
		for _, d := range s.ActiveDevices {
			counts[d]++
		}
	}
	var out []string
	for d, n := range counts {
		if keep != nil && !keep(d) {
			continue
		}
		if float64(n)/float64(len(snapshots)) >= ratio {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
