package energy

import (
	"math"
	"slices"
	"testing"
	"time"
)

func snapAt(ts time.Time, power float64, devices ...string) Snapshot {
	return Snapshot{
		Timestamp:     ts,
		TotalPower:    power,
		ActiveDevices: devices,
		Hour:          ts.Hour(),
		DayOfWeek:     int(ts.Weekday()),
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestWastePatterns_NightUsage(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var snaps []Snapshot
	for h := range 24 {
		power := 80.0
		if nightHours[h] {
			power = 150
		}
		snaps = append(snaps, snapAt(start.Add(time.Duration(h)*time.Hour), power, "switch.pool_pump"))
	}

	waste := WastePatterns(snaps)
	i := slices.IndexFunc(waste, func(w WastePattern) bool { return w.Type == WasteNightUsage })
	if i < 0 {
		t.Fatalf("no night_usage pattern in %+v", waste)
	}
	w := waste[i]
	if w.AveragePower != 150 {
		t.Errorf("AveragePower = %v, want 150", w.AveragePower)
	}
	if want := 150.0 * 6 * 30 * 0.15 / 1000; !approx(w.PotentialSavings, want) {
		t.Errorf("PotentialSavings = %v, want %v", w.PotentialSavings, want)
	}
	if !slices.Equal(w.Devices, []string{"switch.pool_pump"}) {
		t.Errorf("Devices = %v", w.Devices)
	}
}

func TestWastePatterns_Thresholds(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("fewer than ten snapshots", func(t *testing.T) {
		var snaps []Snapshot
		for h := range 9 {
			snaps = append(snaps, snapAt(start.Add(time.Duration(h)*time.Hour), 500, "light.porch"))
		}
		if got := WastePatterns(snaps); len(got) != 0 {
			t.Errorf("got %+v, want none", got)
		}
	})

	t.Run("quiet nights", func(t *testing.T) {
		var snaps []Snapshot
		for h := range 12 {
			snaps = append(snaps, snapAt(start.Add(time.Duration(h)*time.Hour), 90, "switch.fridge"))
		}
		for _, w := range WastePatterns(snaps) {
			if w.Type == WasteNightUsage {
				t.Errorf("night usage flagged at 90 W: %+v", w)
			}
		}
	})

	t.Run("always on needs twenty", func(t *testing.T) {
		var snaps []Snapshot
		for h := range 19 {
			snaps = append(snaps, snapAt(start.Add(time.Duration(h)*time.Hour), 50, "light.porch"))
		}
		for _, w := range WastePatterns(snaps) {
			if w.Type == WasteAlwaysOn {
				t.Errorf("always-on flagged with 19 snapshots")
			}
		}
	})

	t.Run("always on ignores climate", func(t *testing.T) {
		var snaps []Snapshot
		for h := range 20 {
			snaps = append(snaps, snapAt(start.Add(time.Duration(h)*time.Hour), 50, "climate.hall", "switch.router"))
		}
		waste := WastePatterns(snaps)
		i := slices.IndexFunc(waste, func(w WastePattern) bool { return w.Type == WasteAlwaysOn })
		if i < 0 {
			t.Fatal("always-on not flagged")
		}
		if !slices.Equal(waste[i].Devices, []string{"switch.router"}) {
			t.Errorf("Devices = %v", waste[i].Devices)
		}
		if !approx(waste[i].PotentialSavings, 10*24*30*0.15/1000) {
			t.Errorf("PotentialSavings = %v", waste[i].PotentialSavings)
		}
	})
}

func TestAnalyze_DayOfPorchLight(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) // Sunday
	now := start.Add(24 * time.Hour)

	var snaps []Snapshot
	for i := range 96 {
		ts := start.Add(time.Duration(i) * 15 * time.Minute)
		power := 440.0 + float64(i%4)*5 // 440..455, hour average 447.5
		if ts.Hour() == 19 {
			power = 600
		}
		snaps = append(snaps, snapAt(ts, power, "light.porch"))
	}

	a := Analyze("global", snaps, now)

	if a.SnapshotCount != 96 {
		t.Errorf("SnapshotCount = %d", a.SnapshotCount)
	}
	if len(a.UsagePatterns) != 24 {
		t.Errorf("UsagePatterns = %d buckets, want 24", len(a.UsagePatterns))
	}
	if a.UsagePatterns[0].Key != "0-0" || a.UsagePatterns[0].Samples != 4 {
		t.Errorf("first bucket = %+v", a.UsagePatterns[0])
	}
	if len(a.PeakTimes) != maxPeaks {
		t.Errorf("PeakTimes = %d, want %d", len(a.PeakTimes), maxPeaks)
	}
	if p := a.PeakTimes[0]; p.Hour != 19 || p.Power != 600 {
		t.Errorf("PeakTimes[0] = %+v, want hour 19 at 600 W", p)
	}

	dp := a.DevicePatterns["light.porch"]
	if dp.UsageCount != 96 || len(dp.Hours) != 24 {
		t.Errorf("porch device pattern = %+v", dp)
	}

	i := slices.IndexFunc(a.WastePatterns, func(w WastePattern) bool { return w.Type == WasteAlwaysOn })
	if i < 0 {
		t.Fatalf("always-on not flagged: %+v", a.WastePatterns)
	}
	if !slices.Contains(a.WastePatterns[i].Devices, "light.porch") {
		t.Errorf("always-on devices = %v", a.WastePatterns[i].Devices)
	}
}

func TestAnalyze_Windows(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snaps := []Snapshot{
		snapAt(now.Add(-8*24*time.Hour), 9999, "switch.old"), // outside every window
		snapAt(now.Add(-5*24*time.Hour), 100, "switch.week"), // usage only
		snapAt(now.Add(-time.Hour), 200, "switch.recent"),
	}
	a := Analyze("global", snaps, now)

	if a.SnapshotCount != 2 {
		t.Errorf("SnapshotCount = %d, want 2", a.SnapshotCount)
	}
	if _, ok := a.DevicePatterns["switch.week"]; ok {
		t.Error("device window should exclude a 5-day-old snapshot")
	}
	if _, ok := a.DevicePatterns["switch.recent"]; !ok {
		t.Error("recent device missing")
	}
	for _, p := range a.PeakTimes {
		if p.Power == 9999 {
			t.Error("snapshot older than a week contributed a peak")
		}
	}
}
