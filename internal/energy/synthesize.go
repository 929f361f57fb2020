package energy

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/suggestions"
)

// Suggestion types produced by the miner.
const (
	TypeCostSaving         = "cost_saving"
	TypeDeviceOptimization = "device_optimization"
	TypeTiming             = "timing"
	TypeEfficiency         = "efficiency"
	TypeMonitoring         = "monitoring"
)

const (
	categoryEnergy = "energy"

	// efficiencySavings is a flat monthly estimate for reviewing the
	// most used devices.
	efficiencySavings = 5.0

	// suggestionTTL bounds how long a synthesized suggestion waits for
	// review before it expires.
	suggestionTTL = 7 * 24 * time.Hour
)

var impactRank = map[string]int{
	suggestions.ImpactHigh:   0,
	suggestions.ImpactMedium: 1,
	suggestions.ImpactLow:    2,
}

// Synthesize turns an analysis into suggestions: one per waste
// pattern, one for the top peak time, and one for the three most used
// devices. Types listed in downRated are dropped. The result is
// ordered high, medium, then low impact. A nil analysis yields a
// single bootstrap suggestion to start monitoring.
func Synthesize(a *Analysis, downRated []string, now time.Time) []*suggestions.Suggestion {
	if a == nil {
		return []*suggestions.Suggestion{bootstrap()}
	}

	var out []*suggestions.Suggestion
	for _, w := range a.WastePatterns {
		switch w.Type {
		case WasteNightUsage:
			out = append(out, &suggestions.Suggestion{
				Type:  TypeCostSaving,
				Title: "Reduce overnight power use",
				Description: fmt.Sprintf("Average overnight draw is %.0f W, mostly from %s. Turning these off overnight could save about $%.2f per month.",
					w.AveragePower, strings.Join(w.Devices, ", "), w.PotentialSavings),
				Confidence: 0.8,
				Impact:     suggestions.ImpactHigh,
				Entities:   w.Devices,
				Data:       dataJSON(map[string]any{"pattern": w.Type, "average_power": w.AveragePower, "potential_savings": w.PotentialSavings}),
			})
		case WasteAlwaysOn:
			out = append(out, &suggestions.Suggestion{
				Type:  TypeDeviceOptimization,
				Title: "Automate always-on devices",
				Description: fmt.Sprintf("%s stayed on through the last day. A schedule or motion automation could save about $%.2f per month.",
					strings.Join(w.Devices, ", "), w.PotentialSavings),
				Confidence: 0.75,
				Impact:     suggestions.ImpactMedium,
				Entities:   w.Devices,
				Data:       dataJSON(map[string]any{"pattern": w.Type, "potential_savings": w.PotentialSavings}),
			})
		}
	}

	if len(a.PeakTimes) > 0 {
		peak := a.PeakTimes[0]
		savings := peak.Power * peakShiftFraction * daysPerMonth * peakShiftRatePerKWh / 1000
		out = append(out, &suggestions.Suggestion{
			Type:  TypeTiming,
			Title: fmt.Sprintf("Shift load away from %s %02d:00", time.Weekday(peak.DayOfWeek), peak.Hour),
			Description: fmt.Sprintf("Usage peaks at %.0f W around %02d:00 on %ss. Moving 30%% of it off peak could save about $%.2f per month.",
				peak.Power, peak.Hour, time.Weekday(peak.DayOfWeek), savings),
			Confidence: 0.6,
			Impact:     suggestions.ImpactMedium,
			Data:       dataJSON(map[string]any{"hour": peak.Hour, "day_of_week": peak.DayOfWeek, "power": peak.Power, "potential_savings": savings}),
		})
	}

	if top := topDevices(a.DevicePatterns, 3); len(top) > 0 {
		out = append(out, &suggestions.Suggestion{
			Type:  TypeEfficiency,
			Title: "Review your most used devices",
			Description: fmt.Sprintf("%s are active most often. Checking their settings could save about $%.2f per month.",
				strings.Join(top, ", "), efficiencySavings),
			Confidence: 0.5,
			Impact:     suggestions.ImpactLow,
			Entities:   top,
			Data:       dataJSON(map[string]any{"potential_savings": efficiencySavings}),
		})
	}

	out = slices.DeleteFunc(out, func(sg *suggestions.Suggestion) bool {
		return slices.Contains(downRated, sg.Type)
	})
	expires := now.Add(suggestionTTL)
	for _, sg := range out {
		sg.Category = categoryEnergy
		sg.ExpiresAt = &expires
	}
	slices.SortStableFunc(out, func(x, y *suggestions.Suggestion) int {
		return cmp.Compare(impactRank[x.Impact], impactRank[y.Impact])
	})
	return out
}

func bootstrap() *suggestions.Suggestion {
	return &suggestions.Suggestion{
		Type:        TypeMonitoring,
		Title:       "Start energy monitoring",
		Description: "No energy analysis is available yet. Hearth needs a few hours of power snapshots before it can spot peaks and waste.",
		Confidence:  1,
		Impact:      suggestions.ImpactLow,
		Category:    categoryEnergy,
	}
}

// topDevices returns up to n device IDs ordered by usage count, ties
// by ID.
func topDevices(patterns map[string]DevicePattern, n int) []string {
	ids := make([]string, 0, len(patterns))
	for id := range patterns {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(patterns[b].UsageCount, patterns[a].UsageCount); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// SuggestionStore is where synthesized suggestions are filed.
type SuggestionStore interface {
	HasPending(ctx context.Context, suggestionType string) (bool, error)
	Create(ctx context.Context, sg *suggestions.Suggestion) error
}

// Persist files each suggestion unless one of the same type is
// already pending review. It returns the suggestions created.
func Persist(ctx context.Context, store SuggestionStore, list []*suggestions.Suggestion) ([]*suggestions.Suggestion, error) {
	var created []*suggestions.Suggestion
	for _, sg := range list {
		pending, err := store.HasPending(ctx, sg.Type)
		if err != nil {
			return created, err
		}
		if pending {
			continue
		}
		if err := store.Create(ctx, sg); err != nil {
			return created, err
		}
		created = append(created, sg)
	}
	return created, nil
}

func dataJSON(v map[string]any) json.RawMessage {
	for k, f := range v {
		if x, ok := f.(float64); ok {
			v[k] = math.Round(x*100) / 100
		}
	}
	data, _ := json.Marshal(v)
	return data
}
