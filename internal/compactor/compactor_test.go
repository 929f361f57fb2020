package compactor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/contextcache"
	"github.com/nugget/hearth/internal/entities"
	"github.com/nugget/hearth/internal/homeassistant"
)

type fakeStates struct {
	states []homeassistant.State
	err    error
	calls  int
}

func (f *fakeStates) GetStates(context.Context) ([]homeassistant.State, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.states, nil
}

type fakeAliases []string

func (f fakeAliases) AliasPhrases(context.Context) ([]string, error) { return f, nil }

type countingObserver map[string]int

func (o countingObserver) ObserveCache(kind, outcome string) { o[kind+"/"+outcome]++ }

func state(id, value, name, unit string) homeassistant.State {
	attrs := map[string]any{}
	if name != "" {
		attrs["friendly_name"] = name
	}
	if unit != "" {
		attrs["unit_of_measurement"] = unit
	}
	return homeassistant.State{EntityID: id, State: value, Attributes: attrs}
}

func house() []homeassistant.State {
	return []homeassistant.State{
		state("sensor.outdoor_temp", "12.5", "Outdoor Temperature", "°C"),
		state("light.living_room", "on", "Living Room Light", ""),
		state("media_player.living_room_tv", "off", "Living Room TV", ""),
		state("light.kitchen", "off", "Kitchen Light", ""),
		state("switch.pool_pump", "on", "Pool Pump", ""),
	}
}

func newTestCompactor(src StateSource) (*Compactor, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := contextcache.NewMemory()
	cache.SetClock(clock)
	c := New(Config{States: src, Cache: cache})
	c.nowFunc = clock
	return c, &now
}

func TestKeywords(t *testing.T) {
	got := Keywords("Turn ON the living-room light, please!")
	want := []string{"turn", "the", "livingroom", "light", "please"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Keywords = %v, want %v", got, want)
	}
	if got := Keywords("a an to"); len(got) != 0 {
		t.Errorf("short tokens kept: %v", got)
	}
}

func TestScore_LivingRoomBeatsUnrelated(t *testing.T) {
	kw := Keywords("turn on the living room light")
	living := entities.NewMapping(state("light.living_room", "on", "Living Room Light", ""))
	outdoor := entities.NewMapping(state("sensor.outdoor_temp", "12", "Outdoor Temperature", "°C"))

	ls := Score(living, kw)
	os := Score(outdoor, kw)
	if os != 0 {
		t.Errorf("outdoor score = %d, want 0", os)
	}
	if ls <= os {
		t.Errorf("living room score %d should exceed %d", ls, os)
	}
	// living + room + light match names (+30), light equals domain (+5), core domain (+1).
	if ls != 36 {
		t.Errorf("living room score = %d, want 36", ls)
	}
}

func TestScore_BaselineAloneIsZero(t *testing.T) {
	m := entities.NewMapping(state("sensor.humidity", "40", "Humidity", "%"))
	if got := Score(m, []string{"garage"}); got != 0 {
		t.Errorf("Score = %d, want 0 for unmatched core-domain entity", got)
	}
}

func TestRank_StableAndCapped(t *testing.T) {
	mappings := entities.Build([]homeassistant.State{
		state("light.a_lamp", "on", "A Lamp", ""),
		state("light.b_lamp", "on", "B Lamp", ""),
		state("light.c_lamp", "on", "C Lamp", ""),
	})

	ranked := Rank(mappings, []string{"lamp"}, 0)
	if len(ranked) != 3 {
		t.Fatalf("len = %d, want 3", len(ranked))
	}
	for i, id := range []string{"light.a_lamp", "light.b_lamp", "light.c_lamp"} {
		if ranked[i].EntityID != id {
			t.Errorf("ranked[%d] = %s, want %s (catalog order on ties)", i, ranked[i].EntityID, id)
		}
	}

	if got := Rank(mappings, []string{"lamp"}, 2); len(got) != 2 {
		t.Errorf("capped len = %d, want 2", len(got))
	}
}

func TestCountByDomain(t *testing.T) {
	got := CountByDomain(entities.Build(house()))
	want := []DomainCount{
		{"light", 2},
		{"media_player", 1},
		{"sensor", 1},
		{"switch", 1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFull_GroupsByDomain(t *testing.T) {
	c, _ := newTestCompactor(&fakeStates{states: house()})

	out, err := c.Full(t.Context(), false)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"## Home State (5 entities)",
		"### light (2)",
		"- sensor.outdoor_temp: 12.5 °C (Outdoor Temperature)",
		"How to use this context",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "### light") > strings.Index(out, "### sensor") {
		t.Error("domains should be sorted alphabetically")
	}
}

func TestRelevant_IncludesMatchAndExcludesUnrelated(t *testing.T) {
	c, _ := newTestCompactor(&fakeStates{states: house()})
	c.maxEntities = 1

	out, err := c.Relevant(t.Context(), "turn on the living room light", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "light.living_room:") {
		t.Errorf("missing living room light:\n%s", out)
	}
	if strings.Contains(out, "sensor.outdoor_temp") {
		t.Errorf("unrelated sensor included:\n%s", out)
	}
}

func TestRelevant_NoMatchFallsBackToSummary(t *testing.T) {
	c, _ := newTestCompactor(&fakeStates{states: house()})

	out, err := c.Relevant(t.Context(), "what's the garage door doing", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "## Home Summary (5 entities") {
		t.Errorf("expected summary:\n%s", out)
	}
	if strings.Index(out, "- light: 2") > strings.Index(out, "- sensor: 1") {
		t.Errorf("summary should list larger domains first:\n%s", out)
	}
}

func TestRelevant_KnownAliases(t *testing.T) {
	c, _ := newTestCompactor(&fakeStates{states: house()})
	c.aliases = fakeAliases{"living room", "front door"}

	out, err := c.Relevant(t.Context(), "living room", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"living room": light.living_room, media_player.living_room_tv`) {
		t.Errorf("alias block missing:\n%s", out)
	}
	if strings.Contains(out, "front door") {
		t.Errorf("unresolvable alias rendered:\n%s", out)
	}
}

func TestCache_ServedBeforeTTL(t *testing.T) {
	src := &fakeStates{states: house()}
	c, now := newTestCompactor(src)
	obs := countingObserver{}
	c.observer = obs

	first, err := c.Full(t.Context(), false)
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(DefaultTTL - time.Second)
	src.states = src.states[:1]
	second, err := c.Full(t.Context(), false)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("fresh cache entry was not served")
	}
	if src.calls != 1 {
		t.Errorf("backend calls = %d, want 1", src.calls)
	}
	if obs["full/hit"] != 1 {
		t.Errorf("observer = %v", obs)
	}
}

func TestCache_StaleFallbackOnFailure(t *testing.T) {
	src := &fakeStates{states: house()}
	c, now := newTestCompactor(src)

	first, err := c.Full(t.Context(), false)
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(DefaultTTL + time.Second)
	src.err = errors.New("connection refused")
	second, err := c.Full(t.Context(), false)
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if first != second {
		t.Error("fallback did not return the prior value")
	}
	if src.calls != 2 {
		t.Errorf("backend calls = %d, want 2", src.calls)
	}
}

func TestCache_NoPriorValuePropagates(t *testing.T) {
	c, _ := newTestCompactor(&fakeStates{err: errors.New("boom")})
	if _, err := c.Full(t.Context(), false); err == nil {
		t.Fatal("expected error without a cached value")
	}
}

func TestCache_ForceAndInvalidate(t *testing.T) {
	src := &fakeStates{states: house()}
	c, _ := newTestCompactor(src)

	if _, err := c.Full(t.Context(), false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Full(t.Context(), true); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("forced refresh calls = %d, want 2", src.calls)
	}

	c.HandleStateChange("light.kitchen", "off", "on")
	if _, err := c.Full(t.Context(), false); err != nil {
		t.Fatal(err)
	}
	if src.calls != 3 {
		t.Errorf("after invalidate calls = %d, want 3", src.calls)
	}
}

func TestRelevant_RefetchesAfterRelevantTTL(t *testing.T) {
	src := &fakeStates{states: house()}
	c, now := newTestCompactor(src)

	first, err := c.Relevant(t.Context(), "is the pool pump on", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(first, "switch.pool_pump: on") {
		t.Fatalf("first render:\n%s", first)
	}

	*now = now.Add(DefaultRelevantTTL + time.Second)
	src.states = house()
	src.states[4].State = "off"

	second, err := c.Relevant(t.Context(), "is the pool pump on", false)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("backend calls = %d, want 2", src.calls)
	}
	if !strings.Contains(second, "switch.pool_pump: off") {
		t.Errorf("expired subset rebuilt from cached states:\n%s", second)
	}
}

func TestCache_FallbackSurvivesLongOutage(t *testing.T) {
	src := &fakeStates{states: house()}
	c, now := newTestCompactor(src)

	full, err := c.Full(t.Context(), false)
	if err != nil {
		t.Fatal(err)
	}
	relevant, err := c.Relevant(t.Context(), "pool pump", false)
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(6 * time.Hour)
	src.err = errors.New("home assistant unreachable")

	got, err := c.Full(t.Context(), false)
	if err != nil {
		t.Fatalf("Full after outage: %v", err)
	}
	if got != full {
		t.Error("Full fallback did not return the last good value")
	}

	// The relevance subset has aged out; it is rebuilt from the kept states.
	got, err = c.Relevant(t.Context(), "pool pump", false)
	if err != nil {
		t.Fatalf("Relevant after outage: %v", err)
	}
	if got != relevant {
		t.Errorf("Relevant fallback = %q, want %q", got, relevant)
	}
}
