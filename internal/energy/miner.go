package energy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/suggestions"
)

// ErrInFlight is returned when a capture or analysis is requested while
// the previous one is still running.
var ErrInFlight = errors.New("energy job already running")

// opstate keys.
const (
	stateNamespace  = "energy"
	keyLastCapture  = "last_capture"
	keyLastAnalysis = "last_analysis"
)

// StateSource reads the current state of every entity.
type StateSource interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// FeedbackSource lists suggestion types the user rated down.
type FeedbackSource interface {
	DownRatedTypes(ctx context.Context, scope string) ([]string, error)
}

// RunState records when jobs last completed.
type RunState interface {
	SetTime(ctx context.Context, namespace, key string, t time.Time) error
	GetTime(ctx context.Context, namespace, key string) (time.Time, error)
}

// MinerConfig wires a Miner.
type MinerConfig struct {
	States      StateSource
	Store       *Store
	Suggestions SuggestionStore
	Feedback    FeedbackSource // optional
	RunState    RunState       // optional
	Bus         *events.Bus    // optional
	Scope       string
	Logger      *slog.Logger
}

// Miner captures snapshots and runs analysis, on a cron schedule or
// on demand. Each job has its own in-flight guard, so a slow cycle is
// skipped rather than overlapped whether it was started by the
// schedule or by a direct call.
type Miner struct {
	cfg       MinerConfig
	logger    *slog.Logger
	capturing atomic.Bool
	analyzing atomic.Bool
	cron      *cron.Cron
	nowFunc   func() time.Time
}

// NewMiner creates a Miner. It does nothing until Start or a direct
// call.
func NewMiner(cfg MinerConfig) *Miner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Scope == "" {
		cfg.Scope = "global"
	}
	return &Miner{cfg: cfg, logger: cfg.Logger, nowFunc: time.Now}
}

// Capture reads current states and records one snapshot.
func (m *Miner) Capture(ctx context.Context) (*Snapshot, error) {
	if !m.capturing.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer m.capturing.Store(false)

	states, err := m.cfg.States.GetStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("read states: %w", err)
	}

	snap := Measure(states, m.nowFunc())
	if err := m.cfg.Store.Record(ctx, snap); err != nil {
		return nil, err
	}
	m.markRun(ctx, keyLastCapture, snap.Timestamp)

	m.logger.Debug("energy snapshot captured",
		"total_power", snap.TotalPower,
		"solar", snap.SolarProduction,
		"grid", snap.GridConsumption,
		"active_devices", len(snap.ActiveDevices),
	)
	m.cfg.Bus.Publish(events.Event{
		Source: events.SourceEnergy,
		Kind:   events.KindCaptureComplete,
		Data: map[string]any{
			"total_power":      snap.TotalPower,
			"solar_production": snap.SolarProduction,
			"grid_consumption": snap.GridConsumption,
			"battery_level":    snap.BatteryLevel,
			"active_devices":   len(snap.ActiveDevices),
		},
	})
	return snap, nil
}

// Analyze mines the trailing week of snapshots, stores the result as
// the scope's latest analysis, and files any new suggestions.
func (m *Miner) Analyze(ctx context.Context) (*Analysis, error) {
	if !m.analyzing.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer m.analyzing.Store(false)

	now := m.nowFunc()
	snaps, err := m.cfg.Store.Since(ctx, now.Add(-usageWindow))
	if err != nil {
		return nil, err
	}

	a := Analyze(m.cfg.Scope, snaps, now)
	if err := m.cfg.Store.SaveAnalysis(ctx, a); err != nil {
		return nil, err
	}
	m.markRun(ctx, keyLastAnalysis, now)

	var created []*suggestions.Suggestion
	if a.SnapshotCount > 0 {
		created, err = Persist(ctx, m.cfg.Suggestions, Synthesize(a, m.downRated(ctx), now))
		if err != nil {
			m.logger.Warn("persisting energy suggestions failed", "error", err)
		}
	}

	m.logger.Info("energy analysis complete",
		"scope", a.Scope,
		"snapshots", a.SnapshotCount,
		"peaks", len(a.PeakTimes),
		"waste_patterns", len(a.WastePatterns),
		"suggestions_created", len(created),
	)
	m.cfg.Bus.Publish(events.Event{
		Source: events.SourceEnergy,
		Kind:   events.KindAnalysisComplete,
		Data: map[string]any{
			"snapshots":           a.SnapshotCount,
			"peaks":               len(a.PeakTimes),
			"waste_patterns":      len(a.WastePatterns),
			"suggestions_created": len(created),
		},
	})
	return a, nil
}

// Suggestions synthesizes suggestions from the latest stored analysis
// without filing them. Read failures degrade to the bootstrap
// suggestion.
func (m *Miner) Suggestions(ctx context.Context) []*suggestions.Suggestion {
	a, err := m.cfg.Store.LatestAnalysis(ctx, m.cfg.Scope)
	if err != nil {
		m.logger.Warn("loading energy analysis failed", "error", err)
		a = nil
	}
	return Synthesize(a, m.downRated(ctx), m.nowFunc())
}

// LatestAnalysis returns the stored analysis for the miner's scope.
func (m *Miner) LatestAnalysis(ctx context.Context) (*Analysis, error) {
	return m.cfg.Store.LatestAnalysis(ctx, m.cfg.Scope)
}

// LastRuns reports when capture and analysis last completed. Zero
// times mean never.
func (m *Miner) LastRuns(ctx context.Context) (capture, analysis time.Time) {
	if m.cfg.RunState == nil {
		return
	}
	capture, _ = m.cfg.RunState.GetTime(ctx, stateNamespace, keyLastCapture)
	analysis, _ = m.cfg.RunState.GetTime(ctx, stateNamespace, keyLastAnalysis)
	return
}

// Start schedules capture and analysis with robfig/cron specs (for
// example "@every 15m"). Jobs run until Stop or ctx is cancelled.
func (m *Miner) Start(ctx context.Context, captureSpec, analyzeSpec string) error {
	logger := cronLogger{m.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"capture", captureSpec, func(ctx context.Context) error { _, err := m.Capture(ctx); return err }},
		{"analyze", analyzeSpec, func(ctx context.Context) error { _, err := m.Analyze(ctx); return err }},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, func() {
			if err := j.run(ctx); err != nil && !errors.Is(err, ErrInFlight) {
				m.logger.Warn("energy job failed", "job", j.name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}

	m.cron = c
	c.Start()
	m.logger.Info("energy miner started", "capture", captureSpec, "analyze", analyzeSpec, "scope", m.cfg.Scope)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits up to ten seconds for running jobs.
func (m *Miner) Stop() {
	if m.cron == nil {
		return
	}
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		m.logger.Warn("energy miner stop timed out")
	}
}

func (m *Miner) downRated(ctx context.Context) []string {
	if m.cfg.Feedback == nil {
		return nil
	}
	types, err := m.cfg.Feedback.DownRatedTypes(ctx, m.cfg.Scope)
	if err != nil {
		m.logger.Debug("feedback unavailable", "error", err)
		return nil
	}
	return types
}

func (m *Miner) markRun(ctx context.Context, key string, t time.Time) {
	if m.cfg.RunState == nil {
		return
	}
	if err := m.cfg.RunState.SetTime(ctx, stateNamespace, key, t); err != nil {
		m.logger.Warn("recording energy run failed", "key", key, "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
