// Package connwatch tracks whether Hearth's external dependencies
// (Home Assistant, the text model, Redis) are reachable.
//
// A watcher probes its dependency with exponential backoff while it is
// down and at a fixed poll interval while it is up. Transitions fire
// OnReady and OnDown callbacks; the health endpoint reads the current
// status of every watcher from the [Manager].
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc returns nil when the dependency is reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first retry while down (default 2s)
	MaxDelay     time.Duration // retry ceiling while down (default 60s)
	PollInterval time.Duration // check interval while up (default 60s)
	ProbeTimeout time.Duration // bound on one probe (default 10s)
}

// DefaultBackoff returns 2s doubling to 60s while down, 60s polling
// while up, and a 10s probe bound.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Dependency describes one watched service.
type Dependency struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff

	// OnReady runs after a down-to-up transition, including the first
	// successful probe. OnDown runs after an up-to-down transition.
	// Both run on the watcher goroutine and must not block for long.
	OnReady func()
	OnDown  func(err error)
}

// Status is a dependency's health for the health endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one dependency.
type Watcher struct {
	dep    Dependency
	logger *slog.Logger
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns a copy of the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Done is closed when the watcher goroutine exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.dep.Backoff
	delay := b.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		next := b.PollInterval
		if err != nil {
			next = delay
			delay = min(delay*2, b.MaxDelay)
		} else {
			delay = b.InitialDelay
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.dep.Backoff.ProbeTimeout)
	defer cancel()
	return w.dep.Probe(ctx)
}

// record stores the outcome and fires transition callbacks.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	wasReady := w.status.Ready
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	failures := w.status.Failures
	w.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		w.logger.Info("dependency reachable", "dependency", w.dep.Name)
		if w.dep.OnReady != nil {
			w.dep.OnReady()
		}
	case err != nil && wasReady:
		w.logger.Warn("dependency unreachable", "dependency", w.dep.Name, "error", err)
		if w.dep.OnDown != nil {
			w.dep.OnDown(err)
		}
	case err != nil && failures == 1:
		w.logger.Warn("dependency unreachable", "dependency", w.dep.Name, "error", err)
	case err != nil:
		w.logger.Debug("dependency still unreachable", "dependency", w.dep.Name,
			"failures", failures, "error", err)
	}
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts probing dep until ctx is cancelled. The first probe
// runs immediately.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, dep Dependency) *Watcher {
	if dep.Name == "" {
		panic("connwatch: Dependency.Name must not be empty")
	}
	if dep.Probe == nil {
		panic("connwatch: Dependency.Probe must not be nil")
	}
	dep.Backoff = dep.Backoff.withDefaults()

	w := &Watcher{
		dep:    dep,
		logger: m.logger,
		done:   make(chan struct{}),
		status: Status{Name: dep.Name},
	}
	m.mu.Lock()
	m.watchers[dep.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns every watcher's status sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
