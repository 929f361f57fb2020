// Package metrics exposes Prometheus instruments for the context
// cache, device commands, chat turns, audit writes, and the energy
// miner. Every method is safe on a nil *Metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/hearth/internal/events"
)

const namespace = "hearth"

// Metrics holds the registry and its instruments.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	commands      *prometheus.CounterVec
	chats         *prometheus.CounterVec
	chatDuration  prometheus.Histogram
	auditFailures *prometheus.CounterVec
	energyPower   *prometheus.GaugeVec
	activeDevices prometheus.Gauge
	analyses      prometheus.Counter
	suggestions   prometheus.Counter
}

// New creates the instruments on a private registry so tests can
// build as many as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_cache_lookups_total",
			Help:      "Context cache lookups by key kind and outcome (hit, miss, stale).",
		}, []string{"kind", "outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Device commands by service and outcome (ok, error, denied).",
		}, []string{"service", "outcome"}),
		chats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat turns by outcome (ok, fallback, timeout).",
		}, []string{"outcome"}),
		chatDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_duration_seconds",
			Help:      "End-to-end chat turn duration.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit ledger writes that failed and were dropped.",
		}, []string{"op"}),
		energyPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "energy_power_watts",
			Help:      "Latest captured power reading by measure (total, solar, grid).",
		}, []string{"measure"}),
		activeDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "energy_active_devices",
			Help:      "Devices drawing power at the latest capture.",
		}),
		analyses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_analyses_total",
			Help:      "Completed energy analysis runs.",
		}),
		suggestions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "energy_suggestions_created_total",
			Help:      "Suggestions filed by energy analysis.",
		}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.cacheLookups,
		m.commands,
		m.chats,
		m.chatDuration,
		m.auditFailures,
		m.energyPower,
		m.activeDevices,
		m.analyses,
		m.suggestions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Wrap counts and times requests to next under route.
func (m *Metrics) Wrap(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveCache records a context cache lookup.
func (m *Metrics) ObserveCache(kind, outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(kind, outcome).Inc()
}

// CommandObserved records a gateway call.
func (m *Metrics) CommandObserved(service, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(service, outcome).Inc()
}

// ChatObserved records a chat turn.
func (m *Metrics) ChatObserved(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.chats.WithLabelValues(outcome).Inc()
	m.chatDuration.Observe(elapsed.Seconds())
}

// AuditWriteFailed records a dropped audit write.
func (m *Metrics) AuditWriteFailed(op string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(op).Inc()
}

// Consume updates the energy instruments from bus events until ctx is
// done or events closes.
func (m *Metrics) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.apply(ev)
		}
	}
}

func (m *Metrics) apply(ev events.Event) {
	if m == nil || ev.Source != events.SourceEnergy {
		return
	}
	switch ev.Kind {
	case events.KindCaptureComplete:
		m.energyPower.WithLabelValues("total").Set(number(ev.Data["total_power"]))
		m.energyPower.WithLabelValues("solar").Set(number(ev.Data["solar_production"]))
		m.energyPower.WithLabelValues("grid").Set(number(ev.Data["grid_consumption"]))
		m.activeDevices.Set(number(ev.Data["active_devices"]))
	case events.KindAnalysisComplete:
		m.analyses.Inc()
		m.suggestions.Add(number(ev.Data["suggestions_created"]))
	}
}

// number reads a numeric event field. Events published in-process
// carry native Go numbers.
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
