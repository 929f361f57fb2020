// Package api implements Hearth's HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/hearth/internal/assistant"
	"github.com/nugget/hearth/internal/audit"
	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/connwatch"
	"github.com/nugget/hearth/internal/energy"
	"github.com/nugget/hearth/internal/faults"
	"github.com/nugget/hearth/internal/gateway"
	"github.com/nugget/hearth/internal/metrics"
	"github.com/nugget/hearth/internal/patterns"
	"github.com/nugget/hearth/internal/suggestions"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chatter answers chat requests.
type Chatter interface {
	Chat(ctx context.Context, req assistant.Request) (*assistant.Response, error)
}

// ContextRenderer renders house context.
type ContextRenderer interface {
	Full(ctx context.Context, force bool) (string, error)
	Relevant(ctx context.Context, message string, force bool) (string, error)
}

// PatternStore serves learned patterns and feedback.
type PatternStore interface {
	LearnedPatterns(ctx context.Context, scope string, minConfidence float64) ([]*patterns.Pattern, error)
	ByType(ctx context.Context, scope, patternType string, minConfidence float64) ([]*patterns.Pattern, error)
	Insights(ctx context.Context, scope string) (*patterns.Insights, error)
	RecordFeedback(ctx context.Context, scope, suggestionType, rating, comment string) (*patterns.Feedback, error)
}

// EnergyMiner runs and reports energy analysis.
type EnergyMiner interface {
	Capture(ctx context.Context) (*energy.Snapshot, error)
	Analyze(ctx context.Context) (*energy.Analysis, error)
	LatestAnalysis(ctx context.Context) (*energy.Analysis, error)
	Suggestions(ctx context.Context) []*suggestions.Suggestion
	LastRuns(ctx context.Context) (capture, analysis time.Time)
}

// SuggestionStore manages suggestion review.
type SuggestionStore interface {
	Create(ctx context.Context, sg *suggestions.Suggestion) error
	UpdateStatus(ctx context.Context, id, status string) (*suggestions.Suggestion, error)
	List(ctx context.Context, status string, limit int) ([]*suggestions.Suggestion, error)
}

// Commander executes device commands.
type Commander interface {
	CallService(ctx context.Context, c gateway.Call) (*gateway.Result, error)
}

// ActionLog reads the audit ledger.
type ActionLog interface {
	Recent(ctx context.Context, limit int) ([]*audit.Action, error)
	Stats(ctx context.Context, since time.Time) (*audit.Stats, error)
}

// DependencyStatus reports the reachability of external services.
type DependencyStatus interface {
	Status() []connwatch.Status
}

// Deps are the components the API exposes. Nil components make their
// routes answer 503.
type Deps struct {
	Chat        Chatter
	Context     ContextRenderer
	Patterns    PatternStore
	Energy      EnergyMiner
	Suggestions SuggestionStore
	Gateway     Commander
	Actions     ActionLog
	Upstream    DependencyStatus
	Metrics     *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
	}
}

// Handler returns the routed handler with logging and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.deps.Metrics.Wrap(pattern, h))
	}

	handle("POST /v1/chat", s.handleChat)
	handle("POST /v1/context", s.handleContext)

	handle("GET /v1/patterns", s.handlePatterns)
	handle("GET /v1/patterns/insights", s.handleInsights)
	handle("POST /v1/feedback", s.handleFeedback)

	handle("GET /v1/energy/analysis", s.handleEnergyAnalysis)
	handle("POST /v1/energy/capture", s.handleEnergyCapture)
	handle("POST /v1/energy/analyze", s.handleEnergyAnalyze)
	handle("GET /v1/energy/suggestions", s.handleEnergySuggestions)

	handle("GET /v1/suggestions", s.handleSuggestionList)
	handle("POST /v1/suggestions", s.handleSuggestionCreate)
	handle("POST /v1/suggestions/{id}/status", s.handleSuggestionStatus)

	handle("POST /v1/services/{domain}/{service}", s.handleServiceCall)
	handle("GET /v1/actions", s.handleActions)
	handle("GET /v1/actions/stats", s.handleActionStats)

	handle("GET /health", s.handleHealth)
	handle("GET /v1/version", s.handleVersion)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server is
// shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // chat waits on the model
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.respond(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

// writeError maps a component error to an HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func statusFor(err error) int {
	var (
		upstream *faults.UpstreamError
		timeout  *faults.TimeoutError
	)
	switch {
	case faults.IsValidation(err):
		return http.StatusBadRequest
	case faults.IsNotAllowed(err):
		return http.StatusForbidden
	case errors.Is(err, suggestions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, energy.ErrInFlight):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return faults.Invalid("body", "invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.errorResponse(w, http.StatusServiceUnavailable, what+" not configured")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	code := http.StatusOK

	if s.deps.Upstream != nil {
		deps := s.deps.Upstream.Status()
		for _, d := range deps {
			if !d.Ready {
				body["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		body["dependencies"] = deps
	}
	if s.deps.Energy != nil {
		capture, analysis := s.deps.Energy.LastRuns(r.Context())
		body["energy"] = map[string]any{
			"last_capture":  formatRun(capture),
			"last_analysis": formatRun(analysis),
		}
	}
	s.respond(w, code, body)
}

func formatRun(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.Info())
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func parseFloatParam(r *http.Request, name string, defaultVal float64) float64 {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return defaultVal
	}
	return f
}

func scopeParam(r *http.Request) string {
	if scope := r.URL.Query().Get("scope"); scope != "" {
		return scope
	}
	return patterns.GlobalScope
}
