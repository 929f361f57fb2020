// Package assistant orchestrates a chat request: build the house
// context, ask the text model, run any device commands it requested
// through the gateway, and learn from the exchange.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/audit"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/faults"
	"github.com/nugget/hearth/internal/gateway"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/patterns"
)

// Fallback replies used when the model cannot answer.
const (
	fallbackReply = "Sorry, I couldn't reach the language model just now. Please try again in a moment."
	timeoutReply  = "Sorry, the language model took too long to answer. Please try again in a moment."
)

// minPatternConfidence is the floor for patterns shown to the model.
const minPatternConfidence = 0.7

// ContextSource renders house context.
type ContextSource interface {
	Full(ctx context.Context, force bool) (string, error)
	Relevant(ctx context.Context, message string, force bool) (string, error)
}

// PatternStore is the subset of the pattern store the controller uses.
type PatternStore interface {
	LearnFromMessage(ctx context.Context, scope, message, source string) []*patterns.Pattern
	LearnedPatterns(ctx context.Context, scope string, minConfidence float64) ([]*patterns.Pattern, error)
	Upsert(ctx context.Context, scope string, c patterns.Candidate, source string) (*patterns.Pattern, error)
}

// Commander executes device commands.
type Commander interface {
	CallService(ctx context.Context, c gateway.Call) (*gateway.Result, error)
}

// Observer is told the outcome of each chat: "ok", "fallback", or
// "timeout".
type Observer interface {
	ChatObserved(outcome string, elapsed time.Duration)
}

// Config wires a Controller.
type Config struct {
	Context  ContextSource
	Model    llm.Client
	Patterns PatternStore // optional
	Gateway  Commander    // optional; without it commands are ignored
	Bus      *events.Bus  // optional
	Observer Observer     // optional
	Logger   *slog.Logger
}

// Request is one chat turn.
type Request struct {
	Message string `json:"message"`
	Scope   string `json:"scope,omitempty"` // user ID or "global"

	// FullContext sends every entity instead of the relevant subset.
	FullContext bool `json:"full_context,omitempty"`

	// Refresh bypasses the context cache.
	Refresh bool `json:"refresh,omitempty"`
}

// ActionOutcome reports one executed command.
type ActionOutcome struct {
	Service  string          `json:"service"`
	EntityID string          `json:"entity_id,omitempty"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Result   *gateway.Result `json:"result,omitempty"`
}

// Response is the controller's answer.
type Response struct {
	RequestID string          `json:"request_id"`
	Reply     string          `json:"reply"`
	Fallback  bool            `json:"fallback,omitempty"`
	Actions   []ActionOutcome `json:"actions,omitempty"`
	Learned   int             `json:"patterns_learned"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// Controller handles chat requests.
type Controller struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: cfg.Logger}
}

// Chat answers req. Model failures never surface as errors: they
// produce an apologetic fallback reply. The only error returned is for
// an empty message.
func (c *Controller) Chat(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, faults.Invalid("message", "must not be empty")
	}
	if req.Scope == "" {
		req.Scope = patterns.GlobalScope
	}

	start := time.Now()
	id, _ := uuid.NewV7()
	resp := &Response{RequestID: id.String()}
	log := c.logger.With("request_id", resp.RequestID, "scope", req.Scope)

	// Learn first so a newly seen alias is in this turn's context.
	if c.cfg.Patterns != nil {
		resp.Learned = len(c.cfg.Patterns.LearnFromMessage(ctx, req.Scope, req.Message, "chat"))
	}

	system := c.systemPrompt(ctx, req, log)

	reply, err := c.cfg.Model.Generate(ctx, system, req.Message)
	outcome := "ok"
	switch {
	case faults.IsTimeout(err):
		log.Warn("model timed out", "error", err)
		resp.Reply, resp.Fallback, outcome = timeoutReply, true, "timeout"
	case err != nil:
		log.Error("model call failed", "error", err)
		resp.Reply, resp.Fallback, outcome = fallbackReply, true, "fallback"
	default:
		text, cmds := extractCommands(reply)
		resp.Reply = text
		resp.Actions = c.execute(ctx, req, cmds, log)
	}

	elapsed := time.Since(start)
	resp.ElapsedMS = elapsed.Milliseconds()
	if c.cfg.Observer != nil {
		c.cfg.Observer.ChatObserved(outcome, elapsed)
	}
	c.cfg.Bus.Publish(events.Event{
		Source: events.SourceAssistant,
		Kind:   events.KindChatComplete,
		Data: map[string]any{
			"request_id": resp.RequestID,
			"elapsed_ms": resp.ElapsedMS,
			"fallback":   resp.Fallback,
			"actions":    len(resp.Actions),
		},
	})
	log.Info("chat complete", "outcome", outcome, "actions", len(resp.Actions),
		"learned", resp.Learned, "elapsed", elapsed.Round(time.Millisecond))
	return resp, nil
}

// execute runs each command through the gateway. Failures, including
// allowlist rejections, are reported with their literal error text.
// Successful commands reinforce a command pattern for the scope.
func (c *Controller) execute(ctx context.Context, req Request, cmds []Command, log *slog.Logger) []ActionOutcome {
	if len(cmds) == 0 {
		return nil
	}
	if c.cfg.Gateway == nil {
		log.Warn("model requested commands but no gateway is configured", "count", len(cmds))
		return nil
	}

	out := make([]ActionOutcome, 0, len(cmds))
	for _, cmd := range cmds {
		service := cmd.Domain + "." + cmd.Service
		res, err := c.cfg.Gateway.CallService(ctx, gateway.Call{
			Domain:   cmd.Domain,
			Service:  cmd.Service,
			EntityID: cmd.EntityID,
			Data:     cmd.Data,
			Source:   audit.SourceAssistant,
			Reason:   req.Message,
		})
		if err != nil {
			out = append(out, ActionOutcome{Service: service, EntityID: cmd.EntityID, Error: err.Error()})
			continue
		}
		out = append(out, ActionOutcome{Service: service, EntityID: cmd.EntityID, Success: true, Result: res})

		if c.cfg.Patterns != nil && cmd.EntityID != "" {
			if _, err := c.cfg.Patterns.Upsert(ctx, req.Scope, patterns.Candidate{
				Type:       patterns.TypeCommandAlias,
				Key:        service + ":" + cmd.EntityID,
				Value:      map[string]any{"phrase": req.Message, "service": service, "entity_id": cmd.EntityID},
				Confidence: 0.85,
			}, "command"); err != nil {
				log.Warn("recording command pattern failed", "service", service, "error", err)
			}
		}
	}
	return out
}

// systemPrompt assembles the persona, house context, learned
// patterns, and command protocol. Context and pattern failures
// degrade to a note rather than failing the request.
func (c *Controller) systemPrompt(ctx context.Context, req Request, log *slog.Logger) string {
	var sb strings.Builder
	sb.WriteString("You are Hearth, a concise assistant that answers questions about this home and controls its devices.\n\n")

	var (
		houseCtx string
		err      error
	)
	if req.FullContext {
		houseCtx, err = c.cfg.Context.Full(ctx, req.Refresh)
	} else {
		houseCtx, err = c.cfg.Context.Relevant(ctx, req.Message, req.Refresh)
	}
	if err != nil {
		log.Warn("house context unavailable", "error", err)
		houseCtx = "## Home State\nThe current state of the home is unavailable. Say so if the question depends on it.\n"
	}
	sb.WriteString(houseCtx)

	if c.cfg.Patterns != nil {
		learned, err := c.cfg.Patterns.LearnedPatterns(ctx, req.Scope, minPatternConfidence)
		if err != nil {
			log.Debug("learned patterns unavailable", "error", err)
		}
		if block := renderPatterns(learned); block != "" {
			sb.WriteString("\n")
			sb.WriteString(block)
		}
	}

	if c.cfg.Gateway != nil {
		sb.WriteString("\n### Device commands\n")
		sb.WriteString(commandInstructions)
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderPatterns lists preferences and routines for the model. Alias
// and feedback patterns are omitted: aliases already appear in the
// house context and feedback is not conversational.
func renderPatterns(ps []*patterns.Pattern) string {
	var lines []string
	for _, p := range ps {
		switch p.Type {
		case patterns.TypePreference, patterns.TypeRoutine, patterns.TypeCommandAlias:
			lines = append(lines, fmt.Sprintf("- %s: %s (confidence %.2f, seen %d times)", p.Type, p.Key, p.Confidence, p.UsageCount))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "### Learned habits\n" + strings.Join(lines, "\n") + "\n"
}
