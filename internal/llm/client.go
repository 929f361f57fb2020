// Package llm talks to the text model that answers chat requests. The
// rest of Hearth sees only [Client]: a system prompt and a user message
// in, plain text out. Vendor request shapes stay in this package.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/hearth/internal/faults"
)

// Client generates a reply for one system prompt and user message.
type Client interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "ollama" or "openai"
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// New returns the client for cfg.Provider.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllama(cfg), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, &faults.ConfigurationError{Msg: "openai provider requires an API key"}
		}
		return NewOpenAI(cfg), nil
	default:
		return nil, &faults.ConfigurationError{Msg: fmt.Sprintf("unknown model provider %q", cfg.Provider)}
	}
}

// bounded runs fn under a deadline of limit and converts a deadline
// overrun into a [faults.TimeoutError]. A deadline already carried by
// ctx is not reported as ours.
func bounded(ctx context.Context, op string, limit time.Duration, fn func(context.Context) (string, error)) (string, error) {
	if limit <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	out, err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return "", &faults.TimeoutError{Op: op, Limit: limit, Err: err}
	}
	return out, err
}
