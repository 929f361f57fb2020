package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/faults"
	"github.com/nugget/hearth/internal/httpkit"
)

// DefaultOpenAITimeout bounds a remote generation.
const DefaultOpenAITimeout = 60 * time.Second

// OpenAI is a [Client] for any OpenAI-compatible chat completions API.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible client. BaseURL overrides
// the default endpoint (for OpenRouter, vLLM, and similar).
func NewOpenAI(cfg Config) *OpenAI {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOpenAITimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = httpkit.NewClient(
		httpkit.WithUserAgent(buildinfo.UserAgent()),
		httpkit.WithLogger(cfg.Logger),
	)

	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Generate requests one chat completion and returns the first choice.
func (o *OpenAI) Generate(ctx context.Context, system, user string) (string, error) {
	return bounded(ctx, "openai generate", o.timeout, func(ctx context.Context) (string, error) {
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		})
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				return "", &faults.UpstreamError{Service: "openai", Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
			}
			var reqErr *openai.RequestError
			if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
				return "", &faults.UpstreamError{Service: "openai", Status: reqErr.HTTPStatusCode, Body: reqErr.Error()}
			}
			return "", fmt.Errorf("openai request: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("openai response had no choices")
		}

		o.logger.Debug("openai generation complete",
			"model", resp.Model,
			"tokens_in", resp.Usage.PromptTokens,
			"tokens_out", resp.Usage.CompletionTokens,
		)
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	})
}
