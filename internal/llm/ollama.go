package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/faults"
	"github.com/nugget/hearth/internal/httpkit"
)

// DefaultOllamaTimeout bounds a local generation.
const DefaultOllamaTimeout = 10 * time.Second

// Ollama is a [Client] for a local Ollama server's /api/chat endpoint.
type Ollama struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllama creates an Ollama client. A zero timeout uses
// [DefaultOllamaTimeout].
func NewOllama(cfg Config) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOllamaTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		httpClient: httpkit.NewClient(
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithLogger(cfg.Logger),
		),
		logger: cfg.Logger,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaResponse struct {
	Model     string        `json:"model"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	EvalCount int           `json:"eval_count,omitempty"`
}

// Generate sends one non-streaming chat request. Exceeding the
// configured bound yields a [faults.TimeoutError]; a non-200 answer
// yields a [faults.UpstreamError].
func (o *Ollama) Generate(ctx context.Context, system, user string) (string, error) {
	return bounded(ctx, "ollama generate", o.timeout, func(ctx context.Context) (string, error) {
		body, err := json.Marshal(ollamaRequest{
			Model: o.model,
			Messages: []ollamaMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
		})
		if err != nil {
			return "", fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := o.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("ollama request: %w", err)
		}
		defer httpkit.DrainAndClose(resp.Body, 4096)

		if resp.StatusCode != http.StatusOK {
			return "", &faults.UpstreamError{
				Service: "ollama",
				Status:  resp.StatusCode,
				Body:    httpkit.ReadErrorBody(resp.Body, 512),
			}
		}

		var out ollamaResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}

		o.logger.Debug("ollama generation complete",
			"model", out.Model,
			"tokens_out", out.EvalCount,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return strings.TrimSpace(out.Message.Content), nil
	})
}

// Ping checks that the Ollama server answers its version endpoint.
func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return &faults.UpstreamError{Service: "ollama", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
	}
	return nil
}
