package llm

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/hearth/internal/faults"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ollama", Config{Provider: "ollama", Model: "qwen3:4b"}, false},
		{"default is ollama", Config{}, false},
		{"openai", Config{Provider: "openai", APIKey: "sk-test", Model: "gpt-4o-mini"}, false},
		{"openai without key", Config{Provider: "openai"}, true},
		{"unknown", Config{Provider: "bard"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var ce *faults.ConfigurationError
			if tt.wantErr && !errors.As(err, &ce) {
				t.Errorf("err = %T, want ConfigurationError", err)
			}
		})
	}
}

func TestOllama_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Stream || len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hello" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(ollamaResponse{
			Model:   req.Model,
			Message: ollamaMessage{Role: "assistant", Content: "  hi there \n"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := NewOllama(Config{BaseURL: srv.URL, Model: "qwen3:4b"})
	got, err := c.Generate(t.Context(), "be brief", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hi there" {
		t.Errorf("Generate = %q", got)
	}
}

func TestOllama_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewOllama(Config{BaseURL: srv.URL, Model: "m", Timeout: 50 * time.Millisecond})
	_, err := c.Generate(t.Context(), "s", "u")

	var te *faults.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if te.Limit != 50*time.Millisecond {
		t.Errorf("Limit = %v", te.Limit)
	}
}

func TestOllama_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(Config{BaseURL: srv.URL, Model: "missing"}).Generate(t.Context(), "s", "u")
	var ue *faults.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusNotFound || ue.Service != "ollama" {
		t.Fatalf("err = %v, want ollama UpstreamError 404", err)
	}
}

func TestOpenAI_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "The porch light is on."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"})
	got, err := c.Generate(t.Context(), "system", "is the porch light on?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "The porch light is on." {
		t.Errorf("Generate = %q", got)
	}
}

func TestOpenAI_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-bad", Model: "m"}).Generate(t.Context(), "s", "u")
	var ue *faults.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want UpstreamError 401", err)
	}
}

func TestOllama_Ping(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" || !healthy {
			http.Error(w, "nope", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"version":"0.6.0"}`))
	}))
	defer srv.Close()

	c := NewOllama(Config{BaseURL: srv.URL})
	if err := c.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	healthy = false
	var ue *faults.UpstreamError
	if err := c.Ping(t.Context()); !errors.As(err, &ue) || ue.Status != http.StatusServiceUnavailable {
		t.Errorf("Ping = %v, want UpstreamError 503", err)
	}
}
