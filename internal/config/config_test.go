package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/hearth/internal/faults"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("homeassistant:\n  token: ${HEARTH_TEST_TOKEN}\n"), 0600)
	t.Setenv("HEARTH_TEST_TOKEN", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.HomeAssistant.Token, "secret123")
	}
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("HEARTH_DOTENV_URL=http://ha.local:8123\n"), 0600)
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("homeassistant:\n  url: ${HEARTH_DOTENV_URL}\n"), 0600)
	t.Cleanup(func() { os.Unsetenv("HEARTH_DOTENV_URL") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.URL != "http://ha.local:8123" {
		t.Errorf("url = %q, want value from .env", cfg.HomeAssistant.URL)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("homeassistant:\n  url: http://ha\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Model.Provider != "ollama" || cfg.Model.TimeoutSec != 10 {
		t.Errorf("model = %+v, want ollama with 10s bound", cfg.Model)
	}
	if cfg.Context.MaxEntities != 50 || cfg.Context.CacheTTLSec != 30 || cfg.Context.RelevantTTLSec != 5 {
		t.Errorf("context = %+v, want 50/30/5", cfg.Context)
	}
	if cfg.Energy.CaptureSchedule != "@every 15m" || cfg.Energy.AnalyzeSchedule != "@every 1h" {
		t.Errorf("energy schedules = %q/%q", cfg.Energy.CaptureSchedule, cfg.Energy.AnalyzeSchedule)
	}
}

func TestLoad_OpenAIDefaultsToLongerTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("model:\n  provider: openai\n  name: gpt-4o-mini\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Model.TimeoutSec != 60 {
		t.Errorf("timeout_sec = %d, want 60", cfg.Model.TimeoutSec)
	}
	if cfg.Model.BaseURL != "" {
		t.Errorf("base_url = %q, want empty for openai", cfg.Model.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.HomeAssistant.URL = "http://ha"
		c.HomeAssistant.Token = "tok"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.HomeAssistant.URL = "" }, "homeassistant.url"},
		{"missing token", func(c *Config) { c.HomeAssistant.Token = "" }, "homeassistant.token"},
		{"openai without key", func(c *Config) { c.Model.Provider = "openai" }, "model.api_key"},
		{"unknown provider", func(c *Config) { c.Model.Provider = "bard" }, "unknown model.provider"},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis" }, "cache.redis_addr"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
			var ce *faults.ConfigurationError
			if !errors.As(err, &ce) {
				t.Errorf("Validate() error type = %T, want *faults.ConfigurationError", err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"TRACE", LevelTrace, true},
		{" debug ", slog.LevelDebug, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLogLevel(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_RendersTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output = %q, want level=TRACE", buf.String())
	}
}
