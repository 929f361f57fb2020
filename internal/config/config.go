// Package config handles Hearth configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/hearth/internal/faults"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hearth configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Model         ModelConfig         `yaml:"model"`
	Context       ContextConfig       `yaml:"context"`
	Energy        EnergyConfig        `yaml:"energy"`
	Cache         CacheConfig         `yaml:"cache"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// WatchEntities are glob patterns (path.Match syntax) selecting which
	// state_changed events invalidate the cached context. Empty means all.
	WatchEntities []string `yaml:"watch_entities"`

	// Subscribe enables the WebSocket state_changed subscription.
	Subscribe bool `yaml:"subscribe"`
}

// ModelConfig selects the text-model collaborator.
type ModelConfig struct {
	// Provider is "ollama" (local) or "openai" (any OpenAI-compatible API).
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`

	// TimeoutSec bounds a single generation. Local models default to 10s,
	// remote to 60s.
	TimeoutSec int `yaml:"timeout_sec"`
}

// Timeout returns the generation bound as a duration.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// ContextConfig tunes the context compactor.
type ContextConfig struct {
	MaxEntities     int `yaml:"max_entities"`      // relevance cap, default 50
	CacheTTLSec     int `yaml:"cache_ttl_sec"`     // general TTL, default 30
	RelevantTTLSec  int `yaml:"relevant_ttl_sec"`  // relevance subset TTL, default 5
	MinAliasPercent int `yaml:"min_alias_percent"` // learned alias confidence floor, default 70
}

// EnergyConfig tunes the snapshot miner.
type EnergyConfig struct {
	Enabled bool `yaml:"enabled"`

	// CaptureSchedule and AnalyzeSchedule accept any robfig/cron spec,
	// including "@every 15m".
	CaptureSchedule string `yaml:"capture_schedule"`
	AnalyzeSchedule string `yaml:"analyze_schedule"`

	// Scope keys the latest_analysis record and synthesized suggestions.
	Scope string `yaml:"scope"`
}

// CacheConfig selects the context cache backend.
type CacheConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// MQTTConfig defines the optional MQTT energy sensor publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file. A .env file next to the
// config (if present) is loaded first so ${VAR} references resolve
// against it; variables already in the environment win.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Model.Provider == "" {
		c.Model.Provider = "ollama"
	}
	if c.Model.Provider == "ollama" {
		if c.Model.BaseURL == "" {
			c.Model.BaseURL = "http://localhost:11434"
		}
		if c.Model.Name == "" {
			c.Model.Name = "qwen3:4b"
		}
		if c.Model.TimeoutSec == 0 {
			c.Model.TimeoutSec = 10
		}
	}
	if c.Model.TimeoutSec == 0 {
		c.Model.TimeoutSec = 60
	}

	if c.Context.MaxEntities == 0 {
		c.Context.MaxEntities = 50
	}
	if c.Context.CacheTTLSec == 0 {
		c.Context.CacheTTLSec = 30
	}
	if c.Context.RelevantTTLSec == 0 {
		c.Context.RelevantTTLSec = 5
	}
	if c.Context.MinAliasPercent == 0 {
		c.Context.MinAliasPercent = 70
	}

	if c.Energy.CaptureSchedule == "" {
		c.Energy.CaptureSchedule = "@every 15m"
	}
	if c.Energy.AnalyzeSchedule == "" {
		c.Energy.AnalyzeSchedule = "@every 1h"
	}
	if c.Energy.Scope == "" {
		c.Energy.Scope = "global"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.RedisPrefix == "" {
		c.Cache.RedisPrefix = "hearth:"
	}

	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "hearth"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks the configuration for missing credentials and
// contradictory settings. All problems surface as a
// [faults.ConfigurationError].
func (c *Config) Validate() error {
	if c.HomeAssistant.URL == "" {
		return &faults.ConfigurationError{Msg: "homeassistant.url is required"}
	}
	if c.HomeAssistant.Token == "" {
		return &faults.ConfigurationError{Msg: "homeassistant.token is required"}
	}

	switch c.Model.Provider {
	case "ollama":
	case "openai":
		if c.Model.APIKey == "" {
			return &faults.ConfigurationError{Msg: "model.api_key is required for the openai provider"}
		}
		if c.Model.Name == "" {
			return &faults.ConfigurationError{Msg: "model.name is required for the openai provider"}
		}
	default:
		return &faults.ConfigurationError{Msg: fmt.Sprintf("unknown model.provider %q (valid: ollama, openai)", c.Model.Provider)}
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return &faults.ConfigurationError{Msg: "cache.redis_addr is required for the redis backend"}
		}
	default:
		return &faults.ConfigurationError{Msg: fmt.Sprintf("unknown cache.backend %q (valid: memory, redis)", c.Cache.Backend)}
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return &faults.ConfigurationError{Msg: fmt.Sprintf("unknown log_format %q (valid: text, json)", c.LogFormat)}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &faults.ConfigurationError{Msg: "log_level", Err: err}
	}

	return nil
}
