// Package compactor turns the full Home Assistant state universe into a
// bounded context block for the text model. Two shapes are produced:
// a full listing grouped by domain, and a relevance-ranked subset for a
// specific user message. Both are cached with a short TTL, and a failed
// refresh serves the last good value rather than an error.
package compactor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/contextcache"
	"github.com/nugget/hearth/internal/entities"
	"github.com/nugget/hearth/internal/homeassistant"
)

// Default tuning.
const (
	DefaultMaxEntities = 50
	DefaultTTL         = 30 * time.Second
	DefaultRelevantTTL = 5 * time.Second
)

// Cache keys. Relevant entries append the normalized keyword list.
const (
	keyStates   = "states"
	keyFull     = "full"
	keyRelevant = "relevant:"
)

// relevantRetention is how many relevance TTLs a subset stays in the
// cache. States and full are fixed keys, kept until replaced.
const relevantRetention = 10

// StateSource reads the current state of every entity.
type StateSource interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
}

// AliasSource supplies learned alias phrases ("living room") that the
// model should treat as names for groups of entities.
type AliasSource interface {
	AliasPhrases(ctx context.Context) ([]string, error)
}

// CacheObserver is told the outcome of every cache lookup: "hit",
// "miss", or "stale" (refresh failed, prior value served).
type CacheObserver interface {
	ObserveCache(kind, outcome string)
}

// Config wires a Compactor.
type Config struct {
	States  StateSource
	Aliases AliasSource // optional
	Cache   contextcache.Store

	MaxEntities int
	TTL         time.Duration
	RelevantTTL time.Duration

	Observer CacheObserver // optional
	Logger   *slog.Logger
}

// Compactor renders context blocks.
type Compactor struct {
	states      StateSource
	aliases     AliasSource
	cache       contextcache.Store
	maxEntities int
	ttl         time.Duration
	relevantTTL time.Duration
	observer    CacheObserver
	logger      *slog.Logger

	nowFunc func() time.Time
}

// New creates a Compactor. Zero tuning values take the package
// defaults; a nil cache gets a private in-memory store.
func New(cfg Config) *Compactor {
	c := &Compactor{
		states:      cfg.States,
		aliases:     cfg.Aliases,
		cache:       cfg.Cache,
		maxEntities: cfg.MaxEntities,
		ttl:         cfg.TTL,
		relevantTTL: cfg.RelevantTTL,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		nowFunc:     time.Now,
	}
	if c.maxEntities <= 0 {
		c.maxEntities = DefaultMaxEntities
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.relevantTTL <= 0 {
		c.relevantTTL = DefaultRelevantTTL
	}
	if c.cache == nil {
		c.cache = contextcache.NewMemory()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Full returns every entity grouped by domain, followed by learned
// aliases and usage instructions. force bypasses the cache.
func (c *Compactor) Full(ctx context.Context, force bool) (string, error) {
	body, err := c.cached(ctx, keyFull, c.ttl, 0, force, func(ctx context.Context) (string, error) {
		mappings, err := c.catalog(ctx, c.ttl, force)
		if err != nil {
			return "", err
		}
		return RenderFull(mappings) + c.aliasBlock(ctx, mappings), nil
	})
	if err != nil {
		return "", err
	}
	return body + instructions, nil
}

// Relevant returns the entities that best match message. When nothing
// matches, a per-domain count summary is returned instead so the model
// still knows what kinds of devices exist.
func (c *Compactor) Relevant(ctx context.Context, message string, force bool) (string, error) {
	keywords := Keywords(message)
	key := keyRelevant + strings.Join(keywords, " ")

	body, err := c.cached(ctx, key, c.relevantTTL, relevantRetention*c.relevantTTL, force, func(ctx context.Context) (string, error) {
		mappings, err := c.catalog(ctx, c.relevantTTL, force)
		if err != nil {
			return "", err
		}
		ranked := Rank(mappings, keywords, c.maxEntities)
		if len(ranked) == 0 {
			return RenderSummary(mappings), nil
		}
		matched := make([]entities.Mapping, len(ranked))
		for i, s := range ranked {
			matched[i] = s.Mapping
		}
		return RenderRelevant(ranked, len(mappings)) + c.aliasBlock(ctx, matched), nil
	})
	if err != nil {
		return "", err
	}
	return body + instructions, nil
}

// Invalidate drops the cached state snapshot and full listing so the
// next request refetches. Relevance subsets age out on their own TTL.
func (c *Compactor) Invalidate(ctx context.Context) {
	for _, key := range []string{keyStates, keyFull} {
		if err := c.cache.Delete(ctx, key); err != nil {
			c.logger.Warn("context cache delete failed", "key", key, "error", err)
		}
	}
}

// HandleStateChange is a [homeassistant.StateChangeHandler] that
// invalidates the cache whenever a watched entity changes.
func (c *Compactor) HandleStateChange(entityID, oldState, newState string) {
	c.logger.Log(context.Background(), config.LevelTrace, "invalidating context",
		"entity_id", entityID, "old", oldState, "new", newState)
	c.Invalidate(context.Background())
}

// catalog returns the alias-indexed entity list, using the cached raw
// states when they are younger than ttl. Callers pass their own TTL so a
// subset never outlives the states it was built from.
func (c *Compactor) catalog(ctx context.Context, ttl time.Duration, force bool) ([]entities.Mapping, error) {
	raw, err := c.cached(ctx, keyStates, ttl, 0, force, func(ctx context.Context) (string, error) {
		states, err := c.states.GetStates(ctx)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(states)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return nil, err
	}

	var states []homeassistant.State
	if err := json.Unmarshal([]byte(raw), &states); err != nil {
		return nil, fmt.Errorf("decode cached states: %w", err)
	}
	return entities.Build(states), nil
}

// cached serves key from the cache when younger than ttl, otherwise
// calls fetch and stores the result with the given retention. If fetch
// fails and any prior value exists, the prior value is returned and the
// error is logged.
func (c *Compactor) cached(ctx context.Context, key string, ttl, retain time.Duration, force bool, fetch func(context.Context) (string, error)) (string, error) {
	kind := kindOf(key)

	prev, havePrev, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("context cache read failed", "key", key, "error", err)
		havePrev = false
	}
	if havePrev && !force && prev.Fresh(c.nowFunc(), ttl) {
		c.observe(kind, "hit")
		return prev.Value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		if havePrev {
			c.observe(kind, "stale")
			c.logger.Warn("context refresh failed, serving cached value",
				"key", key, "age", c.nowFunc().Sub(prev.FetchedAt).Round(time.Second), "error", err)
			return prev.Value, nil
		}
		return "", fmt.Errorf("build %s context: %w", kind, err)
	}

	c.observe(kind, "miss")
	if err := c.cache.Set(ctx, key, contextcache.Entry{Value: value, FetchedAt: c.nowFunc()}, retain); err != nil {
		c.logger.Warn("context cache write failed", "key", key, "error", err)
	}
	return value, nil
}

func (c *Compactor) aliasBlock(ctx context.Context, mappings []entities.Mapping) string {
	if c.aliases == nil {
		return ""
	}
	phrases, err := c.aliases.AliasPhrases(ctx)
	if err != nil {
		c.logger.Debug("learned aliases unavailable", "error", err)
		return ""
	}
	return renderAliases(phrases, mappings)
}

func (c *Compactor) observe(kind, outcome string) {
	if c.observer != nil {
		c.observer.ObserveCache(kind, outcome)
	}
}

func kindOf(key string) string {
	if strings.HasPrefix(key, keyRelevant) {
		return "relevant"
	}
	return key
}
