package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/hearth/internal/assistant"
	"github.com/nugget/hearth/internal/audit"
	"github.com/nugget/hearth/internal/compactor"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/contextcache"
	"github.com/nugget/hearth/internal/energy"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/gateway"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/metrics"
	"github.com/nugget/hearth/internal/opstate"
	"github.com/nugget/hearth/internal/patterns"
	"github.com/nugget/hearth/internal/suggestions"
)

// app holds the wired components shared by serve, ask, and analyze.
type app struct {
	db          *sql.DB
	ha          *homeassistant.Client
	bus         *events.Bus
	metrics     *metrics.Metrics
	cache       contextcache.Store
	redis       *contextcache.Redis // nil unless cache.backend is redis
	model       llm.Client
	compactor   *compactor.Compactor
	patterns    *patterns.Store
	suggestions *suggestions.Store
	ledger      *audit.Ledger
	gateway     *gateway.Gateway
	miner       *energy.Miner
	assistant   *assistant.Controller

	closers []func() error
}

// newApp opens the database and builds every component from cfg.
// Callers must Close the result.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		bus:     events.New(),
		metrics: metrics.New(),
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Database ---
	// One SQLite file holds patterns, suggestions, the audit ledger,
	// energy snapshots, and run state.
	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	logger.Info("database opened", "path", filepath.Join(cfg.DataDir, "hearth.db"))

	// --- Home Assistant ---
	a.ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	// --- Context cache ---
	switch cfg.Cache.Backend {
	case "redis":
		r, err := contextcache.NewRedis(ctx, contextcache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Prefix:   cfg.Cache.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("context cache: %w", err)
		}
		a.cache = r
		a.redis = r
		a.closers = append(a.closers, r.Close)
		logger.Info("context cache on redis", "addr", cfg.Cache.RedisAddr)
	default:
		a.cache = contextcache.NewMemory()
	}

	// --- Stores ---
	if a.patterns, err = patterns.NewStore(db, logger); err != nil {
		return nil, err
	}
	if a.suggestions, err = suggestions.NewStore(db); err != nil {
		return nil, err
	}
	if a.ledger, err = audit.NewLedger(db); err != nil {
		return nil, err
	}
	runState, err := opstate.NewStore(db)
	if err != nil {
		return nil, err
	}
	energyStore, err := energy.NewStore(db)
	if err != nil {
		return nil, err
	}

	// --- Context compactor ---
	a.compactor = compactor.New(compactor.Config{
		States: a.ha,
		Aliases: patterns.Aliases{
			Store:         a.patterns,
			Scope:         patterns.GlobalScope,
			MinConfidence: float64(cfg.Context.MinAliasPercent) / 100,
		},
		Cache:       a.cache,
		MaxEntities: cfg.Context.MaxEntities,
		TTL:         time.Duration(cfg.Context.CacheTTLSec) * time.Second,
		RelevantTTL: time.Duration(cfg.Context.RelevantTTLSec) * time.Second,
		Observer:    a.metrics,
		Logger:      logger,
	})

	// --- Action gateway ---
	a.gateway = gateway.New(a.ha, audit.NewBestEffort(a.ledger, logger, a.metrics), a.metrics, logger)
	a.gateway.SetBus(a.bus)

	// --- Energy miner ---
	a.miner = energy.NewMiner(energy.MinerConfig{
		States:      a.ha,
		Store:       energyStore,
		Suggestions: a.suggestions,
		Feedback:    a.patterns,
		RunState:    runState,
		Bus:         a.bus,
		Scope:       cfg.Energy.Scope,
		Logger:      logger,
	})

	// --- Text model and assistant ---
	a.model, err = llm.New(llm.Config{
		Provider: cfg.Model.Provider,
		Model:    cfg.Model.Name,
		BaseURL:  cfg.Model.BaseURL,
		APIKey:   cfg.Model.APIKey,
		Timeout:  cfg.Model.Timeout(),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	a.assistant = assistant.New(assistant.Config{
		Context:  a.compactor,
		Model:    a.model,
		Patterns: a.patterns,
		Gateway:  a.gateway,
		Bus:      a.bus,
		Observer: a.metrics,
		Logger:   logger,
	})

	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openDatabase opens dataDir/hearth.db in WAL mode, creating the
// directory if needed.
func openDatabase(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "hearth.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}
