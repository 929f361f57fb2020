// Hearth is a Home Assistant companion that answers questions about
// the house, learns how its people talk about it, mines power usage
// for savings, and runs allowlisted device commands with a full audit
// trail.
//
// Usage:
//
//	hearth serve              Start the API server and background jobs
//	hearth init [dir]         Write an example config into dir
//	hearth ask <question>     Ask a single question (for testing)
//	hearth analyze            Capture a snapshot and run energy analysis once
//	hearth version            Print version and build information
//	hearth -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/hearth/internal/api"
	"github.com/nugget/hearth/internal/assistant"
	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/connwatch"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/mqtt"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; args is
// os.Args[1:]. Arguments are parsed by hand because the flag package's
// globals interfere with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hearth ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "analyze":
		return runAnalyze(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeIndented(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Home Assistant companion")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearth [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server and background jobs")
	fmt.Fprintln(w, "  init [dir]   Write an example config (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  analyze      Capture a snapshot and run energy analysis once")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml")
	return nil
}

// runAsk answers one question with the full component stack and
// prints the reply. Device commands the model requests are executed
// through the gateway and audited like any other.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Keep stdout clean for the answer.
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.assistant.Chat(ctx, assistant.Request{Message: strings.Join(args, " ")})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if outputFmt == "json" {
		return writeIndented(stdout, resp)
	}

	fmt.Fprintln(stdout, resp.Reply)
	for _, act := range resp.Actions {
		if act.Success {
			fmt.Fprintf(stdout, "  ✓ %s %s\n", act.Service, act.EntityID)
		} else {
			fmt.Fprintf(stdout, "  ✗ %s %s: %s\n", act.Service, act.EntityID, act.Error)
		}
	}
	return nil
}

// runAnalyze captures one snapshot, analyzes the stored history, and
// prints the resulting suggestions.
func runAnalyze(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.miner.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	analysis, err := a.miner.Analyze(ctx)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	list := a.miner.Suggestions(ctx)

	if outputFmt == "json" {
		return writeIndented(stdout, map[string]any{
			"snapshot":    snap,
			"analysis":    analysis,
			"suggestions": list,
		})
	}

	fmt.Fprintf(stdout, "Now: %.0f W total, %.0f W solar, %.0f W from grid, %d active devices\n",
		snap.TotalPower, snap.SolarProduction, snap.GridConsumption, len(snap.ActiveDevices))
	fmt.Fprintf(stdout, "History: %d snapshots, %d peak hours, %d waste patterns\n",
		analysis.SnapshotCount, len(analysis.PeakTimes), len(analysis.WastePatterns))
	fmt.Fprintln(stdout)
	for _, sg := range list {
		fmt.Fprintf(stdout, "[%s] %s\n    %s\n", sg.Impact, sg.Title, sg.Description)
	}
	return nil
}

// runServe is the primary operating mode. It wires every component,
// starts background jobs and the API server, and blocks until SIGINT
// or SIGTERM. Shutdown stops the miner, marks the MQTT device offline,
// drains HTTP requests, then closes the database.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Hearth", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model_provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
		"cache", cfg.Cache.Backend,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Dependency watchers ---
	upstream := watchDependencies(ctx, a, cfg, logger)

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// --- State change subscription ---
	if cfg.HomeAssistant.Subscribe {
		ws := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		watcher := homeassistant.NewStateWatcher(ws.Events(),
			homeassistant.NewEntityFilter(cfg.HomeAssistant.WatchEntities),
			func(entityID, oldState, newState string) {
				a.compactor.HandleStateChange(entityID, oldState, newState)
				a.bus.Publish(events.Event{
					Source: events.SourceHA,
					Kind:   events.KindStateChanged,
					Data:   map[string]any{"entity_id": entityID, "old_state": oldState, "new_state": newState},
				})
			}, logger)
		goRun(func() { ws.Run(ctx, "state_changed") })
		goRun(func() { watcher.Run(ctx) })
		logger.Info("state change subscription enabled", "filters", len(cfg.HomeAssistant.WatchEntities))
	}

	// --- Metrics from bus events ---
	metricsEvents := a.bus.Subscribe(64)
	goRun(func() { a.metrics.Consume(ctx, metricsEvents) })

	// --- Energy miner ---
	if cfg.Energy.Enabled {
		if err := a.miner.Start(ctx, cfg.Energy.CaptureSchedule, cfg.Energy.AnalyzeSchedule); err != nil {
			return err
		}
		defer a.miner.Stop()
	}

	// --- MQTT publisher ---
	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, a.suggestions, logger)
		mqttEvents := a.bus.Subscribe(16)
		goRun(func() {
			if err := publisher.Start(ctx, mqttEvents); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		})
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Chat:        a.assistant,
		Context:     a.compactor,
		Patterns:    a.patterns,
		Energy:      a.miner,
		Suggestions: a.suggestions,
		Gateway:     a.gateway,
		Actions:     a.ledger,
		Upstream:    upstream,
		Metrics:     a.metrics,
	}, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	wg.Wait()
	logger.Info("Hearth stopped")
	return nil
}

// watchDependencies probes Home Assistant, the Redis cache, and a
// local model server in the background. Home Assistant coming back
// drops the cached context so the next request reads fresh state.
func watchDependencies(ctx context.Context, a *app, cfg *config.Config, logger *slog.Logger) *connwatch.Manager {
	m := connwatch.NewManager(logger)

	m.Watch(ctx, connwatch.Dependency{
		Name:    "homeassistant",
		Probe:   a.ha.Ping,
		OnReady: func() { a.compactor.Invalidate(ctx) },
	})
	if a.redis != nil {
		m.Watch(ctx, connwatch.Dependency{Name: "redis", Probe: a.redis.Ping})
	}
	if p, ok := a.model.(interface{ Ping(context.Context) error }); ok {
		m.Watch(ctx, connwatch.Dependency{Name: cfg.Model.Provider, Probe: p.Ping})
	}
	return m
}

// loadConfig locates, loads, and validates the config file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. Validate has already
// rejected unknown levels.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
