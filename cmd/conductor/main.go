// Conductor is an AI-agent orchestrator daemon.
//
// It accepts chat messages over HTTP, runs a bounded model/tool
// iteration loop against configured LLM providers, and dispatches tool
// calls to independently deployed tool modules discovered through their
// manifests. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); a .env file in the
// working directory is applied to the environment first.
//
// Usage:
//
//	conductor serve      Start the orchestrator
//	conductor version    Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hollisb/conductor/internal/agent"
	"github.com/hollisb/conductor/internal/api"
	"github.com/hollisb/conductor/internal/budget"
	"github.com/hollisb/conductor/internal/buildinfo"
	"github.com/hollisb/conductor/internal/config"
	"github.com/hollisb/conductor/internal/llm"
	"github.com/hollisb/conductor/internal/metrics"
	"github.com/hollisb/conductor/internal/registry"
	"github.com/hollisb/conductor/internal/store"
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The surface is two subcommands and one
	// flag; the flag package's global state is not worth it.
	var configPath string
	command := "serve"

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag %q", args[i])
		}
	}

	switch command {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "serve":
		return serve(ctx, stdout, configPath)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func serve(ctx context.Context, stdout io.Writer, configPath string) error {
	// .env overlay before config load, so ${VAR} expansion sees it.
	// A missing .env is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}

	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting", "version", buildinfo.Version, "config", path)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "conductor.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// --- LLM router and provider adapters ---
	router := llm.NewRouter(cfg.Models, logger)
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		router.AddProvider("anthropic", llm.NewAnthropicClient(key, logger))
	}
	if url := cfg.Providers.Ollama.URL; url != "" {
		router.AddProvider("ollama", llm.NewOllamaClient(url, logger))
	}

	// --- Tool registry ---
	cache := registry.NewManifestCache(cfg.Modules.ManifestTTL(), nil)
	reg := registry.New(cfg.Modules, cache, logger)

	// First discovery runs synchronously so tools are available from the
	// first message; later refreshes happen in the background.
	reg.DiscoverAll(ctx)
	logger.Info("module discovery complete", "modules", len(reg.Modules()))

	m := metrics.NewMetrics()
	m.ModulesDiscovered.Set(float64(len(reg.Modules())))

	// --- Agent loop ---
	var defaultBudget *int64
	if cfg.Budget.DefaultMonthlyTokens > 0 {
		b := cfg.Budget.DefaultMonthlyTokens
		defaultBudget = &b
	}
	loop := agent.New(cfg.Agent, agent.Deps{
		Store:         st,
		Gate:          budget.New(st, nil, logger),
		Tools:         reg,
		Model:         router,
		Context:       agent.NewHistoryBuilder(st, cfg.Agent.HistoryLimit),
		Metrics:       m,
		Logger:        logger,
		DefaultBudget: defaultBudget,
	})

	server := api.NewServer(
		fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		loop, st, logger,
	)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Periodic manifest re-discovery.
	go func() {
		ticker := time.NewTicker(cfg.Modules.RefreshInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.DiscoverAll(ctx)
				m.ModulesDiscovered.Set(float64(len(reg.Modules())))
			}
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("conductor stopped")
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `conductor — AI-agent orchestrator

Usage:
  conductor [flags] <command>

Commands:
  serve      Start the orchestrator (default)
  version    Print version and build information

Flags:
  -config <path>   Config file (default: search %v)
`, config.DefaultSearchPaths())
	return nil
}
