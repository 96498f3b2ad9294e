// Command voxgate is the main entry point for the voxgate endpointing gateway.
//
// Server mode (default) accepts audio over websockets, cuts it into utterances
// and delivers them to the configured targets:
//
//	voxgate -config config.yaml
//
// Split mode runs the same engine offline over a WAV file and writes every
// utterance to a directory:
//
//	voxgate -split recording.wav -out utterances/ [-config config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/delivery/wavdir"
	"github.com/MrWong99/voxgate/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	splitPath := flag.String("split", "", "split this WAV file into utterances and exit")
	outDir := flag.String("out", "utterances", "output directory for -split")
	chunk := flag.Int("chunk", app.DefaultSplitChunk, "samples per engine call for -split")
	flag.Parse()

	configSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configSet = true
		}
	})

	// ── Load configuration ────────────────────────────────────────────────────
	// Split mode runs with defaults when no config file is around.
	cfg, err := config.Load(*configPath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist) && *splitPath != "" && !configSet:
			cfg = &config.Config{}
			config.ApplyDefaults(cfg)
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
			return 1
		default:
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, levelVar)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *splitPath != "" {
		return runSplit(ctx, cfg, *splitPath, *outDir, *chunk)
	}

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithLevelVar(levelVar),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping", "timeout", cfg.Server.ShutdownTimeout)
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// runSplit cuts the WAV file at in into utterances written to out.
func runSplit(ctx context.Context, cfg *config.Config, in, out string, chunk int) int {
	f, err := os.Open(in)
	if err != nil {
		slog.Error("failed to open input", "path", in, "err", err)
		return 1
	}
	defer f.Close()

	if err := os.MkdirAll(out, 0o755); err != nil {
		slog.Error("failed to create output directory", "path", out, "err", err)
		return 1
	}
	tgt, err := wavdir.New(out)
	if err != nil {
		slog.Error("failed to open output directory", "path", out, "err", err)
		return 1
	}
	defer tgt.Close()

	name := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	n, err := app.Split(ctx, f, app.SplitConfig{
		Endpoint:     cfg.Endpoint,
		ChunkSamples: chunk,
		Name:         name,
	}, tgt)
	if err != nil {
		slog.Error("split failed", "input", in, "written", n, "err", err)
		return 1
	}
	slog.Info("split complete", "input", in, "utterances", n, "out", out)
	return 0
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Gateway.DefaultSampleRate)
	fmt.Printf("║  Frame / hang    : %-19s ║\n", fmt.Sprintf("%d ms / %d ms", cfg.Endpoint.FrameMs, cfg.Endpoint.SilenceHoldMs))
	fmt.Printf("║  Push-to-talk    : %-19t ║\n", cfg.Gateway.PushToTalk)
	if len(cfg.Delivery.Targets) == 0 {
		fmt.Printf("║  Targets         : %-19s ║\n", "(none)")
	}
	for _, t := range cfg.Delivery.Targets {
		value := t.Name
		if len(t.Fallback) > 0 {
			value = fmt.Sprintf("%s (+%d fallback)", t.Name, len(t.Fallback))
		}
		fmt.Printf("║  Target          : %-19s ║\n", value)
	}
	fmt.Printf("║  Metrics         : %-19s ║\n", cfg.Telemetry.MetricsPath)
	fmt.Println("╚═══════════════════════════════════════╝")
}

// newLogger builds the text logger. Its level is read from levelVar, so the
// config watcher can change it at runtime.
func newLogger(level config.LogLevel, levelVar *slog.LevelVar) *slog.Logger {
	levelVar.Set(level.SlogLevel())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
}
