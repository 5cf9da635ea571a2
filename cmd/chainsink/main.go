package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/vietddude/chainsink/internal/control"
	"github.com/vietddude/chainsink/internal/core/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	roleFlag := flag.String("role", "all", "Pipeline role: all, poller, blocks, logs, retry")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	backfillFrom := flag.Uint64("backfill-from", 0, "Backfill range start (with -backfill-to)")
	backfillTo := flag.Uint64("backfill-to", 0, "Backfill range end, inclusive")
	flag.Parse()

	// .env is optional; the config file expands whatever is set.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if *isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})))
	log := slog.Default()

	role, err := control.ParseRole(*roleFlag)
	if err != nil {
		log.Error("Invalid role", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewApp(ctx, cfg, role, log)
	if err != nil {
		log.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}

	// One-shot backfill mode: enqueue the range and exit; running workers
	// pick the jobs up.
	if *backfillTo > 0 {
		res, err := app.Backfiller().EnqueueRange(ctx, *backfillFrom, *backfillTo)
		if err != nil {
			log.Error("Backfill failed", "error", err)
			os.Exit(1)
		}
		log.Info("Backfill enqueued", "block_jobs", res.BlocksQueued, "log_jobs", res.LogsQueued)
		stop(app, log)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start", "error", err)
		os.Exit(1)
	}

	sig := <-sigChan
	log.Info("Received signal, shutting down...", "signal", sig)
	stop(app, log)
	log.Info("Stopped gracefully")
}

func stop(app *control.App, log *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
	}
}
