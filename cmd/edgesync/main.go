package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tessellated-ai/edgesync/internal/server"
	"github.com/tessellated-ai/edgesync/internal/telemetry"
	"github.com/tessellated-ai/edgesync/pkg/edgesync"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("edgesync", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := edgesync.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	eng, err := edgesync.New(cfg, edgesync.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create sync engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop everything on a fatal connection failure; the process is the
	// restart boundary.
	eng.Bus().OnFatal(func(evt edgesync.Fatal) {
		logger.Error("sync engine failed", slog.String("error", evt.Err.Error()))
		cancel()
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		return server.New(cfg.StatusAddr, eng, logger).Run(ctx)
	})

	logger.Info("edge sync engine started",
		slog.String("edge_id", cfg.EdgeID),
		slog.String("cloud_endpoint", cfg.CloudEndpoint),
		slog.String("status_addr", cfg.StatusAddr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shutdown with error", slog.String("error", err.Error()))
	}
	logger.Info("edge sync engine stopped")
}
