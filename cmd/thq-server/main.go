// Command thq-server runs the telemetry hub, segment estimator, ingestion
// pipeline, and duplex/REST/GraphQL transports as a single process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/TrainLCD/THQ/internal/config"
	"github.com/TrainLCD/THQ/internal/hub"
	"github.com/TrainLCD/THQ/internal/ingest"
	"github.com/TrainLCD/THQ/internal/logging"
	"github.com/TrainLCD/THQ/internal/segment"
	"github.com/TrainLCD/THQ/internal/storage"
	"github.com/TrainLCD/THQ/internal/topology"
	"github.com/TrainLCD/THQ/internal/transport"

	"github.com/TrainLCD/THQ/internal/auth"
)

func main() {
	app := &cli.App{
		Name:  "thq-server",
		Usage: "telemetry hub, segment estimation, and aggregation server",
		Flags: config.Flags(),
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "thq-server: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize structured logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	topo := topology.Empty()
	if cfg.TopologyPath != "" {
		topo, err = topology.Load(cfg.TopologyPath, logger)
		if err != nil {
			return fmt.Errorf("load topology: %w", err)
		}
		logger.Info("line topology loaded", logging.String("path", cfg.TopologyPath))
	} else {
		logger.Warn("no topology path configured: segment estimation disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	store, err := storage.Connect(ctx, cfg.DatabaseURL, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}
	if store.Enabled() {
		logger.Info("persistence enabled")
	} else {
		logger.Info("persistence disabled: no database url configured")
	}

	h := hub.New(cfg.RingSize, logger)
	estimator := segment.New(topo)
	pipeline := ingest.New(h, estimator, store, logger)
	verifier := auth.NewVerifier(cfg.WSAuthToken, cfg.WSAuthRequired)

	srv := transport.New(h, pipeline, verifier, store, logger, func() bool { return true })

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: srv.Handler(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("thq-server listening", logging.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("server terminated: %w", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", logging.Error(err))
		}
	}
	return nil
}
