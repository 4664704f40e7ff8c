package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/vitrine/service/app"
	"github.com/brojonat/vitrine/service/config"
	"github.com/brojonat/vitrine/service/metrics"
	"github.com/brojonat/vitrine/service/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := app.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := app.SetupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"storage", cfg.StorageDriver,
		"events", cfg.EventsBackend,
	)

	m := metrics.NewMetrics(nil)

	a, err := app.New(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		return err
	}
	defer a.Close(context.Background())

	srv := server.New(cfg.ServerAddr, a.Transactions, a.Payments, m, logger)
	logger.Info("dependencies ready",
		"sales_graph", cfg.GraphEnabled(),
		"pix_timeout", cfg.PixPaymentTimeout,
	)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		logger.Error("server error", "error", err)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down gracefully", "error", err)
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
