package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/vitrine/service/app"
	"github.com/brojonat/vitrine/service/config"
	"github.com/brojonat/vitrine/service/metrics"
	"github.com/brojonat/vitrine/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"sweep_interval", cfg.ExpirySweepInterval,
	)
	if cfg.StorageDriver == config.StorageMemory {
		logger.Warn("worker is using in-memory storage; it will not see transactions created by the server")
	}

	m := metrics.NewMetrics(nil)
	stopMetrics := serveMetrics(cfg.WorkerMetricsAddr, logger)
	defer stopMetrics()

	a, err := app.New(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("failed to initialize services", "error", err)
		return err
	}
	defer a.Close(context.Background())

	tc, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		return err
	}
	defer tc.Close()

	sweep, err := temporal.EnsureExpirySchedule(ctx, tc, cfg.ExpirySweepInterval, cfg.ExpiryBatchSize)
	if err != nil {
		logger.Error("failed to ensure expiry schedule", "error", err)
		return err
	}
	logger.Info("expiry schedule ready",
		"schedule_id", temporal.ExpiryScheduleID,
		"interval", cfg.ExpirySweepInterval,
		"batch_size", sweep.BatchSize,
	)

	w, err := temporal.NewWorker(tc, a.Transactions, m, logger)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		return err
	}
	if err := w.Run(ctx); err != nil {
		logger.Error("temporal worker error", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// serveMetrics exposes the default Prometheus registry on addr and returns
// a func that shuts the listener down.
func serveMetrics(addr string, logger *slog.Logger) func() {
	srv := &http.Server{Addr: addr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down metrics server", "error", err)
		}
	}
}
