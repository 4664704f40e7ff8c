// Package app wires configuration into the running services shared by the
// server, worker and CLI binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/vitrine/service/config"
	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/db/memstore"
	"github.com/brojonat/vitrine/service/graph"
	"github.com/brojonat/vitrine/service/kafka"
	"github.com/brojonat/vitrine/service/metrics"
	natspkg "github.com/brojonat/vitrine/service/nats"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/brojonat/vitrine/service/transaction"
	"github.com/jackc/pgx/v5/pgxpool"
)

// App holds the wired services and the resources they own.
type App struct {
	Store        transaction.Store
	Payments     *payment.Service
	Transactions *transaction.Service

	closers []func(context.Context) error
	logger  *slog.Logger
}

// New builds the store, event publisher, optional sales graph, payment
// gateway and transaction orchestrator described by cfg.
// If metrics is nil, no metrics will be recorded.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}

	store, err := a.openStore(ctx, cfg, m)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Store = store

	if cfg.SeedFile != "" {
		if err := SeedFile(ctx, store, cfg.SeedFile, logger); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	publisher, err := a.openPublisher(cfg, m)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var sales transaction.SalesRecorder
	if cfg.GraphEnabled() {
		recorder, err := graph.NewSalesRecorder(ctx, graph.Options{
			URI:      cfg.Neo4jURI,
			Database: cfg.Neo4jDatabase,
			Username: cfg.Neo4jUser,
			Password: cfg.Neo4jPassword,
		}, m, logger)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to connect to sales graph: %w", err)
		}
		a.closers = append(a.closers, recorder.Close)
		sales = recorder
		logger.Info("connected to sales graph", "uri", cfg.Neo4jURI)
	}

	payments, err := payment.NewSandboxService(cfg.FeePolicy(), m, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to create payment service: %w", err)
	}
	a.Payments = payments

	txns, err := transaction.NewService(transaction.Config{
		Store:     store,
		Payments:  payments,
		Publisher: publisher,
		Sales:     sales,
		Metrics:   m,
		Logger:    logger,
		Pix:       cfg.PixConfig(),
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to create transaction service: %w", err)
	}
	a.Transactions = txns

	return a, nil
}

// Close releases every resource the App opened, in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (transaction.Store, error) {
	if cfg.StorageDriver == config.StorageMemory {
		a.logger.Warn("using in-memory storage, data will not survive a restart")
		return memstore.New(), nil
	}

	pool, err := OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})

	if err := db.Migrate(ctx, pool); err != nil {
		return nil, err
	}
	a.logger.Info("connected to database")
	return db.NewStore(pool, m), nil
}

func (a *App) openPublisher(cfg *config.Config, m *metrics.Metrics) (natspkg.Publisher, error) {
	switch cfg.EventsBackend {
	case config.EventsNATS:
		p, err := natspkg.NewPublisher(cfg.NATSURL, m, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return p.Close() })
		a.logger.Info("connected to NATS", "url", cfg.NATSURL)
		return p, nil
	case config.EventsKafka:
		p := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, m, a.logger)
		a.closers = append(a.closers, func(context.Context) error { return p.Close() })
		a.logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return p, nil
	default:
		a.logger.Warn("event publishing disabled")
		return nil, nil
	}
}

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// SetupLogger creates a structured JSON logger with the given log level.
func SetupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
