// Package graph projects completed sales into a Neo4j graph of
// buyers, sellers and listings.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/metrics"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ErrMissingURI indicates the graph URI is not provided.
var ErrMissingURI = errors.New("graph URI is required")

// Options configures the Neo4j connection.
type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// writer runs a single write statement. Implemented by the Neo4j driver
// wrapper below and by fakes in tests.
type writer interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) error
	Close(ctx context.Context) error
}

const recordSaleCypher = `
MERGE (buyer:User {id: $buyer_id})
MERGE (seller:User {id: $seller_id})
MERGE (listing:Listing {id: $listing_id})
MERGE (seller)-[:LISTED]->(listing)
MERGE (buyer)-[sale:BOUGHT {transaction_id: $transaction_id}]->(listing)
SET sale.amount = $amount,
    sale.payment_method = $payment_method,
    sale.completed_at = $completed_at`

// SalesRecorder writes completed transactions to the sales graph.
type SalesRecorder struct {
	w       writer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSalesRecorder connects to Neo4j and verifies connectivity.
// If metrics is nil, no metrics will be recorded.
func NewSalesRecorder(ctx context.Context, opts Options, m *metrics.Metrics, logger *slog.Logger) (*SalesRecorder, error) {
	if opts.URI == "" {
		return nil, ErrMissingURI
	}

	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(opts.URI, auth, func(c *neo4j.Config) {
		if opts.MaxConnections > 0 {
			c.MaxConnectionPoolSize = opts.MaxConnections
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify graph connectivity: %w", err)
	}

	logger.Info("sales graph connected", "uri", opts.URI, "database", opts.Database)
	return newSalesRecorder(&neo4jWriter{driver: driver, database: opts.Database}, m, logger), nil
}

func newSalesRecorder(w writer, m *metrics.Metrics, logger *slog.Logger) *SalesRecorder {
	return &SalesRecorder{
		w:       w,
		metrics: m,
		logger:  logger.With("component", "sales_graph"),
	}
}

// RecordSale merges the buyer, seller, listing and BOUGHT relationship for a
// completed transaction. Repeated calls for the same transaction are no-ops.
func (r *SalesRecorder) RecordSale(ctx context.Context, txn *db.Transaction) error {
	completedAt := txn.UpdatedAt
	if txn.ActualDelivery != nil {
		completedAt = *txn.ActualDelivery
	}

	err := r.w.ExecuteWrite(ctx, recordSaleCypher, map[string]any{
		"buyer_id":       txn.BuyerID,
		"seller_id":      txn.SellerID,
		"listing_id":     txn.ListingID,
		"transaction_id": txn.ID,
		"amount":         txn.Amount.InexactFloat64(),
		"payment_method": txn.PaymentMethod,
		"completed_at":   completedAt.UTC().Format(time.RFC3339),
	})
	r.metrics.RecordSalesGraphWrite(err)
	if err != nil {
		return fmt.Errorf("failed to record sale %s: %w", txn.ID, err)
	}

	r.logger.DebugContext(ctx, "recorded sale", "transaction_id", txn.ID)
	return nil
}

// Close closes the underlying driver.
func (r *SalesRecorder) Close(ctx context.Context) error {
	return r.w.Close(ctx)
}

type neo4jWriter struct {
	driver   neo4j.DriverWithContext
	database string
}

func (n *neo4jWriter) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) error {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: n.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

func (n *neo4jWriter) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}
