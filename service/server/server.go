package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/brojonat/vitrine/service/metrics"
	"github.com/brojonat/vitrine/service/payment"
	"github.com/brojonat/vitrine/service/transaction"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// TransactionService is the orchestrator API the handlers drive.
// *transaction.Service implements it.
type TransactionService interface {
	CreateTransaction(ctx context.Context, req transaction.CreateRequest) (*transaction.CreateResult, error)
	GetTransaction(ctx context.Context, id string) (*db.Transaction, error)
	ListTransactions(ctx context.Context, f transaction.ListFilter) ([]*db.Transaction, error)
	ProcessPayment(ctx context.Context, id string, details payment.Details) (*transaction.PaymentOutcome, error)
	UpdateTransaction(ctx context.Context, id string, u transaction.Update) (*db.Transaction, error)
	ConfirmDelivery(ctx context.Context, id, callerID string) (*db.Transaction, error)
	CancelTransaction(ctx context.Context, id, reason string) (*db.Transaction, error)
	GetTransactionStats(ctx context.Context, sellerID string) (*transaction.Stats, error)
}

// PaymentMethods answers fee quotes and payment method checks.
// *payment.Service implements it.
type PaymentMethods interface {
	CalculateFees(amount decimal.Decimal, method payment.MethodType) (payment.Fees, error)
	ValidatePaymentMethod(m payment.Method) payment.ValidationResult
}

// Server represents the HTTP server for the transaction service.
type Server struct {
	addr     string
	txns     TransactionService
	payments PaymentMethods
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the /metrics endpoint won't be available.
func New(addr string, txns TransactionService, payments PaymentMethods, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		txns:     txns,
		payments: payments,
		metrics:  m,
		logger:   logger.With("component", "http_server"),
	}
}

// Handler builds the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Transaction routes
	mux.Handle("POST /api/v1/transactions", handleCreateTransaction(s.txns, s.logger))
	mux.Handle("GET /api/v1/transactions", handleListTransactions(s.txns, s.logger))
	mux.Handle("GET /api/v1/transactions/{id}", handleGetTransaction(s.txns, s.logger))
	mux.Handle("PATCH /api/v1/transactions/{id}", handleUpdateTransaction(s.txns, s.logger))
	mux.Handle("POST /api/v1/transactions/{id}/payment", handleProcessPayment(s.txns, s.logger))
	mux.Handle("POST /api/v1/transactions/{id}/confirm-delivery", handleConfirmDelivery(s.txns, s.logger))
	mux.Handle("POST /api/v1/transactions/{id}/cancel", handleCancelTransaction(s.txns, s.logger))
	mux.Handle("GET /api/v1/sellers/{id}/stats", handleSellerStats(s.txns, s.logger))

	// Payment routes
	mux.Handle("POST /api/v1/fees/quote", handleFeeQuote(s.payments, s.logger))
	mux.Handle("POST /api/v1/payment-methods/validate", handleValidatePaymentMethod(s.payments, s.logger))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	var handler http.Handler = mux
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		handler = metrics.HTTPMetricsMiddleware(s.metrics)(handler)
	}

	return corsMiddleware(handler)
}

// Start starts the HTTP server. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
