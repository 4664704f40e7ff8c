package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Transaction lifecycle metrics
	transactionsCreatedTotal    *prometheus.CounterVec
	transactionTransitionsTotal *prometheus.CounterVec
	reservationsReleasedTotal   *prometheus.CounterVec
	feesCollectedTotal          *prometheus.CounterVec

	// Payment gateway metrics
	paymentAttemptsTotal *prometheus.CounterVec
	paymentDuration      *prometheus.HistogramVec
	refundsTotal         *prometheus.CounterVec

	// Expiry sweep metrics
	expirySweepsTotal        *prometheus.CounterVec
	expiredTransactionsTotal prometheus.Counter
	activityDuration         *prometheus.HistogramVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// Event bus metrics
	eventsPublishedTotal *prometheus.CounterVec
	eventPublishDuration *prometheus.HistogramVec

	// Sales graph metrics
	salesGraphWritesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		transactionsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_transactions_created_total",
				Help: "Total number of marketplace transactions created by payment method",
			},
			[]string{"payment_method"},
		),
		transactionTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_transaction_transitions_total",
				Help: "Total number of transaction status transitions",
			},
			[]string{"from", "to"},
		),
		reservationsReleasedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_reservations_released_total",
				Help: "Total number of listing reservations released back to active",
			},
			[]string{"reason"},
		),
		feesCollectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketplace_fees_collected_total",
				Help: "Fees booked on created transactions, in platform currency",
			},
			[]string{"payment_method", "fee_type"},
		),

		paymentAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_attempts_total",
				Help: "Total number of payment attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		paymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_provider_call_duration_seconds",
				Help:    "Duration of payment provider calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "operation"},
		),
		refundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_refunds_total",
				Help: "Total number of refunds by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		expirySweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_expiry_sweeps_total",
				Help: "Total number of reservation expiry sweeps",
			},
			[]string{"status"},
		),
		expiredTransactionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reservation_expired_transactions_total",
				Help: "Total number of never-paid transactions expired by the sweep or on access",
			},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "temporal_activity_duration_seconds",
				Help:    "Duration of Temporal activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		eventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Total number of lifecycle events published to the event bus",
			},
			[]string{"backend", "subject", "status"},
		),
		eventPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_publish_duration_seconds",
				Help:    "Duration of event bus publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"backend"},
		),

		salesGraphWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sales_graph_writes_total",
				Help: "Total number of completed sales written to the sales graph",
			},
			[]string{"status"},
		),
	}
}

// Transaction lifecycle metric helpers

// RecordTransactionCreated records a new transaction for a payment method.
func (m *Metrics) RecordTransactionCreated(paymentMethod string) {
	if m == nil {
		return
	}
	m.transactionsCreatedTotal.WithLabelValues(paymentMethod).Inc()
}

// RecordTransition records a status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transactionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordReservationReleased records a listing going back to active.
func (m *Metrics) RecordReservationReleased(reason string) {
	if m == nil {
		return
	}
	m.reservationsReleasedTotal.WithLabelValues(reason).Inc()
}

// RecordFees records the platform and payment fees booked on a new transaction.
func (m *Metrics) RecordFees(paymentMethod string, platformFee, paymentFee float64) {
	if m == nil {
		return
	}
	m.feesCollectedTotal.WithLabelValues(paymentMethod, "platform").Add(platformFee)
	m.feesCollectedTotal.WithLabelValues(paymentMethod, "payment").Add(paymentFee)
}

// Payment metric helpers

// RecordPaymentAttempt records a charge attempt with duration.
// Outcome is one of "approved", "declined", "error".
func (m *Metrics) RecordPaymentAttempt(provider, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.paymentAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.paymentDuration.WithLabelValues(provider, "charge").Observe(duration)
}

// RecordRefund records a refund attempt with duration.
func (m *Metrics) RecordRefund(provider, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.refundsTotal.WithLabelValues(provider, outcome).Inc()
	m.paymentDuration.WithLabelValues(provider, "refund").Observe(duration)
}

// Expiry sweep metric helpers

// RecordExpirySweep records a sweep run and how many transactions it expired.
func (m *Metrics) RecordExpirySweep(status string, expired int) {
	if m == nil {
		return
	}
	m.expirySweepsTotal.WithLabelValues(status).Inc()
	m.expiredTransactionsTotal.Add(float64(expired))
}

// RecordExpired records transactions expired outside of a sweep (lazy check).
func (m *Metrics) RecordExpired(count int) {
	if m == nil {
		return
	}
	m.expiredTransactionsTotal.Add(float64(count))
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	if m == nil {
		return
	}
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// Event bus metric helpers

// RecordEventPublish records an event bus publish operation.
func (m *Metrics) RecordEventPublish(backend, subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.eventsPublishedTotal.WithLabelValues(backend, subject, status).Inc()
	m.eventPublishDuration.WithLabelValues(backend).Observe(duration)
}

// RecordSalesGraphWrite records a sales graph write.
func (m *Metrics) RecordSalesGraphWrite(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.salesGraphWritesTotal.WithLabelValues(status).Inc()
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
