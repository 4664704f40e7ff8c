package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/vitrine/service/metrics"
	"github.com/brojonat/vitrine/service/transaction"
)

// ExpireReservationsActivityInput contains parameters for one expiry batch.
type ExpireReservationsActivityInput struct {
	Now   time.Time `json:"now"`
	Limit int32     `json:"limit"`
}

// Expirer cancels unpaid transactions whose payment window closed.
// *transaction.Service implements it; tests substitute a mock.
type Expirer interface {
	ExpireReservations(ctx context.Context, now time.Time, limit int32) (*transaction.ExpiryResult, error)
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	expirer Expirer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(expirer Expirer, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		expirer: expirer,
		metrics: m,
		logger:  logger,
	}
}

// ExpireReservations expires one batch of PIX transactions whose payment
// window closed at or before input.Now. The sweep time comes from the
// workflow so that retries of the same batch use the same cutoff.
func (a *Activities) ExpireReservations(ctx context.Context, input ExpireReservationsActivityInput) (*transaction.ExpiryResult, error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordActivityDuration("ExpireReservations", time.Since(start).Seconds())
	}()

	a.logger.DebugContext(ctx, "expiring reservations",
		"now", input.Now,
		"limit", input.Limit,
	)

	result, err := a.expirer.ExpireReservations(ctx, input.Now, input.Limit)
	if err != nil {
		a.metrics.RecordExpirySweep("error", 0)
		a.logger.ErrorContext(ctx, "expiry batch failed", "error", err)
		return nil, fmt.Errorf("failed to expire reservations: %w", err)
	}

	status := "success"
	if result.Failed > 0 {
		status = "partial"
	}
	a.metrics.RecordExpirySweep(status, result.Expired)

	a.logger.InfoContext(ctx, "expiry batch finished",
		"scanned", result.Scanned,
		"expired", result.Expired,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}
