package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/vitrine/service/transaction"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// Sweep defaults.
const (
	DefaultSweepBatchSize  = 100
	DefaultSweepMaxBatches = 10
)

// ExpireReservationsInput configures a sweep.
type ExpireReservationsInput struct {
	BatchSize  int32 `json:"batch_size"`
	MaxBatches int   `json:"max_batches"`
}

// ExpireReservationsResult summarises a sweep across all of its batches.
type ExpireReservationsResult struct {
	SweepTime time.Time `json:"sweep_time"`
	Batches   int       `json:"batches"`
	Scanned   int       `json:"scanned"`
	Expired   int       `json:"expired"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Error     *string   `json:"error,omitempty"`
}

// ExpireReservationsWorkflow cancels PIX transactions whose payment window
// has closed and returns their listings to the catalogue. It is triggered by
// a Temporal schedule (see Client.UpsertExpirySchedule).
//
// Work is done in batches; a full batch means there may be more due, so the
// workflow keeps going until a short batch or MaxBatches.
func ExpireReservationsWorkflow(ctx workflow.Context, input ExpireReservationsInput) (*ExpireReservationsResult, error) {
	logger := workflow.GetLogger(ctx)

	if input.BatchSize <= 0 {
		input.BatchSize = DefaultSweepBatchSize
	}
	if input.MaxBatches <= 0 {
		input.MaxBatches = DefaultSweepMaxBatches
	}

	result := &ExpireReservationsResult{SweepTime: workflow.Now(ctx)}
	logger.Info("ExpireReservationsWorkflow started", "sweep_time", result.SweepTime, "batch_size", input.BatchSize)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	for result.Batches < input.MaxBatches {
		var batch *transaction.ExpiryResult
		err := workflow.ExecuteActivity(ctx, a.ExpireReservations, ExpireReservationsActivityInput{
			Now:   result.SweepTime,
			Limit: input.BatchSize,
		}).Get(ctx, &batch)
		if err != nil {
			logger.Error("expiry batch failed", "batch", result.Batches, "error", err)
			errMsg := fmt.Sprintf("failed to expire reservations: %v", err)
			result.Error = &errMsg
			return result, fmt.Errorf("failed to expire reservations: %w", err)
		}

		result.Batches++
		result.Scanned += batch.Scanned
		result.Expired += batch.Expired
		result.Skipped += batch.Skipped
		result.Failed += batch.Failed

		// failed rows stay pending and would be rescanned forever
		if batch.Scanned < int(input.BatchSize) || batch.Failed > 0 {
			break
		}
	}

	logger.Info("ExpireReservationsWorkflow completed",
		"batches", result.Batches,
		"expired", result.Expired,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}
