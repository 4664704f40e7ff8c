package temporal

import (
	"context"
	"fmt"
	"time"
)

// Scheduler manages the Temporal schedule that triggers the expiry sweep.
type Scheduler interface {
	// UpsertExpirySchedule creates the sweep schedule, or updates its interval if it exists.
	UpsertExpirySchedule(ctx context.Context, interval time.Duration, input ExpireReservationsInput) error

	// DeleteExpirySchedule deletes the sweep schedule.
	DeleteExpirySchedule(ctx context.Context) error
}

// ExpiryScheduleID is the Temporal schedule ID of the expiry sweep.
const ExpiryScheduleID = "expire-pix-reservations"

// expiryWorkflowID is the ID used for workflows started by the schedule.
const expiryWorkflowID = "expire-pix-reservations-sweep"

// MinSweepInterval is the shortest interval the expiry schedule accepts.
const MinSweepInterval = time.Second

// EnsureExpirySchedule validates the sweep settings, fills in the default
// batch size, and upserts the schedule on s. It returns the input the
// schedule will run with.
func EnsureExpirySchedule(ctx context.Context, s Scheduler, interval time.Duration, batchSize int) (ExpireReservationsInput, error) {
	if interval < MinSweepInterval {
		return ExpireReservationsInput{}, fmt.Errorf("interval must be at least %v, got %v", MinSweepInterval, interval)
	}
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	input := ExpireReservationsInput{BatchSize: int32(batchSize)}
	if err := s.UpsertExpirySchedule(ctx, interval, input); err != nil {
		return ExpireReservationsInput{}, err
	}
	return input, nil
}
