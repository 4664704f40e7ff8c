package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ScheduleUpsert is one recorded call to FakeScheduler.UpsertExpirySchedule.
type ScheduleUpsert struct {
	Interval time.Duration
	Input    ExpireReservationsInput
}

// FakeScheduler keeps the expiry schedule in memory. Err, when set, is
// returned by every call.
type FakeScheduler struct {
	mu      sync.Mutex
	upserts []ScheduleUpsert
	exists  bool
	Err     error
}

var _ Scheduler = (*FakeScheduler)(nil)

func (f *FakeScheduler) UpsertExpirySchedule(_ context.Context, interval time.Duration, input ExpireReservationsInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.upserts = append(f.upserts, ScheduleUpsert{Interval: interval, Input: input})
	f.exists = true
	return nil
}

func (f *FakeScheduler) DeleteExpirySchedule(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if !f.exists {
		return fmt.Errorf("schedule %q not found", ExpiryScheduleID)
	}
	f.exists = false
	return nil
}

// Current returns the last upsert while the schedule exists.
func (f *FakeScheduler) Current() (ScheduleUpsert, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists || len(f.upserts) == 0 {
		return ScheduleUpsert{}, false
	}
	return f.upserts[len(f.upserts)-1], true
}

// Upserts returns every recorded upsert in call order.
func (f *FakeScheduler) Upserts() []ScheduleUpsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ScheduleUpsert(nil), f.upserts...)
}
