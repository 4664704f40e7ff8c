package nats

import (
	"context"
	"slices"
	"sync"
)

// Recorder is an in-memory Publisher that keeps every event it is handed.
// Tests use it to assert on what the transaction service emitted.
type Recorder struct {
	mu     sync.Mutex
	events []*TransactionEvent
	fail   error
	closed bool
}

var _ Publisher = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	return r.PublishTransactionBatch(ctx, []*TransactionEvent{event})
}

// PublishTransactionBatch records the whole batch, or nothing when FailWith is set.
func (r *Recorder) PublishTransactionBatch(_ context.Context, events []*TransactionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// FailWith makes subsequent publishes return err. Pass nil to recover.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Events returns the recorded events matching keep, or all of them when keep is nil.
func (r *Recorder) Events(keep func(*TransactionEvent) bool) []*TransactionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if keep == nil {
		return slices.Clone(r.events)
	}
	var out []*TransactionEvent
	for _, ev := range r.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// ForTransaction is shorthand for Events filtered by transaction ID.
func (r *Recorder) ForTransaction(id string) []*TransactionEvent {
	return r.Events(func(ev *TransactionEvent) bool { return ev.TransactionID == id })
}

// Types lists the recorded event types in publish order.
func (r *Recorder) Types() []string {
	events := r.Events(nil)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Reset drops recorded events and any injected failure.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events, r.fail, r.closed = nil, nil, false
	r.mu.Unlock()
}
