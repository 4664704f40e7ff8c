package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/vitrine/service/metrics"
	"go.temporal.io/sdk/worker"
)

// Worker polls the task queue for expiry sweeps. It shares the
// connection of the Client it was built from.
type Worker struct {
	worker    worker.Worker
	taskQueue string
	logger    *slog.Logger
}

// NewWorker registers the expiry workflow and its activity on c's task queue.
// m may be nil.
func NewWorker(c *Client, expirer Expirer, m *metrics.Metrics, logger *slog.Logger) (*Worker, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if expirer == nil {
		return nil, errors.New("expirer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "temporal_worker", "task_queue", c.TaskQueue())

	// Sweeps are serialized by the schedule's overlap policy; a small
	// pool is enough for retries and manual runs.
	w := worker.New(c.SDKClient(), c.TaskQueue(), worker.Options{
		MaxConcurrentActivityExecutionSize:     4,
		MaxConcurrentWorkflowTaskExecutionSize: 4,
	})
	register(w, NewActivities(expirer, m, logger))

	return &Worker{worker: w, taskQueue: c.TaskQueue(), logger: logger}, nil
}

// registry is what register needs from a worker. The SDK's test workflow
// environment satisfies it as well.
type registry interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

func register(r registry, activities *Activities) {
	r.RegisterWorkflow(ExpireReservationsWorkflow)
	r.RegisterActivity(activities.ExpireReservations)
}

// Run polls until ctx is cancelled, then stops the worker and waits for
// in-flight activities to finish.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker on %s: %w", w.taskQueue, err)
	}
	w.logger.Info("temporal worker polling")

	<-ctx.Done()
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.logger.Info("temporal worker stopped")
	return nil
}
