package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Client owns the Temporal connection used to manage the expiry schedule,
// start manual sweeps, and host the worker.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Scheduler = (*Client)(nil)

// NewClient dials Temporal. Temporal's own logging is routed through logger.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "temporal_client")

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    slogAdapter{logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal at %s: %w", host, err)
	}
	logger.Info("connected to temporal", "host", host, "namespace", namespace, "task_queue", taskQueue)

	return &Client{client: c, taskQueue: taskQueue, logger: logger}, nil
}

func (c *Client) sweepAction(input ExpireReservationsInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        expiryWorkflowID,
		Workflow:  ExpireReservationsWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
}

// UpsertExpirySchedule creates the sweep schedule. If it already exists its
// interval and sweep input are replaced in place.
func (c *Client) UpsertExpirySchedule(ctx context.Context, interval time.Duration, input ExpireReservationsInput) error {
	log := c.logger.With("schedule_id", ExpiryScheduleID, "interval", interval)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ExpiryScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action:  c.sweepAction(input),
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Memo:    map[string]interface{}{"created_by": "vitrine"},
	})
	switch {
	case err == nil:
		log.Info("expiry schedule created")
		return nil
	case !errors.Is(err, temporalsdk.ErrScheduleAlreadyRunning):
		return fmt.Errorf("failed to create schedule %q: %w", ExpiryScheduleID, err)
	}

	handle := c.client.ScheduleClient().GetHandle(ctx, ExpiryScheduleID)
	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			s := in.Description.Schedule
			s.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: interval}}
			s.Action = c.sweepAction(input)
			if s.Policy != nil {
				s.Policy.Overlap = enumspb.SCHEDULE_OVERLAP_POLICY_SKIP
			}
			return &client.ScheduleUpdate{Schedule: &s}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update schedule %q: %w", ExpiryScheduleID, err)
	}
	log.Info("expiry schedule updated")
	return nil
}

// DeleteExpirySchedule removes the sweep schedule. Running sweeps finish.
func (c *Client) DeleteExpirySchedule(ctx context.Context) error {
	if err := c.client.ScheduleClient().GetHandle(ctx, ExpiryScheduleID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete schedule %q: %w", ExpiryScheduleID, err)
	}
	c.logger.Info("expiry schedule deleted", "schedule_id", ExpiryScheduleID)
	return nil
}

// DescribeExpirySchedule returns the schedule as Temporal reports it.
func (c *Client) DescribeExpirySchedule(ctx context.Context) (*client.ScheduleDescription, error) {
	desc, err := c.client.ScheduleClient().GetHandle(ctx, ExpiryScheduleID).Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to describe schedule %q: %w", ExpiryScheduleID, err)
	}
	return desc, nil
}

// RunSweep starts a one-off sweep outside the schedule and waits for it.
func (c *Client) RunSweep(ctx context.Context, input ExpireReservationsInput) (*ExpireReservationsResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-manual-%d", expiryWorkflowID, time.Now().UnixNano()),
		TaskQueue: c.taskQueue,
	}, ExpireReservationsWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start sweep: %w", err)
	}
	c.logger.Info("expiry sweep started", "workflow_id", run.GetID(), "run_id", run.GetRunID())

	var result ExpireReservationsResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("sweep %s failed: %w", run.GetID(), err)
	}
	return &result, nil
}

// SDKClient exposes the SDK client, for the worker.
func (c *Client) SDKClient() client.Client {
	return c.client
}

func (c *Client) TaskQueue() string {
	return c.taskQueue
}

func (c *Client) Close() {
	c.client.Close()
}

// slogAdapter satisfies the SDK's log.Logger with an slog.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Debug(msg string, kv ...interface{}) { a.l.Debug(msg, kv...) }
func (a slogAdapter) Info(msg string, kv ...interface{})  { a.l.Info(msg, kv...) }
func (a slogAdapter) Warn(msg string, kv ...interface{})  { a.l.Warn(msg, kv...) }
func (a slogAdapter) Error(msg string, kv ...interface{}) { a.l.Error(msg, kv...) }
