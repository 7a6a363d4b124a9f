package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrWorkflowNotFound is returned when a release workflow id is unknown.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Client is a production implementation of Releases and Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var (
	_ Releases  = (*Client)(nil)
	_ Scheduler = (*Client)(nil)
)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartRelease starts ReleaseFundsWorkflow for the purchase. If a release of
// the same purchase is already running, its run is returned instead.
func (c *Client) StartRelease(ctx context.Context, input ReleaseFundsInput) (*ReleaseRun, error) {
	id := ReleaseWorkflowID(input.PurchaseID)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"purchase_id": input.PurchaseID,
			"caller":      input.Caller,
			"created_by":  "solescrow",
		},
	}, ReleaseFundsWorkflow, input)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start release workflow",
			"purchase_id", input.PurchaseID,
			"workflow_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "release workflow started",
		"purchase_id", input.PurchaseID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)

	return &ReleaseRun{WorkflowID: run.GetID(), RunID: run.GetRunID()}, nil
}

// GetRelease describes the latest run of a release workflow.
func (c *Client) GetRelease(ctx context.Context, workflowID string) (*ReleaseStatus, error) {
	desc, err := c.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to describe workflow %q: %w", workflowID, err)
	}

	info := desc.GetWorkflowExecutionInfo()
	status := &ReleaseStatus{
		WorkflowID: workflowID,
		RunID:      info.GetExecution().GetRunId(),
		Status:     statusName(info.GetStatus()),
	}

	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return status, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED, enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		var result ReleaseFundsResult
		if err := c.client.GetWorkflow(ctx, workflowID, status.RunID).Get(ctx, &result); err != nil {
			status.Error = err.Error()
			return status, nil
		}
		status.Result = &result
	}

	return status, nil
}

// UpsertReconcileSchedule creates the reconcile-attempts schedule, or updates
// its interval if it already exists.
func (c *Client) UpsertReconcileSchedule(ctx context.Context, every time.Duration, input ReconcileAttemptsInput) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID)
	if _, err := handle.Describe(ctx); err == nil {
		err = handle.Update(ctx, client.ScheduleUpdateOptions{
			DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
				in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{{Every: every}}
				return &client.ScheduleUpdate{Schedule: &in.Description.Schedule}, nil
			},
		})
		if err != nil {
			return fmt.Errorf("failed to update schedule %q: %w", ReconcileScheduleID, err)
		}
		c.logger.InfoContext(ctx, "reconcile schedule updated", "schedule_id", ReconcileScheduleID, "interval", every)
		return nil
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ReconcileScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: every}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        ReconcileScheduleID,
			Workflow:  ReconcileAttemptsWorkflow,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{input},
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Memo: map[string]interface{}{
			"created_by": "solescrow",
		},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to create schedule", "schedule_id", ReconcileScheduleID, "error", err)
		return fmt.Errorf("failed to create schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.InfoContext(ctx, "reconcile schedule created", "schedule_id", ReconcileScheduleID, "interval", every)
	return nil
}

// DeleteReconcileSchedule deletes the reconcile-attempts schedule.
func (c *Client) DeleteReconcileSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID)
	if err := handle.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete schedule %q: %w", ReconcileScheduleID, err)
	}
	c.logger.InfoContext(ctx, "reconcile schedule deleted", "schedule_id", ReconcileScheduleID)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

var statusNames = map[enumspb.WorkflowExecutionStatus]string{
	enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:          "running",
	enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:        "completed",
	enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:           "failed",
	enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:         "canceled",
	enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:       "terminated",
	enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW: "continued_as_new",
	enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:        "timed_out",
}

func statusName(s enumspb.WorkflowExecutionStatus) string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
