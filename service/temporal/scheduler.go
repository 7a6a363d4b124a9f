package temporal

import (
	"context"
	"time"
)

// ReconcileScheduleID is the id of the schedule that triggers ReconcileAttemptsWorkflow.
const ReconcileScheduleID = "reconcile-attempts"

// ReleaseRun identifies a started release workflow.
type ReleaseRun struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// ReleaseStatus describes a release workflow and, once it has finished, its outcome.
type ReleaseStatus struct {
	WorkflowID string              `json:"workflow_id"`
	RunID      string              `json:"run_id"`
	Status     string              `json:"status"` // running, completed, failed, canceled, terminated, timed_out
	Result     *ReleaseFundsResult `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Releases starts and inspects release workflows.
type Releases interface {
	StartRelease(ctx context.Context, input ReleaseFundsInput) (*ReleaseRun, error)
	GetRelease(ctx context.Context, workflowID string) (*ReleaseStatus, error)
}

// Scheduler manages the reconciliation schedule.
type Scheduler interface {
	UpsertReconcileSchedule(ctx context.Context, every time.Duration, input ReconcileAttemptsInput) error
	DeleteReconcileSchedule(ctx context.Context) error
}
