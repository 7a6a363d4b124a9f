package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ReleaseWorkflowID is the workflow id for releasing purchaseID. Duplicate
// release requests collapse onto the same execution.
func ReleaseWorkflowID(purchaseID string) string {
	return "release-" + purchaseID
}

// ReleaseFundsWorkflow durably releases a held purchase's funds to the seller.
// The activity is retried on transient failures; every retry pays under the
// same idempotency key, so a transfer that landed late is found instead of
// being sent twice.
func ReleaseFundsWorkflow(ctx workflow.Context, input ReleaseFundsInput) (*ReleaseFundsResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReleaseFundsWorkflow started", "purchase_id", input.PurchaseID)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var result *ReleaseFundsResult
	err := workflow.ExecuteActivity(ctx, a.ReleaseFunds, input).Get(ctx, &result)
	if err != nil {
		// Returned as is so callers see the activity's error type.
		logger.Error("release failed", "purchase_id", input.PurchaseID, "error", err)
		return nil, err
	}

	logger.Info("ReleaseFundsWorkflow completed",
		"purchase_id", input.PurchaseID,
		"release_tx_id", result.ReleaseTxID,
		"already_released", result.AlreadyReleased,
	)
	return result, nil
}

// ReconcileAttemptsWorkflow runs one reconciliation pass over pending payment
// attempts. It is triggered by the reconcile-attempts schedule.
func ReconcileAttemptsWorkflow(ctx workflow.Context, input ReconcileAttemptsInput) (*ReconcileAttemptsResult, error) {
	logger := workflow.GetLogger(ctx)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var result *ReconcileAttemptsResult
	err := workflow.ExecuteActivity(ctx, a.ReconcileAttempts, input).Get(ctx, &result)
	if err != nil {
		return nil, fmt.Errorf("reconcile attempts: %w", err)
	}

	logger.Info("ReconcileAttemptsWorkflow completed",
		"checked", result.Checked,
		"confirmed", result.Confirmed,
		"expired", result.Expired,
	)
	return result, nil
}
