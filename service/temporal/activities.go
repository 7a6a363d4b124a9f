package temporal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/solescrow/service/escrow"
	"github.com/brojonat/solescrow/service/payment"
	"github.com/brojonat/solescrow/service/signer"
	"go.temporal.io/sdk/temporal"
)

// ReleaseFundsInput contains the input parameters for releasing a purchase.
type ReleaseFundsInput struct {
	PurchaseID string `json:"purchase_id"`
	Caller     string `json:"caller"` // wallet address of the admin requesting the release
}

// ReleaseFundsResult contains the result of a release.
type ReleaseFundsResult struct {
	PurchaseID      string `json:"purchase_id"`
	ReleaseTxID     string `json:"release_tx_id"`
	AlreadyReleased bool   `json:"already_released"`
	Attempts        int    `json:"attempts"`
}

// ReconcileAttemptsInput contains parameters for the ReconcileAttempts activity.
type ReconcileAttemptsInput struct {
	OlderThan time.Duration `json:"older_than"` // only attempts pending at least this long
	Limit     int           `json:"limit"`
}

// ReconcileAttemptsResult summarizes one reconciliation pass.
type ReconcileAttemptsResult struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
}

// Releaser is the settlement operation the release activity drives.
type Releaser interface {
	ReleaseFunds(ctx context.Context, caller escrow.Identity, purchaseID string) (*escrow.ReleaseResult, error)
}

// Reconciler resolves payment attempts left pending.
type Reconciler interface {
	ReconcilePending(ctx context.Context, before time.Time, limit int) (payment.ReconcileReport, error)
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	releaser   Releaser
	reconciler Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewActivities creates a new Activities instance with explicit dependencies.
func NewActivities(releaser Releaser, reconciler Reconciler, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		releaser:   releaser,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

// ReleaseFunds moves a held purchase's funds to the seller. Errors that a
// retry cannot fix are returned as non-retryable application errors.
func (a *Activities) ReleaseFunds(ctx context.Context, input ReleaseFundsInput) (*ReleaseFundsResult, error) {
	a.logger.InfoContext(ctx, "releasing funds",
		"purchase_id", input.PurchaseID,
		"caller", input.Caller,
	)

	res, err := a.releaser.ReleaseFunds(ctx, escrow.Wallet(input.Caller), input.PurchaseID)
	if err != nil {
		a.logger.ErrorContext(ctx, "release failed",
			"purchase_id", input.PurchaseID,
			"error", err,
		)
		return nil, classify(err)
	}

	a.logger.InfoContext(ctx, "funds released",
		"purchase_id", input.PurchaseID,
		"release_tx_id", res.ReleaseTxID,
		"already_released", res.AlreadyReleased,
	)

	return &ReleaseFundsResult{
		PurchaseID:      input.PurchaseID,
		ReleaseTxID:     res.ReleaseTxID,
		AlreadyReleased: res.AlreadyReleased,
		Attempts:        res.Attempts,
	}, nil
}

// ReconcileAttempts resolves payment attempts that have been pending for at
// least input.OlderThan.
func (a *Activities) ReconcileAttempts(ctx context.Context, input ReconcileAttemptsInput) (*ReconcileAttemptsResult, error) {
	before := a.now().Add(-input.OlderThan)

	report, err := a.reconciler.ReconcilePending(ctx, before, input.Limit)
	if err != nil {
		return nil, err
	}

	if report.Checked > 0 {
		a.logger.InfoContext(ctx, "reconciled payment attempts",
			"checked", report.Checked,
			"confirmed", report.Confirmed,
			"failed", report.Failed,
			"expired", report.Expired,
			"pending", report.Pending,
		)
	}

	return &ReconcileAttemptsResult{
		Checked:   report.Checked,
		Confirmed: report.Confirmed,
		Failed:    report.Failed,
		Expired:   report.Expired,
		Pending:   report.Pending,
	}, nil
}

// Application error types reported by activities.
const (
	ErrTypeNotAuthorized     = "NotAuthorized"
	ErrTypeInvalidState      = "InvalidState"
	ErrTypeNotFound          = "NotFound"
	ErrTypeInsufficientFunds = "InsufficientFunds"
	ErrTypeRejected          = "RejectedByNetwork"
	ErrTypeInvalidRecipient  = "InvalidRecipient"
	ErrTypeInvalidAmount     = "InvalidAmount"
	ErrTypeUserRejected      = "UserRejected"
)

var terminalErrors = []struct {
	target  error
	errType string
}{
	{escrow.ErrNotAuthorized, ErrTypeNotAuthorized},
	{escrow.ErrInvalidState, ErrTypeInvalidState},
	{escrow.ErrNotFound, ErrTypeNotFound},
	{payment.ErrInsufficientFunds, ErrTypeInsufficientFunds},
	{payment.ErrRejectedByNetwork, ErrTypeRejected},
	{payment.ErrInvalidRecipient, ErrTypeInvalidRecipient},
	{payment.ErrInvalidAmount, ErrTypeInvalidAmount},
	{signer.ErrUserRejected, ErrTypeUserRejected},
}

// classify wraps terminal errors so Temporal does not retry them. Anything
// else, PaymentFailed included, is retried under the same idempotency key.
func classify(err error) error {
	for _, t := range terminalErrors {
		if errors.Is(err, t.target) {
			return temporal.NewNonRetryableApplicationError(payment.Describe(err), t.errType, err)
		}
	}
	return err
}
