package temporal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/solescrow/service/escrow"
	"github.com/brojonat/solescrow/service/payment"
	"github.com/brojonat/solescrow/service/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

// MockReleaser mocks the settlement service.
type MockReleaser struct {
	mock.Mock
}

func (m *MockReleaser) ReleaseFunds(ctx context.Context, caller escrow.Identity, purchaseID string) (*escrow.ReleaseResult, error) {
	args := m.Called(ctx, caller, purchaseID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*escrow.ReleaseResult), args.Error(1)
}

// MockReconciler mocks the payment submitter's reconciliation.
type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) ReconcilePending(ctx context.Context, before time.Time, limit int) (payment.ReconcileReport, error) {
	args := m.Called(ctx, before, limit)
	return args.Get(0).(payment.ReconcileReport), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReleaseFundsActivity_Success(t *testing.T) {
	releaser := new(MockReleaser)
	releaser.On("ReleaseFunds", mock.Anything, escrow.Wallet("admin"), "p1").
		Return(&escrow.ReleaseResult{ReleaseTxID: "sig-release", Attempts: 2}, nil)

	activities := NewActivities(releaser, nil, testLogger())

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(activities.ReleaseFunds)

	val, err := env.ExecuteActivity(activities.ReleaseFunds, ReleaseFundsInput{PurchaseID: "p1", Caller: "admin"})
	require.NoError(t, err)

	var result ReleaseFundsResult
	require.NoError(t, val.Get(&result))
	assert.Equal(t, "p1", result.PurchaseID)
	assert.Equal(t, "sig-release", result.ReleaseTxID)
	assert.Equal(t, 2, result.Attempts)
	releaser.AssertExpectations(t)
}

func TestReleaseFundsActivity_ErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		nonRetryable bool
		errType      string
	}{
		{"not authorized", fmt.Errorf("%w: only the admin may release funds", escrow.ErrNotAuthorized), true, ErrTypeNotAuthorized},
		{"invalid state", escrow.ErrInvalidState, true, ErrTypeInvalidState},
		{"not found", escrow.ErrNotFound, true, ErrTypeNotFound},
		{"insufficient funds", &payment.InsufficientFundsError{Required: 2, Available: 1}, true, ErrTypeInsufficientFunds},
		{"rejected", payment.ErrRejectedByNetwork, true, ErrTypeRejected},
		{"invalid recipient", payment.ErrInvalidRecipient, true, ErrTypeInvalidRecipient},
		{"user rejected", signer.ErrUserRejected, true, ErrTypeUserRejected},
		{"payment failed", &payment.PaymentFailedError{Attempts: 3, Last: payment.ErrNetworkUnavailable}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			releaser := new(MockReleaser)
			releaser.On("ReleaseFunds", mock.Anything, mock.Anything, "p1").Return(nil, tt.err)

			activities := NewActivities(releaser, nil, testLogger())
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestActivityEnvironment()
			env.RegisterActivity(activities.ReleaseFunds)

			_, err := env.ExecuteActivity(activities.ReleaseFunds, ReleaseFundsInput{PurchaseID: "p1", Caller: "admin"})
			require.Error(t, err)

			var appErr *temporalsdk.ApplicationError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.nonRetryable, appErr.NonRetryable())
			if tt.errType != "" {
				assert.Equal(t, tt.errType, appErr.Type())
			}
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))

	plain := errors.New("boom")
	assert.Same(t, plain, classify(plain))

	var appErr *temporalsdk.ApplicationError
	err := classify(&payment.InsufficientFundsError{Required: 2_001_005_000, Available: 1_000_000_000})
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Error(), "Insufficient balance")
	assert.ErrorIs(t, err, payment.ErrInsufficientFunds)
}

func TestReconcileAttemptsActivity(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	reconciler := new(MockReconciler)
	reconciler.On("ReconcilePending", mock.Anything, now.Add(-time.Minute), 50).
		Return(payment.ReconcileReport{Checked: 4, Confirmed: 1, Failed: 1, Expired: 1, Pending: 1}, nil)

	activities := NewActivities(nil, reconciler, testLogger())
	activities.now = func() time.Time { return now }

	result, err := activities.ReconcileAttempts(context.Background(), ReconcileAttemptsInput{OlderThan: time.Minute, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, &ReconcileAttemptsResult{Checked: 4, Confirmed: 1, Failed: 1, Expired: 1, Pending: 1}, result)
	reconciler.AssertExpectations(t)
}

func TestReconcileAttemptsActivity_Error(t *testing.T) {
	reconciler := new(MockReconciler)
	reconciler.On("ReconcilePending", mock.Anything, mock.Anything, mock.Anything).
		Return(payment.ReconcileReport{}, errors.New("database down"))

	activities := NewActivities(nil, reconciler, testLogger())
	_, err := activities.ReconcileAttempts(context.Background(), ReconcileAttemptsInput{OlderThan: time.Minute})
	assert.Error(t, err)
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "unknown", statusName(0))
}
