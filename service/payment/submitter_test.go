package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/solescrow/service/metrics"
	"github.com/brojonat/solescrow/service/signer"
	"github.com/brojonat/solescrow/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger is an in-process ledger. Transfers are real signed transactions;
// the network is simulated by the hook fields.
type fakeLedger struct {
	mu      sync.Mutex
	builder *solana.Client

	height  uint64
	balance uint64
	fee     uint64

	refs     int
	submits  []solanago.Signature
	statuses map[solanago.Signature]solana.Confirmation

	// submitErr is called with the 1-based submit number.
	submitErr func(n int) error
	// await decides the outcome of a confirmation wait. Nil confirms.
	await     func(f *fakeLedger, sig solanago.Signature) (solana.Confirmation, error)
	statusErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		builder:  solana.NewClient(nil, "fake", nil, discardLogger()),
		height:   1000,
		balance:  10 * solana.LamportsPerSOL,
		fee:      5000,
		statuses: make(map[solanago.Signature]solana.Confirmation),
	}
}

func (f *fakeLedger) LatestReference(ctx context.Context) (solana.Reference, error) {
	if err := ctx.Err(); err != nil {
		return solana.Reference{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
	return solana.Reference{
		Blockhash:            solanago.Hash{byte(f.refs), 7},
		LastValidBlockHeight: f.height + 150,
	}, nil
}

func (f *fakeLedger) BuildTransfer(req solana.TransferRequest, ref solana.Reference) (*solanago.Transaction, error) {
	return f.builder.BuildTransfer(req, ref)
}

func (f *fakeLedger) EstimateCost(ctx context.Context, tx *solanago.Transaction, amount uint64) (solana.Cost, error) {
	return solana.CostOf(amount, f.fee), nil
}

func (f *fakeLedger) CheckBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error) {
	return f.balance, nil
}

func (f *fakeLedger) SubmitTransfer(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error) {
	f.mu.Lock()
	f.submits = append(f.submits, tx.Signatures[0])
	n := len(f.submits)
	hook := f.submitErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return solanago.Signature{}, err
		}
	}
	return tx.Signatures[0], nil
}

func (f *fakeLedger) AwaitConfirmation(ctx context.Context, sig solanago.Signature, lastValid uint64, deadline time.Time) (solana.Confirmation, error) {
	if f.await != nil {
		return f.await(f, sig)
	}
	f.setStatus(sig, solana.StatusConfirmed)
	return solana.Confirmation{Signature: sig, Status: solana.StatusConfirmed}, nil
}

func (f *fakeLedger) SignatureStatus(ctx context.Context, sig solanago.Signature) (solana.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return solana.Confirmation{}, f.statusErr
	}
	if c, ok := f.statuses[sig]; ok {
		return c, nil
	}
	return solana.Confirmation{Signature: sig, Status: solana.StatusUnknown}, nil
}

func (f *fakeLedger) BlockHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeLedger) setStatus(sig solanago.Signature, status solana.ConfirmationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sig] = solana.Confirmation{Signature: sig, Status: status}
}

func (f *fakeLedger) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// distinctTransfers counts unique signatures broadcast.
func (f *fakeLedger) distinctTransfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[solanago.Signature]bool)
	for _, s := range f.submits {
		seen[s] = true
	}
	return len(seen)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ledger    *fakeLedger
	log       *MemoryAttemptLog
	submitter *Submitter
	sender    string
	recipient string
	sleeps    []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	f := &fixture{
		ledger:    newFakeLedger(),
		log:       NewMemoryAttemptLog(),
		sender:    key.PublicKey().String(),
		recipient: solanago.NewWallet().PublicKey().String(),
	}
	f.submitter = NewSubmitter(f.ledger, signer.NewKeyring(signer.NewKeypairSigner(key)), f.log, DefaultConfig(), nil, discardLogger())
	f.submitter.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

func (f *fixture) request(scope string) PayRequest {
	return PayRequest{
		Sender:    f.sender,
		Recipient: f.recipient,
		Amount:    solana.LamportsPerSOL,
		Scope:     scope,
	}
}

func TestPay_Success(t *testing.T) {
	f := newFixture(t)

	res, err := f.submitter.Pay(context.Background(), f.request("checkout:p1"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Reused)
	assert.Equal(t, uint64(5000), res.Fee)
	assert.Equal(t, IdempotencyKey("checkout:p1", 0), res.Key)
	require.Len(t, f.ledger.submits, 1)
	assert.Equal(t, f.ledger.submits[0].String(), res.Signature)

	attempts, err := f.log.ListAttempts(context.Background(), res.Key)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, AttemptConfirmed, attempts[0].Status)
	assert.Equal(t, 1, attempts[0].Number)
	assert.NotEmpty(t, attempts[0].RawTx)
	assert.Empty(t, f.sleeps)
}

func TestPay_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.ledger.balance = solana.MustParseSOL("1.5")
	f.ledger.fee = solana.MustParseSOL("0.001")

	req := f.request("checkout:p1")
	req.Amount = solana.MustParseSOL("2")

	_, err := f.submitter.Pay(context.Background(), req)
	require.Error(t, err)

	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, solana.MustParseSOL("2.001"), insufficient.Required)
	assert.Equal(t, solana.MustParseSOL("1.5"), insufficient.Available)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "Insufficient balance. Required: 2.001 SOL (including fee), Available: 1.5 SOL", Describe(err))

	assert.Zero(t, f.ledger.submitCount(), "nothing may be submitted without funds")
}

func TestPay_RetryBound(t *testing.T) {
	f := newFixture(t)
	f.ledger.submitErr = func(int) error {
		return fmt.Errorf("%w: connection refused", solana.ErrNetworkUnavailable)
	}
	f.ledger.await = func(*fakeLedger, solanago.Signature) (solana.Confirmation, error) {
		return solana.Confirmation{}, solana.ErrNetworkUnavailable
	}

	_, err := f.submitter.Pay(context.Background(), f.request("release:p1"))
	require.Error(t, err)

	var failed *PaymentFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Attempts)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Equal(t, "Network error, please retry", Describe(err))

	assert.Equal(t, 3, f.ledger.submitCount())
	// The first transfer may have been received, so it is rebroadcast rather
	// than replaced while its window is open.
	assert.Equal(t, 1, f.ledger.distinctTransfers())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
}

func TestPay_MaxAttemptsOverride(t *testing.T) {
	f := newFixture(t)
	f.ledger.submitErr = func(int) error { return solana.ErrStaleReference }

	req := f.request("release:p1")
	req.MaxAttempts = 5
	_, err := f.submitter.Pay(context.Background(), req)

	var failed *PaymentFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 5, failed.Attempts)
	assert.Equal(t, 5, f.ledger.submitCount())
	assert.Equal(t, 5, f.ledger.distinctTransfers(), "stale transfers are rebuilt")
}

func TestPay_StaleReferenceRebuilds(t *testing.T) {
	f := newFixture(t)
	f.ledger.submitErr = func(n int) error {
		if n == 1 {
			return fmt.Errorf("%w: blockhash not found", solana.ErrStaleReference)
		}
		return nil
	}

	res, err := f.submitter.Pay(context.Background(), f.request("checkout:p1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, f.ledger.distinctTransfers())
	assert.Equal(t, 2, f.ledger.refs, "a fresh reference is fetched for the rebuild")

	attempts, err := f.log.ListAttempts(context.Background(), res.Key)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptExpired, attempts[0].Status)
	assert.Equal(t, AttemptConfirmed, attempts[1].Status)
	assert.Equal(t, res.Signature, attempts[1].Signature)
}

func TestPay_RejectedIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.ledger.submitErr = func(int) error {
		return fmt.Errorf("%w: custom program error", solana.ErrRejectedByNetwork)
	}

	_, err := f.submitter.Pay(context.Background(), f.request("checkout:p1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejectedByNetwork)
	assert.NotErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, "Payment rejected by the network", Describe(err))
	assert.Equal(t, 1, f.ledger.submitCount())

	attempts, err := f.log.ListAttempts(context.Background(), IdempotencyKey("checkout:p1", 0))
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, AttemptFailed, attempts[0].Status)
}

func TestPay_FailedOnChainRetries(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.ledger.await = func(l *fakeLedger, sig solanago.Signature) (solana.Confirmation, error) {
		calls++
		if calls == 1 {
			l.setStatus(sig, solana.StatusFailed)
			return solana.Confirmation{Signature: sig, Status: solana.StatusFailed, Err: "InstructionError"}, nil
		}
		l.setStatus(sig, solana.StatusConfirmed)
		return solana.Confirmation{Signature: sig, Status: solana.StatusConfirmed}, nil
	}

	res, err := f.submitter.Pay(context.Background(), f.request("checkout:p1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, f.ledger.distinctTransfers())
}

func TestPay_LateLandingIsNotPaidTwice(t *testing.T) {
	f := newFixture(t)
	// The confirmation wait times out, but the transfer lands right after.
	f.ledger.await = func(l *fakeLedger, sig solanago.Signature) (solana.Confirmation, error) {
		l.setStatus(sig, solana.StatusConfirmed)
		return solana.Confirmation{Signature: sig, Status: solana.StatusExpired}, nil
	}

	res, err := f.submitter.Pay(context.Background(), f.request("release:p1"))
	require.NoError(t, err)

	assert.True(t, res.Reused)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, f.ledger.submitCount())
	assert.Equal(t, f.ledger.submits[0].String(), res.Signature)

	attempts, err := f.log.ListAttempts(context.Background(), res.Key)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, AttemptConfirmed, attempts[0].Status)
}

func TestPay_ExpiredWindowIsReplaced(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.ledger.await = func(l *fakeLedger, sig solanago.Signature) (solana.Confirmation, error) {
		calls++
		if calls == 1 {
			// Never lands, and the chain moves past its window.
			l.mu.Lock()
			l.height += 500
			l.mu.Unlock()
			return solana.Confirmation{Signature: sig, Status: solana.StatusExpired}, nil
		}
		l.setStatus(sig, solana.StatusConfirmed)
		return solana.Confirmation{Signature: sig, Status: solana.StatusConfirmed}, nil
	}

	res, err := f.submitter.Pay(context.Background(), f.request("release:p1"))
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, 2, f.ledger.distinctTransfers())

	attempts, err := f.log.ListAttempts(context.Background(), res.Key)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptExpired, attempts[0].Status)
	assert.Equal(t, AttemptConfirmed, attempts[1].Status)
}

func TestPay_ConfirmedKeyIsReused(t *testing.T) {
	f := newFixture(t)
	req := f.request("release:p1")
	req.Epoch = 4

	first, err := f.submitter.Pay(context.Background(), req)
	require.NoError(t, err)

	second, err := f.submitter.Pay(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Signature, second.Signature)
	assert.Equal(t, 1, f.ledger.submitCount())

	// A new epoch is a new logical payment.
	req.Epoch = 5
	third, err := f.submitter.Pay(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Signature, third.Signature)
	assert.Equal(t, 2, f.ledger.submitCount())
}

func TestPay_KeyBoundToOneTransfer(t *testing.T) {
	f := newFixture(t)
	req := f.request("checkout:p1")

	first, err := f.submitter.Pay(context.Background(), req)
	require.NoError(t, err)

	tests := []struct {
		name   string
		change func(*PayRequest)
	}{
		{"different amount", func(r *PayRequest) { r.Amount = 2 * solana.LamportsPerSOL }},
		{"different recipient", func(r *PayRequest) { r.Recipient = solanago.NewWallet().PublicKey().String() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := req
			tt.change(&other)
			res, err := f.submitter.Pay(context.Background(), other)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Equal(t, 1, f.ledger.submitCount())
		})
	}

	again, err := f.submitter.Pay(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Signature, again.Signature)
}

func TestPay_UnscopedPaymentsAreIndependent(t *testing.T) {
	f := newFixture(t)

	a, err := f.submitter.Pay(context.Background(), f.request(""))
	require.NoError(t, err)
	b, err := f.submitter.Pay(context.Background(), f.request(""))
	require.NoError(t, err)

	assert.NotEqual(t, a.Key, b.Key)
	assert.Equal(t, 2, f.ledger.submitCount())
}

func TestPay_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		mutate  func(*PayRequest)
		wantErr error
		message string
	}{
		{
			name:    "no sender",
			mutate:  func(r *PayRequest) { r.Sender = "" },
			wantErr: ErrNotAuthorized,
			message: "Wallet not connected",
		},
		{
			name:    "malformed sender",
			mutate:  func(r *PayRequest) { r.Sender = "not-a-key" },
			wantErr: ErrNotAuthorized,
		},
		{
			name:    "sender without signer",
			mutate:  func(r *PayRequest) { r.Sender = solanago.NewWallet().PublicKey().String() },
			wantErr: ErrNotAuthorized,
		},
		{
			name:    "malformed recipient",
			mutate:  func(r *PayRequest) { r.Recipient = "0OIl" },
			wantErr: ErrInvalidRecipient,
			message: "Invalid recipient address",
		},
		{
			name:    "zero amount",
			mutate:  func(r *PayRequest) { r.Amount = 0 },
			wantErr: ErrInvalidAmount,
			message: "Invalid amount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request("checkout:p1")
			tt.mutate(&req)

			_, err := f.submitter.Pay(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.message != "" {
				assert.Equal(t, tt.message, Describe(err))
			}
		})
	}
	assert.Zero(t, f.ledger.submitCount())
}

type rejectingSigner struct {
	key solanago.PublicKey
}

func (s rejectingSigner) PublicKey() solanago.PublicKey { return s.key }

func (s rejectingSigner) Sign(ctx context.Context, tx *solanago.Transaction) error {
	return signer.ErrUserRejected
}

func TestPay_UserRejected(t *testing.T) {
	f := newFixture(t)
	owner := solanago.NewWallet().PublicKey()
	f.submitter.signers = signer.NewKeyring(rejectingSigner{key: owner})

	req := f.request("checkout:p1")
	req.Sender = owner.String()

	_, err := f.submitter.Pay(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, signer.ErrUserRejected)
	assert.Equal(t, "Payment cancelled in wallet", Describe(err))
	assert.Zero(t, f.ledger.submitCount())
}

func TestPay_ContextCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.submitter.Pay(ctx, f.request("checkout:p1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.ledger.submitCount())
}

func TestPay_ReconcileErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	f.ledger.await = func(l *fakeLedger, sig solanago.Signature) (solana.Confirmation, error) {
		return solana.Confirmation{Signature: sig, Status: solana.StatusExpired}, nil
	}
	f.ledger.statusErr = solana.ErrNetworkUnavailable

	_, err := f.submitter.Pay(context.Background(), f.request("release:p1"))
	var failed *PaymentFailedError
	require.ErrorAs(t, err, &failed)
	// Without a status answer the first transfer cannot be ruled out, so no
	// replacement is sent.
	assert.Equal(t, 1, f.ledger.submitCount())
}

func TestPay_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	f.submitter.metrics = metrics.NewMetrics(reg)

	_, err := f.submitter.Pay(context.Background(), f.request("release:p1"))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["payments_total"])
	assert.True(t, names["payment_attempts_total"])
}

func TestReconcilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	sigs := make([]solanago.Signature, 4)
	for i := range sigs {
		sigs[i] = solanago.Signature{byte(i + 1)}
	}
	f.ledger.setStatus(sigs[0], solana.StatusConfirmed)
	f.ledger.setStatus(sigs[1], solana.StatusFailed)

	lastValid := []uint64{2000, 2000, 900, 2000} // height is 1000
	for i, sig := range sigs {
		require.NoError(t, f.log.RecordAttempt(ctx, Attempt{
			Key:                  "k",
			Scope:                "release:p1",
			Number:               i + 1,
			Signature:            sig.String(),
			LastValidBlockHeight: lastValid[i],
			Status:               AttemptPending,
			CreatedAt:            old,
		}))
	}

	report, err := f.submitter.ReconcilePending(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 4, Confirmed: 1, Failed: 1, Expired: 1, Pending: 1}, report)

	attempts, err := f.log.ListAttempts(ctx, "k")
	require.NoError(t, err)
	got := make([]AttemptStatus, len(attempts))
	for i, a := range attempts {
		got[i] = a.Status
	}
	assert.Equal(t, []AttemptStatus{AttemptConfirmed, AttemptFailed, AttemptExpired, AttemptPending}, got)
}

func TestReconcilePending_Empty(t *testing.T) {
	f := newFixture(t)
	f.ledger.statusErr = errors.New("must not be called")

	report, err := f.submitter.ReconcilePending(context.Background(), time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestScopeKind(t *testing.T) {
	assert.Equal(t, "release", scopeKind("release:abc"))
	assert.Equal(t, "checkout", scopeKind("checkout:abc"))
	assert.Equal(t, "plain", scopeKind("plain"))
}
