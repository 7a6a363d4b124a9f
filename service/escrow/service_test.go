package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/solescrow/service/payment"
	"github.com/brojonat/solescrow/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPayer struct {
	mock.Mock
}

func (m *mockPayer) Pay(ctx context.Context, req payment.PayRequest) (*payment.Result, error) {
	args := m.Called(ctx, req)
	if res := args.Get(0); res != nil {
		return res.(*payment.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishPurchase(ctx context.Context, kind EventKind, p *Purchase) error {
	args := m.Called(ctx, kind, p)
	return args.Error(0)
}

var (
	adminWallet  = solanago.NewWallet().PublicKey().String()
	escrowWallet = solanago.NewWallet().PublicKey().String()
	sellerWallet = solanago.NewWallet().PublicKey().String()
	buyerWallet  = solanago.NewWallet().PublicKey().String()
)

func testSettings() Settings {
	return Settings{
		AdminWallet:  adminWallet,
		EscrowWallet: escrowWallet,
		ServiceFee:   solana.MustParseSOL("0.001"),
	}
}

type harness struct {
	store     *MemoryStore
	payer     *mockPayer
	publisher *mockPublisher
	svc       *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     NewMemoryStore(),
		payer:     &mockPayer{},
		publisher: &mockPublisher{},
	}
	h.publisher.On("PublishPurchase", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	svc, err := NewService(Deps{
		Store:     h.store,
		Catalog:   h.store,
		Payer:     h.payer,
		Publisher: h.publisher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, testSettings())
	require.NoError(t, err)
	h.svc = svc

	_, err = h.store.CreateItem(context.Background(), Item{
		ID:       "item-1",
		Seller:   sellerWallet,
		Title:    "Vintage lamp",
		Price:    solana.MustParseSOL("2"),
		Quantity: 1,
	})
	require.NoError(t, err)
	return h
}

// heldPurchase checks out item-1 and returns the purchase id.
func (h *harness) heldPurchase(t *testing.T) string {
	t.Helper()
	h.payer.On("Pay", mock.Anything, mock.MatchedBy(func(r payment.PayRequest) bool {
		return r.Recipient == escrowWallet
	})).Return(&payment.Result{Signature: "escrow-sig"}, nil).Once()

	res, err := h.svc.Checkout(context.Background(), Wallet(buyerWallet), CheckoutRequest{ItemID: "item-1", PurchaseID: "p1"})
	require.NoError(t, err)
	return res.Purchase.ID
}

func TestNewService_Validation(t *testing.T) {
	store := NewMemoryStore()
	_, err := NewService(Deps{Store: store, Catalog: store}, testSettings())
	assert.Error(t, err, "payer required")

	bad := testSettings()
	bad.EscrowWallet = "x"
	_, err = NewService(Deps{Store: store, Catalog: store, Payer: &mockPayer{}}, bad)
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

// A buyer who cannot cover price plus fee gets no purchase.
func TestCheckout_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.payer.On("Pay", mock.Anything, mock.Anything).Return(nil, &payment.InsufficientFundsError{
		Required:  solana.MustParseSOL("2.001"),
		Available: solana.MustParseSOL("1.5"),
	})

	_, err := h.svc.Checkout(context.Background(), Wallet(buyerWallet), CheckoutRequest{ItemID: "item-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrInsufficientFunds)
	assert.Equal(t, "Insufficient balance. Required: 2.001 SOL (including fee), Available: 1.5 SOL", payment.Describe(err))

	purchases, err := h.store.ListPurchases(context.Background(), PurchaseFilter{})
	require.NoError(t, err)
	assert.Empty(t, purchases)

	item, err := h.store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Zero(t, item.QuantitySold)
	h.publisher.AssertNotCalled(t, "PublishPurchase", mock.Anything, mock.Anything, mock.Anything)
}

// A payment that confirms first time records a held purchase.
func TestCheckout_Success(t *testing.T) {
	h := newHarness(t)
	h.payer.On("Pay", mock.Anything, payment.PayRequest{
		Sender:    buyerWallet,
		Recipient: escrowWallet,
		Amount:    solana.MustParseSOL("2.001"),
		Scope:     "checkout:p1",
	}).Return(&payment.Result{Signature: "escrow-sig", Fee: 5000, Attempts: 1}, nil).Once()

	res, err := h.svc.Checkout(context.Background(), Wallet(buyerWallet), CheckoutRequest{ItemID: "item-1", PurchaseID: "p1"})
	require.NoError(t, err)
	h.payer.AssertExpectations(t)

	assert.True(t, res.Created)
	assert.Equal(t, uint64(5000), res.Fee)
	assert.Equal(t, PurchasePaid, res.Purchase.Status)
	assert.Equal(t, EscrowHeld, res.Purchase.EscrowStatus)
	assert.Equal(t, "escrow-sig", res.Purchase.EscrowTxID)
	assert.Equal(t, sellerWallet, res.Purchase.Seller)
	assert.Equal(t, EscrowHeld, res.Transaction.Status)
	assert.Equal(t, "p1", res.Transaction.PurchaseID)

	item, err := h.store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, 1, item.QuantitySold)
	assert.Equal(t, ItemSold, item.Status())

	h.publisher.AssertCalled(t, "PublishPurchase", mock.Anything, EventCreated, mock.Anything)
}

func TestCheckout_RetryWithSamePurchaseID(t *testing.T) {
	h := newHarness(t)
	h.payer.On("Pay", mock.Anything, mock.Anything).Return(&payment.Result{Signature: "escrow-sig", Reused: true}, nil)

	first, err := h.svc.Checkout(context.Background(), Wallet(buyerWallet), CheckoutRequest{ItemID: "item-1", PurchaseID: "p1"})
	require.NoError(t, err)
	assert.True(t, first.Created)

	// The item is now sold out, so a retry is rejected before paying.
	_, err = h.svc.Checkout(context.Background(), Wallet(buyerWallet), CheckoutRequest{ItemID: "item-1", PurchaseID: "p1"})
	assert.ErrorIs(t, err, ErrSoldOut)

	// A replayed record for the same transfer is deduplicated.
	replay, err := h.store.CreatePurchase(context.Background(), CheckoutRecord{Purchase: Purchase{ID: "p9", EscrowTxID: "escrow-sig"}})
	require.NoError(t, err)
	assert.False(t, replay.Created)
	assert.Equal(t, "p1", replay.Purchase.ID)
}

func TestCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		buyer   Identity
		itemID  string
		setup   func(h *harness)
		wantErr error
	}{
		{
			name:    "not connected",
			buyer:   Wallet(""),
			itemID:  "item-1",
			wantErr: ErrNotAuthorized,
		},
		{
			name:    "unknown item",
			buyer:   Wallet(buyerWallet),
			itemID:  "nope",
			wantErr: ErrNotFound,
		},
		{
			name:    "own item",
			buyer:   Wallet(sellerWallet),
			itemID:  "item-1",
			wantErr: ErrOwnItem,
		},
		{
			name:   "sold out",
			buyer:  Wallet(buyerWallet),
			itemID: "item-1",
			setup: func(h *harness) {
				require.NoError(t, h.store.RecordSale(context.Background(), "item-1"))
			},
			wantErr: ErrSoldOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			_, err := h.svc.Checkout(context.Background(), tt.buyer, CheckoutRequest{ItemID: tt.itemID})
			assert.ErrorIs(t, err, tt.wantErr)
			h.payer.AssertNotCalled(t, "Pay", mock.Anything, mock.Anything)
		})
	}
}

func TestReleaseFunds_NotAdmin(t *testing.T) {
	h := newHarness(t)
	id := h.heldPurchase(t)

	for _, caller := range []Identity{Wallet(buyerWallet), Wallet(sellerWallet), Wallet(""), {Address: adminWallet}} {
		_, err := h.svc.ReleaseFunds(context.Background(), caller, id)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	}

	p, err := h.store.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, EscrowHeld, p.EscrowStatus)
	assert.Empty(t, p.ReleaseTxID)
	h.payer.AssertNumberOfCalls(t, "Pay", 1)
}

// A second release of the same purchase is a no-op.
func TestReleaseFunds_Success(t *testing.T) {
	h := newHarness(t)
	id := h.heldPurchase(t)

	h.payer.On("Pay", mock.Anything, payment.PayRequest{
		Sender:    escrowWallet,
		Recipient: sellerWallet,
		Amount:    solana.MustParseSOL("2.001"),
		Scope:     "release:" + id,
	}).Return(&payment.Result{Signature: "release-sig", Attempts: 1}, nil).Once()

	res, err := h.svc.ReleaseFunds(context.Background(), Wallet(adminWallet), id)
	require.NoError(t, err)
	assert.False(t, res.AlreadyReleased)
	assert.Equal(t, "release-sig", res.ReleaseTxID)
	assert.Equal(t, EscrowReleased, res.Purchase.EscrowStatus)
	assert.Equal(t, PurchasePaid, res.Purchase.Status, "release does not complete the purchase")

	tx, err := h.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, tx.Status)
	assert.Equal(t, "release-sig", tx.ReleaseTxID)
	h.publisher.AssertCalled(t, "PublishPurchase", mock.Anything, EventReleased, mock.Anything)

	again, err := h.svc.ReleaseFunds(context.Background(), Wallet(adminWallet), id)
	require.NoError(t, err)
	assert.True(t, again.AlreadyReleased)
	assert.Equal(t, "release-sig", again.ReleaseTxID)

	h.payer.AssertNumberOfCalls(t, "Pay", 2) // checkout + one release
}

func TestReleaseFunds_PaymentFailureKeepsHeld(t *testing.T) {
	h := newHarness(t)
	id := h.heldPurchase(t)

	failure := &payment.PaymentFailedError{Attempts: 3, Last: payment.ErrNetworkUnavailable}
	h.payer.On("Pay", mock.Anything, mock.MatchedBy(func(r payment.PayRequest) bool {
		return r.Sender == escrowWallet
	})).Return(nil, failure).Once()

	_, err := h.svc.ReleaseFunds(context.Background(), Wallet(adminWallet), id)
	assert.ErrorIs(t, err, payment.ErrPaymentFailed)

	p, err := h.store.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, EscrowHeld, p.EscrowStatus)
	assert.Empty(t, p.ReleaseTxID)

	// The lease was dropped, so the admin can retry at once.
	h.payer.On("Pay", mock.Anything, mock.MatchedBy(func(r payment.PayRequest) bool {
		return r.Sender == escrowWallet
	})).Return(&payment.Result{Signature: "release-sig", Reused: true}, nil).Once()

	res, err := h.svc.ReleaseFunds(context.Background(), Wallet(adminWallet), id)
	require.NoError(t, err)
	assert.Equal(t, "release-sig", res.ReleaseTxID)
}

func TestReleaseFunds_InvalidState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.CreatePurchase(ctx, CheckoutRecord{Purchase: Purchase{
		ID:           "pending-1",
		Seller:       sellerWallet,
		Status:       PurchasePending,
		EscrowStatus: EscrowPending,
		EscrowTxID:   "sig-pending",
	}})
	require.NoError(t, err)

	_, err = h.svc.ReleaseFunds(ctx, Wallet(adminWallet), "pending-1")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.ReleaseFunds(ctx, Wallet(adminWallet), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	h.payer.AssertNotCalled(t, "Pay", mock.Anything, mock.Anything)
}

// blockingPayer releases payments one at a time under test control.
type blockingPayer struct {
	calls   atomic.Int32
	started chan struct{}
	proceed chan struct{}
}

func (p *blockingPayer) Pay(ctx context.Context, req payment.PayRequest) (*payment.Result, error) {
	p.calls.Add(1)
	p.started <- struct{}{}
	<-p.proceed
	return &payment.Result{Signature: "release-sig"}, nil
}

func TestReleaseFunds_ConcurrentReleaseTransfersOnce(t *testing.T) {
	h := newHarness(t)
	id := h.heldPurchase(t)

	payer := &blockingPayer{started: make(chan struct{}, 2), proceed: make(chan struct{})}
	h.svc.payer = payer

	var wg sync.WaitGroup
	results := make(chan error, 2)
	release := func() {
		defer wg.Done()
		_, err := h.svc.ReleaseFunds(context.Background(), Wallet(adminWallet), id)
		results <- err
	}

	wg.Add(1)
	go release()
	<-payer.started // first release holds the lease and is paying

	wg.Add(1)
	go release()
	loserErr := <-results // second release fails fast on the lease
	assert.ErrorIs(t, loserErr, ErrInvalidState)

	close(payer.proceed)
	wg.Wait()
	close(results)
	for err := range results {
		assert.NoError(t, err)
	}

	assert.Equal(t, int32(1), payer.calls.Load())
	p, err := h.store.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, p.EscrowStatus)
}

func TestMarkFulfilled(t *testing.T) {
	h := newHarness(t)
	id := h.heldPurchase(t)
	ctx := context.Background()

	_, err := h.svc.MarkFulfilled(ctx, Wallet(buyerWallet), id)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	p, err := h.svc.MarkFulfilled(ctx, Wallet(sellerWallet), id)
	require.NoError(t, err)
	assert.Equal(t, PurchaseCompleted, p.Status)
	assert.Equal(t, EscrowHeld, p.EscrowStatus, "fulfillment does not touch escrow")
	h.publisher.AssertCalled(t, "PublishPurchase", mock.Anything, EventCompleted, mock.Anything)

	again, err := h.svc.MarkFulfilled(ctx, Wallet(sellerWallet), id)
	require.NoError(t, err)
	assert.Equal(t, PurchaseCompleted, again.Status)

	// Completed purchases can still be released.
	h.payer.On("Pay", mock.Anything, mock.MatchedBy(func(r payment.PayRequest) bool {
		return r.Sender == escrowWallet
	})).Return(&payment.Result{Signature: "release-sig"}, nil).Once()
	res, err := h.svc.ReleaseFunds(ctx, Wallet(adminWallet), id)
	require.NoError(t, err)
	assert.Equal(t, PurchaseCompleted, res.Purchase.Status)
}

func TestMarkFulfilled_PendingPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.CreatePurchase(ctx, CheckoutRecord{Purchase: Purchase{
		ID:           "pending-1",
		Seller:       sellerWallet,
		Status:       PurchasePending,
		EscrowStatus: EscrowPending,
		EscrowTxID:   "sig-pending",
	}})
	require.NoError(t, err)

	_, err = h.svc.MarkFulfilled(ctx, Wallet(sellerWallet), "pending-1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	next := testSettings()
	next.ServiceFee = solana.MustParseSOL("0.002")
	next.AdminWallet = solanago.NewWallet().PublicKey().String()

	_, err := h.svc.UpdateSettings(ctx, Wallet(buyerWallet), next)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	bad := next
	bad.EscrowWallet = "bad"
	_, err = h.svc.UpdateSettings(ctx, Wallet(adminWallet), bad)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	got, err := h.svc.UpdateSettings(ctx, Wallet(adminWallet), next)
	require.NoError(t, err)
	assert.Equal(t, next, got)
	assert.Equal(t, next, h.svc.Settings())

	stored, err := h.store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, next, *stored)

	// The old admin has lost its rights.
	_, err = h.svc.ReleaseFunds(ctx, Wallet(adminWallet), "any")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSettingsSharedThroughStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveSettings(ctx, testSettings()))
	id := h.heldPurchase(t)

	// A second process, e.g. the worker, built before the handover.
	worker, err := NewService(Deps{
		Store:   h.store,
		Catalog: h.store,
		Payer:   h.payer,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, testSettings())
	require.NoError(t, err)

	newAdmin := solanago.NewWallet().PublicKey().String()
	next := testSettings()
	next.AdminWallet = newAdmin
	_, err = h.svc.UpdateSettings(ctx, Wallet(adminWallet), next)
	require.NoError(t, err)

	_, err = worker.ReleaseFunds(ctx, Wallet(adminWallet), id)
	assert.ErrorIs(t, err, ErrNotAuthorized, "revoked admin is refused by the other process")
	p, err := h.store.GetPurchase(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, EscrowHeld, p.EscrowStatus)

	h.payer.On("Pay", mock.Anything, mock.MatchedBy(func(r payment.PayRequest) bool {
		return r.Sender == escrowWallet
	})).Return(&payment.Result{Signature: "release-sig", Attempts: 1}, nil).Once()

	res, err := worker.ReleaseFunds(ctx, Wallet(newAdmin), id)
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, res.Purchase.EscrowStatus)
	assert.Equal(t, newAdmin, worker.Settings().AdminWallet)

	_, err = worker.UpdateSettings(ctx, Wallet(adminWallet), testSettings())
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestReleaseFunds_OversoldPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.heldPurchase(t)

	// Paid after the only unit was sold.
	created, err := h.store.CreatePurchase(ctx, CheckoutRecord{
		Purchase: Purchase{
			ID:           "p2",
			ItemID:       "item-1",
			Buyer:        buyerWallet,
			Seller:       sellerWallet,
			Price:        solana.MustParseSOL("2.001"),
			Status:       PurchasePaid,
			EscrowStatus: EscrowHeld,
			EscrowTxID:   "late-sig",
		},
		Transaction: Transaction{ID: "tx-2", Buyer: buyerWallet, Seller: sellerWallet, Amount: solana.MustParseSOL("2.001"), Status: EscrowHeld, EscrowTxID: "late-sig"},
	})
	require.NoError(t, err)
	require.True(t, created.Oversold)

	view, err := h.svc.GetPurchaseStatus(ctx, "p2")
	require.NoError(t, err)
	assert.True(t, view.Oversold)
	assert.False(t, view.Releasable)

	_, err = h.svc.ReleaseFunds(ctx, Wallet(adminWallet), "p2")
	assert.ErrorIs(t, err, ErrInvalidState)

	p, err := h.store.GetPurchase(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, EscrowHeld, p.EscrowStatus)
	h.payer.AssertNumberOfCalls(t, "Pay", 1) // checkout of p1 only
}

func TestGetPurchaseStatus(t *testing.T) {
	h := newHarness(t)
	id := h.heldPurchase(t)

	view, err := h.svc.GetPurchaseStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, view.ID)
	assert.True(t, view.Releasable)
	assert.True(t, view.Fulfillable)
	require.NotNil(t, view.Transaction)
	assert.Equal(t, EscrowHeld, view.Transaction.Status)

	_, err = h.svc.GetPurchaseStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// For every purchase, released implies a release transfer and a non-pending
// purchase status.
func TestReleasedInvariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.heldPurchase(t)

	h.payer.On("Pay", mock.Anything, mock.Anything).Return(&payment.Result{Signature: "release-sig"}, nil)
	_, err := h.svc.ReleaseFunds(ctx, Wallet(adminWallet), id)
	require.NoError(t, err)

	purchases, err := h.svc.ListPurchases(ctx, PurchaseFilter{})
	require.NoError(t, err)
	for _, p := range purchases {
		if p.EscrowStatus == EscrowReleased {
			assert.NotEmpty(t, p.ReleaseTxID, p.ID)
			assert.NotEqual(t, PurchasePending, p.Status, p.ID)
		}
		if p.EscrowStatus == EscrowHeld {
			assert.NotEmpty(t, p.EscrowTxID, p.ID)
		}
	}

	txs, err := h.svc.ListTransactions(ctx, TransactionFilter{Status: EscrowReleased})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "release-sig", txs[0].ReleaseTxID)
}

type fakeLookup map[string]*solana.Transfer

func (f fakeLookup) LookupTransfer(ctx context.Context, sig solanago.Signature) (*solana.Transfer, error) {
	if t, ok := f[sig.String()]; ok {
		return t, nil
	}
	return nil, solana.ErrTransferNotFound
}

func TestVerifyPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	price := solana.MustParseSOL("2.001")

	escrowSig := solanago.Signature{1}.String()
	releaseSig := solanago.Signature{2}.String()

	_, err := h.store.CreatePurchase(ctx, CheckoutRecord{Purchase: Purchase{
		ID:           "p1",
		Buyer:        buyerWallet,
		Seller:       sellerWallet,
		Price:        price,
		Status:       PurchasePaid,
		EscrowStatus: EscrowHeld,
		EscrowTxID:   escrowSig,
	}})
	require.NoError(t, err)

	lookup := fakeLookup{
		escrowSig: {Signature: escrowSig, From: buyerWallet, To: escrowWallet, Amount: price, Slot: 10},
	}
	h.svc.ledger = lookup

	v, err := h.svc.VerifyPurchase(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.True(t, v.Escrow.Found)
	assert.Nil(t, v.Release)

	t.Run("amount mismatch", func(t *testing.T) {
		lookup[escrowSig] = &solana.Transfer{Signature: escrowSig, From: buyerWallet, To: escrowWallet, Amount: price - 1}
		v, err := h.svc.VerifyPurchase(ctx, "p1")
		require.NoError(t, err)
		assert.False(t, v.OK)
		assert.Len(t, v.Escrow.Problems, 1)
	})

	t.Run("release missing on chain", func(t *testing.T) {
		lookup[escrowSig] = &solana.Transfer{Signature: escrowSig, From: buyerWallet, To: escrowWallet, Amount: price}
		_, err := h.store.CompleteRelease(ctx, "p1", releaseSig)
		require.NoError(t, err)

		v, err := h.svc.VerifyPurchase(ctx, "p1")
		require.NoError(t, err)
		assert.False(t, v.OK)
		require.NotNil(t, v.Release)
		assert.False(t, v.Release.Found)
	})

	t.Run("ledger error", func(t *testing.T) {
		h.svc.ledger = errLookup{}
		_, err := h.svc.VerifyPurchase(ctx, "p1")
		assert.ErrorIs(t, err, solana.ErrNetworkUnavailable)
	})
}

type errLookup struct{}

func (errLookup) LookupTransfer(ctx context.Context, sig solanago.Signature) (*solana.Transfer, error) {
	return nil, errors.Join(solana.ErrNetworkUnavailable, errors.New("timeout"))
}

func TestAbortReleaseSurvivesCanceledContext(t *testing.T) {
	h := newHarness(t)
	id := h.heldPurchase(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.payer.On("Pay", mock.Anything, mock.MatchedBy(func(r payment.PayRequest) bool {
		return r.Sender == escrowWallet
	})).Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled).Once()

	_, err := h.svc.ReleaseFunds(ctx, Wallet(adminWallet), id)
	assert.ErrorIs(t, err, context.Canceled)

	// The lease is gone, so another claimant can take it immediately.
	_, err = h.store.ClaimRelease(context.Background(), id, "other", time.Minute)
	assert.NoError(t, err)
}
