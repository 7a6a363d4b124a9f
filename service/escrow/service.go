package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brojonat/solescrow/service/metrics"
	"github.com/brojonat/solescrow/service/payment"
	"github.com/google/uuid"
)

// Payer moves funds and returns only once the transfer is confirmed.
type Payer interface {
	Pay(ctx context.Context, req payment.PayRequest) (*payment.Result, error)
}

// EventKind names a purchase lifecycle event.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventCompleted EventKind = "completed"
	EventReleased  EventKind = "released"
)

// Publisher announces purchase lifecycle events.
type Publisher interface {
	PublishPurchase(ctx context.Context, kind EventKind, p *Purchase) error
}

// DefaultReleaseLease bounds how long a release claim blocks competing releases.
const DefaultReleaseLease = 5 * time.Minute

// Deps are the collaborators of a Service.
type Deps struct {
	Store        Store
	Catalog      Catalog
	Payer        Payer
	Ledger       TransferLookup // optional, needed by VerifyPurchase
	Publisher    Publisher      // optional
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	ReleaseLease time.Duration
	MaxAttempts  int // per payment; 0 uses the payer default
}

// Service runs the settlement state machine. Authorization is checked on
// every privileged call against the settings in the store, so a change made
// through one process applies to every other process sharing that store.
type Service struct {
	store     Store
	catalog   Catalog
	payer     Payer
	ledger    TransferLookup
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	settings     atomic.Pointer[Settings]
	releaseLease time.Duration
	maxAttempts  int
	now          func() time.Time
	newID        func() string
}

// NewService creates a Service with the given settings.
func NewService(deps Deps, settings Settings) (*Service, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Payer == nil {
		return nil, fmt.Errorf("escrow service needs a store, a catalog and a payer")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := deps.ReleaseLease
	if lease <= 0 {
		lease = DefaultReleaseLease
	}

	s := &Service{
		store:        deps.Store,
		catalog:      deps.Catalog,
		payer:        deps.Payer,
		ledger:       deps.Ledger,
		publisher:    deps.Publisher,
		metrics:      deps.Metrics,
		logger:       logger,
		releaseLease: lease,
		maxAttempts:  deps.MaxAttempts,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	s.settings.Store(&settings)
	return s, nil
}

// Settings returns the settings last read from the store.
func (s *Service) Settings() Settings {
	return *s.settings.Load()
}

// CurrentSettings reads the settings from the store and caches them. The
// settings given to NewService stand in until the store holds a copy.
func (s *Service) CurrentSettings(ctx context.Context) (Settings, error) {
	stored, err := s.store.GetSettings(ctx)
	switch {
	case err == nil:
		s.settings.Store(stored)
		return *stored, nil
	case errors.Is(err, ErrNotFound):
		return s.Settings(), nil
	default:
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
}

// UpdateSettings replaces the settings. Only the current admin may do so.
func (s *Service) UpdateSettings(ctx context.Context, caller Identity, next Settings) (Settings, error) {
	current, err := s.CurrentSettings(ctx)
	if err != nil {
		return Settings{}, err
	}
	if !current.IsAdmin(caller) {
		return Settings{}, fmt.Errorf("%w: only the admin may change settings", ErrNotAuthorized)
	}
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	if err := s.store.SaveSettings(ctx, next); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	s.settings.Store(&next)

	s.logger.InfoContext(ctx, "settings updated",
		"admin_wallet", next.AdminWallet,
		"escrow_wallet", next.EscrowWallet,
		"service_fee", next.ServiceFee,
	)
	return next, nil
}

// CheckoutRequest identifies one purchase attempt. Reusing a PurchaseID after
// a failure resumes the same payment instead of starting a second one.
type CheckoutRequest struct {
	ItemID     string
	PurchaseID string
}

// CheckoutResult is a recorded purchase.
type CheckoutResult struct {
	Purchase    *Purchase
	Transaction *Transaction
	Fee         uint64
	Created     bool
}

// Checkout pays the item price plus service fee from the buyer into escrow
// and records the purchase as paid/held. Nothing is recorded unless the
// payment confirms.
func (s *Service) Checkout(ctx context.Context, buyer Identity, req CheckoutRequest) (*CheckoutResult, error) {
	if !buyer.Authenticated || buyer.Address == "" {
		return nil, fmt.Errorf("%w: wallet not connected", ErrNotAuthorized)
	}

	item, err := s.catalog.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", req.ItemID, err)
	}
	if item.Seller == buyer.Address {
		return nil, ErrOwnItem
	}
	if item.Status() == ItemSold {
		return nil, ErrSoldOut
	}

	settings, err := s.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}
	purchaseID := req.PurchaseID
	if purchaseID == "" {
		purchaseID = s.newID()
	}
	price := item.Price + settings.ServiceFee

	logger := s.logger.With("purchase_id", purchaseID, "item_id", item.ID)
	logger.InfoContext(ctx, "starting checkout", "buyer", buyer.Address, "price", price)

	res, err := s.payer.Pay(ctx, payment.PayRequest{
		Sender:      buyer.Address,
		Recipient:   settings.EscrowWallet,
		Amount:      price,
		MaxAttempts: s.maxAttempts,
		Scope:       "checkout:" + purchaseID,
	})
	if err != nil {
		logger.WarnContext(ctx, "checkout payment failed", "error", err)
		return nil, err
	}

	now := s.now()
	created, err := s.store.CreatePurchase(ctx, CheckoutRecord{
		Purchase: Purchase{
			ID:           purchaseID,
			ItemID:       item.ID,
			Buyer:        buyer.Address,
			Seller:       item.Seller,
			Price:        price,
			Status:       PurchasePaid,
			EscrowStatus: EscrowHeld,
			EscrowTxID:   res.Signature,
			CreatedAt:    now,
		},
		Transaction: Transaction{
			ID:         s.newID(),
			PurchaseID: purchaseID,
			Buyer:      buyer.Address,
			Seller:     item.Seller,
			Amount:     price,
			Status:     EscrowHeld,
			EscrowTxID: res.Signature,
			CreatedAt:  now,
		},
	})
	if err != nil {
		// The funds are in escrow. Retrying with the same purchase id finds the
		// confirmed transfer and records it without paying again.
		logger.ErrorContext(ctx, "payment confirmed but purchase not recorded",
			"signature", res.Signature,
			"error", err,
		)
		return nil, fmt.Errorf("record purchase for transfer %s: %w", res.Signature, err)
	}

	if created.Created {
		s.recordTransition("purchase", string(PurchasePending), string(PurchasePaid))
		s.recordTransition("escrow", string(EscrowPending), string(EscrowHeld))
		s.publish(ctx, EventCreated, created.Purchase)
	}
	if created.Oversold {
		logger.WarnContext(ctx, "item sold out while payment confirmed; purchase held for manual refund and cannot be released",
			"signature", res.Signature,
		)
	}

	logger.InfoContext(ctx, "checkout complete",
		"signature", res.Signature,
		"created", created.Created,
		"attempts", res.Attempts,
	)
	return &CheckoutResult{
		Purchase:    created.Purchase,
		Transaction: created.Transaction,
		Fee:         res.Fee,
		Created:     created.Created,
	}, nil
}

// MarkFulfilled lets the seller move a paid purchase to completed. It does not
// depend on, or change, the escrow status.
func (s *Service) MarkFulfilled(ctx context.Context, caller Identity, purchaseID string) (*Purchase, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if !caller.Authenticated || caller.Address != p.Seller {
		return nil, fmt.Errorf("%w: only the seller may fulfill purchase %s", ErrNotAuthorized, purchaseID)
	}
	if p.Status == PurchaseCompleted {
		return p, nil
	}
	if !p.Status.CanTransitionTo(PurchaseCompleted) {
		return nil, fmt.Errorf("%w: purchase %s is %s", ErrInvalidState, purchaseID, p.Status)
	}

	updated, err := s.store.UpdatePurchaseStatus(ctx, purchaseID, p.Status, PurchaseCompleted)
	if err != nil {
		return nil, err
	}
	s.recordTransition("purchase", string(p.Status), string(PurchaseCompleted))
	s.publish(ctx, EventCompleted, updated)

	s.logger.InfoContext(ctx, "purchase fulfilled", "purchase_id", purchaseID, "seller", caller.Address)
	return updated, nil
}

// ReleaseResult is the outcome of ReleaseFunds.
type ReleaseResult struct {
	Purchase        *Purchase `json:"purchase"`
	ReleaseTxID     string    `json:"release_tx_id"`
	AlreadyReleased bool      `json:"already_released"`
	Attempts        int       `json:"attempts"`
}

// ReleaseFunds transfers a held purchase's price from the escrow wallet to the
// seller. Only the admin may call it. Releasing an already released purchase
// is a no-op that returns the recorded release. Concurrent releases are
// serialized by a store lease; the loser gets ErrInvalidState. If the payment
// fails the purchase stays held and the error is returned.
func (s *Service) ReleaseFunds(ctx context.Context, caller Identity, purchaseID string) (*ReleaseResult, error) {
	settings, err := s.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.IsAdmin(caller) {
		s.recordRelease("unauthorized")
		return nil, fmt.Errorf("%w: only the admin may release funds", ErrNotAuthorized)
	}

	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.EscrowStatus == EscrowReleased {
		s.recordRelease("noop")
		return &ReleaseResult{Purchase: p, ReleaseTxID: p.ReleaseTxID, AlreadyReleased: true}, nil
	}
	if !p.EscrowStatus.CanTransitionTo(EscrowReleased) {
		return nil, fmt.Errorf("%w: escrow for purchase %s is %s", ErrInvalidState, purchaseID, p.EscrowStatus)
	}
	if p.Oversold {
		s.recordRelease("oversold")
		return nil, fmt.Errorf("%w: purchase %s was paid after the item sold out and must be refunded", ErrInvalidState, purchaseID)
	}

	claimant := caller.Address + "/" + s.newID()
	if _, err := s.store.ClaimRelease(ctx, purchaseID, claimant, s.releaseLease); err != nil {
		if errors.Is(err, ErrInvalidState) {
			// The competing release may have finished in the meantime.
			if cur, gerr := s.store.GetPurchase(ctx, purchaseID); gerr == nil && cur.EscrowStatus == EscrowReleased {
				s.recordRelease("noop")
				return &ReleaseResult{Purchase: cur, ReleaseTxID: cur.ReleaseTxID, AlreadyReleased: true}, nil
			}
			s.recordRelease("contended")
		}
		return nil, err
	}

	logger := s.logger.With("purchase_id", purchaseID)
	logger.InfoContext(ctx, "releasing escrow",
		"seller", p.Seller,
		"amount", p.Price,
	)

	// One idempotency key per purchase: a retry after any failure first looks
	// for a transfer that landed late.
	res, err := s.payer.Pay(ctx, payment.PayRequest{
		Sender:      settings.EscrowWallet,
		Recipient:   p.Seller,
		Amount:      p.Price,
		MaxAttempts: s.maxAttempts,
		Scope:       "release:" + purchaseID,
	})
	if err != nil {
		s.abortRelease(ctx, purchaseID, claimant)
		s.recordRelease("failed")
		logger.WarnContext(ctx, "release payment failed", "error", err)
		return nil, err
	}

	released, err := s.store.CompleteRelease(ctx, purchaseID, res.Signature)
	if err != nil {
		s.abortRelease(ctx, purchaseID, claimant)
		s.recordRelease("unrecorded")
		logger.ErrorContext(ctx, "release confirmed but not recorded",
			"signature", res.Signature,
			"error", err,
		)
		return nil, fmt.Errorf("record release transfer %s: %w", res.Signature, err)
	}

	s.recordTransition("escrow", string(EscrowHeld), string(EscrowReleased))
	s.recordRelease("released")
	s.publish(ctx, EventReleased, released)

	logger.InfoContext(ctx, "escrow released",
		"signature", res.Signature,
		"attempts", res.Attempts,
		"reused", res.Reused,
	)
	return &ReleaseResult{Purchase: released, ReleaseTxID: res.Signature, Attempts: res.Attempts}, nil
}

// PurchaseView is a purchase with its transaction and what can happen next.
type PurchaseView struct {
	*Purchase
	Transaction *Transaction `json:"transaction,omitempty"`
	Releasable  bool         `json:"releasable"`
	Fulfillable bool         `json:"fulfillable"`
}

// GetPurchaseStatus returns the purchase and its transaction.
func (s *Service) GetPurchaseStatus(ctx context.Context, purchaseID string) (*PurchaseView, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	view := &PurchaseView{
		Purchase:    p,
		Releasable:  p.EscrowStatus.CanTransitionTo(EscrowReleased) && !p.Oversold,
		Fulfillable: p.Status.CanTransitionTo(PurchaseCompleted),
	}
	tx, err := s.store.GetTransaction(ctx, purchaseID)
	switch {
	case err == nil:
		view.Transaction = tx
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return view, nil
}

// ListPurchases lists purchases, newest first.
func (s *Service) ListPurchases(ctx context.Context, filter PurchaseFilter) ([]*Purchase, error) {
	return s.store.ListPurchases(ctx, filter)
}

// ListTransactions lists transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// GetItem returns a catalog item.
func (s *Service) GetItem(ctx context.Context, id string) (*Item, error) {
	return s.catalog.GetItem(ctx, id)
}

func (s *Service) abortRelease(ctx context.Context, purchaseID, claimant string) {
	// The caller's context may already be canceled; the lease must still go.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AbortRelease(ctx, purchaseID, claimant); err != nil {
		s.logger.ErrorContext(ctx, "failed to drop release lease",
			"purchase_id", purchaseID,
			"error", err,
		)
	}
}

func (s *Service) publish(ctx context.Context, kind EventKind, p *Purchase) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishPurchase(ctx, kind, p); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish purchase event",
			"event", kind,
			"purchase_id", p.ID,
			"error", err,
		)
	}
}

func (s *Service) recordTransition(kind, from, to string) {
	if s.metrics != nil {
		s.metrics.RecordTransition(kind, from, to)
	}
}

func (s *Service) recordRelease(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordRelease(outcome)
	}
}
