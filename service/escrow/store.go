package escrow

import (
	"context"
	"errors"
	"time"
)

// Store is the durable record of purchases, their transactions and the admin
// settings. Every status write is a compare-and-set on the current status, so
// concurrent writers for one purchase are serialized by the store.
type Store interface {
	// CreatePurchase writes the purchase, its transaction and the item sale in
	// one unit. A purchase is unique on its escrow transfer: replaying the same
	// transfer returns the existing rows with Created=false.
	CreatePurchase(ctx context.Context, rec CheckoutRecord) (*CreateResult, error)

	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	GetTransaction(ctx context.Context, purchaseID string) (*Transaction, error)
	ListPurchases(ctx context.Context, filter PurchaseFilter) ([]*Purchase, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)

	// UpdatePurchaseStatus moves the purchase status from -> to. It fails with
	// ErrInvalidState if the current status is not from.
	UpdatePurchaseStatus(ctx context.Context, id string, from, to PurchaseStatus) (*Purchase, error)

	// ClaimRelease leases the purchase to claimant for a release. It fails with
	// ErrInvalidState unless escrow status is held and no other live lease exists.
	ClaimRelease(ctx context.Context, id, claimant string, lease time.Duration) (*Purchase, error)

	// CompleteRelease moves escrow status held -> released, sets the release
	// transfer on the purchase and its transaction, and drops the lease.
	CompleteRelease(ctx context.Context, id, releaseTxID string) (*Purchase, error)

	// AbortRelease drops claimant's lease. Leases held by others are untouched.
	AbortRelease(ctx context.Context, id, claimant string) error

	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// Catalog is the listing collaborator. Listing CRUD lives elsewhere; the
// settlement engine only reads items and counts sales.
type Catalog interface {
	GetItem(ctx context.Context, id string) (*Item, error)
	CreateItem(ctx context.Context, item Item) (*Item, error)

	// RecordSale increments quantity sold, failing with ErrSoldOut when no
	// units remain.
	RecordSale(ctx context.Context, itemID string) error
}

// ResolveSettings returns the persisted settings, seeding the store with
// defaults on first start.
func ResolveSettings(ctx context.Context, store Store, defaults Settings) (Settings, error) {
	s, err := store.GetSettings(ctx)
	if err == nil {
		return *s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Settings{}, err
	}
	if err := defaults.Validate(); err != nil {
		return Settings{}, err
	}
	if err := store.SaveSettings(ctx, defaults); err != nil {
		return Settings{}, err
	}
	return defaults, nil
}
