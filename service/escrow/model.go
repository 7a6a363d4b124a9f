// Package escrow is the settlement engine: it records purchases paid into the
// escrow wallet and moves them through their purchase and escrow lifecycles.
package escrow

import (
	"time"
)

// PurchaseStatus is the buyer/seller view of a purchase.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchasePaid      PurchaseStatus = "paid"
	PurchaseCompleted PurchaseStatus = "completed"
)

// EscrowStatus tracks custody of a purchase's funds. Transactions share it.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// purchaseTransitions lists every legal purchase status change.
var purchaseTransitions = map[PurchaseStatus][]PurchaseStatus{
	PurchasePending: {PurchasePaid},
	PurchasePaid:    {PurchaseCompleted},
}

// escrowTransitions lists every legal escrow status change.
// held -> refunded is declared, but only an external process produces it.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending: {EscrowHeld},
	EscrowHeld:    {EscrowReleased, EscrowRefunded},
}

// Valid reports whether s is a known purchase status.
func (s PurchaseStatus) Valid() bool {
	switch s {
	case PurchasePending, PurchasePaid, PurchaseCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is listed in the transition table.
func (s PurchaseStatus) CanTransitionTo(next PurchaseStatus) bool {
	for _, allowed := range purchaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s PurchaseStatus) IsTerminal() bool {
	return len(purchaseTransitions[s]) == 0
}

// Valid reports whether s is a known escrow status.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowPending, EscrowHeld, EscrowReleased, EscrowRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is listed in the transition table.
func (s EscrowStatus) CanTransitionTo(next EscrowStatus) bool {
	for _, allowed := range escrowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s EscrowStatus) IsTerminal() bool {
	return len(escrowTransitions[s]) == 0
}

// ItemStatus is derived from the sale counters and never stored.
type ItemStatus string

const (
	ItemAvailable ItemStatus = "available"
	ItemSold      ItemStatus = "sold"
)

// Item is a catalog listing. Prices are in lamports.
type Item struct {
	ID           string    `json:"id"`
	Seller       string    `json:"seller"`
	Title        string    `json:"title"`
	Price        uint64    `json:"price"`
	Quantity     int       `json:"quantity"`
	QuantitySold int       `json:"quantity_sold"`
	CreatedAt    time.Time `json:"created_at"`
}

// Status derives availability from the sale counters.
func (i *Item) Status() ItemStatus {
	if i.QuantitySold >= i.Quantity {
		return ItemSold
	}
	return ItemAvailable
}

// Purchase is one buyer's payment for one unit of an item.
type Purchase struct {
	ID           string         `json:"id"`
	ItemID       string         `json:"item_id"`
	Buyer        string         `json:"buyer"`
	Seller       string         `json:"seller"`
	Price        uint64         `json:"price"` // item price plus service fee, lamports
	Status       PurchaseStatus `json:"status"`
	EscrowStatus EscrowStatus   `json:"escrow_status"`
	EscrowTxID   string         `json:"escrow_tx_id"`           // buyer -> escrow transfer
	ReleaseTxID  string         `json:"release_tx_id,omitempty"` // escrow -> seller transfer
	Oversold     bool           `json:"oversold,omitempty"`      // paid after the item sold out; refund, never release
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Transaction is the ledger-facing audit record of a purchase. There is one
// per purchase; release mutates it in place.
type Transaction struct {
	ID          string       `json:"id"`
	PurchaseID  string       `json:"purchase_id"`
	Buyer       string       `json:"buyer"`
	Seller      string       `json:"seller"`
	Amount      uint64       `json:"amount"`
	Status      EscrowStatus `json:"status"`
	EscrowTxID  string       `json:"escrow_tx_id"`
	ReleaseTxID string       `json:"release_tx_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Settings is the process-wide admin configuration.
type Settings struct {
	AdminWallet  string `json:"admin_wallet"`
	EscrowWallet string `json:"escrow_wallet"`
	ServiceFee   uint64 `json:"service_fee"` // flat, lamports
}

// Identity is the caller as reported by the session layer.
type Identity struct {
	Address       string
	Authenticated bool
}

// Wallet returns an authenticated identity for address.
// An empty address yields an unauthenticated identity.
func Wallet(address string) Identity {
	return Identity{Address: address, Authenticated: address != ""}
}

// CheckoutRecord is written atomically after the buyer's payment confirms.
type CheckoutRecord struct {
	Purchase    Purchase
	Transaction Transaction
}

// CreateResult reports whether CreatePurchase wrote new rows.
type CreateResult struct {
	Purchase    *Purchase
	Transaction *Transaction
	Created     bool // false when the escrow transfer was already recorded
	Oversold    bool // the item sold out before the sale could be counted; mirrored on Purchase
}

// PurchaseFilter narrows ListPurchases. Zero fields are ignored.
type PurchaseFilter struct {
	Buyer        string
	Seller       string
	Status       PurchaseStatus
	EscrowStatus EscrowStatus
	Limit        int
}

// TransactionFilter narrows ListTransactions. Zero fields are ignored.
type TransactionFilter struct {
	Buyer  string
	Seller string
	Status EscrowStatus
	Limit  int
}

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100
