package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/solescrow/service/escrow"
)

// PurchaseEvent is published to "purchases.{kind}" in JetStream whenever a
// purchase changes state.
type PurchaseEvent struct {
	Kind       string `json:"kind"` // created, completed, released
	PurchaseID string `json:"purchase_id"`
	ItemID     string `json:"item_id"`

	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Price  uint64 `json:"price"` // lamports

	Status       string `json:"status"`
	EscrowStatus string `json:"escrow_status"`
	EscrowTxID   string `json:"escrow_tx_id"`
	ReleaseTxID  string `json:"release_tx_id,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject for the event.
func (e *PurchaseEvent) Subject() string {
	return SubjectFor(escrow.EventKind(e.Kind))
}

// SubjectFor returns the subject events of kind are published to.
func SubjectFor(kind escrow.EventKind) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, kind)
}

// FromPurchase converts a purchase into an event of the given kind.
func FromPurchase(kind escrow.EventKind, p *escrow.Purchase) *PurchaseEvent {
	return &PurchaseEvent{
		Kind:         string(kind),
		PurchaseID:   p.ID,
		ItemID:       p.ItemID,
		Buyer:        p.Buyer,
		Seller:       p.Seller,
		Price:        p.Price,
		Status:       string(p.Status),
		EscrowStatus: string(p.EscrowStatus),
		EscrowTxID:   p.EscrowTxID,
		ReleaseTxID:  p.ReleaseTxID,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
		PublishedAt:  time.Now().UTC(),
	}
}
