package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type purchaseRecord struct {
	purchase   Purchase
	claimant   string
	leaseUntil time.Time
}

// MemoryStore is an in-memory Store and Catalog for tests and local runs.
type MemoryStore struct {
	mu           sync.RWMutex
	purchases    map[string]*purchaseRecord
	byEscrowTx   map[string]string       // escrow tx id -> purchase id
	transactions map[string]*Transaction // by purchase id
	items        map[string]*Item
	settings     *Settings
	now          func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases:    make(map[string]*purchaseRecord),
		byEscrowTx:   make(map[string]string),
		transactions: make(map[string]*Transaction),
		items:        make(map[string]*Item),
		now:          time.Now,
	}
}

func (m *MemoryStore) CreatePurchase(ctx context.Context, rec CheckoutRecord) (*CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Purchase.EscrowTxID == "" {
		return nil, fmt.Errorf("purchase %s has no escrow transfer", rec.Purchase.ID)
	}
	if id, ok := m.byEscrowTx[rec.Purchase.EscrowTxID]; ok {
		p := m.purchases[id].purchase
		tx := *m.transactions[id]
		return &CreateResult{Purchase: &p, Transaction: &tx}, nil
	}
	if _, exists := m.purchases[rec.Purchase.ID]; exists {
		return nil, fmt.Errorf("%w: purchase %s already exists with another transfer", ErrInvalidState, rec.Purchase.ID)
	}

	now := m.now()
	p := rec.Purchase
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	tx := rec.Transaction
	tx.PurchaseID = p.ID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	if item, ok := m.items[p.ItemID]; ok {
		if item.QuantitySold < item.Quantity {
			item.QuantitySold++
		} else {
			p.Oversold = true
		}
	}

	m.purchases[p.ID] = &purchaseRecord{purchase: p}
	m.byEscrowTx[p.EscrowTxID] = p.ID
	m.transactions[p.ID] = &tx

	outP, outTx := p, tx
	return &CreateResult{Purchase: &outP, Transaction: &outTx, Created: true, Oversold: p.Oversold}, nil
}

func (m *MemoryStore) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	p := rec.purchase
	return &p, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, purchaseID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[purchaseID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListPurchases(ctx context.Context, filter PurchaseFilter) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Purchase
	for _, rec := range m.purchases {
		p := rec.purchase
		if filter.Buyer != "" && p.Buyer != filter.Buyer {
			continue
		}
		if filter.Seller != "" && p.Seller != filter.Seller {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.EscrowStatus != "" && p.EscrowStatus != filter.EscrowStatus {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, filter.Limit), nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.transactions {
		if filter.Buyer != "" && tx.Buyer != filter.Buyer {
			continue
		}
		if filter.Seller != "" && tx.Seller != filter.Seller {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, filter.Limit), nil
}

func (m *MemoryStore) UpdatePurchaseStatus(ctx context.Context, id string, from, to PurchaseStatus) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.purchase.Status != from {
		return nil, fmt.Errorf("%w: purchase %s is %s, not %s", ErrInvalidState, id, rec.purchase.Status, from)
	}
	rec.purchase.Status = to
	rec.purchase.UpdatedAt = m.now()
	p := rec.purchase
	return &p, nil
}

func (m *MemoryStore) ClaimRelease(ctx context.Context, id, claimant string, lease time.Duration) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if rec.purchase.EscrowStatus != EscrowHeld {
		return nil, fmt.Errorf("%w: escrow for purchase %s is %s", ErrInvalidState, id, rec.purchase.EscrowStatus)
	}
	if rec.claimant != "" && rec.claimant != claimant && now.Before(rec.leaseUntil) {
		return nil, fmt.Errorf("%w: release of purchase %s already in progress", ErrInvalidState, id)
	}
	rec.claimant = claimant
	rec.leaseUntil = now.Add(lease)
	p := rec.purchase
	return &p, nil
}

func (m *MemoryStore) CompleteRelease(ctx context.Context, id, releaseTxID string) (*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.purchase.EscrowStatus != EscrowHeld {
		return nil, fmt.Errorf("%w: escrow for purchase %s is %s", ErrInvalidState, id, rec.purchase.EscrowStatus)
	}
	now := m.now()
	rec.purchase.EscrowStatus = EscrowReleased
	rec.purchase.ReleaseTxID = releaseTxID
	rec.purchase.UpdatedAt = now
	rec.claimant = ""
	rec.leaseUntil = time.Time{}

	if tx, ok := m.transactions[id]; ok {
		tx.Status = EscrowReleased
		tx.ReleaseTxID = releaseTxID
		tx.UpdatedAt = now
	}
	p := rec.purchase
	return &p, nil
}

func (m *MemoryStore) AbortRelease(ctx context.Context, id, claimant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.purchases[id]
	if !ok {
		return ErrNotFound
	}
	if rec.claimant == claimant {
		rec.claimant = ""
		rec.leaseUntil = time.Time{}
	}
	return nil
}

func (m *MemoryStore) GetSettings(ctx context.Context) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return nil, ErrNotFound
	}
	s := *m.settings
	return &s, nil
}

func (m *MemoryStore) SaveSettings(ctx context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	return nil
}

func (m *MemoryStore) GetItem(ctx context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryStore) CreateItem(ctx context.Context, item Item) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[item.ID]; exists {
		return nil, fmt.Errorf("item %s already exists", item.ID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	m.items[item.ID] = &item
	cp := item
	return &cp, nil
}

func (m *MemoryStore) RecordSale(ctx context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if item.QuantitySold >= item.Quantity {
		return ErrSoldOut
	}
	item.QuantitySold++
	return nil
}

func limit[T any](in []T, n int) []T {
	if n <= 0 {
		n = DefaultListLimit
	}
	if len(in) > n {
		return in[:n]
	}
	return in
}
