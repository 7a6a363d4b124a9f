package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/solescrow/service/escrow"
	"github.com/brojonat/solescrow/service/metrics"
	"github.com/brojonat/solescrow/service/payment"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the service. It implements
// escrow.Store, escrow.Catalog and payment.AttemptLog on Postgres.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	now     func() time.Time
}

var (
	_ escrow.Store       = (*Store)(nil)
	_ escrow.Catalog     = (*Store)(nil)
	_ payment.AttemptLog = (*Store)(nil)
)

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
		now:     time.Now,
	}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) observe(op, table string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	var e error
	if err != nil {
		e = *err
	}
	s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), e)
}

// Purchases

const purchaseColumns = `id, item_id, buyer, seller, price, status, escrow_status,
	escrow_tx_id, release_tx_id, oversold, created_at, updated_at`

const transactionColumns = `id, purchase_id, buyer, seller, amount, status,
	escrow_tx_id, release_tx_id, created_at, updated_at`

func scanPurchase(row pgx.Row) (*escrow.Purchase, error) {
	var (
		p       escrow.Purchase
		price   int64
		status  string
		escrowS string
		release pgtype.Text
	)
	err := row.Scan(&p.ID, &p.ItemID, &p.Buyer, &p.Seller, &price, &status, &escrowS,
		&p.EscrowTxID, &release, &p.Oversold, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Price = uint64(price)
	p.Status = escrow.PurchaseStatus(status)
	p.EscrowStatus = escrow.EscrowStatus(escrowS)
	p.ReleaseTxID = stringFromPgtext(release)
	return &p, nil
}

func scanTransaction(row pgx.Row) (*escrow.Transaction, error) {
	var (
		tx      escrow.Transaction
		amount  int64
		status  string
		release pgtype.Text
	)
	err := row.Scan(&tx.ID, &tx.PurchaseID, &tx.Buyer, &tx.Seller, &amount, &status,
		&tx.EscrowTxID, &release, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.Amount = uint64(amount)
	tx.Status = escrow.EscrowStatus(status)
	tx.ReleaseTxID = stringFromPgtext(release)
	return &tx, nil
}

// CreatePurchase inserts the purchase and its transaction and counts the sale
// in one database transaction. A replayed escrow transfer returns the
// existing purchase with Created=false.
func (s *Store) CreatePurchase(ctx context.Context, rec escrow.CheckoutRecord) (res *escrow.CreateResult, err error) {
	defer s.observe("create_purchase", "purchases", time.Now(), &err)

	if rec.Purchase.EscrowTxID == "" {
		return nil, fmt.Errorf("purchase %s has no escrow transfer", rec.Purchase.ID)
	}
	if existing, err := s.purchaseByEscrowTx(ctx, rec.Purchase.EscrowTxID); err == nil {
		return existing, nil
	} else if !errors.Is(err, escrow.ErrNotFound) {
		return nil, err
	}

	p, tx := rec.Purchase, rec.Transaction
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = p.CreatedAt
	}

	err = s.withTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)

		oversold, err := s.countSale(ctx, p.ItemID)
		if err != nil {
			return err
		}

		created, err := scanPurchase(q.QueryRow(ctx, `
			INSERT INTO purchases (id, item_id, buyer, seller, price, status, escrow_status,
				escrow_tx_id, release_tx_id, oversold, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			RETURNING `+purchaseColumns,
			p.ID, p.ItemID, p.Buyer, p.Seller, int64(p.Price), string(p.Status), string(p.EscrowStatus),
			p.EscrowTxID, pgtextFromString(p.ReleaseTxID), oversold, p.CreatedAt,
		))
		if err != nil {
			return err
		}

		createdTx, err := scanTransaction(q.QueryRow(ctx, `
			INSERT INTO escrow_transactions (id, purchase_id, buyer, seller, amount, status,
				escrow_tx_id, release_tx_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			RETURNING `+transactionColumns,
			tx.ID, p.ID, tx.Buyer, tx.Seller, int64(tx.Amount), string(tx.Status),
			tx.EscrowTxID, pgtextFromString(tx.ReleaseTxID), tx.CreatedAt,
		))
		if err != nil {
			return err
		}

		res = &escrow.CreateResult{Purchase: created, Transaction: createdTx, Created: true, Oversold: oversold}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent writer recorded the same transfer, or the id is taken.
			if existing, lookupErr := s.purchaseByEscrowTx(ctx, rec.Purchase.EscrowTxID); lookupErr == nil {
				return existing, nil
			}
			return nil, fmt.Errorf("%w: purchase %s already exists with another transfer", escrow.ErrInvalidState, rec.Purchase.ID)
		}
		return nil, fmt.Errorf("create purchase: %w", err)
	}
	return res, nil
}

// countSale increments quantity_sold unless the item is sold out. It reports
// oversold when the item exists but had no units left.
func (s *Store) countSale(ctx context.Context, itemID string) (bool, error) {
	err := s.RecordSale(ctx, itemID)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, escrow.ErrSoldOut):
		return true, nil
	case errors.Is(err, escrow.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) purchaseByEscrowTx(ctx context.Context, escrowTxID string) (*escrow.CreateResult, error) {
	p, err := scanPurchase(s.conn(ctx).QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE escrow_tx_id = $1`, escrowTxID))
	if err != nil {
		return nil, err
	}
	tx, err := s.GetTransaction(ctx, p.ID)
	if err != nil && !errors.Is(err, escrow.ErrNotFound) {
		return nil, err
	}
	return &escrow.CreateResult{Purchase: p, Transaction: tx}, nil
}

// GetPurchase retrieves a purchase by id.
func (s *Store) GetPurchase(ctx context.Context, id string) (p *escrow.Purchase, err error) {
	defer s.observe("get_purchase", "purchases", time.Now(), &err)
	return scanPurchase(s.conn(ctx).QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
}

// GetTransaction retrieves the transaction linked to a purchase.
func (s *Store) GetTransaction(ctx context.Context, purchaseID string) (tx *escrow.Transaction, err error) {
	defer s.observe("get_transaction", "escrow_transactions", time.Now(), &err)
	return scanTransaction(s.conn(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM escrow_transactions WHERE purchase_id = $1`, purchaseID))
}

// where accumulates optional equality filters.
type where struct {
	conds []string
	args  []any
}

func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.conds = append(w.conds, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		n = escrow.DefaultListLimit
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

// ListPurchases lists purchases newest first.
func (s *Store) ListPurchases(ctx context.Context, filter escrow.PurchaseFilter) (out []*escrow.Purchase, err error) {
	defer s.observe("list_purchases", "purchases", time.Now(), &err)

	var w where
	w.eq("buyer", filter.Buyer)
	w.eq("seller", filter.Seller)
	w.eq("status", string(filter.Status))
	w.eq("escrow_status", string(filter.EscrowStatus))
	query := `SELECT ` + purchaseColumns + ` FROM purchases` + w.sql() + ` ORDER BY created_at DESC` + w.limit(filter.Limit)

	rows, err := s.conn(ctx).Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListTransactions lists transactions newest first.
func (s *Store) ListTransactions(ctx context.Context, filter escrow.TransactionFilter) (out []*escrow.Transaction, err error) {
	defer s.observe("list_transactions", "escrow_transactions", time.Now(), &err)

	var w where
	w.eq("buyer", filter.Buyer)
	w.eq("seller", filter.Seller)
	w.eq("status", string(filter.Status))
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions` + w.sql() + ` ORDER BY created_at DESC` + w.limit(filter.Limit)

	rows, err := s.conn(ctx).Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// stateError distinguishes a missing purchase from a failed compare-and-set.
func (s *Store) stateError(ctx context.Context, id, what string) error {
	p, err := s.GetPurchase(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: purchase %s: %s (status %s, escrow %s)",
		escrow.ErrInvalidState, id, what, p.Status, p.EscrowStatus)
}

// UpdatePurchaseStatus moves status from -> to.
func (s *Store) UpdatePurchaseStatus(ctx context.Context, id string, from, to escrow.PurchaseStatus) (p *escrow.Purchase, err error) {
	defer s.observe("update_purchase_status", "purchases", time.Now(), &err)

	p, err = scanPurchase(s.conn(ctx).QueryRow(ctx, `
		UPDATE purchases SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+purchaseColumns,
		id, string(from), string(to), s.now().UTC(),
	))
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, s.stateError(ctx, id, "status is not "+string(from))
	}
	return p, err
}

// ClaimRelease leases a held purchase to claimant.
func (s *Store) ClaimRelease(ctx context.Context, id, claimant string, lease time.Duration) (p *escrow.Purchase, err error) {
	defer s.observe("claim_release", "purchases", time.Now(), &err)

	now := s.now().UTC()
	p, err = scanPurchase(s.conn(ctx).QueryRow(ctx, `
		UPDATE purchases SET release_claimant = $2, release_lease_until = $3
		WHERE id = $1 AND escrow_status = 'held'
			AND (release_claimant IS NULL OR release_claimant = $2 OR release_lease_until < $4)
		RETURNING `+purchaseColumns,
		id, claimant, now.Add(lease), now,
	))
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, s.stateError(ctx, id, "not held or release in progress")
	}
	return p, err
}

// CompleteRelease marks the purchase and its transaction released.
func (s *Store) CompleteRelease(ctx context.Context, id, releaseTxID string) (p *escrow.Purchase, err error) {
	defer s.observe("complete_release", "purchases", time.Now(), &err)

	now := s.now().UTC()
	err = s.withTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		var err error
		p, err = scanPurchase(q.QueryRow(ctx, `
			UPDATE purchases
			SET escrow_status = 'released', release_tx_id = $2,
				release_claimant = NULL, release_lease_until = NULL, updated_at = $3
			WHERE id = $1 AND escrow_status = 'held'
			RETURNING `+purchaseColumns,
			id, releaseTxID, now,
		))
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `
			UPDATE escrow_transactions SET status = 'released', release_tx_id = $2, updated_at = $3
			WHERE purchase_id = $1`,
			id, releaseTxID, now,
		)
		return err
	})
	if errors.Is(err, escrow.ErrNotFound) {
		return nil, s.stateError(ctx, id, "escrow is not held")
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// AbortRelease drops claimant's lease, if it still holds one.
func (s *Store) AbortRelease(ctx context.Context, id, claimant string) (err error) {
	defer s.observe("abort_release", "purchases", time.Now(), &err)

	_, err = s.conn(ctx).Exec(ctx, `
		UPDATE purchases SET release_claimant = NULL, release_lease_until = NULL
		WHERE id = $1 AND release_claimant = $2`,
		id, claimant,
	)
	return err
}

// Settings

// GetSettings returns the persisted admin settings.
func (s *Store) GetSettings(ctx context.Context) (out *escrow.Settings, err error) {
	defer s.observe("get_settings", "settings", time.Now(), &err)

	var (
		settings escrow.Settings
		fee      int64
	)
	err = s.conn(ctx).QueryRow(ctx,
		`SELECT admin_wallet, escrow_wallet, service_fee FROM settings WHERE id`,
	).Scan(&settings.AdminWallet, &settings.EscrowWallet, &fee)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	settings.ServiceFee = uint64(fee)
	return &settings, nil
}

// SaveSettings upserts the admin settings.
func (s *Store) SaveSettings(ctx context.Context, settings escrow.Settings) (err error) {
	defer s.observe("save_settings", "settings", time.Now(), &err)

	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO settings (id, admin_wallet, escrow_wallet, service_fee, updated_at)
		VALUES (TRUE, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET admin_wallet = EXCLUDED.admin_wallet,
			escrow_wallet = EXCLUDED.escrow_wallet,
			service_fee = EXCLUDED.service_fee,
			updated_at = EXCLUDED.updated_at`,
		settings.AdminWallet, settings.EscrowWallet, int64(settings.ServiceFee), s.now().UTC(),
	)
	return err
}

// Catalog

const itemColumns = `id, seller, title, price, quantity, quantity_sold, created_at`

func scanItem(row pgx.Row) (*escrow.Item, error) {
	var (
		item  escrow.Item
		price int64
	)
	err := row.Scan(&item.ID, &item.Seller, &item.Title, &price, &item.Quantity, &item.QuantitySold, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Price = uint64(price)
	return &item, nil
}

// GetItem retrieves a catalog item.
func (s *Store) GetItem(ctx context.Context, id string) (item *escrow.Item, err error) {
	defer s.observe("get_item", "items", time.Now(), &err)
	return scanItem(s.conn(ctx).QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
}

// CreateItem inserts a catalog item.
func (s *Store) CreateItem(ctx context.Context, in escrow.Item) (item *escrow.Item, err error) {
	defer s.observe("create_item", "items", time.Now(), &err)

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	item, err = scanItem(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO items (id, seller, title, price, quantity, quantity_sold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+itemColumns,
		in.ID, in.Seller, in.Title, int64(in.Price), in.Quantity, in.QuantitySold, createdAt,
	))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("item %s already exists", in.ID)
	}
	return item, err
}

// RecordSale increments quantity_sold if units remain.
func (s *Store) RecordSale(ctx context.Context, itemID string) (err error) {
	defer s.observe("record_sale", "items", time.Now(), &err)

	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE items SET quantity_sold = quantity_sold + 1
		WHERE id = $1 AND quantity_sold < quantity`,
		itemID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return err
	}
	return escrow.ErrSoldOut
}

// Payment attempts

const attemptColumns = `signature, idempotency_key, scope, epoch, attempt_number, sender, recipient,
	amount, raw_tx, last_valid_block_height, status, error, created_at, updated_at`

func scanAttempt(row pgx.Row) (*payment.Attempt, error) {
	var (
		a         payment.Attempt
		amount    int64
		lastValid int64
		status    string
	)
	err := row.Scan(&a.Signature, &a.Key, &a.Scope, &a.Epoch, &a.Number, &a.Sender, &a.Recipient,
		&amount, &a.RawTx, &lastValid, &status, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Amount = uint64(amount)
	a.LastValidBlockHeight = uint64(lastValid)
	a.Status = payment.AttemptStatus(status)
	return &a, nil
}

// RecordAttempt inserts a payment attempt.
func (s *Store) RecordAttempt(ctx context.Context, a payment.Attempt) (err error) {
	defer s.observe("record_attempt", "payment_attempts", time.Now(), &err)

	now := s.now().UTC()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO payment_attempts (signature, idempotency_key, scope, epoch, attempt_number,
			sender, recipient, amount, raw_tx, last_valid_block_height, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.Signature, a.Key, a.Scope, a.Epoch, a.Number, a.Sender, a.Recipient,
		int64(a.Amount), a.RawTx, int64(a.LastValidBlockHeight), string(a.Status), a.Error, createdAt, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("attempt %s already recorded", a.Signature)
	}
	return err
}

// UpdateAttempt sets the status of an attempt.
func (s *Store) UpdateAttempt(ctx context.Context, signature string, status payment.AttemptStatus, errMsg string) (err error) {
	defer s.observe("update_attempt", "payment_attempts", time.Now(), &err)

	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE payment_attempts SET status = $2, error = $3, updated_at = $4
		WHERE signature = $1`,
		signature, string(status), errMsg, s.now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrAttemptNotFound
	}
	return nil
}

// ListAttempts lists attempts under an idempotency key in attempt order.
func (s *Store) ListAttempts(ctx context.Context, key string) (out []payment.Attempt, err error) {
	defer s.observe("list_attempts", "payment_attempts", time.Now(), &err)
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE idempotency_key = $1 ORDER BY attempt_number`,
		key)
}

// ListPendingAttempts lists pending attempts created before the cutoff, oldest first.
func (s *Store) ListPendingAttempts(ctx context.Context, before time.Time, limit int) (out []payment.Attempt, err error) {
	defer s.observe("list_pending_attempts", "payment_attempts", time.Now(), &err)
	if limit <= 0 {
		limit = escrow.DefaultListLimit
	}
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`,
		before.UTC(), limit)
}

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]payment.Attempt, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payment.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Helper functions for pgtype conversions

func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

func stringFromPgtext(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}
