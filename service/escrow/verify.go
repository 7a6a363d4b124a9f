package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/solescrow/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// TransferLookup reads a confirmed transfer back from the ledger.
type TransferLookup interface {
	LookupTransfer(ctx context.Context, sig solanago.Signature) (*solana.Transfer, error)
}

// TransferCheck compares one recorded transfer with what the ledger holds.
type TransferCheck struct {
	Signature string   `json:"signature"`
	Found     bool     `json:"found"`
	Slot      uint64   `json:"slot,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Amount    uint64   `json:"amount,omitempty"`
	Problems  []string `json:"problems,omitempty"`
}

// OK reports whether the transfer was found and matched.
func (c *TransferCheck) OK() bool {
	return c.Found && len(c.Problems) == 0
}

// Verification is the on-chain audit of a purchase.
type Verification struct {
	PurchaseID string         `json:"purchase_id"`
	Escrow     TransferCheck  `json:"escrow"`
	Release    *TransferCheck `json:"release,omitempty"`
	OK         bool           `json:"ok"`
}

// VerifyPurchase checks the recorded escrow transfer (and the release
// transfer, if any) against the ledger: sender, recipient and amount must
// match the purchase. Wallets are compared with the current settings.
func (s *Service) VerifyPurchase(ctx context.Context, purchaseID string) (*Verification, error) {
	if s.ledger == nil {
		return nil, fmt.Errorf("verification needs a ledger client")
	}
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	settings, err := s.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}

	escrowCheck, err := s.checkTransfer(ctx, p.EscrowTxID, p.Buyer, settings.EscrowWallet, p.Price)
	if err != nil {
		return nil, err
	}
	v := &Verification{PurchaseID: p.ID, Escrow: *escrowCheck}
	v.OK = escrowCheck.OK()

	if p.ReleaseTxID != "" {
		releaseCheck, err := s.checkTransfer(ctx, p.ReleaseTxID, settings.EscrowWallet, p.Seller, p.Price)
		if err != nil {
			return nil, err
		}
		v.Release = releaseCheck
		v.OK = v.OK && releaseCheck.OK()
	} else if p.EscrowStatus == EscrowReleased {
		v.Release = &TransferCheck{Problems: []string{"released without a release transfer"}}
		v.OK = false
	}

	if !v.OK {
		s.logger.WarnContext(ctx, "purchase failed verification", "purchase_id", p.ID)
	}
	return v, nil
}

func (s *Service) checkTransfer(ctx context.Context, signature, from, to string, amount uint64) (*TransferCheck, error) {
	check := &TransferCheck{Signature: signature}
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		check.Problems = append(check.Problems, "recorded signature is malformed")
		return check, nil
	}

	t, err := s.ledger.LookupTransfer(ctx, sig)
	if errors.Is(err, solana.ErrTransferNotFound) {
		check.Problems = append(check.Problems, "transfer not found on chain")
		return check, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup transfer %s: %w", signature, err)
	}

	check.Found = true
	check.Slot = t.Slot
	check.From = t.From
	check.To = t.To
	check.Amount = t.Amount
	if t.Err != nil {
		check.Problems = append(check.Problems, "transfer failed on chain: "+*t.Err)
	}
	if t.From != from {
		check.Problems = append(check.Problems, fmt.Sprintf("sender is %s, expected %s", t.From, from))
	}
	if t.To != to {
		check.Problems = append(check.Problems, fmt.Sprintf("recipient is %s, expected %s", t.To, to))
	}
	if t.Amount != amount {
		check.Problems = append(check.Problems, fmt.Sprintf("amount is %s SOL, expected %s SOL",
			solana.FormatSOL(t.Amount), solana.FormatSOL(amount)))
	}
	return check, nil
}
