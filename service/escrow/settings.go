package escrow

import (
	"fmt"

	solanago "github.com/gagliardetto/solana-go"
)

// Validate checks that both wallets are ledger addresses.
func (s Settings) Validate() error {
	if _, err := solanago.PublicKeyFromBase58(s.AdminWallet); err != nil {
		return fmt.Errorf("%w: admin wallet %q is not a valid address", ErrInvalidSettings, s.AdminWallet)
	}
	if _, err := solanago.PublicKeyFromBase58(s.EscrowWallet); err != nil {
		return fmt.Errorf("%w: escrow wallet %q is not a valid address", ErrInvalidSettings, s.EscrowWallet)
	}
	return nil
}

// IsAdmin reports whether id is the configured admin. The match is exact.
func (s Settings) IsAdmin(id Identity) bool {
	return id.Authenticated && id.Address != "" && id.Address == s.AdminWallet
}
