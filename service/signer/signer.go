// Package signer supplies transfer signatures on behalf of a wallet identity.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrUserRejected is returned when the wallet owner declines to sign.
	ErrUserRejected = errors.New("signature request rejected by user")

	// ErrSignerUnavailable is returned when no signer can be reached for the
	// requested identity. It is transient: the wallet may come back.
	ErrSignerUnavailable = errors.New("signer unavailable")
)

// Signer signs transactions for a single wallet.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// KeypairSigner signs with an in-memory ed25519 key.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner wraps a private key.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// LoadKeypairFile reads a solana-keygen JSON keypair file.
func LoadKeypairFile(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", path, err)
	}
	return NewKeypairSigner(key), nil
}

// PublicKey returns the wallet address.
func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// Sign adds this wallet's signature to tx. It fails if the transaction needs
// signatures from other wallets.
func (s *KeypairSigner) Sign(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pub := s.key.PublicKey()
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

// Keyring resolves signers by wallet address.
type Keyring struct {
	mu      sync.RWMutex
	signers map[solana.PublicKey]Signer
}

// NewKeyring builds a keyring from the given signers.
func NewKeyring(signers ...Signer) *Keyring {
	k := &Keyring{signers: make(map[solana.PublicKey]Signer, len(signers))}
	for _, s := range signers {
		k.signers[s.PublicKey()] = s
	}
	return k
}

// Add registers a signer, replacing any existing signer for the same wallet.
func (k *Keyring) Add(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.PublicKey()] = s
}

// Lookup returns the signer for owner, or ErrSignerUnavailable.
func (k *Keyring) Lookup(owner solana.PublicKey) (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[owner]
	if !ok {
		return nil, fmt.Errorf("%w: no signer for %s", ErrSignerUnavailable, owner)
	}
	return s, nil
}
