package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Reference is the recent-blockhash window a transfer is built against.
// A transfer is valid until the cluster's block height passes
// LastValidBlockHeight; after that it can never land.
type Reference struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// TransferRequest describes a native SOL transfer.
type TransferRequest struct {
	From   solana.PublicKey
	To     solana.PublicKey
	Amount uint64 // lamports

	// Memo is attached through the memo program when non-empty. The payment
	// submitter uses it to carry the idempotency key on chain.
	Memo string
}

// Cost is the result of EstimateCost.
type Cost struct {
	Fee           uint64
	TotalRequired uint64
}

// ConfirmationStatus is the outcome of waiting on a submitted transfer.
type ConfirmationStatus string

const (
	// StatusConfirmed means the cluster reports the transfer at confirmed
	// commitment or better without error.
	StatusConfirmed ConfirmationStatus = "confirmed"

	// StatusFailed means the transfer landed but execution failed.
	StatusFailed ConfirmationStatus = "failed"

	// StatusExpired means no confirmation arrived before the deadline or the
	// blockhash window closed. It is not an error: the caller should rebuild.
	StatusExpired ConfirmationStatus = "expired"

	// StatusPending means the cluster has seen the transfer but it has not
	// reached confirmed commitment yet.
	StatusPending ConfirmationStatus = "pending"

	// StatusUnknown means the cluster has no record of the signature.
	StatusUnknown ConfirmationStatus = "unknown"
)

// Confirmation is returned by AwaitConfirmation.
type Confirmation struct {
	Signature solana.Signature
	Status    ConfirmationStatus
	Slot      uint64
	Err       string // cluster error for StatusFailed
}

// Transfer is a native SOL transfer as recorded on chain.
// This is our domain model, independent of the RPC response format.
type Transfer struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	From      string
	To        string
	Amount    uint64
	Memo      *string
	Err       *string // nil if the transaction succeeded
}
