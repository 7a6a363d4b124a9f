package payment

import (
	"errors"
	"fmt"

	"github.com/brojonat/solescrow/service/signer"
	"github.com/brojonat/solescrow/service/solana"
)

var (
	// ErrNotAuthorized means the sender is not a connected, signable identity.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidRecipient means the recipient does not parse as a ledger address.
	ErrInvalidRecipient = solana.ErrInvalidRecipient

	// ErrInvalidAmount means the amount is zero.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrNetworkUnavailable is the transient ledger failure class.
	ErrNetworkUnavailable = solana.ErrNetworkUnavailable

	// ErrRejectedByNetwork is the terminal ledger failure class.
	ErrRejectedByNetwork = solana.ErrRejectedByNetwork

	// ErrExpired means a submitted transfer was not confirmed before its
	// deadline. The transfer may still land while its blockhash window is open.
	ErrExpired = errors.New("transfer not confirmed before deadline")

	// ErrTransferFailed means the transfer landed but the cluster reports an
	// execution error. No funds moved.
	ErrTransferFailed = errors.New("transfer failed on chain")

	// ErrInsufficientFunds matches any *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidState means the idempotency key already belongs to a
	// different transfer.
	ErrInvalidState = errors.New("invalid state for this operation")

	// ErrPaymentFailed matches any *PaymentFailedError.
	ErrPaymentFailed = errors.New("payment failed")
)

// InsufficientFundsError reports the required and available balance in lamports.
type InsufficientFundsError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s SOL, available %s SOL",
		solana.FormatSOL(e.Required), solana.FormatSOL(e.Available))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// PaymentFailedError is returned when every attempt failed with a transient error.
type PaymentFailedError struct {
	Attempts int
	Last     error
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *PaymentFailedError) Unwrap() []error {
	return []error{ErrPaymentFailed, e.Last}
}

// retryable reports whether the submitter should try again after err.
func retryable(err error) bool {
	return solana.IsRetryable(err) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrTransferFailed) ||
		errors.Is(err, signer.ErrSignerUnavailable)
}

// Describe renders err as a message suitable for the buyer or admin. It
// separates insufficient funds, transient network trouble and outright
// rejection.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var insufficient *InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return fmt.Sprintf("Insufficient balance. Required: %s SOL (including fee), Available: %s SOL",
			solana.FormatSOL(insufficient.Required), solana.FormatSOL(insufficient.Available))
	case errors.Is(err, ErrInvalidRecipient):
		return "Invalid recipient address"
	case errors.Is(err, ErrInvalidAmount):
		return "Invalid amount"
	case errors.Is(err, ErrNotAuthorized):
		return "Wallet not connected"
	case errors.Is(err, signer.ErrUserRejected):
		return "Payment cancelled in wallet"
	case errors.Is(err, ErrRejectedByNetwork):
		return "Payment rejected by the network"
	case errors.Is(err, ErrPaymentFailed),
		errors.Is(err, ErrNetworkUnavailable),
		errors.Is(err, ErrExpired),
		errors.Is(err, signer.ErrSignerUnavailable):
		return "Network error, please retry"
	default:
		return "Payment failed: " + err.Error()
	}
}
