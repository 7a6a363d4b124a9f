package solana

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrNetworkUnavailable means the RPC endpoint could not be reached or
	// answered with a transport-level failure. Callers may retry.
	ErrNetworkUnavailable = errors.New("ledger network unavailable")

	// ErrRejectedByNetwork means the cluster refused the transfer, for example
	// during preflight simulation. Retrying the same transfer will not help.
	ErrRejectedByNetwork = errors.New("transfer rejected by network")

	// ErrStaleReference means the transfer referenced a blockhash the cluster no
	// longer accepts. The transfer must be rebuilt with fresh reference data.
	ErrStaleReference = errors.New("stale transfer reference")

	// ErrInvalidRecipient is returned when an address does not parse.
	ErrInvalidRecipient = errors.New("invalid recipient address")

	// ErrTransferNotFound is returned by LookupTransfer for unknown signatures.
	ErrTransferNotFound = errors.New("transfer not found")
)

// staleMarkers are substrings the cluster uses when a blockhash has aged out.
var staleMarkers = []string{
	"blockhash not found",
	"block height exceeded",
	"transaction expired",
}

// classifySubmitError maps an error from sendTransaction onto the ledger error
// taxonomy. JSON-RPC errors carry a cluster verdict; anything else is treated
// as transport failure.
func classifySubmitError(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		// RPCError.Error() is a multi-line struct dump; keep the message only.
		detail := fmt.Sprintf("rpc error %d: %s", rpcErr.Code, rpcErr.Message)
		if isStaleMessage(rpcErr.Message) {
			return &ledgerError{kind: ErrStaleReference, cause: err, detail: detail}
		}
		return &ledgerError{kind: ErrRejectedByNetwork, cause: err, detail: detail}
	}

	if isStaleMessage(err.Error()) {
		return joinCause(ErrStaleReference, err)
	}
	return joinCause(ErrNetworkUnavailable, err)
}

func isStaleMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range staleMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ledgerError pairs a taxonomy sentinel with the underlying cause so that
// errors.Is matches the sentinel while the message keeps the cause.
type ledgerError struct {
	kind   error
	cause  error
	detail string
}

func (e *ledgerError) Error() string {
	if e.detail != "" {
		return e.kind.Error() + ": " + e.detail
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *ledgerError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func joinCause(kind, cause error) error {
	return &ledgerError{kind: kind, cause: cause}
}

// IsRetryable reports whether a ledger error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrStaleReference)
}
