package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solescrow/service/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// RPCClient is the subset of Solana RPC operations the ledger client needs.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// DefaultLamportsPerSignature is used when the node cannot price a message.
const DefaultLamportsPerSignature uint64 = 5000

const (
	defaultReadAttempts = 3
	defaultReadDelay    = time.Second
	defaultPollInterval = 2 * time.Second
	defaultConfirmWait  = 60 * time.Second
)

// Client is the ledger client. It is a stateless protocol adapter: every call
// goes to the cluster, nothing is cached between calls.
type Client struct {
	rpc      RPCClient
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)

	readAttempts int
	readDelay    time.Duration
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps outgoing RPC calls at rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithReadRetry sets the internal retry budget for read calls.
func WithReadRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.readAttempts = attempts
		}
		c.readDelay = delay
	}
}

// WithPollInterval sets how often AwaitConfirmation polls signature status.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient creates a new ledger client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		rpc:          rpcClient,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
		readAttempts: defaultReadAttempts,
		readDelay:    defaultReadDelay,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LatestReference fetches a finalized blockhash and the last block height at
// which a transfer built against it can still land.
func (c *Client) LatestReference(ctx context.Context) (Reference, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.read(ctx, "GetLatestBlockhash", func(ctx context.Context) error {
		res, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		if res == nil || res.Value == nil {
			return fmt.Errorf("empty blockhash response")
		}
		out = res
		return nil
	})
	if err != nil {
		return Reference{}, err
	}
	return Reference{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// BuildTransfer compiles an unsigned native SOL transfer against ref.
// The sender pays the fee.
func (c *Client) BuildTransfer(req TransferRequest, ref Reference) (*solana.Transaction, error) {
	if req.From.IsZero() {
		return nil, fmt.Errorf("build transfer: missing sender")
	}
	if req.To.IsZero() {
		return nil, ErrInvalidRecipient
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("build transfer: amount must be positive")
	}

	instructions := []solana.Instruction{
		system.NewTransferInstruction(req.Amount, req.From, req.To).Build(),
	}
	if req.Memo != "" {
		instructions = append(instructions, solana.NewInstruction(
			MemoProgramIDSPL,
			solana.AccountMetaSlice{solana.NewAccountMeta(req.From, false, true)},
			[]byte(req.Memo),
		))
	}

	tx, err := solana.NewTransaction(instructions, ref.Blockhash, solana.TransactionPayer(req.From))
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	return tx, nil
}

// CostOf adds the network fee to the transfer amount.
func CostOf(amount, fee uint64) Cost {
	return Cost{Fee: fee, TotalRequired: amount + fee}
}

// EstimateCost prices the compiled message with the cluster's fee schedule and
// returns the total the sender needs. It does not touch ledger state.
func (c *Client) EstimateCost(ctx context.Context, tx *solana.Transaction, amount uint64) (Cost, error) {
	fallback := DefaultLamportsPerSignature * uint64(max(1, int(tx.Message.Header.NumRequiredSignatures)))

	var fee *uint64
	err := c.read(ctx, "GetFeeForMessage", func(ctx context.Context) error {
		res, err := c.rpc.GetFeeForMessage(ctx, tx.Message.ToBase64(), rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		if res != nil {
			fee = res.Value
		}
		return nil
	})
	if err != nil {
		return Cost{}, err
	}

	if fee == nil {
		c.logger.DebugContext(ctx, "node returned no fee for message, using default",
			"fallback_lamports", fallback,
		)
		return CostOf(amount, fallback), nil
	}
	return CostOf(amount, *fee), nil
}

// CheckBalance returns the owner's balance in lamports at confirmed commitment.
func (c *Client) CheckBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	var balance uint64
	err := c.read(ctx, "GetBalance", func(ctx context.Context) error {
		res, err := c.rpc.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("empty balance response")
		}
		balance = res.Value
		return nil
	})
	return balance, err
}

// BlockHeight returns the cluster's current block height at confirmed commitment.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.read(ctx, "GetBlockHeight", func(ctx context.Context) error {
		h, err := c.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// SubmitTransfer broadcasts a signed transfer once, with preflight simulation
// at confirmed commitment. Errors are ErrRejectedByNetwork (terminal),
// ErrStaleReference (rebuild and resubmit) or ErrNetworkUnavailable.
//
// A transport error does not prove the transfer was not received. Callers that
// need exactly-once semantics must look the signature up before resubmitting.
func (c *Client) SubmitTransfer(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return solana.Signature{}, fmt.Errorf("submit transfer: transaction is not signed")
	}
	if err := c.wait(ctx); err != nil {
		return solana.Signature{}, err
	}

	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	c.recordCall("SendTransaction", err, start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return solana.Signature{}, ctxErr
		}
		classified := classifySubmitError(err)
		c.logger.WarnContext(ctx, "transfer submission failed",
			"signature", tx.Signatures[0].String(),
			"error", classified,
		)
		return solana.Signature{}, classified
	}

	c.logger.DebugContext(ctx, "transfer submitted", "signature", sig.String())
	return sig, nil
}

// SignatureStatus looks a signature up, searching transaction history so that
// older transfers are found too.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (Confirmation, error) {
	var conf Confirmation
	err := c.read(ctx, "GetSignatureStatuses", func(ctx context.Context) error {
		res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		conf = confirmationFromResult(sig, res)
		return nil
	})
	return conf, err
}

// AwaitConfirmation polls until the transfer is confirmed or failed, the
// blockhash window closes, or deadline passes. The latter two return
// StatusExpired with a nil error. An error is returned only when ctx is done,
// or when every poll up to the deadline failed to reach the cluster.
func (c *Client) AwaitConfirmation(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64, deadline time.Time) (Confirmation, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(defaultConfirmWait)
	}
	start := time.Now()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		conf, err := c.pollOnce(ctx, sig, lastValidBlockHeight)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Confirmation{}, ctx.Err()
			}
			lastErr = err
			c.logger.WarnContext(ctx, "confirmation poll failed",
				"signature", sig.String(),
				"error", err,
			)
		case conf.Status == StatusConfirmed || conf.Status == StatusFailed || conf.Status == StatusExpired:
			c.recordConfirmation(conf.Status, start)
			return conf, nil
		default:
			lastErr = nil
		}

		if !time.Now().Before(deadline) {
			if lastErr != nil {
				c.recordConfirmation("error", start)
				return Confirmation{}, joinCause(ErrNetworkUnavailable, lastErr)
			}
			c.logger.InfoContext(ctx, "confirmation deadline reached",
				"signature", sig.String(),
				"waited", time.Since(start).String(),
			)
			c.recordConfirmation(StatusExpired, start)
			return Confirmation{Signature: sig, Status: StatusExpired}, nil
		}

		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce performs a single status check. When the transfer is not yet
// confirmed it also checks whether the blockhash window has closed, and
// re-reads the status once in that case so a transfer that landed in the last
// valid block is not reported as expired.
func (c *Client) pollOnce(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) (Confirmation, error) {
	conf, err := c.statusOnce(ctx, sig)
	if err != nil {
		return Confirmation{}, err
	}
	if conf.Status == StatusConfirmed || conf.Status == StatusFailed || lastValidBlockHeight == 0 {
		return conf, nil
	}

	if err := c.wait(ctx); err != nil {
		return Confirmation{}, err
	}
	start := time.Now()
	height, err := c.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	c.recordCall("GetBlockHeight", err, start)
	if err != nil {
		return Confirmation{}, err
	}
	if height <= lastValidBlockHeight {
		return conf, nil
	}

	final, err := c.statusOnce(ctx, sig)
	if err != nil {
		return Confirmation{}, err
	}
	if final.Status == StatusConfirmed || final.Status == StatusFailed {
		return final, nil
	}
	c.logger.InfoContext(ctx, "blockhash window closed before confirmation",
		"signature", sig.String(),
		"block_height", height,
		"last_valid_block_height", lastValidBlockHeight,
	)
	return Confirmation{Signature: sig, Status: StatusExpired}, nil
}

func (c *Client) statusOnce(ctx context.Context, sig solana.Signature) (Confirmation, error) {
	if err := c.wait(ctx); err != nil {
		return Confirmation{}, err
	}
	start := time.Now()
	res, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
	c.recordCall("GetSignatureStatuses", err, start)
	if err != nil {
		return Confirmation{}, err
	}
	return confirmationFromResult(sig, res), nil
}

// confirmationFromResult interprets a getSignatureStatuses response for a
// single signature.
func confirmationFromResult(sig solana.Signature, res *rpc.GetSignatureStatusesResult) Confirmation {
	conf := Confirmation{Signature: sig, Status: StatusUnknown}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return conf
	}

	st := res.Value[0]
	conf.Slot = st.Slot
	if st.Err != nil {
		conf.Status = StatusFailed
		conf.Err = fmt.Sprintf("%v", st.Err)
		return conf
	}

	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		conf.Status = StatusConfirmed
	case rpc.ConfirmationStatusProcessed:
		conf.Status = StatusPending
	default:
		// Older nodes omit confirmationStatus; null confirmations means rooted.
		if st.Confirmations == nil {
			conf.Status = StatusConfirmed
		} else {
			conf.Status = StatusPending
		}
	}
	return conf
}

// LookupTransfer fetches a confirmed transaction and extracts the native SOL
// transfer and memo it carries.
func (c *Client) LookupTransfer(ctx context.Context, sig solana.Signature) (*Transfer, error) {
	var result *rpc.GetTransactionResult
	err := c.read(ctx, "GetTransaction", func(ctx context.Context) error {
		res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		})
		if errors.Is(err, rpc.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil || result.Transaction == nil {
		return nil, ErrTransferNotFound
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	transfer, err := parseTransfer(sig, tx)
	if err != nil {
		return nil, err
	}
	transfer.Slot = result.Slot
	if result.BlockTime != nil {
		transfer.BlockTime = result.BlockTime.Time()
	}
	if result.Meta != nil && result.Meta.Err != nil {
		msg := fmt.Sprintf("transaction failed: %v", result.Meta.Err)
		transfer.Err = &msg
	}
	return transfer, nil
}

// read runs a read-only RPC call under the client's rate limit and internal
// retry budget. Exhausting the budget yields ErrNetworkUnavailable.
func (c *Client) read(ctx context.Context, method string, call func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		if err := c.wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		err := call(ctx)
		c.recordCall(method, err, start)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.readDelay), uint64(c.readAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		c.logger.WarnContext(ctx, "ledger read failed, retrying",
			"method", method,
			"attempt", attempt,
			"error", err,
			"backoff", next.String(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, "transient")
		}
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	c.logger.ErrorContext(ctx, "ledger read failed after retries",
		"method", method,
		"attempts", attempt,
		"error", err,
	)
	return joinCause(ErrNetworkUnavailable, err)
}

// wait blocks on the rate limiter.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	start := time.Now()
	err := c.limiter.Wait(ctx)
	if c.metrics != nil {
		c.metrics.RecordRateLimitWait(c.endpoint, time.Since(start).Seconds())
	}
	return err
}

func (c *Client) recordCall(method string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

func (c *Client) recordConfirmation(result ConfirmationStatus, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordConfirmation(string(result), time.Since(start).Seconds())
	}
}
