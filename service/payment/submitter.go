// Package payment drives a single logical payment to a confirmed transfer.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/solescrow/service/metrics"
	"github.com/brojonat/solescrow/service/signer"
	"github.com/brojonat/solescrow/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Ledger is the subset of the ledger client the submitter uses.
type Ledger interface {
	LatestReference(ctx context.Context) (solana.Reference, error)
	BuildTransfer(req solana.TransferRequest, ref solana.Reference) (*solanago.Transaction, error)
	EstimateCost(ctx context.Context, tx *solanago.Transaction, amount uint64) (solana.Cost, error)
	CheckBalance(ctx context.Context, owner solanago.PublicKey) (uint64, error)
	SubmitTransfer(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error)
	AwaitConfirmation(ctx context.Context, sig solanago.Signature, lastValidBlockHeight uint64, deadline time.Time) (solana.Confirmation, error)
	SignatureStatus(ctx context.Context, sig solanago.Signature) (solana.Confirmation, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

// SignerSource resolves the signer for a sender wallet.
type SignerSource interface {
	Lookup(owner solanago.PublicKey) (signer.Signer, error)
}

// Config holds submitter tuning.
type Config struct {
	MaxAttempts    int           // default attempt budget per Pay call
	RetryStep      time.Duration // backoff before attempt n is (n-1) * RetryStep
	ConfirmTimeout time.Duration // deadline handed to AwaitConfirmation
}

// DefaultConfig is three attempts with a one second linear step.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryStep:      time.Second,
		ConfirmTimeout: 60 * time.Second,
	}
}

// PayRequest describes one logical payment.
type PayRequest struct {
	Sender      string // base58 wallet address
	Recipient   string // base58 wallet address
	Amount      uint64 // lamports, excluding network fee
	MaxAttempts int    // 0 uses the submitter default

	// Scope and Epoch identify the logical payment. Every attempt made for the
	// same (Scope, Epoch) shares an idempotency key, and a confirmed attempt
	// under that key is returned instead of sending another transfer.
	// An empty Scope gets a random one, which disables cross-call dedup.
	Scope string
	Epoch int64
}

// Result is a confirmed payment.
type Result struct {
	Signature string
	Key       string
	Fee       uint64
	Attempts  int  // attempts made by this call
	Reused    bool // an earlier attempt under the same key was confirmed
}

// Submitter orchestrates payments: validation, funding checks, signing,
// submission, confirmation and bounded retry.
type Submitter struct {
	ledger   Ledger
	signers  SignerSource
	attempts AttemptLog
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewSubmitter creates a Submitter. If metrics is nil, no metrics are recorded.
func NewSubmitter(ledger Ledger, signers SignerSource, attempts AttemptLog, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.RetryStep < 0 {
		cfg.RetryStep = 0
	}
	return &Submitter{
		ledger:   ledger,
		signers:  signers,
		attempts: attempts,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// payment is a validated PayRequest.
type payment struct {
	sender    solanago.PublicKey
	recipient solanago.PublicKey
	amount    uint64
	scope     string
	epoch     int64
	key       string
	signer    signer.Signer
}

// Pay transfers req.Amount from sender to recipient and returns only once the
// transfer is confirmed. Terminal errors (not authorized, invalid recipient,
// insufficient funds, rejected by network, user rejected) are returned as is.
// Transient errors are retried up to the attempt budget, after which a
// *PaymentFailedError wrapping the last cause is returned.
func (s *Submitter) Pay(ctx context.Context, req PayRequest) (*Result, error) {
	start := s.now()

	p, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	logger := s.logger.With("scope", p.scope, "idempotency_key", p.key[:12])
	logger.InfoContext(ctx, "starting payment",
		"sender", p.sender.String(),
		"recipient", p.recipient.String(),
		"amount_sol", solana.FormatSOL(p.amount),
		"max_attempts", maxAttempts,
	)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * s.cfg.RetryStep
			logger.InfoContext(ctx, "retrying payment",
				"attempt", attempt,
				"backoff", wait.String(),
				"last_error", lastErr,
			)
			if err := s.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		res, err := s.tryOnce(ctx, p, attempt, logger)
		if err == nil {
			res.Attempts = attempt
			s.recordPayment(p.scope, "confirmed", start)
			logger.InfoContext(ctx, "payment confirmed",
				"signature", res.Signature,
				"attempts", attempt,
				"reused", res.Reused,
			)
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.recordPayment(p.scope, "canceled", start)
			return nil, ctxErr
		}
		if !retryable(err) {
			s.recordAttempt(p.scope, "terminal")
			s.recordPayment(p.scope, "rejected", start)
			logger.WarnContext(ctx, "payment failed with terminal error",
				"attempt", attempt,
				"error", err,
			)
			return nil, err
		}

		s.recordAttempt(p.scope, "retryable")
		lastErr = err
	}

	s.recordPayment(p.scope, "failed", start)
	logger.ErrorContext(ctx, "payment attempts exhausted",
		"attempts", maxAttempts,
		"error", lastErr,
	)
	return nil, &PaymentFailedError{Attempts: maxAttempts, Last: lastErr}
}

func (s *Submitter) validate(req PayRequest) (*payment, error) {
	if req.Sender == "" {
		return nil, fmt.Errorf("%w: no sender wallet connected", ErrNotAuthorized)
	}
	sender, err := solanago.PublicKeyFromBase58(req.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sender address", ErrNotAuthorized)
	}
	recipient, err := solanago.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, req.Recipient)
	}
	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	sig, err := s.signers.Lookup(sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	scope := req.Scope
	if scope == "" {
		scope = "adhoc:" + uuid.NewString()
	}
	return &payment{
		sender:    sender,
		recipient: recipient,
		amount:    req.Amount,
		scope:     scope,
		epoch:     req.Epoch,
		key:       IdempotencyKey(scope, req.Epoch),
		signer:    sig,
	}, nil
}

// tryOnce runs one attempt: resolve earlier attempts under the key, then, if
// none is confirmed or still in flight, build, sign, submit and confirm a new
// transfer.
func (s *Submitter) tryOnce(ctx context.Context, p *payment, attempt int, logger *slog.Logger) (*Result, error) {
	res, inflight, err := s.reconcile(ctx, p, logger)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	if inflight != nil {
		res, err := s.awaitExisting(ctx, inflight, logger)
		if res != nil || err != nil {
			return res, err
		}
		// The in-flight attempt expired or failed; fall through and build a fresh one.
	}

	return s.submitNew(ctx, p, logger)
}

// reconcile inspects earlier attempts under p's key. It returns a Result if
// one was confirmed, or the attempt that may still land if its window is open.
// Attempts for a different transfer under the same key fail with
// ErrInvalidState.
func (s *Submitter) reconcile(ctx context.Context, p *payment, logger *slog.Logger) (*Result, *Attempt, error) {
	key := p.key
	prior, err := s.attempts.ListAttempts(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("list attempts: %w", err)
	}
	if len(prior) == 0 {
		return nil, nil, nil
	}
	for _, a := range prior {
		if a.Sender != p.sender.String() || a.Recipient != p.recipient.String() || a.Amount != p.amount {
			return nil, nil, fmt.Errorf("%w: %s was used for %d lamports from %s to %s",
				ErrInvalidState, key, a.Amount, a.Sender, a.Recipient)
		}
	}

	var height uint64
	var heightKnown bool
	var inflight *Attempt

	for i := range prior {
		a := prior[i]
		switch a.Status {
		case AttemptConfirmed:
			return &Result{Signature: a.Signature, Key: key, Reused: true}, nil, nil
		case AttemptFailed, AttemptExpired:
			continue
		}

		sig, err := solanago.SignatureFromBase58(a.Signature)
		if err != nil {
			return nil, nil, fmt.Errorf("attempt %d has invalid signature: %w", a.Number, err)
		}
		conf, err := s.ledger.SignatureStatus(ctx, sig)
		if err != nil {
			return nil, nil, err
		}

		switch conf.Status {
		case solana.StatusConfirmed:
			s.markAttempt(ctx, a.Signature, AttemptConfirmed, "", logger)
			s.recordReconciled(AttemptConfirmed)
			logger.InfoContext(ctx, "earlier attempt landed, not resubmitting",
				"signature", a.Signature,
				"attempt_number", a.Number,
			)
			return &Result{Signature: a.Signature, Key: key, Reused: true}, nil, nil
		case solana.StatusFailed:
			s.markAttempt(ctx, a.Signature, AttemptFailed, conf.Err, logger)
			s.recordReconciled(AttemptFailed)
			continue
		}

		if !heightKnown {
			height, err = s.ledger.BlockHeight(ctx)
			if err != nil {
				return nil, nil, err
			}
			heightKnown = true
		}
		if height > a.LastValidBlockHeight {
			s.markAttempt(ctx, a.Signature, AttemptExpired, "blockhash window closed", logger)
			s.recordReconciled(AttemptExpired)
			continue
		}
		if inflight == nil {
			inflight = &a
		}
	}
	return nil, inflight, nil
}

// awaitExisting rebroadcasts an attempt whose window is still open and waits
// for it. The signed bytes are unchanged, so the rebroadcast cannot pay twice.
// A nil Result with nil error means the attempt is settled as not landed.
func (s *Submitter) awaitExisting(ctx context.Context, a *Attempt, logger *slog.Logger) (*Result, error) {
	sig, err := solanago.SignatureFromBase58(a.Signature)
	if err != nil {
		return nil, err
	}

	if a.RawTx != "" {
		tx, err := solanago.TransactionFromBase64(a.RawTx)
		if err == nil {
			if _, err := s.ledger.SubmitTransfer(ctx, tx); err != nil {
				switch {
				case errors.Is(err, solana.ErrStaleReference):
					s.markAttempt(ctx, a.Signature, AttemptExpired, err.Error(), logger)
					return nil, nil
				case errors.Is(err, solana.ErrRejectedByNetwork):
					// Preflight rejects a duplicate of a landed transfer too;
					// the status poll below decides.
					logger.DebugContext(ctx, "rebroadcast rejected", "signature", a.Signature, "error", err)
				default:
					logger.WarnContext(ctx, "rebroadcast failed", "signature", a.Signature, "error", err)
				}
			}
		}
	}

	logger.InfoContext(ctx, "waiting on in-flight attempt", "signature", a.Signature, "attempt_number", a.Number)
	conf, err := s.ledger.AwaitConfirmation(ctx, sig, a.LastValidBlockHeight, s.now().Add(s.cfg.ConfirmTimeout))
	if err != nil {
		return nil, err
	}
	switch conf.Status {
	case solana.StatusConfirmed:
		s.markAttempt(ctx, a.Signature, AttemptConfirmed, "", logger)
		return &Result{Signature: a.Signature, Key: a.Key, Reused: true}, nil
	case solana.StatusFailed:
		s.markAttempt(ctx, a.Signature, AttemptFailed, conf.Err, logger)
		return nil, nil
	default:
		// Still unconfirmed. Only a closed window makes it safe to replace it.
		height, err := s.ledger.BlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		if height > a.LastValidBlockHeight {
			s.markAttempt(ctx, a.Signature, AttemptExpired, "blockhash window closed", logger)
			return nil, nil
		}
		return nil, ErrExpired
	}
}

// submitNew builds, signs, records, submits and confirms a fresh transfer.
func (s *Submitter) submitNew(ctx context.Context, p *payment, logger *slog.Logger) (*Result, error) {
	ref, err := s.ledger.LatestReference(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.BuildTransfer(solana.TransferRequest{
		From:   p.sender,
		To:     p.recipient,
		Amount: p.amount,
		Memo:   Memo(p.key),
	}, ref)
	if err != nil {
		return nil, err
	}

	cost, err := s.ledger.EstimateCost(ctx, tx, p.amount)
	if err != nil {
		return nil, err
	}
	available, err := s.ledger.CheckBalance(ctx, p.sender)
	if err != nil {
		return nil, err
	}
	if available < cost.TotalRequired {
		return nil, &InsufficientFundsError{Required: cost.TotalRequired, Available: available}
	}

	if err := p.signer.Sign(ctx, tx); err != nil {
		return nil, err
	}
	if len(tx.Signatures) == 0 {
		return nil, fmt.Errorf("signer returned an unsigned transaction")
	}
	sig := tx.Signatures[0]
	raw, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("encode signed transaction: %w", err)
	}

	prior, err := s.attempts.ListAttempts(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	// Recorded before broadcast so a crash after sending still leaves a trace
	// for reconciliation.
	if err := s.attempts.RecordAttempt(ctx, Attempt{
		Key:                  p.key,
		Scope:                p.scope,
		Epoch:                p.epoch,
		Number:               len(prior) + 1,
		Signature:            sig.String(),
		Sender:               p.sender.String(),
		Recipient:            p.recipient.String(),
		Amount:               p.amount,
		RawTx:                raw,
		LastValidBlockHeight: ref.LastValidBlockHeight,
		Status:               AttemptPending,
	}); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	if _, err := s.ledger.SubmitTransfer(ctx, tx); err != nil {
		switch {
		case errors.Is(err, solana.ErrStaleReference):
			s.markAttempt(ctx, sig.String(), AttemptExpired, err.Error(), logger)
		case errors.Is(err, solana.ErrRejectedByNetwork):
			s.markAttempt(ctx, sig.String(), AttemptFailed, err.Error(), logger)
		}
		// Transport errors leave the attempt pending: it may have been received.
		return nil, err
	}
	s.recordAttempt(p.scope, "submitted")

	conf, err := s.ledger.AwaitConfirmation(ctx, sig, ref.LastValidBlockHeight, s.now().Add(s.cfg.ConfirmTimeout))
	if err != nil {
		return nil, err
	}

	switch conf.Status {
	case solana.StatusConfirmed:
		s.markAttempt(ctx, sig.String(), AttemptConfirmed, "", logger)
		return &Result{Signature: sig.String(), Key: p.key, Fee: cost.Fee}, nil
	case solana.StatusFailed:
		s.markAttempt(ctx, sig.String(), AttemptFailed, conf.Err, logger)
		return nil, fmt.Errorf("%w: %s", ErrTransferFailed, conf.Err)
	default:
		// Left pending; the next attempt's reconcile decides whether the
		// window is still open.
		return nil, fmt.Errorf("%w: %s", ErrExpired, sig)
	}
}

// ReconcileReport summarizes a ReconcilePending run.
type ReconcileReport struct {
	Checked   int
	Confirmed int
	Failed    int
	Expired   int
	Pending   int
}

// ReconcilePending resolves attempts that were left pending before the given
// time, typically because the process stopped while waiting. Confirmed
// attempts found here are transfers that landed after being given up on.
func (s *Submitter) ReconcilePending(ctx context.Context, before time.Time, limit int) (ReconcileReport, error) {
	var report ReconcileReport

	pending, err := s.attempts.ListPendingAttempts(ctx, before, limit)
	if err != nil {
		return report, fmt.Errorf("list pending attempts: %w", err)
	}
	if len(pending) == 0 {
		return report, nil
	}

	height, err := s.ledger.BlockHeight(ctx)
	if err != nil {
		return report, err
	}

	for _, a := range pending {
		report.Checked++
		sig, err := solanago.SignatureFromBase58(a.Signature)
		if err != nil {
			s.markAttempt(ctx, a.Signature, AttemptFailed, "invalid signature", s.logger)
			report.Failed++
			continue
		}
		conf, err := s.ledger.SignatureStatus(ctx, sig)
		if err != nil {
			return report, err
		}
		switch {
		case conf.Status == solana.StatusConfirmed:
			s.markAttempt(ctx, a.Signature, AttemptConfirmed, "", s.logger)
			s.recordReconciled(AttemptConfirmed)
			report.Confirmed++
			s.logger.WarnContext(ctx, "pending attempt found confirmed on chain",
				"signature", a.Signature,
				"scope", a.Scope,
			)
		case conf.Status == solana.StatusFailed:
			s.markAttempt(ctx, a.Signature, AttemptFailed, conf.Err, s.logger)
			s.recordReconciled(AttemptFailed)
			report.Failed++
		case height > a.LastValidBlockHeight:
			s.markAttempt(ctx, a.Signature, AttemptExpired, "blockhash window closed", s.logger)
			s.recordReconciled(AttemptExpired)
			report.Expired++
		default:
			report.Pending++
		}
	}
	return report, nil
}

// ListAttempts returns the attempts recorded for scope and epoch.
func (s *Submitter) ListAttempts(ctx context.Context, scope string, epoch int64) ([]Attempt, error) {
	return s.attempts.ListAttempts(ctx, IdempotencyKey(scope, epoch))
}

func (s *Submitter) markAttempt(ctx context.Context, signature string, status AttemptStatus, msg string, logger *slog.Logger) {
	if err := s.attempts.UpdateAttempt(ctx, signature, status, msg); err != nil {
		logger.ErrorContext(ctx, "failed to update attempt",
			"signature", signature,
			"status", status,
			"error", err,
		)
	}
}

func (s *Submitter) recordAttempt(scope, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordPaymentAttempt(scopeKind(scope), outcome)
	}
}

func (s *Submitter) recordPayment(scope, status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordPayment(scopeKind(scope), status, s.now().Sub(start).Seconds())
	}
}

func (s *Submitter) recordReconciled(status AttemptStatus) {
	if s.metrics != nil {
		s.metrics.RecordReconciledAttempt(string(status))
	}
}

// scopeKind strips the identifier from a scope ("release:abc" -> "release")
// to keep metric labels bounded.
func scopeKind(scope string) string {
	kind, _, _ := strings.Cut(scope, ":")
	return kind
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
