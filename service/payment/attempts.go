package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AttemptStatus is the lifecycle of a single signed transfer.
type AttemptStatus string

const (
	// AttemptPending: signed and possibly broadcast, outcome not yet known.
	AttemptPending AttemptStatus = "pending"
	// AttemptConfirmed: the cluster confirmed the transfer.
	AttemptConfirmed AttemptStatus = "confirmed"
	// AttemptFailed: rejected, or landed with an execution error.
	AttemptFailed AttemptStatus = "failed"
	// AttemptExpired: the blockhash window closed without the transfer landing.
	AttemptExpired AttemptStatus = "expired"
)

// Attempt is one signed transfer produced while paying under an idempotency key.
type Attempt struct {
	Key                  string
	Scope                string
	Epoch                int64
	Number               int
	Signature            string
	Sender               string
	Recipient            string
	Amount               uint64
	RawTx                string // base64 signed transaction, for rebroadcast
	LastValidBlockHeight uint64
	Status               AttemptStatus
	Error                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ErrAttemptNotFound is returned when updating an unknown signature.
var ErrAttemptNotFound = errors.New("payment attempt not found")

// AttemptLog persists attempts so that a transfer which lands after being
// given up on is found before a replacement is sent.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	UpdateAttempt(ctx context.Context, signature string, status AttemptStatus, errMsg string) error
	ListAttempts(ctx context.Context, key string) ([]Attempt, error)
	ListPendingAttempts(ctx context.Context, before time.Time, limit int) ([]Attempt, error)
}

// IdempotencyKey derives the key that groups all attempts of one logical payment.
func IdempotencyKey(scope string, epoch int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", scope, epoch)))
	return hex.EncodeToString(sum[:])
}

// memoPrefix tags transfers made by this service so they can be found on chain.
const memoPrefix = "solescrow:"

// Memo is the on-chain memo carried by every transfer for key.
func Memo(key string) string {
	return memoPrefix + key
}

// MemoryAttemptLog is an in-memory AttemptLog for tests and single-process use.
type MemoryAttemptLog struct {
	mu       sync.Mutex
	attempts map[string]*Attempt // by signature
	now      func() time.Time
}

// NewMemoryAttemptLog creates an empty in-memory attempt log.
func NewMemoryAttemptLog() *MemoryAttemptLog {
	return &MemoryAttemptLog{
		attempts: make(map[string]*Attempt),
		now:      time.Now,
	}
}

func (m *MemoryAttemptLog) RecordAttempt(ctx context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.attempts[a.Signature]; exists {
		return fmt.Errorf("attempt %s already recorded", a.Signature)
	}
	now := m.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.attempts[a.Signature] = &a
	return nil
}

func (m *MemoryAttemptLog) UpdateAttempt(ctx context.Context, signature string, status AttemptStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[signature]
	if !ok {
		return ErrAttemptNotFound
	}
	a.Status = status
	a.Error = errMsg
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemoryAttemptLog) ListAttempts(ctx context.Context, key string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if a.Key == key {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryAttemptLog) ListPendingAttempts(ctx context.Context, before time.Time, limit int) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if a.Status == AttemptPending && a.CreatedAt.Before(before) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
