// Package store provides the shared atomic counter store used by every
// admission component. All mutable per-client state (rate windows, bans,
// challenge tokens, cost ledgers) lives in the store, never in process
// memory; each operation executes server-side as one indivisible unit so
// correctness does not depend on any client-side lock.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is wrapped around any transport-level store failure
// (connection refused, timeout, pool exhaustion). Callers switch on it to
// apply their own fail-open or fail-closed policy instead of treating the
// outage as an opaque error.
var ErrUnavailable = errors.New("store unavailable")

// ConsumeStatus is the outcome of a ConsumeToken call.
type ConsumeStatus int

const (
	// ConsumeOK: the token existed, was unconsumed, and matched the bound
	// hash. It is now consumed; no later call can succeed.
	ConsumeOK ConsumeStatus = iota
	// ConsumeMissing: no such token (never issued, or TTL elapsed).
	ConsumeMissing
	// ConsumeSpent: the token was already consumed by an earlier call.
	ConsumeSpent
	// ConsumeMismatch: the presented binding hash differs from the one
	// recorded at issuance.
	ConsumeMismatch
)

// PeriodBudget names one ledger period and its hard limit for a reserve
// attempt. Amounts are integer micro-dollars throughout.
type PeriodBudget struct {
	Key   string // e.g. "cost:day:2025-12-18"
	Limit int64
	TTL   time.Duration // retention for the period key; outlives the period
}

// BanState is a point-in-time read of a ban record. Tier zero with no
// expiry means no active ban.
type BanState struct {
	Tier       int
	Remaining  time.Duration // 0 when Tier == 0 or the ban is indefinite
	Indefinite bool
}

// Atomic is the set of indivisible operations the engine needs. Each method
// is one round trip and one serialized step on the store side; no
// intermediate state is ever observable by another caller.
//
// Implementations: Client (Redis, production) and MemStore (in-process,
// tests).
type Atomic interface {
	// IncrWithExpiry increments the integer at key and sets ttl when the
	// key is newly created, so no counter bucket can survive forever.
	// Returns the post-increment count and the remaining TTL.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (count int64, remaining time.Duration, err error)

	// Count reads the integer at key; absent keys read as zero.
	Count(ctx context.Context, key string) (int64, error)

	// PutToken stores a single-use token bound to boundHash with the given
	// lifetime.
	PutToken(ctx context.Context, key, boundHash string, ttl time.Duration) error

	// ConsumeToken validates and consumes the token at key in one unit:
	// existence, unconsumed flag, and binding hash are all checked and the
	// consumed flag written before any other caller can observe the token.
	ConsumeToken(ctx context.Context, key, boundHash string) (ConsumeStatus, error)

	// Reserve adds amount to the reserved field of every period ledger,
	// but only if committed+reserved+amount fits under every period's
	// limit. On success a reservation record is written at resKey (with
	// resTTL as a leak backstop) and ok is true; on any overflow nothing
	// is modified and ok is false.
	Reserve(ctx context.Context, periods []PeriodBudget, resKey string, amount int64, resTTL time.Duration) (ok bool, err error)

	// Commit finalizes the reservation at resKey: the reserved amount is
	// released and actual is added to committed on every period the
	// reservation named. Idempotent: a missing reservation is a no-op.
	Commit(ctx context.Context, resKey string, actual int64) error

	// Release drops the reservation at resKey without committing anything.
	// Idempotent like Commit.
	Release(ctx context.Context, resKey string) error

	// LedgerRead returns (reserved, committed) for one period key.
	LedgerRead(ctx context.Context, periodKey string) (reserved, committed int64, err error)

	// SetIfAbsent writes val at key only when key does not exist. Returns
	// true when this call did the write. Used for one-shot alert dedup.
	SetIfAbsent(ctx context.Context, key, val string, ttl time.Duration) (bool, error)

	// IncrViolations bumps the violation counter and refreshes its TTL to
	// window, so the counter lapses only after a full clean period.
	IncrViolations(ctx context.Context, key string, window time.Duration) (int64, error)

	// ApplyBan records a ban at key with the given tier and duration
	// (ttl <= 0 means indefinite), but never downgrades: if a ban with an
	// equal or higher tier is present the call is a no-op and returns
	// false.
	ApplyBan(ctx context.Context, key string, tier int, reason string, ttl time.Duration) (applied bool, err error)

	// BanStatus reads the ban record at key. An expired record reads as
	// absent.
	BanStatus(ctx context.Context, key string) (BanState, error)

	// Get reads a raw string value. ok is false when the key is absent.
	Get(ctx context.Context, key string) (val string, ok bool, err error)

	// Set writes a raw string value with an optional TTL (0 = none).
	Set(ctx context.Context, key, val string, ttl time.Duration) error

	// Del removes a key. Missing keys are not an error.
	Del(ctx context.Context, key string) error

	// Ping verifies connectivity. Returns ErrUnavailable-wrapped errors.
	Ping(ctx context.Context) error

	Close() error
}

// Unavailable reports whether err stems from store unreachability rather
// than a deliberate outcome.
func Unavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
