package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Compile-time proof that MemStore satisfies the Atomic interface.
var _ Atomic = (*MemStore)(nil)

// MemStore is an in-memory Atomic implementation for unit tests. It is
// exported so dependent packages can test their policy logic without a
// running Redis. Semantics mirror the Lua scripts in redis.go: every
// method takes the mutex for its whole duration, so each call is one
// indivisible step exactly like a server-side script.
type MemStore struct {
	mu sync.Mutex

	counters     map[string]memEntry
	tokens       map[string]memToken
	ledgers      map[string]memLedger
	reservations map[string]memReservation
	bans         map[string]memBan
	kv           map[string]memEntry

	down bool
	now  func() time.Time
}

type memEntry struct {
	n   int64
	val string
	exp time.Time // zero = no expiry
}

type memToken struct {
	bound    string
	consumed bool
	exp      time.Time
}

type memLedger struct {
	reserved  int64
	committed int64
	exp       time.Time
}

type memReservation struct {
	amount  int64
	periods []string
	exp     time.Time
}

type memBan struct {
	tier   int
	reason string
	exp    time.Time // zero = indefinite
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		counters:     make(map[string]memEntry),
		tokens:       make(map[string]memToken),
		ledgers:      make(map[string]memLedger),
		reservations: make(map[string]memReservation),
		bans:         make(map[string]memBan),
		kv:           make(map[string]memEntry),
		now:          time.Now,
	}
}

// SetDown toggles simulated store unavailability: every call fails with
// ErrUnavailable until cleared. Lets tests exercise fail-open/fail-closed
// paths.
func (m *MemStore) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetNow overrides the store clock for expiry and window-boundary tests.
func (m *MemStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemStore) expired(exp time.Time) bool {
	return !exp.IsZero() && !m.now().Before(exp)
}

func (m *MemStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, 0, wrap("incr "+key, errSimulatedOutage)
	}
	e, ok := m.counters[key]
	if !ok || m.expired(e.exp) {
		e = memEntry{}
	}
	e.n++
	if e.exp.IsZero() || m.expired(e.exp) {
		e.exp = m.now().Add(ttl)
	}
	m.counters[key] = e
	return e.n, e.exp.Sub(m.now()), nil
}

func (m *MemStore) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, wrap("count "+key, errSimulatedOutage)
	}
	e, ok := m.counters[key]
	if !ok || m.expired(e.exp) {
		return 0, nil
	}
	return e.n, nil
}

func (m *MemStore) PutToken(_ context.Context, key, boundHash string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return wrap("put token", errSimulatedOutage)
	}
	m.tokens[key] = memToken{bound: boundHash, exp: m.now().Add(ttl)}
	return nil
}

func (m *MemStore) ConsumeToken(_ context.Context, key, boundHash string) (ConsumeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ConsumeMissing, wrap("consume token", errSimulatedOutage)
	}
	t, ok := m.tokens[key]
	if !ok || m.expired(t.exp) {
		return ConsumeMissing, nil
	}
	if t.consumed {
		return ConsumeSpent, nil
	}
	if t.bound != boundHash {
		return ConsumeMismatch, nil
	}
	t.consumed = true
	m.tokens[key] = t
	return ConsumeOK, nil
}

func (m *MemStore) Reserve(_ context.Context, periods []PeriodBudget, resKey string, amount int64, resTTL time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, wrap("reserve", errSimulatedOutage)
	}
	for _, p := range periods {
		l := m.ledger(p.Key)
		if l.reserved+l.committed+amount > p.Limit {
			return false, nil
		}
	}
	names := make([]string, 0, len(periods))
	for _, p := range periods {
		l := m.ledger(p.Key)
		l.reserved += amount
		if l.exp.IsZero() {
			l.exp = m.now().Add(p.TTL)
		}
		m.ledgers[p.Key] = l
		names = append(names, p.Key)
	}
	m.reservations[resKey] = memReservation{amount: amount, periods: names, exp: m.now().Add(resTTL)}
	return true, nil
}

func (m *MemStore) ledger(key string) memLedger {
	l, ok := m.ledgers[key]
	if !ok || m.expired(l.exp) {
		return memLedger{}
	}
	return l
}

func (m *MemStore) settle(resKey string, actual int64) error {
	if m.down {
		return wrap("settle", errSimulatedOutage)
	}
	r, ok := m.reservations[resKey]
	if !ok || m.expired(r.exp) {
		return nil // idempotent
	}
	for _, p := range r.periods {
		l := m.ledger(p)
		l.reserved -= r.amount
		if l.reserved < 0 {
			l.reserved = 0
		}
		l.committed += actual
		m.ledgers[p] = l
	}
	delete(m.reservations, resKey)
	return nil
}

func (m *MemStore) Commit(_ context.Context, resKey string, actual int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settle(resKey, actual)
}

func (m *MemStore) Release(_ context.Context, resKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settle(resKey, 0)
}

func (m *MemStore) LedgerRead(_ context.Context, periodKey string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, 0, wrap("ledger read", errSimulatedOutage)
	}
	l := m.ledger(periodKey)
	return l.reserved, l.committed, nil
}

func (m *MemStore) SetIfAbsent(_ context.Context, key, val string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, wrap("setnx "+key, errSimulatedOutage)
	}
	if e, ok := m.kv[key]; ok && !m.expired(e.exp) {
		return false, nil
	}
	m.kv[key] = memEntry{val: val, exp: m.now().Add(ttl)}
	return true, nil
}

func (m *MemStore) IncrViolations(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, wrap("violations "+key, errSimulatedOutage)
	}
	e, ok := m.counters[key]
	if !ok || m.expired(e.exp) {
		e = memEntry{}
	}
	e.n++
	e.exp = m.now().Add(window) // refreshed on every violation
	m.counters[key] = e
	return e.n, nil
}

func (m *MemStore) ApplyBan(_ context.Context, key string, tier int, reason string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, wrap("ban "+key, errSimulatedOutage)
	}
	cur, ok := m.bans[key]
	if ok && !m.expired(cur.exp) && cur.tier >= tier {
		return false, nil
	}
	b := memBan{tier: tier, reason: reason}
	if ttl > 0 {
		b.exp = m.now().Add(ttl)
	}
	m.bans[key] = b
	return true, nil
}

func (m *MemStore) BanStatus(_ context.Context, key string) (BanState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return BanState{}, wrap("ban status "+key, errSimulatedOutage)
	}
	b, ok := m.bans[key]
	if !ok || m.expired(b.exp) {
		return BanState{}, nil
	}
	st := BanState{Tier: b.tier}
	if b.exp.IsZero() {
		st.Indefinite = true
	} else {
		st.Remaining = b.exp.Sub(m.now())
	}
	return st, nil
}

func (m *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return "", false, wrap("get "+key, errSimulatedOutage)
	}
	e, ok := m.kv[key]
	if !ok || m.expired(e.exp) {
		return "", false, nil
	}
	return e.val, true, nil
}

func (m *MemStore) Set(_ context.Context, key, val string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return wrap("set "+key, errSimulatedOutage)
	}
	e := memEntry{val: val}
	if ttl > 0 {
		e.exp = m.now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *MemStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return wrap("del "+key, errSimulatedOutage)
	}
	delete(m.kv, key)
	delete(m.bans, key)
	delete(m.counters, key)
	delete(m.tokens, key)
	return nil
}

func (m *MemStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return wrap("ping", errSimulatedOutage)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }

var errSimulatedOutage = simulatedOutage{}

type simulatedOutage struct{}

func (simulatedOutage) Error() string { return "simulated outage" }

// TokenBound reports the hash a stored token is bound to; test helper.
func (m *MemStore) TokenBound(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[key]
	if !ok || m.expired(t.exp) {
		return "", false
	}
	return t.bound, true
}

// Keys returns all live keys with the given prefix; test helper.
func (m *MemStore) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, e := range m.counters {
		if strings.HasPrefix(k, prefix) && !m.expired(e.exp) {
			out = append(out, k)
		}
	}
	for k, e := range m.kv {
		if strings.HasPrefix(k, prefix) && !m.expired(e.exp) {
			out = append(out, k)
		}
	}
	return out
}
