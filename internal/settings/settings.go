// Package settings resolves every runtime tunable through two tiers: live
// overrides in the shared store (written by the operator control plane
// under cfg:<key>) and compiled-in defaults. A read always yields a value;
// store outages and absent keys are never surfaced as errors. Live values
// are soft-cached in process with a bounded TTL so a settings read never
// becomes a store round trip on the hot path.
//
// This is the only state the engine is allowed to cache in process:
// counters, bans, challenges, and ledgers stay authoritative in the store.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Prefix is the store namespace for live overrides.
const Prefix = "cfg:"

// Store is the read surface settings needs from the atomic store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

type cacheEntry struct {
	val     string
	present bool // false = confirmed absent upstream (negative cache)
	fetched time.Time
}

// Cache is the two-tier resolver. Safe for concurrent use.
type Cache struct {
	store    Store
	ttl      time.Duration
	defaults map[string]string

	mu      sync.RWMutex
	entries map[string]cacheEntry

	now func() time.Time
}

// New builds a resolver over the given store. defaults maps setting keys
// (without the cfg: prefix) to their compiled-in values; ttl bounds how
// stale a cached live value may get.
func New(st Store, defaults map[string]any, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		d[k] = renderDefault(v)
	}
	return &Cache{
		store:    st,
		ttl:      ttl,
		defaults: d,
		entries:  make(map[string]cacheEntry),
		now:      time.Now,
	}
}

func renderDefault(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Duration:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SetNow overrides the clock; test helper.
func (c *Cache) SetNow(now func() time.Time) { c.now = now }

// resolve returns the raw string for key: fresh cache → live store →
// stale cache → compiled default. The bool reports whether any value
// (override or default) was found at all.
func (c *Cache) resolve(ctx context.Context, key string) (string, bool) {
	c.mu.RLock()
	e, cached := c.entries[key]
	c.mu.RUnlock()

	if cached && c.now().Sub(e.fetched) < c.ttl {
		if e.present {
			return e.val, true
		}
		return c.fallback(key)
	}

	val, ok, err := c.store.Get(ctx, Prefix+key)
	if err != nil {
		// Store down: a stale override beats a default, a default beats
		// nothing. Never an error.
		if cached && e.present {
			return e.val, true
		}
		return c.fallback(key)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{val: val, present: ok, fetched: c.now()}
	c.mu.Unlock()

	if ok {
		return val, true
	}
	return c.fallback(key)
}

func (c *Cache) fallback(key string) (string, bool) {
	v, ok := c.defaults[key]
	return v, ok
}

// Invalidate drops the cached entry for key, forcing the next read to hit
// the live store. Used by tests and the operator refresh path.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// candidates yields the raw strings to try in order: resolved value first,
// then the compiled default (covers unparseable live overrides).
func (c *Cache) candidates(ctx context.Context, key string) []string {
	var out []string
	if v, ok := c.resolve(ctx, key); ok {
		out = append(out, v)
	}
	if d, ok := c.defaults[key]; ok && (len(out) == 0 || out[0] != d) {
		out = append(out, d)
	}
	return out
}

// String resolves key as a string, or fallback when unset everywhere.
func (c *Cache) String(ctx context.Context, key, fallback string) string {
	if v, ok := c.resolve(ctx, key); ok {
		return v
	}
	return fallback
}

// Int resolves key as an int. An unparseable override falls back to the
// compiled default, then to fallback.
func (c *Cache) Int(ctx context.Context, key string, fallback int) int {
	for _, v := range c.candidates(ctx, key) {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// Int64 resolves key as an int64.
func (c *Cache) Int64(ctx context.Context, key string, fallback int64) int64 {
	for _, v := range c.candidates(ctx, key) {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// Float resolves key as a float64.
func (c *Cache) Float(ctx context.Context, key string, fallback float64) float64 {
	for _, v := range c.candidates(ctx, key) {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

// Duration resolves key as a Go duration string ("90s", "15m").
func (c *Cache) Duration(ctx context.Context, key string, fallback time.Duration) time.Duration {
	for _, v := range c.candidates(ctx, key) {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}

// Bool resolves key as a boolean ("true"/"1"/"yes" style).
func (c *Cache) Bool(ctx context.Context, key string, fallback bool) bool {
	for _, v := range c.candidates(ctx, key) {
		switch strings.TrimSpace(strings.ToLower(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
