// Package ratelimit decides whether a request fits inside the configured
// per-identifier rate budgets. It approximates a true sliding window with
// two adjacent fixed buckets: the effective count is the current bucket
// plus the previous bucket weighted by how much of it still overlaps the
// moving window. Counts live only in the shared store; the check and the
// increment are one atomic step, so the classic check-then-increment race
// cannot occur.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/admission-engine/internal/settings"
	"github.com/developingchet/admission-engine/internal/store"
)

// KeyPrefix namespaces rate window buckets in the store.
const KeyPrefix = "rl:"

// Policy carries the compiled fallback limits used when no live override
// exists for a route class.
type Policy struct {
	PerMinute int64
	PerHour   int64
	FailOpen  bool // allow on store outage (the default for rate limiting)
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Count      int64 // effective count after this request, on the binding window
	Limit      int64 // the limit that bound the decision
	RetryAfter time.Duration
	Degraded   bool // store was unreachable and policy decided the outcome
}

// Limiter evaluates sliding-window budgets against the shared store.
type Limiter struct {
	store    store.Atomic
	settings *settings.Cache
	policy   Policy
	now      func() time.Time
}

// New builds a Limiter. The store client is injected (one shared pooled
// client per process), never constructed here.
func New(st store.Atomic, sc *settings.Cache, policy Policy) *Limiter {
	return &Limiter{store: st, settings: sc, policy: policy, now: time.Now}
}

// SetNow overrides the clock; test helper.
func (l *Limiter) SetNow(now func() time.Time) { l.now = now }

// Allow records one request for (id, route) and reports whether it fits
// under both the per-minute and per-hour budgets. The increment is never
// rolled back: an attempted request counts even if it is later rejected
// downstream.
func (l *Limiter) Allow(ctx context.Context, id, route string) (Result, error) {
	minuteLimit := l.settings.Int64(ctx, "rate.per_minute."+route,
		l.settings.Int64(ctx, "rate.per_minute", l.policy.PerMinute))
	hourLimit := l.settings.Int64(ctx, "rate.per_hour."+route,
		l.settings.Int64(ctx, "rate.per_hour", l.policy.PerHour))

	res, err := l.check(ctx, id, route, time.Minute, minuteLimit)
	if err != nil {
		return l.onStoreError(ctx, err)
	}
	if !res.Allowed {
		return res, nil
	}

	if hourLimit > 0 {
		hres, err := l.check(ctx, id, route, time.Hour, hourLimit)
		if err != nil {
			return l.onStoreError(ctx, err)
		}
		if !hres.Allowed {
			return hres, nil
		}
	}
	return res, nil
}

// check runs the two-bucket computation for one window size. One atomic
// increment on the current bucket, one plain read of the previous bucket.
func (l *Limiter) check(ctx context.Context, id, route string, window time.Duration, limit int64) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: true}, nil
	}

	now := l.now()
	bucketStart := now.Truncate(window)
	curKey := bucketKey(id, route, window, bucketStart)
	prevKey := bucketKey(id, route, window, bucketStart.Add(-window))

	// Bucket TTL of 2x the window keeps the previous bucket readable for
	// exactly one more window and guarantees no key outlives its use.
	cur, _, err := l.store.IncrWithExpiry(ctx, curKey, 2*window)
	if err != nil {
		return Result{}, err
	}
	prev, err := l.store.Count(ctx, prevKey)
	if err != nil {
		return Result{}, err
	}

	elapsed := now.Sub(bucketStart)
	overlap := 1 - float64(elapsed)/float64(window)
	effective := float64(cur) + float64(prev)*overlap

	res := Result{
		Allowed: effective <= float64(limit),
		Count:   int64(effective),
		Limit:   limit,
	}
	if !res.Allowed {
		res.RetryAfter = retryAfter(window, elapsed)
	}
	return res, nil
}

// retryAfter hints when the window will have drained enough to admit one
// more request. Always positive so the client header is meaningful.
func retryAfter(window, elapsed time.Duration) time.Duration {
	ra := window - elapsed
	if ra < time.Second {
		ra = time.Second
	}
	return ra
}

func (l *Limiter) onStoreError(ctx context.Context, err error) (Result, error) {
	if !store.Unavailable(err) {
		return Result{}, err
	}
	if l.settings.Bool(ctx, "rate.fail_open", l.policy.FailOpen) {
		log.Warn().Err(err).Msg("ratelimit: store unavailable, failing open")
		return Result{Allowed: true, Degraded: true}, nil
	}
	log.Warn().Err(err).Msg("ratelimit: store unavailable, failing closed")
	return Result{Allowed: false, Degraded: true, RetryAfter: 5 * time.Second}, nil
}

func bucketKey(id, route string, window time.Duration, start time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d:%d", KeyPrefix, id, route, int64(window.Seconds()), start.Unix())
}
