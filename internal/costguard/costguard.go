// Package costguard bounds aggregate spend on downstream paid operations.
// It follows reserve-then-commit: an estimate is reserved against every
// open period ledger before the expensive call, then committed at actual
// cost or released. The reserve is a single atomic store operation with
// the limit check server-side, so concurrent requests that individually
// fit can never collectively overshoot the budget.
//
// All amounts are integer micro-dollars; the ledgers never see floats.
package costguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/admission-engine/internal/metrics"
	"github.com/developingchet/admission-engine/internal/settings"
	"github.com/developingchet/admission-engine/internal/store"
)

// Store key namespaces.
const (
	LedgerPrefix      = "cost:"
	ReservationPrefix = "costres:"
	alertMarkPrefix   = "cost:alert:"
)

// ErrBudgetExceeded is returned when a reservation cannot fit under the
// hard limit of any open period — or when the store is unreachable, since
// this component fails closed: an unknowable budget is a spent budget.
var ErrBudgetExceeded = errors.New("costguard: budget exceeded")

// AlertSink receives one-shot notifications for threshold crossings.
type AlertSink interface {
	Publish(ctx context.Context, kind, subject, detail string) error
}

// Config carries compiled fallbacks for the guard.
type Config struct {
	DailyLimitMicros  int64
	HourlyLimitMicros int64         // 0 disables the hourly ledger
	ReservationTTL    time.Duration // leak backstop for never-settled reservations
	Thresholds        []int         // alert percentages, e.g. 80, 95
}

// Reservation is a granted budget hold. Settle it with exactly one Commit
// or Release; both are idempotent afterwards.
type Reservation struct {
	ID     string
	Amount int64

	degraded bool // granted fail-open during an outage; settles as a no-op
}

// Guard evaluates and settles cost reservations.
type Guard struct {
	store    store.Atomic
	settings *settings.Cache
	alerts   AlertSink // may be nil
	cfg      Config
	now      func() time.Time
}

// New builds a Guard. alerts may be nil when no notifier is configured.
func New(st store.Atomic, sc *settings.Cache, alerts AlertSink, cfg Config) *Guard {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 2 * time.Minute
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = []int{80, 95}
	}
	return &Guard{store: st, settings: sc, alerts: alerts, cfg: cfg, now: time.Now}
}

// SetNow overrides the clock; test helper.
func (g *Guard) SetNow(now func() time.Time) { g.now = now }

// periods returns the open ledger periods a reservation must fit under.
func (g *Guard) periods(ctx context.Context) []store.PeriodBudget {
	now := g.now().UTC()
	daily := g.settings.Int64(ctx, "cost.daily_limit_micros", g.cfg.DailyLimitMicros)
	hourly := g.settings.Int64(ctx, "cost.hourly_limit_micros", g.cfg.HourlyLimitMicros)

	out := []store.PeriodBudget{{
		Key:   LedgerPrefix + "day:" + now.Format("2006-01-02"),
		Limit: daily,
		TTL:   48 * time.Hour,
	}}
	if hourly > 0 {
		out = append(out, store.PeriodBudget{
			Key:   LedgerPrefix + "hour:" + now.Format("2006-01-02T15"),
			Limit: hourly,
			TTL:   2 * time.Hour,
		})
	}
	return out
}

// Reserve holds estimate micro-dollars against every open period. Returns
// ErrBudgetExceeded when the estimate does not fit — or on store outage,
// unless the cost.fail_open override is set (off by default; this is the
// one component whose whole purpose is bounding exposure).
func (g *Guard) Reserve(ctx context.Context, estimate int64) (*Reservation, error) {
	if estimate <= 0 {
		return nil, fmt.Errorf("costguard: non-positive estimate %d", estimate)
	}
	resTTL := g.settings.Duration(ctx, "cost.reservation_ttl", g.cfg.ReservationTTL)
	id := uuid.NewString()

	ok, err := g.store.Reserve(ctx, g.periods(ctx), ReservationPrefix+id, estimate, resTTL)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("costguard").Inc()
		if store.Unavailable(err) {
			if g.settings.Bool(ctx, "cost.fail_open", false) {
				log.Warn().Err(err).Msg("costguard: store unavailable, failing open")
				metrics.CostReservations.WithLabelValues("degraded").Inc()
				return &Reservation{ID: id, Amount: estimate, degraded: true}, nil
			}
			metrics.CostReservations.WithLabelValues("denied").Inc()
			return nil, fmt.Errorf("%w: store unavailable", ErrBudgetExceeded)
		}
		return nil, fmt.Errorf("costguard: reserve: %w", err)
	}
	if !ok {
		metrics.CostReservations.WithLabelValues("denied").Inc()
		return nil, ErrBudgetExceeded
	}
	metrics.CostReservations.WithLabelValues("granted").Inc()
	return &Reservation{ID: id, Amount: estimate}, nil
}

// Commit settles the reservation at its actual cost and evaluates alert
// thresholds. Idempotent once the reservation record is gone.
func (g *Guard) Commit(ctx context.Context, res *Reservation, actual int64) error {
	if res == nil || res.degraded {
		return nil
	}
	if actual < 0 {
		actual = 0
	}
	if err := g.store.Commit(ctx, ReservationPrefix+res.ID, actual); err != nil {
		metrics.StoreErrors.WithLabelValues("costguard").Inc()
		return fmt.Errorf("costguard: commit: %w", err)
	}
	g.checkThresholds(ctx)
	return nil
}

// Release drops the reservation without committing spend. Call on
// downstream failure or caller abort; this is the explicit path, not a
// timeout.
func (g *Guard) Release(ctx context.Context, res *Reservation) error {
	if res == nil || res.degraded {
		return nil
	}
	if err := g.store.Release(ctx, ReservationPrefix+res.ID); err != nil {
		metrics.StoreErrors.WithLabelValues("costguard").Inc()
		return fmt.Errorf("costguard: release: %w", err)
	}
	return nil
}

// Remaining reports the free headroom in the current day period.
func (g *Guard) Remaining(ctx context.Context) (int64, error) {
	p := g.periods(ctx)[0]
	reserved, committed, err := g.store.LedgerRead(ctx, p.Key)
	if err != nil {
		return 0, fmt.Errorf("costguard: remaining: %w", err)
	}
	rem := p.Limit - reserved - committed
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

// checkThresholds fires a one-shot alert per threshold per period. The
// dedup marker lives in the store with the period's retention, so exactly
// one worker across the fleet sends each alert.
func (g *Guard) checkThresholds(ctx context.Context) {
	for _, p := range g.periods(ctx) {
		_, committed, err := g.store.LedgerRead(ctx, p.Key)
		if err != nil {
			continue
		}
		if p.Key == LedgerPrefix+"day:"+g.now().UTC().Format("2006-01-02") {
			metrics.CostCommittedMicros.Set(float64(committed))
		}
		if p.Limit <= 0 {
			continue
		}
		for _, pct := range g.cfg.Thresholds {
			if committed*100 < p.Limit*int64(pct) {
				continue
			}
			mark := fmt.Sprintf("%s%s:%d", alertMarkPrefix, p.Key, pct)
			first, err := g.store.SetIfAbsent(ctx, mark, "1", p.TTL)
			if err != nil || !first {
				continue
			}
			detail := fmt.Sprintf("committed %d of %d micro-dollars (%d%%)", committed, p.Limit, pct)
			log.Warn().Str("period", p.Key).Int("threshold_pct", pct).Msg("costguard: threshold crossed")
			if g.alerts != nil {
				if err := g.alerts.Publish(ctx, "cost_threshold", p.Key, detail); err != nil {
					log.Error().Err(err).Msg("costguard: alert publish failed")
				}
			}
		}
	}
}
