// Package bans escalates consequences for identifiers that repeatedly
// trip the limiter, fail challenges, or get flagged by the cost guard.
// Tiers advance Clean → Warned → ShortBan → LongBan → Permanent as
// violations accumulate inside a rolling observation window; the window
// TTL refreshes on every violation, so only a full clean period resets
// the count (and with it the tier) back to Clean.
package bans

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/admission-engine/internal/metrics"
	"github.com/developingchet/admission-engine/internal/settings"
	"github.com/developingchet/admission-engine/internal/store"
)

// Store key namespaces.
const (
	BanPrefix       = "ban:"
	ViolationPrefix = "viol:"
)

// Tier is the escalation level of an identifier.
type Tier int

const (
	TierClean Tier = iota
	TierWarned
	TierShort
	TierLong
	TierPermanent
)

func (t Tier) String() string {
	switch t {
	case TierWarned:
		return "warned"
	case TierShort:
		return "short"
	case TierLong:
		return "long"
	case TierPermanent:
		return "permanent"
	default:
		return "clean"
	}
}

// Status is a point-in-time view of an identifier's standing.
type Status struct {
	Tier       Tier
	Remaining  time.Duration
	Indefinite bool
	Violations int64
	Degraded   bool // store was unreachable; tier is assumed, not known
}

// Blocking reports whether the status short-circuits admission. A warning
// is recorded but does not block.
func (s Status) Blocking() bool {
	return s.Tier >= TierShort && (s.Indefinite || s.Remaining > 0)
}

// AlertSink receives permanent-ban notifications.
type AlertSink interface {
	Publish(ctx context.Context, kind, subject, detail string) error
}

// Config carries compiled fallbacks for the tracker. Violation counts map
// to tiers via thresholds: WarnAt ≤ ShortAt ≤ LongAt ≤ PermanentAt.
type Config struct {
	ObservationWindow time.Duration // clean period, default 24h
	ShortDuration     time.Duration // default 15m
	LongDuration      time.Duration // default 24h
	WarnAt            int64         // default 1
	ShortAt           int64         // default 3
	LongAt            int64         // default 4
	PermanentAt       int64         // default 5
}

func (c *Config) fill() {
	if c.ObservationWindow <= 0 {
		c.ObservationWindow = 24 * time.Hour
	}
	if c.ShortDuration <= 0 {
		c.ShortDuration = 15 * time.Minute
	}
	if c.LongDuration <= 0 {
		c.LongDuration = 24 * time.Hour
	}
	if c.WarnAt <= 0 {
		c.WarnAt = 1
	}
	if c.ShortAt <= 0 {
		c.ShortAt = 3
	}
	if c.LongAt <= 0 {
		c.LongAt = c.ShortAt + 1
	}
	if c.PermanentAt <= 0 {
		c.PermanentAt = c.LongAt + 1
	}
}

// Tracker is the progressive ban state machine over the shared store.
type Tracker struct {
	store    store.Atomic
	settings *settings.Cache
	alerts   AlertSink // may be nil
	cfg      Config
}

// New builds a Tracker. alerts may be nil.
func New(st store.Atomic, sc *settings.Cache, alerts AlertSink, cfg Config) *Tracker {
	cfg.fill()
	return &Tracker{store: st, settings: sc, alerts: alerts, cfg: cfg}
}

// Status reads the identifier's current standing. On store outage the
// tracker fails open by default (assume Clean): blanket-banning all
// traffic because the ban store blipped would be worse than briefly
// under-enforcing, and the other components degrade on their own terms.
func (t *Tracker) Status(ctx context.Context, fp string) (Status, error) {
	st, err := t.store.BanStatus(ctx, BanPrefix+fp)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bans").Inc()
		if store.Unavailable(err) && t.settings.Bool(ctx, "ban.fail_open", true) {
			log.Warn().Err(err).Msg("bans: store unavailable, assuming clean")
			return Status{Degraded: true}, nil
		}
		return Status{}, fmt.Errorf("bans: status: %w", err)
	}
	return Status{
		Tier:       Tier(st.Tier),
		Remaining:  st.Remaining,
		Indefinite: st.Indefinite,
	}, nil
}

// RecordViolation counts one violation of the given kind against fp and
// escalates the tier when a threshold is crossed. Returns the resulting
// status. Safe under concurrency: the count is atomic and a racing lower
// tier can never overwrite a higher one.
func (t *Tracker) RecordViolation(ctx context.Context, fp, kind string) (Status, error) {
	window := t.settings.Duration(ctx, "ban.observation_window", t.cfg.ObservationWindow)
	count, err := t.store.IncrViolations(ctx, ViolationPrefix+fp, window)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("bans").Inc()
		if store.Unavailable(err) {
			// Nothing to escalate against; the violation is lost. The
			// admission decision that triggered it already stands.
			return Status{Degraded: true}, nil
		}
		return Status{}, fmt.Errorf("bans: violation: %w", err)
	}

	tier, duration := t.tierFor(ctx, count, window)
	if tier > TierClean {
		applied, err := t.store.ApplyBan(ctx, BanPrefix+fp, int(tier), kind, duration)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("bans").Inc()
			return Status{Violations: count, Degraded: true}, nil
		}
		if applied {
			metrics.BanEscalations.WithLabelValues(tier.String()).Inc()
			log.Info().
				Str("fp", fp).
				Str("kind", kind).
				Int64("violations", count).
				Str("tier", tier.String()).
				Msg("ban escalated")
			if tier == TierPermanent && t.alerts != nil {
				detail := fmt.Sprintf("identifier reached permanent ban after %d violations (last: %s)", count, kind)
				if err := t.alerts.Publish(ctx, "permanent_ban", fp, detail); err != nil {
					log.Error().Err(err).Msg("bans: alert publish failed")
				}
			}
		}
	}

	return t.statusAfter(ctx, fp, count)
}

// Clear lifts a ban and wipes the violation count; the operator unban path.
func (t *Tracker) Clear(ctx context.Context, fp string) error {
	if err := t.store.Del(ctx, BanPrefix+fp); err != nil {
		return fmt.Errorf("bans: clear ban: %w", err)
	}
	if err := t.store.Del(ctx, ViolationPrefix+fp); err != nil {
		return fmt.Errorf("bans: clear violations: %w", err)
	}
	return nil
}

func (t *Tracker) tierFor(ctx context.Context, count int64, window time.Duration) (Tier, time.Duration) {
	shortAt := t.settings.Int64(ctx, "ban.short_threshold", t.cfg.ShortAt)
	longAt := t.settings.Int64(ctx, "ban.long_threshold", t.cfg.LongAt)
	permAt := t.settings.Int64(ctx, "ban.permanent_threshold", t.cfg.PermanentAt)

	switch {
	case count >= permAt:
		return TierPermanent, 0 // indefinite, pending manual review
	case count >= longAt:
		return TierLong, t.settings.Duration(ctx, "ban.long_duration", t.cfg.LongDuration)
	case count >= shortAt:
		return TierShort, t.settings.Duration(ctx, "ban.short_duration", t.cfg.ShortDuration)
	case count >= t.cfg.WarnAt:
		// The warning record lives as long as the observation window; it
		// marks standing without blocking.
		return TierWarned, window
	default:
		return TierClean, 0
	}
}

func (t *Tracker) statusAfter(ctx context.Context, fp string, count int64) (Status, error) {
	st, err := t.Status(ctx, fp)
	if err != nil {
		return Status{Violations: count}, err
	}
	st.Violations = count
	return st, nil
}
