// Package gate composes the admission pipeline: fingerprint, ban check,
// sliding-window rate limit, challenge validation, cost reservation. The
// stages run in fixed order so the cheap checks shed load before the
// expensive ones, and an active ban short-circuits everything.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/admission-engine/internal/bans"
	"github.com/developingchet/admission-engine/internal/challenge"
	"github.com/developingchet/admission-engine/internal/costguard"
	"github.com/developingchet/admission-engine/internal/fingerprint"
	"github.com/developingchet/admission-engine/internal/metrics"
	"github.com/developingchet/admission-engine/internal/ratelimit"
	"github.com/developingchet/admission-engine/internal/settings"
)

// Decision reason codes. These are the only admission internals a client
// ever sees; thresholds and counts stay server-side.
const (
	ReasonOK                = "ok"
	ReasonInvalidRequest    = "invalid_request"
	ReasonBanned            = "banned"
	ReasonRateLimited       = "rate_limited"
	ReasonChallengeRequired = "challenge_required"
	ReasonChallengeInvalid  = "challenge_invalid"
	ReasonBudgetExhausted   = "budget_exhausted"
)

// Request is one admission question.
type Request struct {
	Signals        fingerprint.Inputs
	Route          string // route class, e.g. "query"
	ChallengeToken string // optional; validated when present or required
	EstimatedCost  int64  // micro-dollars; 0 skips the cost stage
}

// Decision is the gate's answer.
type Decision struct {
	Allow         bool
	Reason        string
	RetryAfter    time.Duration // nonzero only for retryable rejections
	Fingerprint   string
	ReservationID string // settle with CommitUsage or ReleaseReservation
	Degraded      bool   // some stage decided on policy during a store outage
}

// Gate wires the admission stages together.
type Gate struct {
	settings   *settings.Cache
	limiter    *ratelimit.Limiter
	challenges *challenge.Service
	costs      *costguard.Guard
	bans       *bans.Tracker
	now        func() time.Time
}

// New builds a Gate over already-constructed stage components.
func New(sc *settings.Cache, lim *ratelimit.Limiter, ch *challenge.Service, cg *costguard.Guard, bt *bans.Tracker) *Gate {
	return &Gate{
		settings:   sc,
		limiter:    lim,
		challenges: ch,
		costs:      cg,
		bans:       bt,
		now:        time.Now,
	}
}

// SetNow overrides the clock; test helper.
func (g *Gate) SetNow(now func() time.Time) { g.now = now }

// Check runs the full admission pipeline for one request. A denial from
// the rate, challenge, or cost stage also counts as a ban violation; the
// ban short-circuit itself does not, so a banned client hammering the
// gate serves out its sentence instead of extending it forever.
func (g *Gate) Check(ctx context.Context, req Request) (Decision, error) {
	fp, err := fingerprint.Derive(req.Signals)
	if err != nil {
		metrics.Decisions.WithLabelValues(ReasonInvalidRequest).Inc()
		return Decision{Reason: ReasonInvalidRequest}, nil
	}
	d := Decision{Fingerprint: fp.String()}

	ban, err := g.bans.Status(ctx, fp.String())
	if err != nil {
		return d, fmt.Errorf("gate: ban check: %w", err)
	}
	d.Degraded = d.Degraded || ban.Degraded
	if ban.Blocking() {
		d.Reason = ReasonBanned
		if !ban.Indefinite {
			d.RetryAfter = ban.Remaining
		}
		metrics.Decisions.WithLabelValues(ReasonBanned).Inc()
		return d, nil
	}

	rl, err := g.limiter.Allow(ctx, fp.String(), req.Route)
	if err != nil {
		return d, fmt.Errorf("gate: rate limit: %w", err)
	}
	d.Degraded = d.Degraded || rl.Degraded
	if !rl.Allowed {
		d.Reason = ReasonRateLimited
		d.RetryAfter = rl.RetryAfter
		g.violation(ctx, fp.String(), "rate_limit")
		metrics.Decisions.WithLabelValues(ReasonRateLimited).Inc()
		return d, nil
	}

	if stop, err := g.challengeStage(ctx, &d, req, fp.String()); stop || err != nil {
		return d, err
	}

	if req.EstimatedCost > 0 {
		res, err := g.costs.Reserve(ctx, req.EstimatedCost)
		if err != nil {
			if errors.Is(err, costguard.ErrBudgetExceeded) {
				d.Reason = ReasonBudgetExhausted
				d.RetryAfter = untilNextHour(g.now())
				g.violation(ctx, fp.String(), "cost")
				metrics.Decisions.WithLabelValues(ReasonBudgetExhausted).Inc()
				return d, nil
			}
			return d, fmt.Errorf("gate: cost reserve: %w", err)
		}
		d.ReservationID = res.ID
	}

	d.Allow = true
	d.Reason = ReasonOK
	metrics.Decisions.WithLabelValues(ReasonOK).Inc()
	return d, nil
}

// challengeStage validates the presented token, or demands one when the
// route class requires it. stop is true when the pipeline must not
// continue (d carries the rejection).
func (g *Gate) challengeStage(ctx context.Context, d *Decision, req Request, fp string) (stop bool, err error) {
	required := g.settings.Bool(ctx, "challenge.require."+req.Route, false)
	if req.ChallengeToken == "" {
		if !required {
			return false, nil
		}
		// Not abuse, just homework: the client is told to go solve a
		// challenge, no violation recorded.
		d.Reason = ReasonChallengeRequired
		metrics.Decisions.WithLabelValues(ReasonChallengeRequired).Inc()
		return true, nil
	}

	switch err := g.challenges.Validate(ctx, req.ChallengeToken, fp); {
	case err == nil:
		return false, nil
	case errors.Is(err, challenge.ErrMissing),
		errors.Is(err, challenge.ErrExpired),
		errors.Is(err, challenge.ErrAlreadyConsumed),
		errors.Is(err, challenge.ErrMismatch):
		d.Reason = ReasonChallengeInvalid
		g.violation(ctx, fp, "challenge")
		metrics.Decisions.WithLabelValues(ReasonChallengeInvalid).Inc()
		return true, nil
	default:
		return true, fmt.Errorf("gate: challenge: %w", err)
	}
}

// CommitUsage settles a granted reservation at its actual cost.
func (g *Gate) CommitUsage(ctx context.Context, reservationID string, actual int64) error {
	if reservationID == "" {
		return nil
	}
	return g.costs.Commit(ctx, &costguard.Reservation{ID: reservationID}, actual)
}

// ReleaseReservation drops a granted reservation without spend; the
// explicit abort path. Rate-limit increments are never rolled back.
func (g *Gate) ReleaseReservation(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	return g.costs.Release(ctx, &costguard.Reservation{ID: reservationID})
}

// Unban clears an identifier's ban and violation history.
func (g *Gate) Unban(ctx context.Context, fp string) error {
	return g.bans.Clear(ctx, fp)
}

func (g *Gate) violation(ctx context.Context, fp, kind string) {
	if _, err := g.bans.RecordViolation(ctx, fp, kind); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("gate: violation record failed")
	}
}

// untilNextHour hints when a fresh hourly budget opens. The daily ledger
// may still bind, but the hour boundary is the earliest possible retry.
func untilNextHour(now time.Time) time.Duration {
	now = now.UTC()
	next := now.Truncate(time.Hour).Add(time.Hour)
	ra := next.Sub(now)
	if ra < time.Second {
		ra = time.Second
	}
	return ra
}
