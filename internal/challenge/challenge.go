// Package challenge implements the replay-resistant challenge handshake.
// A token moves Unissued → Issued → Consumed | Expired; consumption is a
// single atomic store operation, so a token can never be spent twice even
// under concurrent validation. Issuance is rate-bounded per identifier to
// stop prefetch hoarding, and verification against the upstream provider
// degrades gracefully when the provider is down.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/admission-engine/internal/metrics"
	"github.com/developingchet/admission-engine/internal/ratelimit"
	"github.com/developingchet/admission-engine/internal/settings"
	"github.com/developingchet/admission-engine/internal/store"
)

// KeyPrefix namespaces challenge tokens in the store.
const KeyPrefix = "chal:"

// graceKey tracks the start of a provider outage so the accept-unverified
// window stays bounded.
const graceKey = "chal:provider-grace"

// RouteIssue is the rate-limit route class for token issuance; RouteStrict
// is the tighter class used once the provider grace window is exhausted.
const (
	RouteIssue  = "challenge-issue"
	RouteStrict = "challenge-issue-strict"
)

var (
	// ErrMissing: no such token (never issued, malformed, or purged).
	ErrMissing = errors.New("challenge: token missing")
	// ErrExpired: the token's lifetime elapsed before validation.
	ErrExpired = errors.New("challenge: token expired")
	// ErrAlreadyConsumed: the token was spent by an earlier validation.
	ErrAlreadyConsumed = errors.New("challenge: token already consumed")
	// ErrMismatch: the token is bound to a different fingerprint.
	ErrMismatch = errors.New("challenge: fingerprint mismatch")
	// ErrIssuanceLimited: the identifier is minting tokens too fast.
	ErrIssuanceLimited = errors.New("challenge: issuance rate exceeded")
	// ErrVerificationFailed: the provider rejected the client's solution.
	ErrVerificationFailed = errors.New("challenge: verification failed")
	// ErrProviderUnavailable: provider down and grace policy declined.
	ErrProviderUnavailable = errors.New("challenge: provider unavailable")
)

// IssuanceLimitedError carries the retry hint alongside ErrIssuanceLimited.
type IssuanceLimitedError struct {
	RetryAfter time.Duration
}

func (e *IssuanceLimitedError) Error() string {
	return fmt.Sprintf("challenge: issuance rate exceeded, retry in %s", e.RetryAfter)
}

func (e *IssuanceLimitedError) Is(target error) bool { return target == ErrIssuanceLimited }

// Token is an issued challenge. Value is what the client presents later:
// "<id>.<expiresUnix>". The embedded expiry is advisory (the store TTL is
// authoritative); it only serves to report ErrExpired precisely without a
// store round trip.
type Token struct {
	ID        string
	Value     string
	ExpiresAt time.Time
}

// Config carries compiled fallbacks for the challenge service.
type Config struct {
	Validity          time.Duration // token lifetime
	GraceWindow       time.Duration // bounded accept-unverified window
	IssuancePerMinute int64         // informational; limits flow through ratelimit
}

// Service issues and validates challenge tokens.
type Service struct {
	store    store.Atomic
	settings *settings.Cache
	limiter  *ratelimit.Limiter
	verifier Verifier // nil = no upstream provider configured
	cfg      Config
	now      func() time.Time
}

// New builds the challenge service. verifier may be nil for deployments
// without an upstream provider; tokens are then issued on rate limits
// alone.
func New(st store.Atomic, sc *settings.Cache, lim *ratelimit.Limiter, verifier Verifier, cfg Config) *Service {
	if cfg.Validity <= 0 {
		cfg.Validity = 5 * time.Minute
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 15 * time.Minute
	}
	return &Service{store: st, settings: sc, limiter: lim, verifier: verifier, cfg: cfg, now: time.Now}
}

// SetNow overrides the clock; test helper.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Issue mints a single-use token bound to fp after the client's provider
// response checks out (or the grace policy waives it). providerResponse is
// the opaque blob the client got from solving the out-of-band challenge.
func (s *Service) Issue(ctx context.Context, fp, providerResponse, remoteIP string) (Token, error) {
	rl, err := s.limiter.Allow(ctx, fp, RouteIssue)
	if err != nil {
		return Token{}, fmt.Errorf("challenge: issuance limit: %w", err)
	}
	if !rl.Allowed {
		return Token{}, &IssuanceLimitedError{RetryAfter: rl.RetryAfter}
	}

	state := "unverified"
	if s.verifier != nil {
		switch err := s.verifier.Verify(ctx, providerResponse, remoteIP); {
		case err == nil:
			state = "verified"
		case errors.Is(err, ErrVerificationFailed):
			return Token{}, err
		case errors.Is(err, ErrProviderUnavailable):
			state, err = s.applyGrace(ctx, fp)
			if err != nil {
				return Token{}, err
			}
		default:
			return Token{}, fmt.Errorf("challenge: verify: %w", err)
		}
	}

	validity := s.settings.Duration(ctx, "challenge.ttl", s.cfg.Validity)
	id := uuid.NewString()
	exp := s.now().Add(validity)
	if err := s.store.PutToken(ctx, KeyPrefix+id, fp, validity); err != nil {
		metrics.StoreErrors.WithLabelValues("challenge").Inc()
		return Token{}, fmt.Errorf("challenge: issue: %w", err)
	}

	metrics.ChallengesIssued.WithLabelValues(state).Inc()
	return Token{
		ID:        id,
		Value:     id + "." + strconv.FormatInt(exp.Unix(), 10),
		ExpiresAt: exp,
	}, nil
}

// applyGrace decides what a provider outage means for this issuance.
// Modes (live setting challenge.grace_mode): "issue" accepts unverifiable
// challenges while the bounded grace window is open, "restrict" keeps
// issuing under a much tighter rate class, "deny" refuses outright.
func (s *Service) applyGrace(ctx context.Context, fp string) (string, error) {
	mode := s.settings.String(ctx, "challenge.grace_mode", "issue")
	window := s.settings.Duration(ctx, "challenge.grace_window", s.cfg.GraceWindow)

	switch mode {
	case "issue":
		open, err := s.graceWindowOpen(ctx, window)
		if err != nil {
			// Can't even track the outage window: the store is the same
			// dependency everything else degrades on. Accept; the rate
			// limiter is still the backstop.
			log.Warn().Err(err).Msg("challenge: grace tracking unavailable, accepting")
			return "grace", nil
		}
		if open {
			return "grace", nil
		}
		// Window exhausted: degrade to the strict issuance class.
		fallthrough
	case "restrict":
		rl, err := s.limiter.Allow(ctx, fp, RouteStrict)
		if err != nil {
			return "", fmt.Errorf("challenge: strict limit: %w", err)
		}
		if !rl.Allowed {
			return "", &IssuanceLimitedError{RetryAfter: rl.RetryAfter}
		}
		return "restricted", nil
	default: // "deny"
		return "", ErrProviderUnavailable
	}
}

// graceWindowOpen reports whether the current provider outage is still
// inside its bounded accept window. The window start is recorded once per
// outage; the key's extended TTL lets a fresh outage open a fresh window.
func (s *Service) graceWindowOpen(ctx context.Context, window time.Duration) (bool, error) {
	now := s.now()
	startVal := strconv.FormatInt(now.Unix(), 10)
	set, err := s.store.SetIfAbsent(ctx, graceKey, startVal, 2*window)
	if err != nil {
		return false, err
	}
	if set {
		return true, nil
	}
	raw, ok, err := s.store.Get(ctx, graceKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	start, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true, nil
	}
	return now.Before(time.Unix(start, 0).Add(window)), nil
}

// Validate consumes the token for fp. Exactly one concurrent Validate of
// the same token can succeed. On store outage the default is fail-closed
// (a replayable challenge defeats its own purpose), overridable via the
// challenge.fail_open setting.
func (s *Service) Validate(ctx context.Context, tokenValue, fp string) error {
	if strings.TrimSpace(tokenValue) == "" {
		metrics.ChallengesValidated.WithLabelValues("missing").Inc()
		return ErrMissing
	}
	id, exp, ok := parseToken(tokenValue)
	if !ok {
		metrics.ChallengesValidated.WithLabelValues("missing").Inc()
		return ErrMissing
	}
	if s.now().After(exp) {
		metrics.ChallengesValidated.WithLabelValues("expired").Inc()
		return ErrExpired
	}

	st, err := s.store.ConsumeToken(ctx, KeyPrefix+id, fp)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("challenge").Inc()
		if store.Unavailable(err) && s.settings.Bool(ctx, "challenge.fail_open", false) {
			log.Warn().Err(err).Msg("challenge: store unavailable, accepting unverified token")
			return nil
		}
		return fmt.Errorf("challenge: validate: %w", err)
	}

	switch st {
	case store.ConsumeOK:
		metrics.ChallengesValidated.WithLabelValues("ok").Inc()
		return nil
	case store.ConsumeSpent:
		metrics.ChallengesValidated.WithLabelValues("consumed").Inc()
		return ErrAlreadyConsumed
	case store.ConsumeMismatch:
		metrics.ChallengesValidated.WithLabelValues("mismatch").Inc()
		return ErrMismatch
	default:
		// No record although the embedded expiry claims the token should
		// still live: it was never issued here (or the expiry is forged).
		metrics.ChallengesValidated.WithLabelValues("missing").Inc()
		return ErrMissing
	}
}

func parseToken(v string) (id string, exp time.Time, ok bool) {
	i := strings.LastIndexByte(v, '.')
	if i <= 0 || i == len(v)-1 {
		return "", time.Time{}, false
	}
	id = v[:i]
	if _, err := uuid.Parse(id); err != nil {
		return "", time.Time{}, false
	}
	sec, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return id, time.Unix(sec, 0), true
}
