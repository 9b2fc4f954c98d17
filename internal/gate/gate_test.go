package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/admission-engine/internal/bans"
	"github.com/developingchet/admission-engine/internal/challenge"
	"github.com/developingchet/admission-engine/internal/costguard"
	"github.com/developingchet/admission-engine/internal/fingerprint"
	"github.com/developingchet/admission-engine/internal/ratelimit"
	"github.com/developingchet/admission-engine/internal/settings"
	"github.com/developingchet/admission-engine/internal/store"
)

type fixture struct {
	gate  *Gate
	ch    *challenge.Service
	costs *costguard.Guard
	mem   *store.MemStore
	sc    *settings.Cache
	now   time.Time
}

type fixtureOpts struct {
	perMinute int64
	daily     int64
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	if opts.perMinute == 0 {
		opts.perMinute = 100
	}
	if opts.daily == 0 {
		opts.daily = 1_000_000
	}

	mem := store.NewMemStore()
	sc := settings.New(mem, nil, time.Minute)
	lim := ratelimit.New(mem, sc, ratelimit.Policy{PerMinute: opts.perMinute, FailOpen: true})
	ch := challenge.New(mem, sc, lim, nil, challenge.Config{Validity: 5 * time.Minute})
	costs := costguard.New(mem, sc, nil, costguard.Config{DailyLimitMicros: opts.daily})
	tracker := bans.New(mem, sc, nil, bans.Config{})

	f := &fixture{
		gate:  New(sc, lim, ch, costs, tracker),
		ch:    ch,
		costs: costs,
		mem:   mem,
		sc:    sc,
		now:   time.Unix(1_700_000_000, 0).Truncate(time.Minute).Add(5 * time.Second),
	}
	clock := func() time.Time { return f.now }
	f.gate.SetNow(clock)
	lim.SetNow(clock)
	ch.SetNow(clock)
	costs.SetNow(clock)
	mem.SetNow(clock)
	return f
}

func signals(ip, ua string) fingerprint.Inputs {
	return fingerprint.Inputs{
		RemoteAddr:     ip + ":51234",
		UserAgent:      ua,
		AcceptLanguage: "en-US,en;q=0.9",
	}
}

func TestCheck_AllowsAndReserves(t *testing.T) {
	f := newFixture(t, fixtureOpts{daily: 100})
	ctx := context.Background()

	d, err := f.gate.Check(ctx, Request{Signals: signals("203.0.113.7", "curl"), Route: "query", EstimatedCost: 60})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, ReasonOK, d.Reason)
	assert.NotEmpty(t, d.Fingerprint)
	require.NotEmpty(t, d.ReservationID)

	require.NoError(t, f.gate.CommitUsage(ctx, d.ReservationID, 45))
	rem, err := f.costs.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(55), rem)
}

func TestCheck_NoCostStageWithoutEstimate(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	d, err := f.gate.Check(context.Background(), Request{Signals: signals("203.0.113.7", "curl"), Route: "query"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Empty(t, d.ReservationID)
}

func TestCheck_InvalidSignals(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	d, err := f.gate.Check(context.Background(), Request{Route: "query"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonInvalidRequest, d.Reason)
}

func TestCheck_RateLimitDeniesThenBans(t *testing.T) {
	f := newFixture(t, fixtureOpts{perMinute: 2})
	ctx := context.Background()
	req := Request{Signals: signals("203.0.113.7", "curl"), Route: "query"}

	for i := 0; i < 2; i++ {
		d, err := f.gate.Check(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Allow)
	}

	// Denials 1 and 2 are plain rate rejections with a retry hint.
	for i := 0; i < 2; i++ {
		d, err := f.gate.Check(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, ReasonRateLimited, d.Reason)
		assert.Greater(t, d.RetryAfter, time.Duration(0))
	}

	// The third violation crosses the short-ban threshold; from here the
	// ban short-circuits before the limiter even runs.
	d, err := f.gate.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	d, err = f.gate.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ReasonBanned, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestCheck_OtherIdentifiersUnaffectedByBan(t *testing.T) {
	f := newFixture(t, fixtureOpts{perMinute: 1})
	ctx := context.Background()

	noisy := Request{Signals: signals("203.0.113.7", "curl"), Route: "query"}
	quiet := Request{Signals: signals("198.51.100.9", "firefox"), Route: "query"}

	_, err := f.gate.Check(ctx, noisy)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = f.gate.Check(ctx, noisy)
		require.NoError(t, err)
	}

	d, err := f.gate.Check(ctx, quiet)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestCheck_ChallengeFlow(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	sig := signals("203.0.113.7", "curl")

	require.NoError(t, f.mem.Set(ctx, settings.Prefix+"challenge.require.query", "true", 0))

	// No token: told to solve, not punished.
	d, err := f.gate.Check(ctx, Request{Signals: sig, Route: "query"})
	require.NoError(t, err)
	assert.Equal(t, ReasonChallengeRequired, d.Reason)

	fp, err := fingerprint.Derive(sig)
	require.NoError(t, err)
	tok, err := f.ch.Issue(ctx, fp.String(), "", "")
	require.NoError(t, err)

	d, err = f.gate.Check(ctx, Request{Signals: sig, Route: "query", ChallengeToken: tok.Value})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	// The token was consumed by the successful admission; replay rejects.
	d, err = f.gate.Check(ctx, Request{Signals: sig, Route: "query", ChallengeToken: tok.Value})
	require.NoError(t, err)
	assert.Equal(t, ReasonChallengeInvalid, d.Reason)
}

func TestCheck_ChallengeTokenFromOtherClientRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	fpA, err := fingerprint.Derive(signals("203.0.113.7", "curl"))
	require.NoError(t, err)
	tok, err := f.ch.Issue(ctx, fpA.String(), "", "")
	require.NoError(t, err)

	d, err := f.gate.Check(ctx, Request{
		Signals:        signals("198.51.100.9", "firefox"),
		Route:          "query",
		ChallengeToken: tok.Value,
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonChallengeInvalid, d.Reason)
}

func TestCheck_BudgetExhausted(t *testing.T) {
	f := newFixture(t, fixtureOpts{daily: 100})
	ctx := context.Background()

	d, err := f.gate.Check(ctx, Request{Signals: signals("203.0.113.7", "curl"), Route: "query", EstimatedCost: 60})
	require.NoError(t, err)
	require.True(t, d.Allow)

	d, err = f.gate.Check(ctx, Request{Signals: signals("198.51.100.9", "firefox"), Route: "query", EstimatedCost: 60})
	require.NoError(t, err)
	assert.Equal(t, ReasonBudgetExhausted, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestReleaseReservation_FreesBudget(t *testing.T) {
	f := newFixture(t, fixtureOpts{daily: 100})
	ctx := context.Background()

	d, err := f.gate.Check(ctx, Request{Signals: signals("203.0.113.7", "curl"), Route: "query", EstimatedCost: 100})
	require.NoError(t, err)
	require.True(t, d.Allow)

	require.NoError(t, f.gate.ReleaseReservation(ctx, d.ReservationID))

	d, err = f.gate.Check(ctx, Request{Signals: signals("198.51.100.9", "firefox"), Route: "query", EstimatedCost: 100})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestUnban_RestoresAdmission(t *testing.T) {
	f := newFixture(t, fixtureOpts{perMinute: 1})
	ctx := context.Background()
	req := Request{Signals: signals("203.0.113.7", "curl"), Route: "query"}

	var d Decision
	var err error
	for i := 0; i < 5; i++ {
		d, err = f.gate.Check(ctx, req)
		require.NoError(t, err)
	}
	require.Equal(t, ReasonBanned, d.Reason)

	require.NoError(t, f.gate.Unban(ctx, d.Fingerprint))

	// Fresh minute so the rate window is clean too.
	f.now = f.now.Add(2 * time.Minute)
	d, err = f.gate.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestCheck_StoreDownFailsOpenByDefault(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	f.mem.SetDown(true)
	d, err := f.gate.Check(ctx, Request{Signals: signals("203.0.113.7", "curl"), Route: "query"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.True(t, d.Degraded)
}
