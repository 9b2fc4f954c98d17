package costguard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/admission-engine/internal/settings"
	"github.com/developingchet/admission-engine/internal/store"
)

// recordingSink captures published alerts.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Publish(_ context.Context, kind, subject, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+"|"+subject)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	guard *Guard
	mem   *store.MemStore
	sc    *settings.Cache
	sink  *recordingSink
	now   time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mem := store.NewMemStore()
	sc := settings.New(mem, nil, time.Minute)
	sink := &recordingSink{}
	f := &fixture{
		guard: New(mem, sc, sink, cfg),
		mem:   mem,
		sc:    sc,
		sink:  sink,
		now:   time.Date(2025, 12, 18, 10, 30, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.guard.SetNow(clock)
	mem.SetNow(clock)
	return f
}

func TestReserveCommit_Lifecycle(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 100})
	ctx := context.Background()

	res, err := f.guard.Reserve(ctx, 60)
	require.NoError(t, err)
	require.NotNil(t, res)

	require.NoError(t, f.guard.Commit(ctx, res, 45))

	rem, err := f.guard.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(55), rem)
}

func TestReserve_DeniedWhenOverLimit(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 100})
	ctx := context.Background()

	res, err := f.guard.Reserve(ctx, 60)
	require.NoError(t, err)

	// 60 reserved: another 60 cannot fit even though nothing is committed.
	_, err = f.guard.Reserve(ctx, 60)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	// Releasing the hold frees the headroom again.
	require.NoError(t, f.guard.Release(ctx, res))
	_, err = f.guard.Reserve(ctx, 60)
	assert.NoError(t, err)
}

// TestReserve_ConcurrentOverflow: daily limit 100, eight concurrent
// 60-unit estimates, exactly one may win.
func TestReserve_ConcurrentOverflow(t *testing.T) {
	const callers = 8
	f := newFixture(t, Config{DailyLimitMicros: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.guard.Reserve(ctx, 60); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestHourlyLedgerAlsoBinds(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 1000, HourlyLimitMicros: 50})
	ctx := context.Background()

	_, err := f.guard.Reserve(ctx, 40)
	require.NoError(t, err)
	_, err = f.guard.Reserve(ctx, 40)
	assert.ErrorIs(t, err, ErrBudgetExceeded, "hourly limit must bind before the daily one")
}

func TestPeriodRollover(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 100})
	ctx := context.Background()

	res, err := f.guard.Reserve(ctx, 100)
	require.NoError(t, err)
	require.NoError(t, f.guard.Commit(ctx, res, 100))

	_, err = f.guard.Reserve(ctx, 1)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// Next day: a fresh ledger.
	f.now = f.now.Add(24 * time.Hour)
	_, err = f.guard.Reserve(ctx, 100)
	assert.NoError(t, err)
}

func TestThresholdAlert_FiresOncePerPeriod(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 100, Thresholds: []int{80}})
	ctx := context.Background()

	res, err := f.guard.Reserve(ctx, 50)
	require.NoError(t, err)
	require.NoError(t, f.guard.Commit(ctx, res, 50))
	assert.Equal(t, 0, f.sink.count(), "below threshold")

	res, err = f.guard.Reserve(ctx, 30)
	require.NoError(t, err)
	require.NoError(t, f.guard.Commit(ctx, res, 30))
	assert.Equal(t, 1, f.sink.count(), "80% crossed")

	res, err = f.guard.Reserve(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, f.guard.Commit(ctx, res, 10))
	assert.Equal(t, 1, f.sink.count(), "must not re-fire within the period")

	// A new period gets its own one-shot.
	f.now = f.now.Add(24 * time.Hour)
	res, err = f.guard.Reserve(ctx, 90)
	require.NoError(t, err)
	require.NoError(t, f.guard.Commit(ctx, res, 90))
	assert.Equal(t, 2, f.sink.count())
}

func TestCommit_IdempotentSettlement(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 100})
	ctx := context.Background()

	res, err := f.guard.Reserve(ctx, 60)
	require.NoError(t, err)
	require.NoError(t, f.guard.Commit(ctx, res, 40))

	// A duplicate settle (retry after a timeout, say) must not double-count.
	require.NoError(t, f.guard.Commit(ctx, res, 40))
	require.NoError(t, f.guard.Release(ctx, res))

	rem, err := f.guard.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), rem)
}

func TestReserve_FailsClosedOnOutage(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 100})
	ctx := context.Background()

	f.mem.SetDown(true)
	_, err := f.guard.Reserve(ctx, 10)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestReserve_FailOpenOverride(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 100})
	ctx := context.Background()

	require.NoError(t, f.mem.Set(ctx, settings.Prefix+"cost.fail_open", "true", 0))
	// Prime the cache, then cut the store.
	require.True(t, f.sc.Bool(ctx, "cost.fail_open", false))
	f.mem.SetDown(true)

	res, err := f.guard.Reserve(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, res)

	// A degraded reservation settles as a no-op.
	assert.NoError(t, f.guard.Commit(ctx, res, 10))
	assert.NoError(t, f.guard.Release(ctx, res))
}

func TestReserve_RejectsNonPositiveEstimate(t *testing.T) {
	f := newFixture(t, Config{DailyLimitMicros: 100})
	_, err := f.guard.Reserve(context.Background(), 0)
	assert.Error(t, err)
}
