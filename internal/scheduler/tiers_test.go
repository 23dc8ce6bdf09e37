package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/taovault/taovault/internal/clients/taostats"
	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/services"
	testutil "github.com/taovault/taovault/internal/testing"
)

// stubRunner records passes and optionally blocks until released or
// the pass context is canceled.
type stubRunner struct {
	mu        sync.Mutex
	runs      map[domain.SyncTier]int
	block     chan struct{}
	outcome   func(tier domain.SyncTier) *services.SyncRun
	sawCancel bool
}

func newStubRunner() *stubRunner {
	return &stubRunner{runs: make(map[domain.SyncTier]int)}
}

func (f *stubRunner) Run(ctx context.Context, tier domain.SyncTier) *services.SyncRun {
	f.mu.Lock()
	f.runs[tier]++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			f.mu.Lock()
			f.sawCancel = true
			f.mu.Unlock()
		}
	}
	if f.outcome != nil {
		return f.outcome(tier)
	}
	return &services.SyncRun{ID: "stub", Tier: tier, StartedAt: time.Now()}
}

func (f *stubRunner) count(tier domain.SyncTier) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[tier]
}

func (f *stubRunner) canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sawCancel
}

type stubHint struct{ d time.Duration }

func (s stubHint) CurrentRetryAfter() time.Duration { return s.d }

func newTestSettings(t *testing.T) *settings.Repository {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "config")
	t.Cleanup(cleanup)
	return settings.NewRepository(db.Conn(), zerolog.Nop())
}

func TestNextDelay(t *testing.T) {
	base := 5 * time.Minute
	ceiling := 60 * time.Minute

	cases := []struct {
		name       string
		failures   int
		retryAfter time.Duration
		want       time.Duration
	}{
		{"first failure uses base", 1, 0, 5 * time.Minute},
		{"second failure doubles", 2, 0, 10 * time.Minute},
		{"fourth failure", 4, 0, 40 * time.Minute},
		{"clipped to ceiling", 5, 0, 60 * time.Minute},
		{"deep failure stays clipped", 12, 0, 60 * time.Minute},
		{"upstream hint wins when longer", 1, 7 * time.Minute, 7 * time.Minute},
		{"upstream hint clipped to ceiling", 1, 90 * time.Minute, 60 * time.Minute},
		{"exponential wins over short hint", 3, time.Minute, 20 * time.Minute},
		{"zero failures treated as one", 0, 0, 5 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, nextDelay(base, ceiling, tc.failures, tc.retryAfter))
		})
	}

	t.Run("degenerate bounds", func(t *testing.T) {
		require.Equal(t, time.Minute, nextDelay(0, 0, 1, 0))
		require.Equal(t, 5*time.Minute, nextDelay(5*time.Minute, time.Minute, 1, 0))
	})
}

func TestJobTimeout(t *testing.T) {
	require.Equal(t, 4*time.Minute+30*time.Second, jobTimeout(5*time.Minute))
	require.Equal(t, 30*time.Second, jobTimeout(30*time.Second))
	require.Equal(t, 50*time.Millisecond, jobTimeout(50*time.Millisecond))
}

func TestTriggerNowCoalescesActiveRun(t *testing.T) {
	runner := newStubRunner()
	runner.block = make(chan struct{})
	s := NewTierScheduler(runner, nil, newTestSettings(t), TierIntervals{
		Refresh: time.Hour, Full: time.Hour, Deep: time.Hour,
	}, zerolog.Nop())

	first := make(chan *services.SyncRun, 1)
	go func() {
		first <- s.TriggerNow(context.Background(), domain.TierRefresh)
	}()

	require.Eventually(t, func() bool {
		return runner.count(domain.TierRefresh) == 1
	}, time.Second, 5*time.Millisecond)

	// The tier is held; a concurrent trigger must coalesce without
	// reaching the runner.
	require.Nil(t, s.TriggerNow(context.Background(), domain.TierRefresh))
	require.Equal(t, 1, runner.count(domain.TierRefresh))

	close(runner.block)
	run := <-first
	require.NotNil(t, run)
	require.Equal(t, domain.TierRefresh, run.Tier)

	// Other tiers use their own locks and stay available throughout.
	require.NotNil(t, s.TriggerNow(context.Background(), domain.TierFull))
}

func TestSchedulerFiresEachTier(t *testing.T) {
	runner := newStubRunner()
	s := NewTierScheduler(runner, nil, newTestSettings(t), TierIntervals{
		Refresh: 15 * time.Millisecond,
		Full:    25 * time.Millisecond,
		Deep:    40 * time.Millisecond,
	}, zerolog.Nop())

	s.Start()
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		return runner.count(domain.TierRefresh) >= 2 &&
			runner.count(domain.TierFull) >= 1 &&
			runner.count(domain.TierDeep) >= 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRefreshBacksOffAfterRateLimit(t *testing.T) {
	runner := newStubRunner()
	runner.outcome = func(tier domain.SyncTier) *services.SyncRun {
		return &services.SyncRun{
			ID:        "stub",
			Tier:      tier,
			StartedAt: time.Now(),
			Errors:    []error{&taostats.RateLimitedError{RetryAfter: time.Hour}},
		}
	}
	s := NewTierScheduler(runner, stubHint{10 * time.Minute}, newTestSettings(t), TierIntervals{
		Refresh: 10 * time.Millisecond,
		Full:    time.Hour,
		Deep:    time.Hour,
	}, zerolog.Nop())

	s.Start()
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		return runner.count(domain.TierRefresh) == 1
	}, time.Second, 2*time.Millisecond)

	// The backoff settings default to minutes, so the loop must not
	// fire again inside the test window despite the short cadence.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, runner.count(domain.TierRefresh))
}

func TestRefreshKeepsCadenceOnCleanRuns(t *testing.T) {
	runner := newStubRunner()
	s := NewTierScheduler(runner, nil, newTestSettings(t), TierIntervals{
		Refresh: 10 * time.Millisecond,
		Full:    time.Hour,
		Deep:    time.Hour,
	}, zerolog.Nop())

	s.Start()
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		return runner.count(domain.TierRefresh) >= 3
	}, time.Second, 2*time.Millisecond)
}

func TestStopCancelsInFlightRun(t *testing.T) {
	runner := newStubRunner()
	runner.block = make(chan struct{}) // never closed; only ctx releases it
	s := NewTierScheduler(runner, nil, newTestSettings(t), TierIntervals{
		Refresh: 10 * time.Millisecond,
		Full:    time.Hour,
		Deep:    time.Hour,
	}, zerolog.Nop())

	s.Start()
	require.Eventually(t, func() bool {
		return runner.count(domain.TierRefresh) == 1
	}, time.Second, 2*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop(2 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return within the grace period")
	}
	require.True(t, runner.canceled())
}

func TestStartIsIdempotent(t *testing.T) {
	runner := newStubRunner()
	s := NewTierScheduler(runner, nil, newTestSettings(t), TierIntervals{
		Refresh: time.Hour, Full: time.Hour, Deep: time.Hour,
	}, zerolog.Nop())

	s.Start()
	s.Start() // second call must not spawn a duplicate set of loops
	s.Stop(time.Second)
	s.Stop(time.Second) // stop after stop is a no-op
}
