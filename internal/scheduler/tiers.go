// Package scheduler drives the periodic work: the three sync tiers on
// their own timers, and the calendar maintenance jobs on a cron table.
//
// Each tier runs in one goroutine around a time.Timer that is re-armed
// only after the pass returns, so a slow pass never overlaps itself.
// Manual triggers share a per-tier mutex with the loop; a trigger that
// arrives while a pass is active is coalesced, never queued.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/services"
)

// TierRunner executes one sync pass. Satisfied by *services.SyncService.
type TierRunner interface {
	Run(ctx context.Context, tier domain.SyncTier) *services.SyncRun
}

// RetryHintSource reports the upstream-requested rate-limit hold, if
// any. Satisfied by *taostats.Client.
type RetryHintSource interface {
	CurrentRetryAfter() time.Duration
}

// TierIntervals carries the cadence for each sync tier.
type TierIntervals struct {
	Refresh time.Duration
	Full    time.Duration
	Deep    time.Duration
}

// TierScheduler owns the three sync loops. The refresh tier backs off
// exponentially while the upstream rate-limits us; full and deep keep
// their fixed cadence and rely on in-run error handling.
type TierScheduler struct {
	runner    TierRunner
	retryHint RetryHintSource
	settings  *settings.Repository
	intervals TierIntervals

	locks map[domain.SyncTier]*sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	stopped bool
	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewTierScheduler creates the tier scheduler. The retry hint source
// may be nil; backoff then relies on the exponential term alone.
func NewTierScheduler(runner TierRunner, retryHint RetryHintSource, settingsRepo *settings.Repository, intervals TierIntervals, log zerolog.Logger) *TierScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TierScheduler{
		runner:    runner,
		retryHint: retryHint,
		settings:  settingsRepo,
		intervals: intervals,
		locks: map[domain.SyncTier]*sync.Mutex{
			domain.TierRefresh: {},
			domain.TierFull:    {},
			domain.TierDeep:    {},
		},
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		log:    log.With().Str("component", "tier_scheduler").Logger(),
	}
}

// Start launches the three tier loops.
func (s *TierScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !s.stopped {
		s.log.Warn().Msg("tier scheduler already started, ignoring")
		return
	}
	if s.stopped {
		s.stop = make(chan struct{})
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.stopped = false
	}
	s.started = true

	s.log.Info().
		Dur("refresh", s.intervals.Refresh).
		Dur("full", s.intervals.Full).
		Dur("deep", s.intervals.Deep).
		Msg("tier scheduler started")

	s.wg.Add(3)
	go s.runLoop(domain.TierRefresh, s.intervals.Refresh, s.stop, s.ctx)
	go s.runLoop(domain.TierFull, s.intervals.Full, s.stop, s.ctx)
	go s.runLoop(domain.TierDeep, s.intervals.Deep, s.stop, s.ctx)
}

// Stop signals the loops, cancels in-flight passes, and waits up to the
// grace period for them to unwind. In-flight transactional writes roll
// back through the canceled context.
func (s *TierScheduler) Stop(grace time.Duration) {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.cancel()
	s.stopped = true
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("tier scheduler stopped")
	case <-time.After(grace):
		s.log.Warn().Dur("grace", grace).Msg("shutdown grace elapsed with sync passes still active")
	}
}

// TriggerNow runs one pass of the tier immediately, unless a pass for
// that tier is already active. Returns the run, or nil when coalesced.
// Manual runs do not disturb the loop's cadence or failure counter.
func (s *TierScheduler) TriggerNow(ctx context.Context, tier domain.SyncTier) *services.SyncRun {
	lock, ok := s.locks[tier]
	if !ok {
		return nil
	}
	if !lock.TryLock() {
		s.log.Info().Str("tier", string(tier)).Msg("manual trigger coalesced, run already active")
		return nil
	}
	defer lock.Unlock()
	return s.runner.Run(ctx, tier)
}

// runLoop is the per-tier timer loop. Boot passes fire after a short
// stagger so a fresh install has data within minutes; thereafter the
// timer re-arms with the tier interval, or with the backoff delay when
// a refresh pass was rate limited. The stop channel and base context
// are captured at launch so a restart cannot race an old loop.
func (s *TierScheduler) runLoop(tier domain.SyncTier, interval time.Duration, stop <-chan struct{}, base context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(bootDelay(tier, interval))
	defer timer.Stop()
	failures := 0

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		run := s.runOnce(base, tier, interval)

		next := interval
		switch {
		case run == nil:
			// A manual trigger held the tier; its outcome is not
			// visible here, so keep the plain cadence.
		case tier != domain.TierRefresh:
		case run.RateLimited():
			failures++
			next = s.backoffDelay(failures)
			s.log.Warn().
				Str("tier", string(tier)).
				Int("consecutive_failures", failures).
				Dur("next_attempt_in", next).
				Msg("refresh rate limited, backing off")
		case run.Result() == "ok":
			failures = 0
		}
		timer.Reset(next)
	}
}

// runOnce runs one scheduled pass under the tier lock, bounded by the
// tier's job timeout.
func (s *TierScheduler) runOnce(base context.Context, tier domain.SyncTier, interval time.Duration) *services.SyncRun {
	lock := s.locks[tier]
	if !lock.TryLock() {
		s.log.Debug().Str("tier", string(tier)).Msg("previous run still active, tick coalesced")
		return nil
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(base, jobTimeout(interval))
	defer cancel()
	return s.runner.Run(ctx, tier)
}

// backoffDelay computes the one-shot refresh reschedule from the
// runtime-tunable base and cap settings plus the client's current
// rate-limit hold.
func (s *TierScheduler) backoffDelay(failures int) time.Duration {
	base := s.minutesSetting("sync_backoff_base_minutes", 5)
	ceiling := s.minutesSetting("sync_backoff_cap_minutes", 60)

	var hint time.Duration
	if s.retryHint != nil {
		hint = s.retryHint.CurrentRetryAfter()
	}
	return nextDelay(base, ceiling, failures, hint)
}

func (s *TierScheduler) minutesSetting(key string, def float64) time.Duration {
	v, err := s.settings.GetFloat(key, def)
	if err != nil || v <= 0 {
		v = def
	}
	return time.Duration(v * float64(time.Minute))
}

// nextDelay is the reschedule after the failures-th consecutive
// rate-limited refresh in a row: the longer of the upstream-requested
// hold and base doubled per prior failure, clipped to the ceiling.
func nextDelay(base, ceiling time.Duration, failures int, retryAfter time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if ceiling < base {
		ceiling = base
	}
	if failures < 1 {
		failures = 1
	}
	delay := base << uint(failures-1)
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

// jobTimeout bounds one pass to its own cadence, less headroom, so a
// wedged pass cannot eat into the next tick. Cadences shorter than a
// minute keep the full window.
func jobTimeout(interval time.Duration) time.Duration {
	const margin = 30 * time.Second
	if interval > 2*margin {
		return interval - margin
	}
	return interval
}

// bootDelay staggers the first pass of each tier after startup so a
// fresh install populates within minutes without the three tiers
// bursting at once. Cadences shorter than the stagger (tests) fire at
// their own interval.
func bootDelay(tier domain.SyncTier, interval time.Duration) time.Duration {
	var d time.Duration
	switch tier {
	case domain.TierRefresh:
		d = 5 * time.Second
	case domain.TierFull:
		d = 15 * time.Second
	default:
		d = 2 * time.Minute
	}
	if interval < d {
		return interval
	}
	return d
}
