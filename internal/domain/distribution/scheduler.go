package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/lock"
	"github.com/mwork/credit-ledger/internal/pkg/metrics"
)

const lockKey = "distribution:tick"

// SchedulerConfig controls tick cadence and fan-out.
type SchedulerConfig struct {
	Schedule    string
	Concurrency int
	PageSize    int
	LockTTL     time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	return c
}

// Scheduler grants the configured amount to every account whose last grant
// is at least one interval old. The interval is re-read on every tick, so an
// admin change applies from the next tick on.
type Scheduler struct {
	ledger  *credit.Service
	configs ConfigStore
	locker  lock.Locker
	cfg     SchedulerConfig
	now     func() time.Time

	flight singleflight.Group

	mu     sync.Mutex
	cron   *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func NewScheduler(ledger *credit.Service, configs ConfigStore, locker lock.Locker, cfg SchedulerConfig) *Scheduler {
	if locker == nil {
		locker = lock.NewLocalLock()
	}
	return &Scheduler{
		ledger:  ledger,
		configs: configs,
		locker:  locker,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start registers the tick with cron. Overlapping ticks are skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{log.With().Str("component", "distribution").Logger()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.cfg.Schedule, s.run); err != nil {
		return fmt.Errorf("invalid distribution schedule %q: %w", s.cfg.Schedule, err)
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	c.Start()
	s.cron = c

	log.Info().Str("schedule", s.cfg.Schedule).Int("concurrency", s.cfg.Concurrency).Msg("Distribution scheduler started")
	return nil
}

// Stop halts the cron and cancels a running tick. The tick stops after the
// grants already in progress; Stop returns once it has.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	cancel()
	<-stopped.Done()
	log.Info().Msg("Distribution scheduler stopped")
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	summary, err := s.Tick(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Int("granted", summary.Granted).Msg("Distribution tick interrupted by shutdown")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Distribution tick failed")
		return
	}
	if summary.Granted > 0 || summary.Errors > 0 {
		log.Info().
			Int("scanned", summary.Scanned).
			Int("granted", summary.Granted).
			Int("errors", summary.Errors).
			Int64("interval_seconds", summary.Interval).
			Msg("Distribution tick finished")
	}
}

// Tick runs one distribution pass. When another instance holds the tick
// lock the pass is skipped.
func (s *Scheduler) Tick(ctx context.Context) (TickSummary, error) {
	var summary TickSummary

	lease, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return summary, fmt.Errorf("acquire distribution lock: %w", err)
	}
	if lease == nil {
		log.Debug().Msg("Distribution tick skipped: lock held elsewhere")
		summary.Skipped = true
		return summary, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			log.Warn().Err(err).Msg("Failed to release distribution lock")
		}
	}()

	started := time.Now()
	defer func() { metrics.DistributionTick.Observe(time.Since(started).Seconds()) }()

	policy, err := s.configs.Get(ctx)
	if err != nil {
		return summary, err
	}
	summary.Interval = policy.IntervalSeconds

	now := s.now()
	interval := policy.Interval()
	cutoff := now.Add(-interval)

	after := ""
	for {
		ids, err := s.ledger.Store().ListDueForDistribution(ctx, cutoff, after, s.cfg.PageSize)
		if err != nil {
			return summary, err
		}
		if len(ids) == 0 {
			break
		}
		summary.Scanned += len(ids)

		granted, failed := s.grantAll(ctx, ids, policy.Amount, interval, now)
		summary.Granted += granted
		summary.Errors += failed

		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if len(ids) < s.cfg.PageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	if err := s.configs.MarkRun(ctx, now); err != nil {
		log.Warn().Err(err).Msg("Failed to record distribution run")
	}
	return summary, nil
}

func (s *Scheduler) grantAll(ctx context.Context, ids []string, amount int64, interval time.Duration, now time.Time) (int, int) {
	var (
		mu      sync.Mutex
		granted int
		failed  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		userID := id
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			ok, err := s.grant(gctx, userID, amount, interval, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				log.Error().Err(err).Str("user_id", userID).Msg("Distribution grant failed")
				return nil
			}
			if ok {
				granted++
			}
			return nil
		})
	}
	_ = g.Wait()
	return granted, failed
}

// grant credits one account. Concurrent grants for the same account collapse
// into one ledger unit, and only the caller that ran it counts the grant.
func (s *Scheduler) grant(ctx context.Context, userID string, amount int64, interval time.Duration, now time.Time) (bool, error) {
	ran := false
	v, err, _ := s.flight.Do(userID, func() (interface{}, error) {
		ran = true
		_, ok, err := s.ledger.GrantDistribution(context.WithoutCancel(ctx), userID, amount, interval, now)
		if ok {
			metrics.DistributionGrants.Inc()
		}
		return ok, err
	})
	if err != nil || !ran {
		return false, err
	}
	return v.(bool), nil
}

// Config returns the current policy.
func (s *Scheduler) Config(ctx context.Context) (*Config, error) {
	return s.configs.Get(ctx)
}

// SetInterval changes the grant interval. Admin only.
func (s *Scheduler) SetInterval(ctx context.Context, actor credit.Actor, seconds int64) (*Config, error) {
	if !actor.IsAdmin() {
		return nil, credit.ErrForbidden
	}
	if seconds < MinIntervalSeconds {
		return nil, &credit.ValidationError{Field: "interval", Reason: fmt.Sprintf("must be at least %d seconds", MinIntervalSeconds)}
	}
	cfg, err := s.configs.SetInterval(ctx, seconds)
	if err != nil {
		return nil, err
	}
	log.Info().Str("admin_id", actor.UserID).Int64("interval_seconds", seconds).Msg("Distribution interval updated")
	return cfg, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
