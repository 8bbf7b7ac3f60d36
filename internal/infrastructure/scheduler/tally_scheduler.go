package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// SnapshotProducer runs a tally over every known (account, service type)
type SnapshotProducer interface {
	ProduceSnapshotsForAll(ctx context.Context, r tally.DateRange) (*apptally.BatchTallyResult, error)
}

// TallySchedulerConfig holds configuration for the hourly tally
type TallySchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Offset delays each run past the top of the hour so late events land first
	Offset time.Duration

	// Lookback is how many completed hours each run recollects
	Lookback time.Duration

	// RunTimeout bounds a single run
	RunTimeout time.Duration
}

// DefaultTallySchedulerConfig returns default configuration
func DefaultTallySchedulerConfig() TallySchedulerConfig {
	return TallySchedulerConfig{
		Enabled:    true,
		Offset:     5 * time.Minute,
		Lookback:   24 * time.Hour,
		RunTimeout: 50 * time.Minute,
	}
}

// TallyScheduler produces snapshots for all accounts once an hour
type TallyScheduler struct {
	producer SnapshotProducer
	clock    *tally.Clock
	logger   *zap.Logger
	config   TallySchedulerConfig

	// after is time.After; tests replace it
	after func(time.Duration) <-chan time.Time

	loopCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	inFlight  atomic.Bool
}

// NewTallyScheduler creates a new tally scheduler
func NewTallyScheduler(producer SnapshotProducer, clock *tally.Clock, logger *zap.Logger, config TallySchedulerConfig) *TallyScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Lookback < time.Hour {
		config.Lookback = time.Hour
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultTallySchedulerConfig().RunTimeout
	}
	return &TallyScheduler{
		producer: producer,
		clock:    clock,
		logger:   logger.Named("tally_scheduler"),
		config:   config,
		after:    time.After,
	}
}

// NextRun returns the first scheduled run strictly after now
func NextRun(now time.Time, offset time.Duration) time.Time {
	next := now.UTC().Truncate(time.Hour).Add(offset)
	for !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// CollectionRange returns the completed hours a run started at now covers:
// [start of current hour - lookback, start of current hour)
func CollectionRange(clock *tally.Clock, lookback time.Duration) tally.DateRange {
	end := clock.StartOfCurrentHour()
	start := end.Add(-lookback.Truncate(time.Hour))
	return tally.DateRange{Start: start, End: end}
}

// Start starts the hourly loop
func (s *TallyScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Tally scheduler is disabled")
		return nil
	}
	s.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	s.loopCtx, s.cancel = ctx, cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runHourly(ctx)

	s.logger.Info("Tally scheduler started",
		zap.Duration("offset", s.config.Offset),
		zap.Duration("lookback", s.config.Lookback),
	)
	return nil
}

// Stop cancels the loop and any run in flight, then waits for them to return
func (s *TallyScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Tally scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Tally scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *TallyScheduler) runHourly(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := s.clock.Now()
		next := NextRun(now, s.config.Offset)
		delay := next.Sub(now)

		s.logger.Debug("Next tally scheduled",
			zap.Time("next_run", next),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			s.logger.Debug("Tally loop stopping")
			return
		case <-s.after(delay):
			if !s.inFlight.CompareAndSwap(false, true) {
				s.logger.Warn("Skipping scheduled tally, previous run still in progress")
				continue
			}
			s.execute(ctx)
		}
	}
}

// execute runs one tally; the caller holds inFlight
func (s *TallyScheduler) execute(ctx context.Context) {
	defer s.inFlight.Store(false)

	r := CollectionRange(s.clock, s.config.Lookback)
	s.logger.Info("Starting scheduled tally", zap.Stringer("range", r))

	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.producer.ProduceSnapshotsForAll(runCtx, r)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("Scheduled tally failed",
			zap.Stringer("range", r),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	fields := []zap.Field{
		zap.Stringer("range", r),
		zap.Duration("duration", duration),
		zap.Int("total", result.Total),
		zap.Int("successful", result.Successful),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	}
	if result.Failed > 0 {
		s.logger.Warn("Scheduled tally completed with failures", fields...)
		return
	}
	s.logger.Info("Scheduled tally completed", fields...)
}

// TriggerImmediate starts a run now without waiting for the next hour. The run
// outlives ctx and is cancelled by Stop.
func (s *TallyScheduler) TriggerImmediate(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return ErrRunInProgress
	}
	s.wg.Add(1)
	runCtx := s.loopCtx
	s.mu.Unlock()

	logger.WithLogger(ctx, s.logger).Info("Triggering immediate tally")

	go func() {
		defer s.wg.Done()
		s.execute(runCtx)
	}()
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *TallyScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
