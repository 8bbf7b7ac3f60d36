package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

type fakeProducer struct {
	mu     sync.Mutex
	ranges []tally.DateRange
	block  chan struct{}
	result *apptally.BatchTallyResult
	err    error
}

func (p *fakeProducer) ProduceSnapshotsForAll(ctx context.Context, r tally.DateRange) (*apptally.BatchTallyResult, error) {
	p.mu.Lock()
	p.ranges = append(p.ranges, r)
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return &apptally.BatchTallyResult{Range: r}, nil
}

func (p *fakeProducer) calls() []tally.DateRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tally.DateRange(nil), p.ranges...)
}

var schedulerNow = time.Date(2024, 3, 10, 14, 22, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, producer SnapshotProducer, cfg TallySchedulerConfig) *TallyScheduler {
	t.Helper()
	s := NewTallyScheduler(producer, tally.NewFixedClock(schedulerNow), zaptest.NewLogger(t), cfg)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

// ---------------------------------------------------------------------------
// Schedule arithmetic
// ---------------------------------------------------------------------------

func TestNextRun(t *testing.T) {
	offset := 5 * time.Minute
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before offset", time.Date(2024, 1, 1, 3, 2, 0, 0, time.UTC), time.Date(2024, 1, 1, 3, 5, 0, 0, time.UTC)},
		{"exactly at offset", time.Date(2024, 1, 1, 3, 5, 0, 0, time.UTC), time.Date(2024, 1, 1, 4, 5, 0, 0, time.UTC)},
		{"after offset", time.Date(2024, 1, 1, 3, 40, 0, 0, time.UTC), time.Date(2024, 1, 1, 4, 5, 0, 0, time.UTC)},
		{"rolls over the day", time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 5, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRun(tt.now, offset))
		})
	}

	t.Run("non-UTC input", func(t *testing.T) {
		zone := time.FixedZone("UTC+5:30", 5*3600+1800)
		now := time.Date(2024, 1, 1, 9, 0, 0, 0, zone) // 03:30 UTC
		assert.True(t, NextRun(now, offset).Equal(time.Date(2024, 1, 1, 4, 5, 0, 0, time.UTC)))
	})
}

func TestCollectionRange(t *testing.T) {
	clock := tally.NewFixedClock(schedulerNow)

	r := CollectionRange(clock, 6*time.Hour)
	assert.Equal(t, time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC), r.End)
	assert.Len(t, r.Hours(), 6)

	// partial hours of lookback are dropped
	assert.Len(t, CollectionRange(clock, 90*time.Minute).Hours(), 1)
}

func TestNewTallyScheduler_Defaults(t *testing.T) {
	s := NewTallyScheduler(&fakeProducer{}, tally.NewClock(), nil, TallySchedulerConfig{})
	assert.Equal(t, time.Hour, s.config.Lookback)
	assert.Equal(t, DefaultTallySchedulerConfig().RunTimeout, s.config.RunTimeout)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestTallyScheduler_Disabled(t *testing.T) {
	s := newTestScheduler(t, &fakeProducer{}, TallySchedulerConfig{Enabled: false})

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.TriggerImmediate(context.Background()), ErrSchedulerNotRunning)
}

func TestTallyScheduler_StartStop(t *testing.T) {
	s := newTestScheduler(t, &fakeProducer{}, DefaultTallySchedulerConfig())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Start(ctx), "second start is a no-op")

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(ctx), "second stop is a no-op")
}

func TestTallyScheduler_ScheduledRun(t *testing.T) {
	producer := &fakeProducer{}
	s := newTestScheduler(t, producer, TallySchedulerConfig{
		Enabled:  true,
		Offset:   5 * time.Minute,
		Lookback: 3 * time.Hour,
	})

	fire := make(chan time.Time)
	delays := make(chan time.Duration, 4)
	s.after = func(d time.Duration) <-chan time.Time {
		delays <- d
		return fire
	}

	require.NoError(t, s.Start(context.Background()))

	// 14:22 -> next run 15:05
	assert.Equal(t, 43*time.Minute, <-delays)
	fire <- schedulerNow

	require.Eventually(t, func() bool { return len(producer.calls()) == 1 }, time.Second, 5*time.Millisecond)
	got := producer.calls()[0]
	assert.Equal(t, time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC), got.Start)
	assert.Equal(t, time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC), got.End)

	// the loop re-arms after the run
	<-delays
}

func TestTallyScheduler_TriggerImmediate(t *testing.T) {
	producer := &fakeProducer{result: &apptally.BatchTallyResult{Total: 2, Successful: 1, Failed: 1}}
	s := newTestScheduler(t, producer, TallySchedulerConfig{Enabled: true, Lookback: 2 * time.Hour})
	s.after = func(time.Duration) <-chan time.Time { return nil }

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.TriggerImmediate(ctx))

	require.Eventually(t, func() bool { return len(producer.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, producer.calls()[0].Hours(), 2)
}

func TestTallyScheduler_OverlappingTrigger(t *testing.T) {
	producer := &fakeProducer{block: make(chan struct{})}
	s := newTestScheduler(t, producer, TallySchedulerConfig{Enabled: true})
	s.after = func(time.Duration) <-chan time.Time { return nil }

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.TriggerImmediate(ctx))
	require.Eventually(t, func() bool { return len(producer.calls()) == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.TriggerImmediate(ctx), ErrRunInProgress)

	close(producer.block)
	require.Eventually(t, func() bool { return s.TriggerImmediate(ctx) == nil }, time.Second, 5*time.Millisecond)
}

func TestTallyScheduler_StopCancelsRun(t *testing.T) {
	producer := &fakeProducer{block: make(chan struct{})}
	s := newTestScheduler(t, producer, TallySchedulerConfig{Enabled: true})
	s.after = func(time.Duration) <-chan time.Time { return nil }

	require.NoError(t, s.Start(context.Background()))

	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.TriggerImmediate(reqCtx))
	cancel() // the run outlives the triggering request
	require.Eventually(t, func() bool { return len(producer.calls()) == 1 }, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))
}

func TestTallyScheduler_RunErrorKeepsLooping(t *testing.T) {
	producer := &fakeProducer{err: errors.New("database unavailable")}
	s := newTestScheduler(t, producer, TallySchedulerConfig{Enabled: true})

	fire := make(chan time.Time, 2)
	s.after = func(time.Duration) <-chan time.Time { return fire }

	require.NoError(t, s.Start(context.Background()))
	fire <- schedulerNow
	fire <- schedulerNow

	require.Eventually(t, func() bool { return len(producer.calls()) == 2 }, time.Second, 5*time.Millisecond)
}
