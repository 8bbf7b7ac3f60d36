package tally

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/tally"
	"go.uber.org/zap"
)

// periodKey identifies one snapshot row
type periodKey struct {
	start time.Time
	key   tally.UsageCalculationKey
}

// Rollup is the recomputed content of one snapshot period for one key
type Rollup struct {
	Granularity tally.Granularity
	Period      tally.DateRange
	Key         tally.UsageCalculationKey
	Totals      tally.Measurements
	Infinite    bool
}

// RollupPlan is every rollup computed for one account and granularity, ordered by period then key
type RollupPlan struct {
	AccountID   string
	Granularity tally.Granularity
	Rollups     []*Rollup
}

// RollupOutcome reports what applying a plan wrote
type RollupOutcome struct {
	Snapshots         []*tally.Snapshot
	Created           int
	Updated           int
	DuplicatesRemoved int
}

// Roller promotes hourly calculations into snapshots of every granularity.
//
// Each granularity is computed independently. Hourly snapshots come straight from the hourly
// calculations; a stored hourly key the recollected hour no longer produces is written as zero.
// Coarser periods are recomputed in full from the hourly snapshots stored for the
// period, with the in-memory calculations replacing the stored hours they cover. Writes always
// overwrite: rolling up the same input twice yields the same rows.
type Roller struct {
	clock  *tally.Clock
	logger *zap.Logger
}

// NewRoller creates a new Roller
func NewRoller(clock *tally.Clock, logger *zap.Logger) *Roller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Roller{clock: clock, logger: logger}
}

// RollUp computes and writes the snapshots of granularity g for the given hourly calculations
func (r *Roller) RollUp(ctx context.Context, snapshots tally.SnapshotRepository, accountID string, g tally.Granularity, calculations map[time.Time]*tally.AccountUsageCalculation) (*RollupOutcome, error) {
	var hourly []*tally.Snapshot
	if len(calculations) > 0 {
		window := r.HourlyWindow([]tally.Granularity{g}, calculations)
		var err error
		hourly, err = snapshots.FindByRange(ctx, accountID, tally.GranularityHourly, window.Start, window.End)
		if err != nil {
			return nil, fmt.Errorf("failed to load hourly snapshots: %w", err)
		}
	}

	plan, err := r.Plan(accountID, g, calculations, hourly)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, snapshots, plan)
}

// HourlyWindow returns the smallest range covering every period of the given granularities
// that contains one of the calculated hours.
func (r *Roller) HourlyWindow(granularities []tally.Granularity, calculations map[time.Time]*tally.AccountUsageCalculation) tally.DateRange {
	var window tally.DateRange
	first := true
	for hour := range calculations {
		for _, g := range granularities {
			p := r.clock.Period(g, hour)
			if first || p.Start.Before(window.Start) {
				window.Start = p.Start
			}
			if first || p.End.After(window.End) {
				window.End = p.End
			}
			first = false
		}
	}
	return window
}

// Plan computes the rollups of granularity g without touching storage.
//
// hourly holds the stored HOURLY snapshots of the covered periods. A stored key that is missing
// from the recollected hours still gets a rollup: at HOURLY it is written as zero, and coarser
// periods are recomputed without the hours it no longer has. Plan is safe to call concurrently
// for different granularities.
func (r *Roller) Plan(accountID string, g tally.Granularity, calculations map[time.Time]*tally.AccountUsageCalculation, hourly []*tally.Snapshot) (*RollupPlan, error) {
	if !g.IsValid() {
		return nil, fmt.Errorf("invalid granularity %q", g)
	}

	sums := make(map[periodKey]*Rollup)
	add := func(hour time.Time, key tally.UsageCalculationKey, totals tally.Measurements, infinite bool) {
		period := r.clock.Period(g, hour)
		pk := periodKey{start: period.Start, key: key}
		roll, ok := sums[pk]
		if !ok {
			roll = &Rollup{Granularity: g, Period: period, Key: key, Totals: make(tally.Measurements)}
			sums[pk] = roll
		}
		roll.Totals.Merge(totals)
		roll.Infinite = roll.Infinite || infinite
	}

	inMemory := make(map[int64]bool, len(calculations))
	covered := make(map[int64]bool)
	for hour, calc := range calculations {
		inMemory[hour.Unix()] = true
		covered[r.clock.PeriodStart(g, hour).Unix()] = true
		for _, key := range calc.Keys() {
			uc, _ := calc.Get(key)
			add(hour, key, uc.Totals, uc.Unlimited)
		}
	}

	for _, s := range latestPerHour(hourly) {
		switch {
		case inMemory[s.SnapshotDate.Unix()]:
			// recollected hour: the stored row only keeps its key in the plan
			add(s.SnapshotDate, s.Key, nil, false)
		case g == tally.GranularityHourly || !covered[r.clock.PeriodStart(g, s.SnapshotDate).Unix()]:
			continue
		default:
			add(s.SnapshotDate, s.Key, s.Measurements, s.HasInfiniteQuantity)
		}
	}

	plan := &RollupPlan{AccountID: accountID, Granularity: g, Rollups: make([]*Rollup, 0, len(sums))}
	for _, roll := range sums {
		plan.Rollups = append(plan.Rollups, roll)
	}
	sort.Slice(plan.Rollups, func(i, j int) bool {
		a, b := plan.Rollups[i], plan.Rollups[j]
		if !a.Period.Start.Equal(b.Period.Start) {
			return a.Period.Start.Before(b.Period.Start)
		}
		return a.Key.Less(b.Key)
	})
	return plan, nil
}

// Apply writes a plan: a period without a row gets a new snapshot; otherwise the latest written
// row is overwritten and any other row for the same period is deleted.
func (r *Roller) Apply(ctx context.Context, snapshots tally.SnapshotRepository, plan *RollupPlan) (*RollupOutcome, error) {
	outcome := &RollupOutcome{Snapshots: make([]*tally.Snapshot, 0, len(plan.Rollups))}
	now := r.clock.Now()

	for _, roll := range plan.Rollups {
		existing, err := snapshots.FindByPeriod(ctx, plan.AccountID, roll.Key, roll.Granularity, roll.Period.Start)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s snapshot %s: %w", roll.Granularity, roll.Key, err)
		}

		if len(existing) == 0 {
			snap := tally.NewSnapshot(plan.AccountID, roll.Key, roll.Granularity, roll.Period)
			snap.Overwrite(roll.Totals, roll.Infinite)
			snap.CreatedAt = now
			snap.UpdatedAt = now
			if err := snapshots.Save(ctx, snap); err != nil {
				return nil, fmt.Errorf("failed to save %s snapshot %s: %w", roll.Granularity, roll.Key, err)
			}
			outcome.Created++
			outcome.Snapshots = append(outcome.Snapshots, snap)
			continue
		}

		keep := existing[0]
		for _, s := range existing[1:] {
			if s.WrittenAfter(keep) {
				keep = s
			}
		}
		if len(existing) > 1 {
			stale := make([]uuid.UUID, 0, len(existing)-1)
			for _, s := range existing {
				if s.ID != keep.ID {
					stale = append(stale, s.ID)
				}
			}
			if err := snapshots.DeleteByIDs(ctx, stale); err != nil {
				return nil, fmt.Errorf("failed to remove duplicate %s snapshots %s: %w", roll.Granularity, roll.Key, err)
			}
			outcome.DuplicatesRemoved += len(stale)
			r.logger.Warn("Removed duplicate snapshots",
				zap.String("account_id", plan.AccountID),
				zap.String("granularity", roll.Granularity.String()),
				zap.Stringer("key", roll.Key),
				zap.Time("period_start", roll.Period.Start),
				zap.Int("removed", len(stale)))
		}

		keep.PeriodEnd = roll.Period.End
		keep.Overwrite(roll.Totals, roll.Infinite)
		keep.UpdatedAt = now
		if err := snapshots.Update(ctx, keep); err != nil {
			return nil, fmt.Errorf("failed to update %s snapshot %s: %w", roll.Granularity, roll.Key, err)
		}
		outcome.Updated++
		outcome.Snapshots = append(outcome.Snapshots, keep)
	}

	return outcome, nil
}

// latestPerHour drops duplicate hourly rows, keeping the latest write per (hour, key)
func latestPerHour(hourly []*tally.Snapshot) []*tally.Snapshot {
	latest := make(map[periodKey]*tally.Snapshot, len(hourly))
	for _, s := range hourly {
		pk := periodKey{start: s.SnapshotDate.UTC(), key: s.Key}
		if cur, ok := latest[pk]; !ok || s.WrittenAfter(cur) {
			latest[pk] = s
		}
	}
	out := make([]*tally.Snapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	return out
}
