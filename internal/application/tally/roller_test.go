package tally

import (
	"context"
	"testing"
	"time"

	"github.com/metering/tally/internal/domain/tally"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calcWith(key tally.UsageCalculationKey, cores int64, unlimited bool) *tally.AccountUsageCalculation {
	calc := tally.NewAccountUsageCalculation("A")
	calc.AddUsage(key, tally.MeasurementPhysical, "Cores", decimal.NewFromInt(cores))
	if unlimited {
		calc.MarkUnlimited(key)
	}
	return calc
}

func storedSnapshot(key tally.UsageCalculationKey, g tally.Granularity, start time.Time, cores int64, written time.Time) *tally.Snapshot {
	clock := tally.NewClock()
	s := tally.NewSnapshot("A", key, g, clock.Period(g, start))
	s.Measurements.Add(tally.MeasurementPhysical, "Cores", decimal.NewFromInt(cores))
	s.Measurements.Add(tally.MeasurementTotal, "Cores", decimal.NewFromInt(cores))
	s.CreatedAt = written
	s.UpdatedAt = written
	return s
}

func TestRoller_RollUp_SumsHoursOfPeriod(t *testing.T) {
	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	roller := NewRoller(tally.NewFixedClock(day.Add(12*time.Hour)), nil)
	repo := newMemSnapshots()

	calcs := map[time.Time]*tally.AccountUsageCalculation{
		day.Add(5 * time.Hour): calcWith(keyPremium, 4, false),
		day.Add(9 * time.Hour): calcWith(keyPremium, 2, false),
	}

	hourly, err := roller.RollUp(context.Background(), repo, "A", tally.GranularityHourly, calcs)
	require.NoError(t, err)
	assert.Equal(t, 2, hourly.Created)

	daily, err := roller.RollUp(context.Background(), repo, "A", tally.GranularityDaily, calcs)
	require.NoError(t, err)
	require.Len(t, daily.Snapshots, 1)
	assert.Equal(t, day, daily.Snapshots[0].SnapshotDate)
	assert.Equal(t, day.AddDate(0, 0, 1), daily.Snapshots[0].PeriodEnd)
	assertCores(t, daily.Snapshots[0], tally.MeasurementPhysical, 6)
	assertCores(t, daily.Snapshots[0], tally.MeasurementTotal, 6)
}

func TestRoller_RollUp_RemovesDuplicates(t *testing.T) {
	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	now := day.Add(12 * time.Hour)
	roller := NewRoller(tally.NewFixedClock(now), nil)
	repo := newMemSnapshots()

	older := storedSnapshot(keyPremium, tally.GranularityDaily, day, 100, day.Add(time.Hour))
	newer := storedSnapshot(keyPremium, tally.GranularityDaily, day, 200, day.Add(2*time.Hour))
	oldest := storedSnapshot(keyPremium, tally.GranularityDaily, day, 300, day.Add(-time.Hour))
	for _, s := range []*tally.Snapshot{older, newer, oldest} {
		require.NoError(t, repo.Save(context.Background(), s))
	}

	calcs := map[time.Time]*tally.AccountUsageCalculation{day.Add(5 * time.Hour): calcWith(keyPremium, 4, false)}
	outcome, err := roller.RollUp(context.Background(), repo, "A", tally.GranularityDaily, calcs)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.DuplicatesRemoved)
	assert.Equal(t, 1, outcome.Updated)

	daily := repo.find(t, tally.GranularityDaily, keyPremium)
	assert.Equal(t, newer.ID, daily.ID, "latest write is kept")
	assert.Equal(t, now, daily.UpdatedAt)
	assertCores(t, daily, tally.MeasurementPhysical, 4)
}

func TestRoller_Plan_UsesLatestStoredHourly(t *testing.T) {
	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	roller := NewRoller(tally.NewFixedClock(day.Add(12*time.Hour)), nil)

	stale := storedSnapshot(keyPremium, tally.GranularityHourly, day.Add(3*time.Hour), 10, day.Add(3*time.Hour))
	fresh := storedSnapshot(keyPremium, tally.GranularityHourly, day.Add(3*time.Hour), 2, day.Add(4*time.Hour))
	replaced := storedSnapshot(keyPremium, tally.GranularityHourly, day.Add(5*time.Hour), 50, day.Add(5*time.Hour))
	otherDay := storedSnapshot(keyPremium, tally.GranularityHourly, day.Add(-2*time.Hour), 70, day.Add(-time.Hour))

	calcs := map[time.Time]*tally.AccountUsageCalculation{day.Add(5 * time.Hour): calcWith(keyPremium, 4, false)}
	plan, err := roller.Plan("A", tally.GranularityDaily, calcs, []*tally.Snapshot{stale, fresh, replaced, otherDay})
	require.NoError(t, err)

	require.Len(t, plan.Rollups, 1)
	roll := plan.Rollups[0]
	assert.Equal(t, day, roll.Period.Start)
	// fresh (2) + in-memory hour (4); stale is superseded, the stored copy of hour 5 is replaced
	assert.True(t, decimal.NewFromInt(6).Equal(roll.Totals.Get(tally.MeasurementPhysical, "Cores")))
}

func TestRoller_Plan_ZeroesKeysMissingFromRecollectedHour(t *testing.T) {
	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	roller := NewRoller(tally.NewFixedClock(day.Add(12*time.Hour)), nil)
	keyStandard := keyPremium
	keyStandard.ServiceLevel = tally.ServiceLevelStandard

	dropped := storedSnapshot(keyPremium, tally.GranularityHourly, day.Add(5*time.Hour), 4, day.Add(5*time.Hour))
	earlier := storedSnapshot(keyPremium, tally.GranularityHourly, day.Add(2*time.Hour), 3, day.Add(2*time.Hour))
	calcs := map[time.Time]*tally.AccountUsageCalculation{day.Add(5 * time.Hour): calcWith(keyStandard, 4, false)}

	rollups := func(plan *RollupPlan) map[tally.UsageCalculationKey]*Rollup {
		out := make(map[tally.UsageCalculationKey]*Rollup, len(plan.Rollups))
		for _, roll := range plan.Rollups {
			out[roll.Key] = roll
		}
		return out
	}

	t.Run("hourly", func(t *testing.T) {
		plan, err := roller.Plan("A", tally.GranularityHourly, calcs, []*tally.Snapshot{dropped, earlier})
		require.NoError(t, err)
		byKey := rollups(plan)
		require.Len(t, byKey, 2, "earlier hour is left alone")
		assert.Equal(t, day.Add(5*time.Hour), byKey[keyPremium].Period.Start)
		assert.True(t, byKey[keyPremium].Totals.Get(tally.MeasurementPhysical, "Cores").IsZero())
		assert.True(t, decimal.NewFromInt(4).Equal(byKey[keyStandard].Totals.Get(tally.MeasurementPhysical, "Cores")))
	})

	t.Run("daily keeps the hours still stored", func(t *testing.T) {
		plan, err := roller.Plan("A", tally.GranularityDaily, calcs, []*tally.Snapshot{dropped, earlier})
		require.NoError(t, err)
		byKey := rollups(plan)
		require.Len(t, byKey, 2)
		assert.True(t, decimal.NewFromInt(3).Equal(byKey[keyPremium].Totals.Get(tally.MeasurementPhysical, "Cores")))
	})

	t.Run("daily drops to zero without other hours", func(t *testing.T) {
		plan, err := roller.Plan("A", tally.GranularityDaily, calcs, []*tally.Snapshot{dropped})
		require.NoError(t, err)
		byKey := rollups(plan)
		require.Contains(t, byKey, keyPremium)
		assert.True(t, byKey[keyPremium].Totals.Get(tally.MeasurementPhysical, "Cores").IsZero())
	})
}

func TestRoller_Plan_PeriodBoundaries(t *testing.T) {
	// Sunday, last hour of the first quarter
	hour := time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC)
	roller := NewRoller(tally.NewFixedClock(hour.Add(time.Hour)), nil)
	calcs := map[time.Time]*tally.AccountUsageCalculation{hour: calcWith(keyPremium, 4, false)}

	tests := []struct {
		granularity tally.Granularity
		start       time.Time
		end         time.Time
	}{
		{tally.GranularityHourly, hour, hour.Add(time.Hour)},
		{tally.GranularityDaily, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{tally.GranularityWeekly, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 7, 0, 0, 0, 0, time.UTC)},
		{tally.GranularityMonthly, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{tally.GranularityQuarterly, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{tally.GranularityYearly, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.granularity.String(), func(t *testing.T) {
			plan, err := roller.Plan("A", tt.granularity, calcs, nil)
			require.NoError(t, err)
			require.Len(t, plan.Rollups, 1)
			assert.Equal(t, tt.start, plan.Rollups[0].Period.Start)
			assert.Equal(t, tt.end, plan.Rollups[0].Period.End)
		})
	}
}

func TestRoller_Plan_UnlimitedIsSticky(t *testing.T) {
	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	roller := NewRoller(tally.NewFixedClock(day.Add(12*time.Hour)), nil)

	stored := storedSnapshot(keyPremium, tally.GranularityHourly, day.Add(2*time.Hour), 4, day.Add(3*time.Hour))
	stored.HasInfiniteQuantity = true
	calcs := map[time.Time]*tally.AccountUsageCalculation{day.Add(5 * time.Hour): calcWith(keyPremium, 4, false)}

	plan, err := roller.Plan("A", tally.GranularityMonthly, calcs, []*tally.Snapshot{stored})
	require.NoError(t, err)
	require.Len(t, plan.Rollups, 1)
	assert.True(t, plan.Rollups[0].Infinite)

	calcs = map[time.Time]*tally.AccountUsageCalculation{
		day.Add(5 * time.Hour): calcWith(keyPremium, 4, true),
		day.Add(6 * time.Hour): calcWith(keyPremium, 4, false),
	}
	plan, err = roller.Plan("A", tally.GranularityDaily, calcs, nil)
	require.NoError(t, err)
	assert.True(t, plan.Rollups[0].Infinite)
}

func TestRoller_Plan_RejectsInvalidGranularity(t *testing.T) {
	roller := NewRoller(tally.NewClock(), nil)
	_, err := roller.Plan("A", tally.Granularity("FORTNIGHTLY"), nil, nil)
	assert.Error(t, err)
}

func TestRoller_HourlyWindow(t *testing.T) {
	roller := NewRoller(tally.NewClock(), nil)
	// Wednesday January 1st: the week reaches back into the previous year
	hour := time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC)
	calcs := map[time.Time]*tally.AccountUsageCalculation{hour: tally.NewAccountUsageCalculation("A")}

	w := roller.HourlyWindow([]tally.Granularity{tally.GranularityWeekly, tally.GranularityYearly}, calcs)
	assert.Equal(t, time.Date(2024, 12, 29, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), w.End)
}
