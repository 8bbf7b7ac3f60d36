package tally

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the usage total for one (account, key, granularity, period).
// SnapshotDate is the period start.
type Snapshot struct {
	ID                  uuid.UUID
	AccountID           string
	Key                 UsageCalculationKey
	Granularity         Granularity
	SnapshotDate        time.Time
	PeriodEnd           time.Time
	Measurements        Measurements
	HasInfiniteQuantity bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewSnapshot creates a snapshot for the given period
func NewSnapshot(accountID string, key UsageCalculationKey, granularity Granularity, period DateRange) *Snapshot {
	return &Snapshot{
		ID:           uuid.New(),
		AccountID:    accountID,
		Key:          key,
		Granularity:  granularity,
		SnapshotDate: period.Start,
		PeriodEnd:    period.End,
		Measurements: make(Measurements),
	}
}

// Overwrite replaces the snapshot's values with a full recompute
func (s *Snapshot) Overwrite(totals Measurements, infinite bool) {
	s.Measurements = totals.Clone()
	s.HasInfiniteQuantity = infinite
}

// WrittenAfter orders snapshots by latest write: UpdatedAt, then CreatedAt, then ID
func (s *Snapshot) WrittenAfter(o *Snapshot) bool {
	if !s.UpdatedAt.Equal(o.UpdatedAt) {
		return s.UpdatedAt.After(o.UpdatedAt)
	}
	if !s.CreatedAt.Equal(o.CreatedAt) {
		return s.CreatedAt.After(o.CreatedAt)
	}
	return s.ID.String() > o.ID.String()
}

// SnapshotFilter narrows snapshot queries
type SnapshotFilter struct {
	ProductID   string
	Granularity Granularity
	Start       *time.Time
	End         *time.Time
	Page        int
	PageSize    int
}

// DefaultSnapshotFilter returns a filter with default paging
func DefaultSnapshotFilter() SnapshotFilter {
	return SnapshotFilter{Page: 1, PageSize: 100}
}

// WithDateRange sets the date range filter
func (f SnapshotFilter) WithDateRange(start, end time.Time) SnapshotFilter {
	f.Start = &start
	f.End = &end
	return f
}

// SnapshotRepository persists snapshots
type SnapshotRepository interface {
	// FindByPeriod returns every row stored for (account, key, granularity, period start),
	// latest write first. More than one row means duplicates exist.
	FindByPeriod(ctx context.Context, accountID string, key UsageCalculationKey, granularity Granularity, periodStart time.Time) ([]*Snapshot, error)

	// FindByRange returns every snapshot of a granularity with SnapshotDate in [start, end)
	FindByRange(ctx context.Context, accountID string, granularity Granularity, start, end time.Time) ([]*Snapshot, error)

	// FindByAccount lists snapshots for an account
	FindByAccount(ctx context.Context, accountID string, filter SnapshotFilter) ([]*Snapshot, error)

	// Save inserts a new snapshot
	Save(ctx context.Context, snapshot *Snapshot) error

	// Update writes an existing snapshot
	Update(ctx context.Context, snapshot *Snapshot) error

	// DeleteByIDs removes snapshots
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}
