package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormSnapshotRepository implements tally.SnapshotRepository using GORM
type GormSnapshotRepository struct {
	db *gorm.DB
}

// NewGormSnapshotRepository creates a new GormSnapshotRepository
func NewGormSnapshotRepository(db *gorm.DB) *GormSnapshotRepository {
	return &GormSnapshotRepository{db: db}
}

// FindByPeriod returns every row for the period, latest write first
func (r *GormSnapshotRepository) FindByPeriod(ctx context.Context, accountID string, key tally.UsageCalculationKey, granularity tally.Granularity, periodStart time.Time) ([]*tally.Snapshot, error) {
	var rows []models.SnapshotModel
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND granularity = ? AND snapshot_date = ?", accountID, granularity.String(), periodStart.UTC()).
		Where("product_id = ? AND sla = ? AND usage = ? AND billing_provider = ? AND billing_account_id = ?",
			key.ProductID, key.ServiceLevel.String(), key.Usage.String(), key.BillingProvider.String(), key.BillingAccountID).
		Order("updated_at DESC, created_at DESC, id DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toSnapshots(rows), nil
}

// FindByRange returns every snapshot of a granularity starting in [start, end)
func (r *GormSnapshotRepository) FindByRange(ctx context.Context, accountID string, granularity tally.Granularity, start, end time.Time) ([]*tally.Snapshot, error) {
	var rows []models.SnapshotModel
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND granularity = ? AND snapshot_date >= ? AND snapshot_date < ?",
			accountID, granularity.String(), start.UTC(), end.UTC()).
		Order("snapshot_date ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toSnapshots(rows), nil
}

// FindByAccount lists an account's snapshots ordered by period then product
func (r *GormSnapshotRepository) FindByAccount(ctx context.Context, accountID string, filter tally.SnapshotFilter) ([]*tally.Snapshot, error) {
	query := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if filter.Granularity != "" {
		query = query.Where("granularity = ?", filter.Granularity.String())
	}
	if filter.ProductID != "" {
		query = query.Where("product_id = ?", filter.ProductID)
	}
	if filter.Start != nil {
		query = query.Where("snapshot_date >= ?", filter.Start.UTC())
	}
	if filter.End != nil {
		query = query.Where("snapshot_date < ?", filter.End.UTC())
	}
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var rows []models.SnapshotModel
	if err := query.
		Order("snapshot_date ASC, product_id ASC, sla ASC, usage ASC, billing_provider ASC, billing_account_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toSnapshots(rows), nil
}

// Save inserts a new snapshot
func (r *GormSnapshotRepository) Save(ctx context.Context, snapshot *tally.Snapshot) error {
	return r.db.WithContext(ctx).Create(models.SnapshotModelFromDomain(snapshot)).Error
}

// Update overwrites an existing snapshot
func (r *GormSnapshotRepository) Update(ctx context.Context, snapshot *tally.Snapshot) error {
	m := models.SnapshotModelFromDomain(snapshot)
	result := r.db.WithContext(ctx).
		Model(&models.SnapshotModel{}).
		Where("id = ?", snapshot.ID).
		Updates(map[string]interface{}{
			"measurements":          m.Measurements,
			"has_infinite_quantity": m.HasInfiniteQuantity,
			"period_end":            m.PeriodEnd,
			"updated_at":            m.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteByIDs removes snapshots
func (r *GormSnapshotRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.SnapshotModel{}).Error
}

func toSnapshots(rows []models.SnapshotModel) []*tally.Snapshot {
	out := make([]*tally.Snapshot, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}

// Ensure GormSnapshotRepository implements SnapshotRepository
var _ tally.SnapshotRepository = (*GormSnapshotRepository)(nil)
