package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const instanceBatchSize = 200

// GormInventoryRepository implements tally.InventoryRepository using GORM.
// The aggregate is stored as a header row plus one row per instance.
type GormInventoryRepository struct {
	db *gorm.DB
}

// NewGormInventoryRepository creates a new GormInventoryRepository
func NewGormInventoryRepository(db *gorm.DB) *GormInventoryRepository {
	return &GormInventoryRepository{db: db}
}

// FindForUpdate loads the aggregate and locks its header row until the transaction ends.
// Returns nil, nil when the aggregate does not exist.
func (r *GormInventoryRepository) FindForUpdate(ctx context.Context, accountID, serviceType string) (*tally.AccountServiceInventory, error) {
	var header models.InventoryModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND service_type = ?", accountID, serviceType).
		First(&header).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rows []models.InstanceStateModel
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND service_type = ?", accountID, serviceType).
		Order("instance_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	inv := tally.NewAccountServiceInventory(header.AccountID, header.ServiceType)
	inv.Version = header.Version
	inv.UpdatedAt = header.UpdatedAt.UTC()
	for i := range rows {
		h := rows[i].ToDomain()
		inv.Instances[h.InstanceID] = h
	}
	return inv, nil
}

// Save writes the header with an optimistic version check and replaces the instance rows.
// A concurrent writer that saved first causes a CONCURRENCY_CONFLICT error.
func (r *GormInventoryRepository) Save(ctx context.Context, inv *tally.AccountServiceInventory) error {
	updatedAt := inv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	updatedAt = updatedAt.UTC()
	db := r.db.WithContext(ctx)

	if inv.Version == 0 {
		header := &models.InventoryModel{
			AccountID:   inv.AccountID,
			ServiceType: inv.ServiceType,
			Version:     1,
			CreatedAt:   updatedAt,
			UpdatedAt:   updatedAt,
		}
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(header)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return shared.ErrConcurrencyConflict
		}
	} else {
		result := db.Model(&models.InventoryModel{}).
			Where("account_id = ? AND service_type = ? AND version = ?", inv.AccountID, inv.ServiceType, inv.Version).
			Updates(map[string]interface{}{
				"version":    inv.Version + 1,
				"updated_at": updatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return shared.ErrConcurrencyConflict
		}
	}

	if err := db.Where("account_id = ? AND service_type = ?", inv.AccountID, inv.ServiceType).
		Delete(&models.InstanceStateModel{}).Error; err != nil {
		return err
	}

	if len(inv.Instances) > 0 {
		rows := make([]*models.InstanceStateModel, 0, len(inv.Instances))
		for _, id := range inv.InstanceIDs() {
			rows = append(rows, models.InstanceStateModelFromDomain(inv, inv.Instances[id]))
		}
		if err := db.CreateInBatches(rows, instanceBatchSize).Error; err != nil {
			return err
		}
	}

	inv.Version++
	inv.UpdatedAt = updatedAt
	return nil
}

// ListKeys returns every stored (account, service type)
func (r *GormInventoryRepository) ListKeys(ctx context.Context) ([]tally.InventoryKey, error) {
	var headers []models.InventoryModel
	if err := r.db.WithContext(ctx).
		Select("account_id", "service_type").
		Order("account_id ASC, service_type ASC").
		Find(&headers).Error; err != nil {
		return nil, err
	}

	keys := make([]tally.InventoryKey, len(headers))
	for i, h := range headers {
		keys[i] = tally.InventoryKey{AccountID: h.AccountID, ServiceType: h.ServiceType}
	}
	return keys, nil
}

// Ensure GormInventoryRepository implements InventoryRepository
var _ tally.InventoryRepository = (*GormInventoryRepository)(nil)
