package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const eventBatchSize = 500

// eventUpdateColumns are overwritten when an event is re-sent with the same natural key
var eventUpdateColumns = []string{
	"account_id", "service_type", "event_timestamp", "instance_id", "event_source", "role", "product_ids",
	"sla", "usage", "billing_provider", "billing_account_id", "cloud_provider", "hardware_type",
	"display_name", "inventory_id", "hypervisor_uuid", "subscription_manager_id", "measurements",
	"unlimited_usage", "updated_at",
}

// GormEventRepository implements tally.EventRepository using GORM
type GormEventRepository struct {
	db *gorm.DB
}

// NewGormEventRepository creates a new GormEventRepository
func NewGormEventRepository(db *gorm.DB) *GormEventRepository {
	return &GormEventRepository{db: db}
}

// SaveAll upserts events on their natural key. When a batch repeats a natural key
// the last occurrence wins.
func (r *GormEventRepository) SaveAll(ctx context.Context, events []*tally.Event) error {
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UTC()
	index := make(map[string]int, len(events))
	rows := make([]*models.EventModel, 0, len(events))
	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		m := models.EventModelFromDomain(e)
		m.CreatedAt = now
		m.UpdatedAt = now
		if i, ok := index[m.NaturalKey]; ok {
			rows[i] = m
			continue
		}
		index[m.NaturalKey] = len(rows)
		rows = append(rows, m)
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "natural_key"}},
			DoUpdates: clause.AssignmentColumns(eventUpdateColumns),
		}).
		CreateInBatches(rows, eventBatchSize).Error
}

func (r *GormEventRepository) scoped(ctx context.Context, accountID, serviceType string, start, end time.Time) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.EventModel{}).
		Where("account_id = ? AND service_type = ? AND event_timestamp >= ? AND event_timestamp < ?",
			accountID, serviceType, start.UTC(), end.UTC())
}

// HasEventsInRange reports whether any event exists in [start, end)
func (r *GormEventRepository) HasEventsInRange(ctx context.Context, accountID, serviceType string, start, end time.Time) (bool, error) {
	var ids []uuid.UUID
	if err := r.scoped(ctx, accountID, serviceType, start, end).Limit(1).Pluck("id", &ids).Error; err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// FindInRange returns events in [start, end) ordered by instance then timestamp
func (r *GormEventRepository) FindInRange(ctx context.Context, accountID, serviceType string, start, end time.Time) ([]*tally.Event, error) {
	var rows []models.EventModel
	if err := r.scoped(ctx, accountID, serviceType, start, end).
		Order("instance_id ASC, event_timestamp ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]*tally.Event, len(rows))
	for i := range rows {
		events[i] = rows[i].ToDomain()
	}
	return events, nil
}

// ListKeysInRange returns each (account, service type) with events in [start, end)
func (r *GormEventRepository) ListKeysInRange(ctx context.Context, start, end time.Time) ([]tally.InventoryKey, error) {
	var rows []struct {
		AccountID   string
		ServiceType string
	}
	if err := r.db.WithContext(ctx).
		Model(&models.EventModel{}).
		Distinct("account_id", "service_type").
		Where("event_timestamp >= ? AND event_timestamp < ?", start.UTC(), end.UTC()).
		Order("account_id ASC, service_type ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	keys := make([]tally.InventoryKey, len(rows))
	for i, row := range rows {
		keys[i] = tally.InventoryKey{AccountID: row.AccountID, ServiceType: row.ServiceType}
	}
	return keys, nil
}

// Ensure GormEventRepository implements EventRepository
var _ tally.EventRepository = (*GormEventRepository)(nil)
