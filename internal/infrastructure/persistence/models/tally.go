package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/shopspring/decimal"
)

// EventModel is the persistence model for the event store
type EventModel struct {
	ID                    uuid.UUID                        `gorm:"type:uuid;primaryKey"`
	NaturalKey            string                           `gorm:"type:varchar(1024);not null;uniqueIndex:uq_events_natural_key"`
	AccountID             string                           `gorm:"type:varchar(255);not null;index:idx_events_scope,priority:1"`
	ServiceType           string                           `gorm:"type:varchar(255);not null;index:idx_events_scope,priority:2"`
	Timestamp             time.Time                        `gorm:"column:event_timestamp;not null;index:idx_events_scope,priority:3;index:idx_events_timestamp"`
	InstanceID            string                           `gorm:"type:varchar(255);not null"`
	EventSource           string                           `gorm:"type:varchar(255)"`
	Role                  string                           `gorm:"type:varchar(255)"`
	ProductIDs            JSON[[]string]                   `gorm:"type:jsonb"`
	SLA                   string                           `gorm:"column:sla;type:varchar(50)"`
	Usage                 string                           `gorm:"type:varchar(50)"`
	BillingProvider       string                           `gorm:"type:varchar(50)"`
	BillingAccountID      string                           `gorm:"type:varchar(255)"`
	CloudProvider         string                           `gorm:"type:varchar(50)"`
	HardwareType          string                           `gorm:"type:varchar(50)"`
	DisplayName           string                           `gorm:"type:varchar(255)"`
	InventoryID           string                           `gorm:"type:varchar(255)"`
	HypervisorUUID        string                           `gorm:"column:hypervisor_uuid;type:varchar(255)"`
	SubscriptionManagerID string                           `gorm:"type:varchar(255)"`
	Measurements          JSON[map[string]decimal.Decimal] `gorm:"type:jsonb"`
	UnlimitedUsage        bool                             `gorm:"not null;default:false"`
	CreatedAt             time.Time                        `gorm:"not null"`
	UpdatedAt             time.Time                        `gorm:"not null"`
}

// TableName returns the table name for GORM
func (EventModel) TableName() string {
	return "events"
}

// EventModelFromDomain creates a persistence model from a domain event
func EventModelFromDomain(e *tally.Event) *EventModel {
	return &EventModel{
		ID:                    e.ID,
		NaturalKey:            e.NaturalKey(),
		AccountID:             e.AccountID,
		ServiceType:           e.ServiceType,
		Timestamp:             utc(e.Timestamp),
		InstanceID:            e.InstanceID,
		EventSource:           e.EventSource,
		Role:                  e.Role,
		ProductIDs:            NewJSON(e.ProductIDs),
		SLA:                   e.SLA,
		Usage:                 e.Usage,
		BillingProvider:       e.BillingProvider,
		BillingAccountID:      e.BillingAccountID,
		CloudProvider:         e.CloudProvider,
		HardwareType:          e.HardwareType,
		DisplayName:           e.DisplayName,
		InventoryID:           e.InventoryID,
		HypervisorUUID:        e.HypervisorUUID,
		SubscriptionManagerID: e.SubscriptionManagerID,
		Measurements:          NewJSON(e.Measurements),
		UnlimitedUsage:        e.UnlimitedUsage,
	}
}

// ToDomain converts the persistence model to a domain event
func (m *EventModel) ToDomain() *tally.Event {
	return &tally.Event{
		ID:                    m.ID,
		AccountID:             m.AccountID,
		ServiceType:           m.ServiceType,
		InstanceID:            m.InstanceID,
		Timestamp:             m.Timestamp.UTC(),
		EventSource:           m.EventSource,
		Role:                  m.Role,
		ProductIDs:            m.ProductIDs.Data,
		SLA:                   m.SLA,
		Usage:                 m.Usage,
		BillingProvider:       m.BillingProvider,
		BillingAccountID:      m.BillingAccountID,
		CloudProvider:         m.CloudProvider,
		HardwareType:          m.HardwareType,
		DisplayName:           m.DisplayName,
		InventoryID:           m.InventoryID,
		HypervisorUUID:        m.HypervisorUUID,
		SubscriptionManagerID: m.SubscriptionManagerID,
		Measurements:          m.Measurements.Data,
		UnlimitedUsage:        m.UnlimitedUsage,
	}
}

// InventoryModel is the header row of an AccountServiceInventory
type InventoryModel struct {
	AccountID   string    `gorm:"type:varchar(255);primaryKey"`
	ServiceType string    `gorm:"type:varchar(255);primaryKey"`
	Version     int       `gorm:"not null;default:1"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime:false"`
}

// TableName returns the table name for GORM
func (InventoryModel) TableName() string {
	return "account_service_inventories"
}

// InstanceStateModel is one instance owned by an inventory
type InstanceStateModel struct {
	AccountID             string                                      `gorm:"type:varchar(255);primaryKey"`
	ServiceType           string                                      `gorm:"type:varchar(255);primaryKey"`
	InstanceID            string                                      `gorm:"type:varchar(255);primaryKey"`
	InstanceType          string                                      `gorm:"type:varchar(255)"`
	DisplayName           string                                      `gorm:"type:varchar(255)"`
	InventoryID           string                                      `gorm:"type:varchar(255)"`
	HypervisorUUID        string                                      `gorm:"column:hypervisor_uuid;type:varchar(255)"`
	SubscriptionManagerID string                                      `gorm:"type:varchar(255)"`
	BillingProvider       string                                      `gorm:"type:varchar(50)"`
	BillingAccountID      string                                      `gorm:"type:varchar(255)"`
	CloudProvider         string                                      `gorm:"type:varchar(50)"`
	HardwareType          string                                      `gorm:"type:varchar(50)"`
	IsGuest               bool                                        `gorm:"not null;default:false"`
	UnlimitedUsage        bool                                        `gorm:"not null;default:false"`
	LastSeen              time.Time                                   `gorm:"not null"`
	Measurements          JSON[map[string]decimal.Decimal]            `gorm:"type:jsonb"`
	MonthlyTotals         JSON[map[string]map[string]decimal.Decimal] `gorm:"type:jsonb"`
	Buckets               JSON[[]tally.UsageCalculationKey]           `gorm:"type:jsonb"`
}

// TableName returns the table name for GORM
func (InstanceStateModel) TableName() string {
	return "instance_states"
}

// InstanceStateModelFromDomain creates a persistence model for an instance of inv
func InstanceStateModelFromDomain(inv *tally.AccountServiceInventory, h *tally.InstanceState) *InstanceStateModel {
	return &InstanceStateModel{
		AccountID:             inv.AccountID,
		ServiceType:           inv.ServiceType,
		InstanceID:            h.InstanceID,
		InstanceType:          h.InstanceType,
		DisplayName:           h.DisplayName,
		InventoryID:           h.InventoryID,
		HypervisorUUID:        h.HypervisorUUID,
		SubscriptionManagerID: h.SubscriptionManagerID,
		BillingProvider:       h.BillingProvider.String(),
		BillingAccountID:      h.BillingAccountID,
		CloudProvider:         h.CloudProvider.String(),
		HardwareType:          h.HardwareType.String(),
		IsGuest:               h.IsGuest,
		UnlimitedUsage:        h.UnlimitedUsage,
		LastSeen:              utc(h.LastSeen),
		Measurements:          NewJSON(h.Measurements),
		MonthlyTotals:         NewJSON(h.MonthlyTotals),
		Buckets:               NewJSON(h.BucketKeys()),
	}
}

// ToDomain converts the persistence model to a domain instance
func (m *InstanceStateModel) ToDomain() *tally.InstanceState {
	h := tally.NewInstanceState(m.InstanceID)
	h.AccountID = m.AccountID
	h.InstanceType = m.InstanceType
	h.DisplayName = m.DisplayName
	h.InventoryID = m.InventoryID
	h.HypervisorUUID = m.HypervisorUUID
	h.SubscriptionManagerID = m.SubscriptionManagerID
	h.BillingProvider = tally.BillingProvider(m.BillingProvider)
	h.BillingAccountID = m.BillingAccountID
	h.CloudProvider = tally.CloudProvider(m.CloudProvider)
	h.HardwareType = tally.HostHardwareType(m.HardwareType)
	h.IsGuest = m.IsGuest
	h.UnlimitedUsage = m.UnlimitedUsage
	h.LastSeen = m.LastSeen.UTC()
	for uom, v := range m.Measurements.Data {
		h.SetMeasurement(uom, v)
	}
	for month, byUnit := range m.MonthlyTotals.Data {
		units := make(map[string]decimal.Decimal, len(byUnit))
		for uom, v := range byUnit {
			units[uom] = v
		}
		h.MonthlyTotals[month] = units
	}
	for _, key := range m.Buckets.Data {
		h.AddBucket(key)
	}
	return h
}

// SnapshotModel is the persistence model for tally snapshots.
// Rows are not unique per period; duplicates are collapsed when the period is next rolled up.
type SnapshotModel struct {
	ID                  uuid.UUID                `gorm:"type:uuid;primaryKey"`
	AccountID           string                   `gorm:"type:varchar(255);not null;index:idx_snapshots_period,priority:1"`
	Granularity         string                   `gorm:"type:varchar(20);not null;index:idx_snapshots_period,priority:2"`
	SnapshotDate        time.Time                `gorm:"not null;index:idx_snapshots_period,priority:3"`
	PeriodEnd           time.Time                `gorm:"not null"`
	ProductID           string                   `gorm:"type:varchar(255);not null;index:idx_snapshots_period,priority:4"`
	SLA                 string                   `gorm:"column:sla;type:varchar(50);not null"`
	Usage               string                   `gorm:"type:varchar(50);not null"`
	BillingProvider     string                   `gorm:"type:varchar(50);not null"`
	BillingAccountID    string                   `gorm:"type:varchar(255);not null;default:''"`
	Measurements        JSON[tally.Measurements] `gorm:"type:jsonb"`
	HasInfiniteQuantity bool                     `gorm:"not null;default:false"`
	CreatedAt           time.Time                `gorm:"not null;autoCreateTime:false"`
	UpdatedAt           time.Time                `gorm:"not null;autoUpdateTime:false"`
}

// TableName returns the table name for GORM
func (SnapshotModel) TableName() string {
	return "tally_snapshots"
}

// SnapshotModelFromDomain creates a persistence model from a domain snapshot
func SnapshotModelFromDomain(s *tally.Snapshot) *SnapshotModel {
	return &SnapshotModel{
		ID:                  s.ID,
		AccountID:           s.AccountID,
		Granularity:         s.Granularity.String(),
		SnapshotDate:        utc(s.SnapshotDate),
		PeriodEnd:           utc(s.PeriodEnd),
		ProductID:           s.Key.ProductID,
		SLA:                 s.Key.ServiceLevel.String(),
		Usage:               s.Key.Usage.String(),
		BillingProvider:     s.Key.BillingProvider.String(),
		BillingAccountID:    s.Key.BillingAccountID,
		Measurements:        NewJSON(s.Measurements),
		HasInfiniteQuantity: s.HasInfiniteQuantity,
		CreatedAt:           utc(s.CreatedAt),
		UpdatedAt:           utc(s.UpdatedAt),
	}
}

// ToDomain converts the persistence model to a domain snapshot
func (m *SnapshotModel) ToDomain() *tally.Snapshot {
	measurements := m.Measurements.Data
	if measurements == nil {
		measurements = make(tally.Measurements)
	}
	return &tally.Snapshot{
		ID:        m.ID,
		AccountID: m.AccountID,
		Key: tally.UsageCalculationKey{
			ProductID:        m.ProductID,
			ServiceLevel:     tally.ServiceLevel(m.SLA),
			Usage:            tally.Usage(m.Usage),
			BillingProvider:  tally.BillingProvider(m.BillingProvider),
			BillingAccountID: m.BillingAccountID,
		},
		Granularity:         tally.Granularity(m.Granularity),
		SnapshotDate:        m.SnapshotDate.UTC(),
		PeriodEnd:           m.PeriodEnd.UTC(),
		Measurements:        measurements,
		HasInfiniteQuantity: m.HasInfiniteQuantity,
		CreatedAt:           m.CreatedAt.UTC(),
		UpdatedAt:           m.UpdatedAt.UTC(),
	}
}
