package billing

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/shopspring/decimal"
)

// Message topics
const (
	TopicTallySummary  = "tally-summary"
	TopicBillableUsage = "billable-usage"
)

// TallyMeasurement is one (hardware type, unit) value of a snapshot
type TallyMeasurement struct {
	HardwareMeasurementType string          `json:"hardware_measurement_type"`
	UOM                     string          `json:"uom"`
	Value                   decimal.Decimal `json:"value"`
}

// TallySnapshot is the wire form of a tally.Snapshot
type TallySnapshot struct {
	ID                  uuid.UUID          `json:"id"`
	ProductID           string             `json:"product_id"`
	SnapshotDate        time.Time          `json:"snapshot_date"`
	Granularity         string             `json:"granularity"`
	SLA                 string             `json:"sla,omitempty"`
	Usage               string             `json:"usage,omitempty"`
	BillingProvider     string             `json:"billing_provider,omitempty"`
	BillingAccountID    string             `json:"billing_account_id,omitempty"`
	HasInfiniteQuantity bool               `json:"has_infinite_quantity"`
	Measurements        []TallyMeasurement `json:"tally_measurements"`
}

// NewTallySnapshot converts a snapshot to its wire form. Measurements are ordered by
// hardware type then unit.
func NewTallySnapshot(s *tally.Snapshot) TallySnapshot {
	out := TallySnapshot{
		ID:                  s.ID,
		ProductID:           s.Key.ProductID,
		SnapshotDate:        s.SnapshotDate.UTC(),
		Granularity:         s.Granularity.String(),
		SLA:                 s.Key.ServiceLevel.String(),
		Usage:               s.Key.Usage.String(),
		BillingProvider:     s.Key.BillingProvider.String(),
		BillingAccountID:    s.Key.BillingAccountID,
		HasInfiniteQuantity: s.HasInfiniteQuantity,
	}
	for hwType, byUnit := range s.Measurements {
		for uom, v := range byUnit {
			out.Measurements = append(out.Measurements, TallyMeasurement{
				HardwareMeasurementType: hwType.String(),
				UOM:                     uom,
				Value:                   v,
			})
		}
	}
	sort.Slice(out.Measurements, func(i, j int) bool {
		a, b := out.Measurements[i], out.Measurements[j]
		if a.HardwareMeasurementType != b.HardwareMeasurementType {
			return a.HardwareMeasurementType < b.HardwareMeasurementType
		}
		return a.UOM < b.UOM
	})
	return out
}

// TallySummary is published after a collection with the snapshots it wrote for the account
type TallySummary struct {
	AccountID      string          `json:"account_number"`
	TallySnapshots []TallySnapshot `json:"tally_snapshots"`
}

// NewTallySummary builds a summary from snapshots
func NewTallySummary(accountID string, snapshots []*tally.Snapshot) *TallySummary {
	summary := &TallySummary{AccountID: accountID, TallySnapshots: make([]TallySnapshot, 0, len(snapshots))}
	for _, s := range snapshots {
		summary.TallySnapshots = append(summary.TallySnapshots, NewTallySnapshot(s))
	}
	return summary
}

// BillableUsage is the billing view of a TallySummary
type BillableUsage struct {
	AccountID              string          `json:"account_number"`
	BillableTallySnapshots []TallySnapshot `json:"billable_tally_snapshots"`
}

// NewBillableUsage maps a summary onto billable usage
func NewBillableUsage(summary *TallySummary) *BillableUsage {
	return &BillableUsage{
		AccountID:              summary.AccountID,
		BillableTallySnapshots: summary.TallySnapshots,
	}
}

// Validate rejects usage without an account or without snapshots
func (u *BillableUsage) Validate() error {
	if u == nil || u.AccountID == "" {
		return shared.NewDomainError(shared.CodeInvalidInput, "billable usage requires an account number")
	}
	if len(u.BillableTallySnapshots) == 0 {
		return shared.NewDomainError(shared.CodeInvalidInput, "billable usage for account "+u.AccountID+" has no snapshots")
	}
	return nil
}

// BillableUsagePublisher delivers billable usage downstream.
// Implementations return an error wrapping shared.ErrTransientDelivery for failures worth retrying.
type BillableUsagePublisher interface {
	Publish(ctx context.Context, usage *BillableUsage) error
}
