package tally

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Event is a single usage report for one instance at one point in time.
// Optional string fields are empty when not reported.
type Event struct {
	ID                    uuid.UUID                  `json:"event_id"`
	AccountID             string                     `json:"account_number" validate:"required,max=255"`
	ServiceType           string                     `json:"service_type" validate:"required,max=255"`
	InstanceID            string                     `json:"instance_id" validate:"required,max=255"`
	Timestamp             time.Time                  `json:"timestamp" validate:"required"`
	EventSource           string                     `json:"event_source,omitempty" validate:"max=255"`
	Role                  string                     `json:"role,omitempty"`
	ProductIDs            []string                   `json:"product_ids,omitempty"`
	SLA                   string                     `json:"sla,omitempty"`
	Usage                 string                     `json:"usage,omitempty"`
	BillingProvider       string                     `json:"billing_provider,omitempty"`
	BillingAccountID      string                     `json:"billing_account_id,omitempty"`
	CloudProvider         string                     `json:"cloud_provider,omitempty"`
	HardwareType          string                     `json:"hardware_type,omitempty"`
	DisplayName           string                     `json:"display_name,omitempty"`
	InventoryID           string                     `json:"inventory_id,omitempty"`
	HypervisorUUID        string                     `json:"hypervisor_uuid,omitempty"`
	SubscriptionManagerID string                     `json:"subscription_manager_id,omitempty"`
	Measurements          map[string]decimal.Decimal `json:"measurements,omitempty"`
	UnlimitedUsage        bool                       `json:"unlimited_usage,omitempty"`
}

// NaturalKey identifies a report independently of its generated ID.
// Re-sending an event with the same natural key replaces the stored copy.
func (e *Event) NaturalKey() string {
	return e.AccountID + "|" + e.ServiceType + "|" + e.InstanceID + "|" + e.EventSource + "|" +
		e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Validate checks that every enumerated field holds a recognized value
func (e *Event) Validate() error {
	if _, err := ParseBillingProvider(e.BillingProvider); err != nil {
		return err
	}
	if _, err := ParseCloudProvider(e.CloudProvider); err != nil {
		return err
	}
	if _, err := ParseHardwareType(e.HardwareType); err != nil {
		return err
	}
	for uom := range e.Measurements {
		if strings.TrimSpace(uom) == "" {
			return shared.NewDomainError(shared.CodeInvalidInput, "measurement unit of measure is required")
		}
	}
	return nil
}

// MeasurementUnits returns the event's units of measure in sorted order
func (e *Event) MeasurementUnits() []string {
	units := make([]string, 0, len(e.Measurements))
	for uom := range e.Measurements {
		units = append(units, uom)
	}
	sort.Strings(units)
	return units
}

// GroupEventsByInstance groups events by instance id, preserving fold order within each group
func GroupEventsByInstance(events []*Event) map[string][]*Event {
	grouped := make(map[string][]*Event)
	for _, e := range events {
		grouped[e.InstanceID] = append(grouped[e.InstanceID], e)
	}
	for _, group := range grouped {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
	}
	return grouped
}
