package tally

import (
	"sort"
	"time"

	"github.com/metering/tally/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// monthKeyLayout formats the month a monthly total belongs to
const monthKeyLayout = "2006-01"

// MonthKey returns the monthly-total bucket t belongs to
func MonthKey(t time.Time) string {
	return t.UTC().Format(monthKeyLayout)
}

// InstanceState is the last known state of one reporting instance (a host, a cluster, ...).
// Measurements reflect only the hour currently being processed; MonthlyTotals accumulate
// every measurement seen in a month.
type InstanceState struct {
	InstanceID            string
	AccountID             string
	InstanceType          string
	DisplayName           string
	InventoryID           string
	HypervisorUUID        string
	SubscriptionManagerID string
	BillingProvider       BillingProvider
	BillingAccountID      string
	CloudProvider         CloudProvider
	HardwareType          HostHardwareType
	IsGuest               bool
	UnlimitedUsage        bool
	LastSeen              time.Time
	Measurements          map[string]decimal.Decimal
	MonthlyTotals         map[string]map[string]decimal.Decimal
	Buckets               map[UsageCalculationKey]struct{}
}

// NewInstanceState creates an empty instance
func NewInstanceState(instanceID string) *InstanceState {
	return &InstanceState{
		InstanceID:    instanceID,
		Measurements:  make(map[string]decimal.Decimal),
		MonthlyTotals: make(map[string]map[string]decimal.Decimal),
		Buckets:       make(map[UsageCalculationKey]struct{}),
	}
}

// ResetForHour drops the current-hour measurements, buckets and unlimited flag before an hour
// is folded
func (h *InstanceState) ResetForHour() {
	h.Measurements = make(map[string]decimal.Decimal)
	h.Buckets = make(map[UsageCalculationKey]struct{})
	h.UnlimitedUsage = false
}

// SetMeasurement sets the current-hour value for uom
func (h *InstanceState) SetMeasurement(uom string, value decimal.Decimal) {
	if h.Measurements == nil {
		h.Measurements = make(map[string]decimal.Decimal)
	}
	h.Measurements[uom] = value
}

// AddToMonthlyTotal accumulates value into the total for the month of ts
func (h *InstanceState) AddToMonthlyTotal(ts time.Time, uom string, value decimal.Decimal) {
	if h.MonthlyTotals == nil {
		h.MonthlyTotals = make(map[string]map[string]decimal.Decimal)
	}
	month := MonthKey(ts)
	byUnit, ok := h.MonthlyTotals[month]
	if !ok {
		byUnit = make(map[string]decimal.Decimal)
		h.MonthlyTotals[month] = byUnit
	}
	byUnit[uom] = byUnit[uom].Add(value)
}

// MonthlyTotal returns the accumulated value for the month of ts
func (h *InstanceState) MonthlyTotal(ts time.Time, uom string) decimal.Decimal {
	return h.MonthlyTotals[MonthKey(ts)][uom]
}

// ClearMonthlyTotals removes the totals of every month overlapping [start, end)
func (h *InstanceState) ClearMonthlyTotals(start, end time.Time) {
	for m := time.Date(start.UTC().Year(), start.UTC().Month(), 1, 0, 0, 0, 0, time.UTC); m.Before(end); m = m.AddDate(0, 1, 0) {
		delete(h.MonthlyTotals, MonthKey(m))
	}
}

// AddBucket attaches a bucket for key
func (h *InstanceState) AddBucket(key UsageCalculationKey) {
	if h.Buckets == nil {
		h.Buckets = make(map[UsageCalculationKey]struct{})
	}
	h.Buckets[key] = struct{}{}
}

// BucketKeys returns the instance's bucket keys in sorted order
func (h *InstanceState) BucketKeys() []UsageCalculationKey {
	keys := make([]UsageCalculationKey, 0, len(h.Buckets))
	for k := range h.Buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// MeasurementType returns the hardware dimension the instance's usage is reported under.
// A CLOUD instance without a cloud provider is an INVALID_STATE error.
func (h *InstanceState) MeasurementType() (HardwareMeasurementType, error) {
	switch h.HardwareType {
	case HostHardwareTypeNone, HostHardwareTypePhysical:
		return MeasurementPhysical, nil
	case HostHardwareTypeVirtualized:
		return MeasurementVirtual, nil
	case HostHardwareTypeCloud:
		if h.CloudProvider == CloudProviderEmpty {
			return "", shared.NewDomainError(shared.CodeInvalidState,
				"hardware type cloud, but no cloud provider specified for instance "+h.InstanceID)
		}
		return MeasurementTypeForCloud(h.CloudProvider)
	}
	return "", unrecognized("hardware type", string(h.HardwareType))
}

// ApplyEvent folds one event into the instance: identity and hardware fields are taken from the
// event, each measurement becomes the current value for its unit and is added to the monthly total.
// Buckets are derived separately by the collector.
func (h *InstanceState) ApplyEvent(e *Event) error {
	h.AccountID = e.AccountID
	h.InstanceType = e.ServiceType
	h.InstanceID = e.InstanceID

	if e.BillingAccountID != "" {
		h.BillingAccountID = e.BillingAccountID
	}
	if e.BillingProvider != "" {
		provider, err := ParseBillingProvider(e.BillingProvider)
		if err != nil {
			return err
		}
		h.BillingProvider = provider
	}
	if e.CloudProvider != "" {
		cloud, err := ParseCloudProvider(e.CloudProvider)
		if err != nil {
			return err
		}
		h.CloudProvider = cloud
	}
	if e.HardwareType != "" {
		hw, err := ParseHardwareType(e.HardwareType)
		if err != nil {
			return err
		}
		hostHW, err := hw.ToHostHardwareType()
		if err != nil {
			return err
		}
		if hostHW != HostHardwareTypeNone {
			h.HardwareType = hostHW
		}
	}

	h.DisplayName = e.DisplayName
	if h.DisplayName == "" {
		h.DisplayName = e.InstanceID
	}
	h.LastSeen = e.Timestamp.UTC()
	h.IsGuest = h.HardwareType == HostHardwareTypeVirtualized
	// unlimited is sticky for the hour whatever the event order
	h.UnlimitedUsage = h.UnlimitedUsage || e.UnlimitedUsage
	if e.InventoryID != "" {
		h.InventoryID = e.InventoryID
	}
	if e.HypervisorUUID != "" {
		h.HypervisorUUID = e.HypervisorUUID
	}
	if e.SubscriptionManagerID != "" {
		h.SubscriptionManagerID = e.SubscriptionManagerID
	}

	for _, uom := range e.MeasurementUnits() {
		value := e.Measurements[uom]
		h.SetMeasurement(uom, value)
		h.AddToMonthlyTotal(e.Timestamp, uom, value)
	}
	return nil
}
