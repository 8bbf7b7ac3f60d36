package tally

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Measurements holds totals by hardware measurement type and unit of measure
type Measurements map[HardwareMeasurementType]map[string]decimal.Decimal

// Add accumulates value into (hwType, uom)
func (m Measurements) Add(hwType HardwareMeasurementType, uom string, value decimal.Decimal) {
	byUnit, ok := m[hwType]
	if !ok {
		byUnit = make(map[string]decimal.Decimal)
		m[hwType] = byUnit
	}
	byUnit[uom] = byUnit[uom].Add(value)
}

// Get returns the total for (hwType, uom), zero when absent
func (m Measurements) Get(hwType HardwareMeasurementType, uom string) decimal.Decimal {
	return m[hwType][uom]
}

// Merge adds every value of other into m
func (m Measurements) Merge(other Measurements) {
	for hwType, byUnit := range other {
		for uom, v := range byUnit {
			m.Add(hwType, uom, v)
		}
	}
}

// Equal reports whether both hold the same values
func (m Measurements) Equal(other Measurements) bool {
	if len(m) != len(other) {
		return false
	}
	for hwType, byUnit := range m {
		otherByUnit, ok := other[hwType]
		if !ok || len(byUnit) != len(otherByUnit) {
			return false
		}
		for uom, v := range byUnit {
			ov, ok := otherByUnit[uom]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy
func (m Measurements) Clone() Measurements {
	c := make(Measurements, len(m))
	c.Merge(m)
	return c
}

// UsageCalculation is the usage tallied for one key
type UsageCalculation struct {
	Key       UsageCalculationKey
	Totals    Measurements
	Unlimited bool
}

// AccountUsageCalculation holds one hour's usage for an account, by key.
// AddUsage accumulates; nothing in it ever overwrites a previously added value.
type AccountUsageCalculation struct {
	AccountID    string
	calculations map[UsageCalculationKey]*UsageCalculation
}

// NewAccountUsageCalculation creates an empty calculation for an account
func NewAccountUsageCalculation(accountID string) *AccountUsageCalculation {
	return &AccountUsageCalculation{
		AccountID:    accountID,
		calculations: make(map[UsageCalculationKey]*UsageCalculation),
	}
}

func (a *AccountUsageCalculation) getOrCreate(key UsageCalculationKey) *UsageCalculation {
	calc, ok := a.calculations[key]
	if !ok {
		calc = &UsageCalculation{Key: key, Totals: make(Measurements)}
		a.calculations[key] = calc
	}
	return calc
}

// AddUsage adds value under key for the given hardware type and unit, and into the TOTAL
// hardware type for the same unit.
func (a *AccountUsageCalculation) AddUsage(key UsageCalculationKey, hwType HardwareMeasurementType, uom string, value decimal.Decimal) {
	calc := a.getOrCreate(key)
	calc.Totals.Add(hwType, uom, value)
	if hwType != MeasurementTotal {
		calc.Totals.Add(MeasurementTotal, uom, value)
	}
}

// MarkUnlimited flags key as having an unlimited usage source
func (a *AccountUsageCalculation) MarkUnlimited(key UsageCalculationKey) {
	a.getOrCreate(key).Unlimited = true
}

// Get returns the calculation for key
func (a *AccountUsageCalculation) Get(key UsageCalculationKey) (*UsageCalculation, bool) {
	calc, ok := a.calculations[key]
	return calc, ok
}

// Keys returns every key in sorted order
func (a *AccountUsageCalculation) Keys() []UsageCalculationKey {
	keys := make([]UsageCalculationKey, 0, len(a.calculations))
	for k := range a.calculations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// IsEmpty reports whether no key has been added
func (a *AccountUsageCalculation) IsEmpty() bool {
	return len(a.calculations) == 0
}
