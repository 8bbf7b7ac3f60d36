// Package tally provides the domain model for usage metering and temporal aggregation.
//
// Usage events reported per instance are folded hourly into per-instance state owned by an
// AccountServiceInventory, tallied into an AccountUsageCalculation keyed by billing dimension,
// and rolled up into Snapshots at hourly through yearly granularity.
//
// Key Aggregates:
//   - AccountServiceInventory: per (account, service type) owner of every InstanceState
//   - Snapshot: the persisted total for one (account, key, granularity, period)
//
// Value Objects:
//   - UsageCalculationKey: (product, service level, usage, billing provider, billing account)
//   - AccountUsageCalculation: additive per-hour totals by key, hardware type and unit
//   - DateRange and Granularity, with period boundaries supplied by Clock
//
// Product metadata (role and engineering product mappings, per service type defaults) lives in
// TagProfile.
package tally
