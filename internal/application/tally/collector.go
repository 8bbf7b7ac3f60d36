package tally

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
	"go.uber.org/zap"
)

// CollectionResult is the outcome of one collection.
// A nil *CollectionResult means there was nothing to collect.
type CollectionResult struct {
	// Range is the effective range that was collected. It is wider than the requested
	// range when the collection was recalculated.
	Range           tally.DateRange
	Calculations    map[time.Time]*tally.AccountUsageCalculation
	WasRecalculated bool
}

// Hours returns the hours that produced a calculation, in order
func (r *CollectionResult) Hours() []time.Time {
	hours := make([]time.Time, 0, len(r.Calculations))
	for h := range r.Calculations {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
	return hours
}

// Collector folds events into the per-instance state of an AccountServiceInventory and
// produces one AccountUsageCalculation per hour.
type Collector struct {
	profile *tally.TagProfile
	clock   *tally.Clock
	logger  *zap.Logger
}

// NewCollector creates a new Collector
func NewCollector(profile *tally.TagProfile, clock *tally.Clock, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		profile: profile,
		clock:   clock,
		logger:  logger,
	}
}

// Collect collects usage for (accountID, serviceType) over r.
//
// r must start and end on an hour boundary. When no event exists in r, Collect returns nil
// without touching the inventory. When an instance of the inventory was already seen after
// r.Start, the events of r are being re-collected and the whole month of r.Start is recomputed
// up to the current hour. The inventory is saved once, after every hour was folded; any error
// leaves it unsaved.
func (c *Collector) Collect(ctx context.Context, repos TransactionalRepositories, serviceType, accountID string, r tally.DateRange) (*CollectionResult, error) {
	if !c.clock.IsHourlyRange(r) {
		return nil, shared.NewDomainError(shared.CodeInvalidInput,
			fmt.Sprintf("range %s must start and end on the hour", r))
	}

	hasEvents, err := repos.Events().HasEventsInRange(ctx, accountID, serviceType, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to check events: %w", err)
	}
	if !hasEvents {
		c.logger.Debug("No events to collect",
			zap.String("account_id", accountID),
			zap.String("service_type", serviceType),
			zap.Stringer("range", r))
		return nil, nil
	}

	inventory, err := repos.Inventories().FindForUpdate(ctx, accountID, serviceType)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	if inventory == nil {
		inventory = tally.NewAccountServiceInventory(accountID, serviceType)
	}

	effective := r
	recalculated := false
	if newest := inventory.NewestLastSeen(); newest.After(r.Start) {
		end := c.clock.EndOfCurrentHour()
		if end.Before(r.End) {
			end = r.End
		}
		effective = tally.DateRange{Start: c.clock.StartOfMonth(r.Start), End: end}
		recalculated = true
		for _, id := range inventory.InstanceIDs() {
			inventory.Instances[id].ClearMonthlyTotals(effective.Start, effective.End)
		}
		c.logger.Info("Recalculating usage",
			zap.String("account_id", accountID),
			zap.String("service_type", serviceType),
			zap.Time("newest_last_seen", newest),
			zap.Stringer("range", effective))
	}

	result := &CollectionResult{
		Range:           effective,
		Calculations:    make(map[time.Time]*tally.AccountUsageCalculation),
		WasRecalculated: recalculated,
	}
	for _, hour := range effective.Hours() {
		calc, err := c.CollectHour(ctx, repos.Events(), inventory, hour)
		if err != nil {
			return nil, err
		}
		if !calc.IsEmpty() {
			result.Calculations[hour] = calc
		}
	}

	inventory.UpdatedAt = c.clock.Now()
	if err := repos.Inventories().Save(ctx, inventory); err != nil {
		return nil, fmt.Errorf("failed to save inventory: %w", err)
	}

	c.logger.Info("Usage collected",
		zap.String("account_id", accountID),
		zap.String("service_type", serviceType),
		zap.Stringer("range", effective),
		zap.Int("hours", len(result.Calculations)),
		zap.Bool("recalculated", recalculated))

	return result, nil
}

// CollectHour folds the events of the hour starting at hour into inventory and tallies the
// instances that reported in that hour. The returned calculation is empty when no instance
// contributed.
func (c *Collector) CollectHour(ctx context.Context, events tally.EventRepository, inventory *tally.AccountServiceInventory, hour time.Time) (*tally.AccountUsageCalculation, error) {
	hourEvents, err := events.FindInRange(ctx, inventory.AccountID, inventory.ServiceType, hour, hour.Add(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", hour.Format(time.RFC3339), err)
	}

	for _, h := range inventory.Instances {
		h.ResetForHour()
	}

	grouped := tally.GroupEventsByInstance(hourEvents)
	instanceIDs := make([]string, 0, len(grouped))
	for id := range grouped {
		instanceIDs = append(instanceIDs, id)
	}
	sort.Strings(instanceIDs)

	for _, id := range instanceIDs {
		instance := inventory.GetOrCreateInstance(id)
		for _, e := range grouped[id] {
			if err := instance.ApplyEvent(e); err != nil {
				return nil, fmt.Errorf("failed to apply event for instance %s: %w", id, err)
			}
			keys, err := tally.BucketKeys(c.profile, e)
			if err != nil {
				return nil, fmt.Errorf("failed to derive buckets for instance %s: %w", id, err)
			}
			for _, key := range keys {
				instance.AddBucket(key)
			}
		}
	}

	calc := tally.NewAccountUsageCalculation(inventory.AccountID)
	for _, id := range instanceIDs {
		instance := inventory.Instances[id]
		hwType, err := instance.MeasurementType()
		if err != nil {
			return nil, err
		}
		units := make([]string, 0, len(instance.Measurements))
		for uom := range instance.Measurements {
			units = append(units, uom)
		}
		sort.Strings(units)

		for _, key := range instance.BucketKeys() {
			for _, uom := range units {
				calc.AddUsage(key, hwType, uom, instance.Measurements[uom])
			}
			if instance.UnlimitedUsage {
				calc.MarkUnlimited(key)
			}
		}
	}
	return calc, nil
}
