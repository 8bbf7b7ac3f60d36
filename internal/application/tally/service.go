package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/logger"
	"github.com/metering/tally/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TallyStatus is the outcome of ProduceSnapshots
type TallyStatus string

const (
	TallyStatusCollected        TallyStatus = "COLLECTED"
	TallyStatusNothingToCollect TallyStatus = "NOTHING_TO_COLLECT"
)

// TallyResult reports what one ProduceSnapshots call did
type TallyResult struct {
	AccountID         string            `json:"account_number"`
	ServiceType       string            `json:"service_type"`
	Status            TallyStatus       `json:"status"`
	Range             tally.DateRange   `json:"-"`
	WasRecalculated   bool              `json:"was_recalculated"`
	Hours             int               `json:"hours"`
	Snapshots         []*tally.Snapshot `json:"-"`
	SnapshotsWritten  int               `json:"snapshots_written"`
	DuplicatesRemoved int               `json:"duplicates_removed"`
}

// BatchTallyResult is the outcome of ProduceSnapshotsForAll
type BatchTallyResult struct {
	Range      tally.DateRange `json:"-"`
	Total      int             `json:"total"`
	Successful int             `json:"successful"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Errors     []TallyError    `json:"errors,omitempty"`
}

// TallyError records the failure of one (account, service type)
type TallyError struct {
	AccountID   string `json:"account_number"`
	ServiceType string `json:"service_type"`
	Error       string `json:"error"`
}

// TallyServiceConfig contains configuration for TallyService
type TallyServiceConfig struct {
	// CollectionTimeout bounds one ProduceSnapshots call. Zero means no bound.
	CollectionTimeout time.Duration
	// PublishSummaries enqueues a TallySummary after every collection
	PublishSummaries bool
}

// DefaultTallyServiceConfig returns default configuration
func DefaultTallyServiceConfig() TallyServiceConfig {
	return TallyServiceConfig{
		CollectionTimeout: 10 * time.Minute,
		PublishSummaries:  true,
	}
}

// TallyService collects usage and rolls it into snapshots, one (account, service type) at a time
type TallyService struct {
	scope     TransactionScope
	collector *Collector
	roller    *Roller
	profile   *tally.TagProfile
	locker    shared.KeyLocker
	metrics   MetricsRecorder
	clock     *tally.Clock
	logger    *zap.Logger
	config    TallyServiceConfig
}

// NewTallyService creates a new TallyService
func NewTallyService(
	scope TransactionScope,
	profile *tally.TagProfile,
	locker shared.KeyLocker,
	metrics MetricsRecorder,
	clock *tally.Clock,
	logger *zap.Logger,
	config TallyServiceConfig,
) *TallyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if clock == nil {
		clock = tally.NewClock()
	}
	return &TallyService{
		scope:     scope,
		collector: NewCollector(profile, clock, logger),
		roller:    NewRoller(clock, logger),
		profile:   profile,
		locker:    locker,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
		config:    config,
	}
}

// LockKey returns the KeyLocker key serializing collections of (accountID, serviceType)
func LockKey(accountID, serviceType string) string {
	return "tally:" + accountID + ":" + serviceType
}

// ProduceSnapshots collects (accountID, serviceType) over r and writes the resulting snapshots.
//
// Collections of the same (account, service type) are serialized through the KeyLocker and the
// inventory row lock. Collection, every rollup and the summary message share one transaction.
func (s *TallyService) ProduceSnapshots(ctx context.Context, accountID, serviceType string, r tally.DateRange) (*TallyResult, error) {
	if accountID == "" || serviceType == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "account number and service type are required")
	}
	if !s.clock.IsHourlyRange(r) {
		return nil, shared.NewDomainError(shared.CodeInvalidInput,
			fmt.Sprintf("range %s must start and end on the hour", r))
	}

	if s.config.CollectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CollectionTimeout)
		defer cancel()
	}

	ctx, span := telemetry.StartSpan(ctx, "tally.produce_snapshots",
		telemetry.WithAttribute(telemetry.SpanAttrAccount, accountID),
		telemetry.WithAttribute(telemetry.SpanAttrServiceType, serviceType),
		telemetry.WithAttribute(telemetry.SpanAttrRangeStart, r.Start),
		telemetry.WithAttribute(telemetry.SpanAttrRangeEnd, r.End))
	defer span.End()
	ctx, log := logger.WithAccount(ctx, s.logger, accountID, serviceType)

	unlock, err := s.locker.Lock(ctx, LockKey(accountID, serviceType))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to lock %s/%s: %w", accountID, serviceType, err)
	}
	defer unlock()

	started := s.clock.Now()
	result := &TallyResult{
		AccountID:   accountID,
		ServiceType: serviceType,
		Status:      TallyStatusNothingToCollect,
		Range:       r,
	}

	err = s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		collected, err := s.collector.Collect(ctx, repos, serviceType, accountID, r)
		if err != nil {
			return err
		}
		if collected == nil {
			return nil
		}

		result.Status = TallyStatusCollected
		result.Range = collected.Range
		result.WasRecalculated = collected.WasRecalculated
		result.Hours = len(collected.Calculations)
		if len(collected.Calculations) == 0 {
			return nil
		}

		hourly, err := s.rollUp(ctx, repos, accountID, serviceType, collected.Calculations, result)
		if err != nil {
			return err
		}

		if s.config.PublishSummaries && len(hourly) > 0 {
			summary := billing.NewTallySummary(accountID, hourly)
			if err := repos.Messages().Publish(ctx, billing.TopicTallySummary, accountID, summary); err != nil {
				return fmt.Errorf("failed to enqueue tally summary: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		log.Error("Tally failed", zap.Stringer("range", r), zap.Error(err))
		return nil, err
	}

	if result.Status == TallyStatusCollected {
		s.metrics.RecordCollection(ctx, serviceType, result.Hours, result.WasRecalculated, s.clock.Now().Sub(started))
	}
	telemetry.SetAttributes(span,
		telemetry.SpanAttrHours, result.Hours,
		"tally.status", string(result.Status))
	log.Info("Tally completed",
		zap.String("status", string(result.Status)),
		zap.Stringer("range", result.Range),
		zap.Bool("recalculated", result.WasRecalculated),
		zap.Int("snapshots", result.SnapshotsWritten),
		zap.Int("duplicates_removed", result.DuplicatesRemoved))

	return result, nil
}

// rollUp writes hourly snapshots, then plans the coarser granularities concurrently and writes
// them. It returns the hourly snapshots.
func (s *TallyService) rollUp(ctx context.Context, repos TransactionalRepositories, accountID, serviceType string, calcs map[time.Time]*tally.AccountUsageCalculation, result *TallyResult) ([]*tally.Snapshot, error) {
	hourlyOutcome, err := s.roller.RollUp(ctx, repos.Snapshots(), accountID, tally.GranularityHourly, calcs)
	if err != nil {
		return nil, err
	}
	s.record(ctx, tally.GranularityHourly, hourlyOutcome, result)

	var coarser []tally.Granularity
	for _, g := range s.profile.GranularitiesForServiceType(serviceType) {
		if g != tally.GranularityHourly {
			coarser = append(coarser, g)
		}
	}
	if len(coarser) == 0 {
		return hourlyOutcome.Snapshots, nil
	}

	window := s.roller.HourlyWindow(coarser, calcs)
	stored, err := repos.Snapshots().FindByRange(ctx, accountID, tally.GranularityHourly, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load hourly snapshots: %w", err)
	}

	plans := make([]*RollupPlan, len(coarser))
	g, _ := errgroup.WithContext(ctx)
	for i, gran := range coarser {
		g.Go(func() error {
			plan, err := s.roller.Plan(accountID, gran, calcs, stored)
			if err != nil {
				return err
			}
			plans[i] = plan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, plan := range plans {
		outcome, err := s.roller.Apply(ctx, repos.Snapshots(), plan)
		if err != nil {
			return nil, err
		}
		s.record(ctx, plan.Granularity, outcome, result)
	}
	return hourlyOutcome.Snapshots, nil
}

func (s *TallyService) record(ctx context.Context, g tally.Granularity, outcome *RollupOutcome, result *TallyResult) {
	result.Snapshots = append(result.Snapshots, outcome.Snapshots...)
	result.SnapshotsWritten += len(outcome.Snapshots)
	result.DuplicatesRemoved += outcome.DuplicatesRemoved
	s.metrics.RecordSnapshotsWritten(ctx, g.String(), len(outcome.Snapshots), outcome.DuplicatesRemoved)
}

// ProduceSnapshotsForAll runs ProduceSnapshots over r for every known inventory and every
// (account, service type) with events in r. A failure for one key does not stop the others.
func (s *TallyService) ProduceSnapshotsForAll(ctx context.Context, r tally.DateRange) (*BatchTallyResult, error) {
	s.logger.Info("Starting tally for all accounts", zap.Stringer("range", r))

	var known, withEvents []tally.InventoryKey
	err := s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
		var err error
		if known, err = repos.Inventories().ListKeys(ctx); err != nil {
			return fmt.Errorf("failed to list inventories: %w", err)
		}
		if withEvents, err = repos.Events().ListKeysInRange(ctx, r.Start, r.End); err != nil {
			return fmt.Errorf("failed to list accounts with events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[tally.InventoryKey]struct{})
	var all []tally.InventoryKey
	for _, k := range append(known, withEvents...) {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		all = append(all, k)
	}

	result := &BatchTallyResult{
		Range:  r,
		Total:  len(all),
		Errors: make([]TallyError, 0),
	}
	for _, k := range all {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := s.ProduceSnapshots(ctx, k.AccountID, k.ServiceType, r)
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, TallyError{
				AccountID:   k.AccountID,
				ServiceType: k.ServiceType,
				Error:       err.Error(),
			})
		case res.Status == TallyStatusNothingToCollect:
			result.Skipped++
		default:
			result.Successful++
		}
	}

	s.logger.Info("Tally for all accounts completed",
		zap.Stringer("range", r),
		zap.Int("total", result.Total),
		zap.Int("successful", result.Successful),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))

	return result, nil
}
