package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig contains the retry policy for billable usage delivery
type ProducerConfig struct {
	// MaxAttempts is the total number of publish attempts, the first one included
	MaxAttempts int

	// InitialInterval is the delay before the first retry
	InitialInterval time.Duration

	// Multiplier grows the delay after each failed attempt
	Multiplier float64

	// MaxInterval caps the delay between attempts
	MaxInterval time.Duration
}

// DefaultProducerConfig returns default configuration
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     time.Minute,
	}
}

// MetricsRecorder receives billing instrumentation
type MetricsRecorder interface {
	RecordBillingAttempt(ctx context.Context, retried bool)
	RecordBillingOutcome(ctx context.Context, delivered bool)
}

// NopMetrics is a MetricsRecorder that records nothing
type NopMetrics struct{}

func (NopMetrics) RecordBillingAttempt(context.Context, bool) {}

func (NopMetrics) RecordBillingOutcome(context.Context, bool) {}

// BillingProducer validates billable usage and publishes it with bounded exponential backoff
type BillingProducer struct {
	publisher billing.BillableUsagePublisher
	metrics   MetricsRecorder
	logger    *zap.Logger
	config    ProducerConfig
}

// NewBillingProducer creates a new BillingProducer
func NewBillingProducer(publisher billing.BillableUsagePublisher, metrics MetricsRecorder, logger *zap.Logger, config ProducerConfig) *BillingProducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &BillingProducer{
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		config:    config,
	}
}

// Produce publishes usage. Transient failures are retried without being reported;
// a DELIVERY_FAILED DomainError is returned once the attempts are exhausted.
// Invalid usage and non-transient failures are returned without retrying.
func (p *BillingProducer) Produce(ctx context.Context, usage *billing.BillableUsage) error {
	if err := usage.Validate(); err != nil {
		return err
	}

	ctx, span := telemetry.StartSpan(ctx, "billing.produce",
		telemetry.WithSpanKind(trace.SpanKindProducer),
		telemetry.WithAttribute(telemetry.SpanAttrAccount, usage.AccountID))
	defer span.End()

	log := p.logger.With(
		zap.String("account_number", usage.AccountID),
		zap.Int("snapshots", len(usage.BillableTallySnapshots)),
	)

	attempt := 0
	operation := func() (struct{}, error) {
		p.metrics.RecordBillingAttempt(ctx, attempt > 0)
		attempt++
		telemetry.AddEvent(span, "billing.attempt", telemetry.SpanAttrAttempt, attempt)
		err := p.publisher.Publish(ctx, usage)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, shared.ErrTransientDelivery) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.config.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("Billable usage delivery failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("next_retry_in", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		p.metrics.RecordBillingOutcome(ctx, true)
		log.Debug("Billable usage delivered", zap.Int("attempts", attempt))
		return nil
	}

	p.metrics.RecordBillingOutcome(ctx, false)
	telemetry.RecordError(span, err)
	if !errors.Is(err, shared.ErrTransientDelivery) {
		log.Error("Billable usage rejected", zap.Error(err))
		return err
	}
	log.Error("Billable usage delivery exhausted retries", zap.Int("attempts", attempt), zap.Error(err))
	return shared.WrapDomainError(shared.CodeDeliveryFailed,
		fmt.Sprintf("billable usage for account %s not delivered after %d attempts", usage.AccountID, attempt), err)
}

func (p *BillingProducer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.InitialInterval
	b.RandomizationFactor = 0
	b.Multiplier = p.config.Multiplier
	b.MaxInterval = p.config.MaxInterval
	return b
}
