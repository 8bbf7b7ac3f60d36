// Package bootstrap assembles the pieces cmd/server and cmd/tallyctl share.
package bootstrap

import (
	"context"
	"fmt"

	appbilling "github.com/metering/tally/internal/application/billing"
	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/infrastructure/cache"
	"github.com/metering/tally/internal/infrastructure/config"
	"github.com/metering/tally/internal/infrastructure/event"
	"github.com/metering/tally/internal/infrastructure/storage"
	"go.uber.org/zap"
)

// streamMaxLen trims the billable usage stream to roughly this many entries
const streamMaxLen = 100_000

// BillingMetrics records producer attempts and outbox deliveries
type BillingMetrics interface {
	appbilling.MetricsRecorder
	event.DeliveryRecorder
}

// NewBillableUsagePublisher selects the transport billable usage is handed off on
func NewBillableUsagePublisher(ctx context.Context, cfg *config.Config, outbox shared.OutboxRepository, factory *cache.Factory, log *zap.Logger) (billing.BillableUsagePublisher, error) {
	switch cfg.Billing.Transport {
	case config.BillingTransportOutbox:
		return event.NewOutboxBillableUsagePublisher(outbox, cfg.Outbox.MaxRetries), nil

	case config.BillingTransportRedis:
		client, err := factory.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("redis transport: %w", err)
		}
		if client == nil {
			return nil, fmt.Errorf("redis transport requires redis.host")
		}
		return event.NewRedisStreamPublisher(client, cfg.Billing.Stream, streamMaxLen), nil

	case config.BillingTransportS3:
		store, err := storage.NewS3ObjectStorage(ctx, &cfg.Storage, storage.WithLogger(log.Named("s3")))
		if err != nil {
			return nil, fmt.Errorf("s3 transport: %w", err)
		}
		if cfg.Storage.CreateBucket {
			if err := store.EnsureBucket(ctx); err != nil {
				return nil, fmt.Errorf("s3 transport: %w", err)
			}
		}
		return storage.NewBillableUsagePublisher(store, cfg.Storage.Prefix), nil

	default:
		return nil, fmt.Errorf("unknown billing transport %q", cfg.Billing.Transport)
	}
}

// NewOutboxProcessor creates a processor from the outbox and billing settings.
// Nothing is polled until a handler subscribes.
func NewOutboxProcessor(cfg *config.Config, repo shared.OutboxRepository, recorder event.DeliveryRecorder, log *zap.Logger) *event.OutboxProcessor {
	pc := event.DefaultOutboxProcessorConfig()
	pc.BatchSize = cfg.Outbox.BatchSize
	pc.PollInterval = cfg.Outbox.PollInterval
	pc.Workers = cfg.Billing.Workers
	pc.CleanupEnabled = cfg.Outbox.CleanupEnabled
	pc.CleanupRetention = cfg.Outbox.CleanupRetention
	return event.NewOutboxProcessor(repo, pc, log.Named("outbox"), event.WithDeliveryRecorder(recorder))
}

// NewBillingPipeline returns an outbox processor with the tally summary consumer
// subscribed behind idempotent delivery. Summaries it receives become billable
// usage on the configured transport.
func NewBillingPipeline(ctx context.Context, cfg *config.Config, repo shared.OutboxRepository, factory *cache.Factory, metrics BillingMetrics, log *zap.Logger) (*event.OutboxProcessor, error) {
	publisher, err := NewBillableUsagePublisher(ctx, cfg, repo, factory, log)
	if err != nil {
		return nil, fmt.Errorf("billable usage publisher: %w", err)
	}
	store, err := factory.CreateIdempotencyStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}

	producer := appbilling.NewBillingProducer(publisher, metrics, log.Named("billing"), appbilling.ProducerConfig{
		MaxAttempts:     cfg.Billing.MaxAttempts,
		InitialInterval: cfg.Billing.BackoffInitialInterval,
		Multiplier:      cfg.Billing.BackoffMultiplier,
		MaxInterval:     cfg.Billing.BackoffMaxInterval,
	})
	consumer := appbilling.NewTallySummaryConsumer(producer, log.Named("billing"))

	processor := NewOutboxProcessor(cfg, repo, metrics, log)
	processor.Subscribe(event.NewIdempotentHandler(consumer, store, log.Named("idempotency"),
		event.WithIdempotencyConfig(shared.IdempotencyConfig{TTL: cfg.Outbox.IdempotencyTTL, Enabled: true})))
	return processor, nil
}
