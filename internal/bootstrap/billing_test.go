package bootstrap

import (
	"context"
	"testing"
	"time"

	appbilling "github.com/metering/tally/internal/application/billing"
	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/infrastructure/cache"
	"github.com/metering/tally/internal/infrastructure/config"
	"github.com/metering/tally/internal/infrastructure/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type nopBillingMetrics struct {
	appbilling.NopMetrics
}

func (nopBillingMetrics) RecordOutboxDelivery(context.Context, string, bool) {}

func TestNewBillableUsagePublisher(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	factory := cache.NewFactory(config.RedisConfig{})

	t.Run("outbox", func(t *testing.T) {
		cfg := &config.Config{Billing: config.BillingConfig{Transport: config.BillingTransportOutbox}}
		p, err := NewBillableUsagePublisher(ctx, cfg, nil, factory, log)
		require.NoError(t, err)
		assert.IsType(t, &event.OutboxBillableUsagePublisher{}, p)
	})

	t.Run("redis without host", func(t *testing.T) {
		cfg := &config.Config{Billing: config.BillingConfig{Transport: config.BillingTransportRedis}}
		_, err := NewBillableUsagePublisher(ctx, cfg, nil, factory, log)
		assert.ErrorContains(t, err, "redis.host")
	})

	t.Run("unknown transport", func(t *testing.T) {
		cfg := &config.Config{Billing: config.BillingConfig{Transport: "carrier-pigeon"}}
		_, err := NewBillableUsagePublisher(ctx, cfg, nil, factory, log)
		assert.ErrorContains(t, err, "carrier-pigeon")
	})
}

func TestNewOutboxProcessor(t *testing.T) {
	cfg := &config.Config{
		Outbox:  config.OutboxConfig{BatchSize: 25, PollInterval: 3 * time.Second},
		Billing: config.BillingConfig{Workers: 2},
	}
	p := NewOutboxProcessor(cfg, nil, nil, zaptest.NewLogger(t))
	require.NotNil(t, p)
	assert.Empty(t, p.Topics(), "nothing is polled until a handler subscribes")
}

func TestNewBillingPipeline(t *testing.T) {
	cfg := &config.Config{
		Outbox:  config.OutboxConfig{BatchSize: 10, PollInterval: time.Second, IdempotencyTTL: time.Hour},
		Billing: config.BillingConfig{Transport: config.BillingTransportOutbox, Workers: 1, MaxAttempts: 3},
	}
	factory := cache.NewFactory(config.RedisConfig{})

	p, err := NewBillingPipeline(context.Background(), cfg, nil, factory, nopBillingMetrics{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{billing.TopicTallySummary}, p.Topics())

	t.Run("bad transport", func(t *testing.T) {
		bad := *cfg
		bad.Billing.Transport = "fax"
		_, err := NewBillingPipeline(context.Background(), &bad, nil, factory, nopBillingMetrics{}, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "fax")
	})
}
