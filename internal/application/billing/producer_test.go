package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// scriptedPublisher fails with the queued errors, then succeeds
type scriptedPublisher struct {
	mu        sync.Mutex
	failures  []error
	calls     int
	delivered []*billing.BillableUsage
}

func (p *scriptedPublisher) Publish(_ context.Context, usage *billing.BillableUsage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return err
	}
	p.delivered = append(p.delivered, usage)
	return nil
}

type countingMetrics struct {
	mu        sync.Mutex
	attempts  int
	retries   int
	delivered int
	failed    int
}

func (m *countingMetrics) RecordBillingAttempt(_ context.Context, retried bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if retried {
		m.retries++
	}
}

func (m *countingMetrics) RecordBillingOutcome(_ context.Context, delivered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delivered {
		m.delivered++
	} else {
		m.failed++
	}
}

func transient() error {
	return shared.WrapDomainError(shared.CodeTransientDelivery, "broker unavailable", errors.New("connection refused"))
}

func fastConfig(attempts int) ProducerConfig {
	return ProducerConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Millisecond,
	}
}

func sampleUsage() *billing.BillableUsage {
	return &billing.BillableUsage{
		AccountID: "A",
		BillableTallySnapshots: []billing.TallySnapshot{
			{ProductID: "RHEL", Granularity: "HOURLY"},
		},
	}
}

func TestBillingProducer_Produce(t *testing.T) {
	t.Run("delivers on first attempt", func(t *testing.T) {
		pub := &scriptedPublisher{}
		metrics := &countingMetrics{}
		producer := NewBillingProducer(pub, metrics, nil, fastConfig(3))

		require.NoError(t, producer.Produce(context.Background(), sampleUsage()))
		assert.Equal(t, 1, pub.calls)
		require.Len(t, pub.delivered, 1)
		assert.Equal(t, "A", pub.delivered[0].AccountID)
		assert.Equal(t, 1, metrics.delivered)
		assert.Equal(t, 0, metrics.retries)
	})

	t.Run("retries transient failures transparently", func(t *testing.T) {
		pub := &scriptedPublisher{failures: []error{transient(), transient()}}
		metrics := &countingMetrics{}
		producer := NewBillingProducer(pub, metrics, nil, fastConfig(3))

		require.NoError(t, producer.Produce(context.Background(), sampleUsage()))
		assert.Equal(t, 3, pub.calls)
		assert.Equal(t, 3, metrics.attempts)
		assert.Equal(t, 2, metrics.retries)
		assert.Equal(t, 1, metrics.delivered)
	})

	t.Run("exhausted retries are fatal", func(t *testing.T) {
		pub := &scriptedPublisher{failures: []error{transient(), transient(), transient(), transient()}}
		metrics := &countingMetrics{}
		producer := NewBillingProducer(pub, metrics, nil, fastConfig(3))

		err := producer.Produce(context.Background(), sampleUsage())
		require.Error(t, err)
		assert.True(t, shared.IsCode(err, shared.CodeDeliveryFailed))
		assert.ErrorIs(t, err, shared.ErrTransientDelivery, "last failure stays in the chain")
		assert.Equal(t, 3, pub.calls)
		assert.Equal(t, 1, metrics.failed)
		assert.Empty(t, pub.delivered)
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		rejected := errors.New("payload rejected")
		pub := &scriptedPublisher{failures: []error{rejected}}
		producer := NewBillingProducer(pub, nil, nil, fastConfig(5))

		err := producer.Produce(context.Background(), sampleUsage())
		assert.ErrorIs(t, err, rejected)
		assert.False(t, shared.IsCode(err, shared.CodeDeliveryFailed))
		assert.Equal(t, 1, pub.calls)
	})

	t.Run("invalid usage is rejected before publishing", func(t *testing.T) {
		pub := &scriptedPublisher{}
		producer := NewBillingProducer(pub, nil, nil, fastConfig(3))

		for _, usage := range []*billing.BillableUsage{nil, {AccountID: "A"}, {BillableTallySnapshots: sampleUsage().BillableTallySnapshots}} {
			err := producer.Produce(context.Background(), usage)
			assert.True(t, shared.IsCode(err, shared.CodeInvalidInput))
		}
		assert.Equal(t, 0, pub.calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		pub := &scriptedPublisher{failures: []error{transient(), transient(), transient()}}
		cfg := fastConfig(10)
		cfg.InitialInterval = time.Hour
		cfg.MaxInterval = time.Hour
		producer := NewBillingProducer(pub, nil, nil, cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := producer.Produce(ctx, sampleUsage())
		assert.Error(t, err)
		assert.Equal(t, 1, pub.calls)
	})
}

func TestNewBillingProducer_NormalizesConfig(t *testing.T) {
	producer := NewBillingProducer(&scriptedPublisher{}, nil, nil, ProducerConfig{})
	assert.Equal(t, 1, producer.config.MaxAttempts)
	assert.Equal(t, float64(1), producer.config.Multiplier)
}

func TestBillingProducer_Produce_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	publisher := &scriptedPublisher{failures: []error{transient(), transient()}}
	producer := NewBillingProducer(publisher, nil, nil, fastConfig(2))

	err := producer.Produce(context.Background(), sampleUsage())
	require.ErrorIs(t, err, shared.ErrDeliveryFailed)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "billing.produce", span.Name())
	assert.Equal(t, trace.SpanKindProducer, span.SpanKind())
	assert.Equal(t, codes.Error, span.Status().Code)

	attempts := 0
	for _, event := range span.Events() {
		if event.Name == "billing.attempt" {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
}
