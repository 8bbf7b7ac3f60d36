package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName names the meter used for tally instruments
const MeterName = "tally"

// Metric attribute keys
var (
	AttrServiceType  = attribute.Key("service_type")
	AttrGranularity  = attribute.Key("granularity")
	AttrRecalculated = attribute.Key("recalculated")
	AttrOutcome      = attribute.Key("outcome")
	AttrRetried      = attribute.Key("retried")
	AttrTopic        = attribute.Key("topic")
)

// Outcome attribute values
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// CollectionDurationBuckets are histogram boundaries in seconds for one collection
var CollectionDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// TallyMetrics records collection, snapshot, billing and outbox activity.
// It satisfies the recorders the tally and billing services and the outbox
// processor accept.
type TallyMetrics struct {
	events             metric.Int64Counter
	hoursCollected     metric.Int64Counter
	collections        metric.Int64Counter
	collectionDuration metric.Float64Histogram
	snapshotsWritten   metric.Int64Counter
	duplicatesRemoved  metric.Int64Counter
	billingAttempts    metric.Int64Counter
	billingOutcomes    metric.Int64Counter
	outboxDeliveries   metric.Int64Counter
}

// NewTallyMetrics creates the instruments on meter
func NewTallyMetrics(meter metric.Meter) (*TallyMetrics, error) {
	if meter == nil {
		return nil, fmt.Errorf("meter cannot be nil")
	}

	m := &TallyMetrics{}
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.events, "tally_events_ingested_total", "Events offered for ingestion by outcome", "{event}"},
		{&m.hoursCollected, "tally_hours_collected_total", "Hours folded into hourly snapshots", "{hour}"},
		{&m.collections, "tally_collections_total", "Collections run per service type", "{collection}"},
		{&m.snapshotsWritten, "tally_snapshots_written_total", "Snapshots saved by granularity", "{snapshot}"},
		{&m.duplicatesRemoved, "tally_snapshot_duplicates_removed_total", "Duplicate snapshots deleted by granularity", "{snapshot}"},
		{&m.billingAttempts, "billing_delivery_attempts_total", "Billable usage delivery attempts", "{attempt}"},
		{&m.billingOutcomes, "billing_deliveries_total", "Billable usage deliveries by final outcome", "{delivery}"},
		{&m.outboxDeliveries, "outbox_deliveries_total", "Outbox message deliveries by topic and outcome", "{message}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	hist, err := meter.Float64Histogram("tally_collection_duration_seconds",
		metric.WithDescription("Duration of one (account, service type) collection"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(CollectionDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram tally_collection_duration_seconds: %w", err)
	}
	m.collectionDuration = hist
	return m, nil
}

// RecordEventsIngested counts accepted and rejected events
func (m *TallyMetrics) RecordEventsIngested(ctx context.Context, accepted, rejected int) {
	if accepted > 0 {
		m.events.Add(ctx, int64(accepted), metric.WithAttributes(AttrOutcome.String(OutcomeAccepted)))
	}
	if rejected > 0 {
		m.events.Add(ctx, int64(rejected), metric.WithAttributes(AttrOutcome.String(OutcomeRejected)))
	}
}

// RecordCollection records one finished collection
func (m *TallyMetrics) RecordCollection(ctx context.Context, serviceType string, hours int, recalculated bool, duration time.Duration) {
	attrs := metric.WithAttributes(AttrServiceType.String(serviceType), AttrRecalculated.Bool(recalculated))
	m.collections.Add(ctx, 1, attrs)
	m.hoursCollected.Add(ctx, int64(hours), attrs)
	m.collectionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSnapshotsWritten records one roll at granularity
func (m *TallyMetrics) RecordSnapshotsWritten(ctx context.Context, granularity string, written, duplicatesRemoved int) {
	attrs := metric.WithAttributes(AttrGranularity.String(granularity))
	m.snapshotsWritten.Add(ctx, int64(written), attrs)
	if duplicatesRemoved > 0 {
		m.duplicatesRemoved.Add(ctx, int64(duplicatesRemoved), attrs)
	}
}

// RecordBillingAttempt counts one delivery attempt; retried is false for the first
func (m *TallyMetrics) RecordBillingAttempt(ctx context.Context, retried bool) {
	m.billingAttempts.Add(ctx, 1, metric.WithAttributes(AttrRetried.Bool(retried)))
}

// RecordBillingOutcome counts a delivery that finished, successfully or not
func (m *TallyMetrics) RecordBillingOutcome(ctx context.Context, delivered bool) {
	m.billingOutcomes.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome(delivered))))
}

// RecordOutboxDelivery counts one outbox handler invocation
func (m *TallyMetrics) RecordOutboxDelivery(ctx context.Context, topic string, delivered bool) {
	m.outboxDeliveries.Add(ctx, 1, metric.WithAttributes(
		AttrTopic.String(topic),
		AttrOutcome.String(outcome(delivered)),
	))
}

func outcome(delivered bool) string {
	if delivered {
		return OutcomeDelivered
	}
	return OutcomeFailed
}
