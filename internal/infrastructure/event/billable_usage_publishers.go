package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// OutboxBillableUsagePublisher hands billable usage off through the billable-usage outbox topic.
// The entries are the durable hand-off read by the downstream rater.
type OutboxBillableUsagePublisher struct {
	publisher *OutboxPublisher
}

// NewOutboxBillableUsagePublisher creates a publisher writing through repo
func NewOutboxBillableUsagePublisher(repo shared.OutboxRepository, maxRetries int) *OutboxBillableUsagePublisher {
	return &OutboxBillableUsagePublisher{publisher: NewOutboxPublisher(repo, maxRetries)}
}

// Publish enqueues usage partitioned by account. Storage failures are transient.
func (p *OutboxBillableUsagePublisher) Publish(ctx context.Context, usage *billing.BillableUsage) error {
	if err := p.publisher.Publish(ctx, billing.TopicBillableUsage, usage.AccountID, usage); err != nil {
		if shared.IsCode(err, shared.CodeInvalidInput) {
			return err
		}
		return shared.WrapDomainError(shared.CodeTransientDelivery,
			"failed to enqueue billable usage for account "+usage.AccountID, err)
	}
	return nil
}

// RedisStreamPublisher appends billable usage to a Redis stream with XADD
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamPublisher creates a publisher for stream. A positive maxLen trims the
// stream approximately to that many entries.
func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = billing.TopicBillableUsage
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream name
func (p *RedisStreamPublisher) Stream() string {
	return p.stream
}

// Publish adds one stream entry carrying the account as partition key and the JSON usage.
// Redis failures are transient.
func (p *RedisStreamPublisher) Publish(ctx context.Context, usage *billing.BillableUsage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to encode billable usage: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"message_id":    uuid.NewString(),
			"partition_key": usage.AccountID,
			"payload":       string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return shared.WrapDomainError(shared.CodeTransientDelivery,
			fmt.Sprintf("failed to append billable usage for account %s to stream %s", usage.AccountID, p.stream), err)
	}
	return nil
}

var (
	_ billing.BillableUsagePublisher = (*OutboxBillableUsagePublisher)(nil)
	_ billing.BillableUsagePublisher = (*RedisStreamPublisher)(nil)
)
