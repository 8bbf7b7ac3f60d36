package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/metering/tally/internal/domain/shared"
	"gorm.io/gorm"
)

// OutboxPublisher enqueues messages in the outbox. Bound to a transaction, the messages
// commit or roll back together with the rest of the unit of work.
type OutboxPublisher struct {
	repo       shared.OutboxRepository
	maxRetries int
}

// NewOutboxPublisher creates a publisher writing through repo.
// maxRetries bounds redelivery before an entry becomes a dead letter; zero keeps the default.
func NewOutboxPublisher(repo shared.OutboxRepository, maxRetries int) *OutboxPublisher {
	return &OutboxPublisher{repo: repo, maxRetries: maxRetries}
}

// NewTxPublisherFactory returns a factory binding an OutboxPublisher to a transaction
func NewTxPublisherFactory(maxRetries int) func(tx *gorm.DB) shared.MessagePublisher {
	return func(tx *gorm.DB) shared.MessagePublisher {
		return NewOutboxPublisher(NewGormOutboxRepository(tx), maxRetries)
	}
}

// Publish JSON-encodes payload and saves it as a pending entry on topic.
// A []byte payload is stored as is.
func (p *OutboxPublisher) Publish(ctx context.Context, topic, partitionKey string, payload any) error {
	if topic == "" {
		return shared.NewDomainError(shared.CodeInvalidInput, "message topic is required")
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s message: %w", topic, err)
		}
		data = encoded
	}

	entry := shared.NewOutboxEntry(topic, partitionKey, data)
	if p.maxRetries > 0 {
		entry.MaxRetries = p.maxRetries
	}
	return p.repo.Save(ctx, entry)
}

// Ensure OutboxPublisher implements MessagePublisher
var _ shared.MessagePublisher = (*OutboxPublisher)(nil)
