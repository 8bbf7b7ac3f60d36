package shared

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is a unit of work delivered on a topic
type Message struct {
	ID           uuid.UUID
	Topic        string
	PartitionKey string
	Payload      []byte
	PublishedAt  time.Time
	Attempt      int
}

// MessageHandler consumes messages for a set of topics
type MessageHandler interface {
	// Handle processes one message. A returned error leaves the message eligible for redelivery.
	Handle(ctx context.Context, msg *Message) error
	// Topics returns the topics this handler consumes
	Topics() []string
}

// MessagePublisher enqueues messages for asynchronous delivery
type MessagePublisher interface {
	// Publish serializes payload and enqueues it on topic, ordered by partitionKey
	Publish(ctx context.Context, topic, partitionKey string, payload any) error
}

// MessageHandlerFunc adapts a function to MessageHandler for a single topic
type MessageHandlerFunc struct {
	Topic string
	Fn    func(ctx context.Context, msg *Message) error
}

// Handle calls Fn
func (h MessageHandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return h.Fn(ctx, msg)
}

// Topics returns the single handled topic
func (h MessageHandlerFunc) Topics() []string {
	return []string{h.Topic}
}
