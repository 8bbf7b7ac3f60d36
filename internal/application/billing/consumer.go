package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/domain/shared"
	"go.uber.org/zap"
)

// TallySummaryConsumer turns tally summaries into billable usage
type TallySummaryConsumer struct {
	producer *BillingProducer
	logger   *zap.Logger
}

// NewTallySummaryConsumer creates a new TallySummaryConsumer
func NewTallySummaryConsumer(producer *BillingProducer, logger *zap.Logger) *TallySummaryConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TallySummaryConsumer{producer: producer, logger: logger}
}

// Receive maps summary to billable usage and produces it
func (c *TallySummaryConsumer) Receive(ctx context.Context, summary *billing.TallySummary) error {
	if summary == nil {
		return shared.NewDomainError(shared.CodeInvalidInput, "tally summary is empty")
	}
	return c.producer.Produce(ctx, billing.NewBillableUsage(summary))
}

// Handle decodes a tally-summary message and receives it.
// Summaries that can never be billed are logged and acknowledged so they are not redelivered.
func (c *TallySummaryConsumer) Handle(ctx context.Context, msg *shared.Message) error {
	var summary billing.TallySummary
	if err := json.Unmarshal(msg.Payload, &summary); err != nil {
		c.logger.Error("Dropping undecodable tally summary",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
		return nil
	}

	err := c.Receive(ctx, &summary)
	if shared.IsCode(err, shared.CodeInvalidInput) {
		c.logger.Warn("Dropping invalid tally summary",
			zap.String("message_id", msg.ID.String()),
			zap.String("account_number", summary.AccountID),
			zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("tally summary %s: %w", msg.ID, err)
	}
	return nil
}

// Topics returns the tally-summary topic
func (c *TallySummaryConsumer) Topics() []string {
	return []string{billing.TopicTallySummary}
}
