package event

import (
	"context"
	"sync/atomic"

	"github.com/metering/tally/internal/domain/shared"
	"go.uber.org/zap"
)

// IdempotencyMetrics tracks idempotency-related statistics
type IdempotencyMetrics struct {
	MessagesProcessed atomic.Int64
	MessagesDuplicate atomic.Int64
	MessagesFailed    atomic.Int64
}

// Stats returns a snapshot of the current metrics
func (m *IdempotencyMetrics) Stats() IdempotencyStats {
	return IdempotencyStats{
		MessagesProcessed: m.MessagesProcessed.Load(),
		MessagesDuplicate: m.MessagesDuplicate.Load(),
		MessagesFailed:    m.MessagesFailed.Load(),
	}
}

// IdempotencyStats is a snapshot of idempotency metrics
type IdempotencyStats struct {
	MessagesProcessed int64 `json:"messages_processed"`
	MessagesDuplicate int64 `json:"messages_duplicate"`
	MessagesFailed    int64 `json:"messages_failed"`
}

// IdempotentHandler wraps a MessageHandler so each message ID is handled at most once
// while its mark is remembered. Outbox redelivery after a crash between delivery and
// MarkSent is the case this covers.
type IdempotentHandler struct {
	handler shared.MessageHandler
	store   shared.IdempotencyStore
	config  shared.IdempotencyConfig
	logger  *zap.Logger
	metrics *IdempotencyMetrics
}

// IdempotentHandlerOption is a functional option for IdempotentHandler
type IdempotentHandlerOption func(*IdempotentHandler)

// WithIdempotencyConfig sets the idempotency configuration
func WithIdempotencyConfig(config shared.IdempotencyConfig) IdempotentHandlerOption {
	return func(h *IdempotentHandler) {
		h.config = config
	}
}

// WithIdempotencyMetrics sets the metrics collector
func WithIdempotencyMetrics(metrics *IdempotencyMetrics) IdempotentHandlerOption {
	return func(h *IdempotentHandler) {
		h.metrics = metrics
	}
}

// NewIdempotentHandler creates a new idempotent handler wrapper
func NewIdempotentHandler(
	handler shared.MessageHandler,
	store shared.IdempotencyStore,
	logger *zap.Logger,
	opts ...IdempotentHandlerOption,
) *IdempotentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &IdempotentHandler{
		handler: handler,
		store:   store,
		config:  shared.DefaultIdempotencyConfig(),
		logger:  logger,
		metrics: &IdempotencyMetrics{},
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Topics returns the wrapped handler's topics
func (h *IdempotentHandler) Topics() []string {
	return h.handler.Topics()
}

// Handle processes the message unless its ID was already handled
func (h *IdempotentHandler) Handle(ctx context.Context, msg *shared.Message) error {
	if !h.config.Enabled {
		return h.handler.Handle(ctx, msg)
	}

	messageID := msg.ID.String()

	isNew, err := h.store.MarkProcessed(ctx, messageID, h.config.TTL)
	if err != nil {
		// A store outage must not stall delivery; duplicates are the lesser failure
		h.logger.Warn("failed to check idempotency, processing anyway",
			zap.String("message_id", messageID),
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
	} else if !isNew {
		h.metrics.MessagesDuplicate.Add(1)
		h.logger.Debug("duplicate message detected, skipping",
			zap.String("message_id", messageID),
			zap.String("topic", msg.Topic),
		)
		return nil
	}

	if err := h.handler.Handle(ctx, msg); err != nil {
		h.metrics.MessagesFailed.Add(1)
		h.logger.Error("message handler failed",
			zap.String("message_id", messageID),
			zap.String("topic", msg.Topic),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		// The outbox retries failed messages, so the mark has to go
		if ferr := h.store.Forget(ctx, messageID); ferr != nil {
			h.logger.Warn("failed to clear idempotency mark",
				zap.String("message_id", messageID),
				zap.Error(ferr),
			)
		}
		return err
	}

	h.metrics.MessagesProcessed.Add(1)
	return nil
}

// GetMetrics returns the metrics for this handler
func (h *IdempotentHandler) GetMetrics() *IdempotencyMetrics {
	return h.metrics
}

var _ shared.MessageHandler = (*IdempotentHandler)(nil)
