package event

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OutboxProcessorConfig holds configuration for the outbox processor
type OutboxProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// Workers bounds how many partitions are delivered concurrently
	Workers          int
	StaleAfter       time.Duration
	CleanupEnabled   bool
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

// DefaultOutboxProcessorConfig returns default configuration
func DefaultOutboxProcessorConfig() OutboxProcessorConfig {
	return OutboxProcessorConfig{
		BatchSize:        100,
		PollInterval:     time.Second,
		Workers:          4,
		StaleAfter:       10 * time.Minute,
		CleanupEnabled:   true,
		CleanupRetention: 7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

// DeliveryRecorder receives the outcome of every delivery attempt
type DeliveryRecorder interface {
	RecordOutboxDelivery(ctx context.Context, topic string, delivered bool)
}

type nopDeliveryRecorder struct{}

func (nopDeliveryRecorder) RecordOutboxDelivery(context.Context, string, bool) {}

// OutboxProcessor delivers outbox entries to the handlers registered for their topics.
// Entries sharing a partition key are delivered one at a time in creation order; distinct
// partitions are delivered concurrently.
type OutboxProcessor struct {
	repo     shared.OutboxRepository
	handlers map[string]shared.MessageHandler
	topics   []string
	config   OutboxProcessorConfig
	metrics  DeliveryRecorder
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OutboxProcessorOption configures an OutboxProcessor
type OutboxProcessorOption func(*OutboxProcessor)

// WithDeliveryRecorder records delivery outcomes
func WithDeliveryRecorder(r DeliveryRecorder) OutboxProcessorOption {
	return func(p *OutboxProcessor) {
		if r != nil {
			p.metrics = r
		}
	}
}

// NewOutboxProcessor creates a new outbox processor
func NewOutboxProcessor(
	repo shared.OutboxRepository,
	config OutboxProcessorConfig,
	logger *zap.Logger,
	opts ...OutboxProcessorOption,
) *OutboxProcessor {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &OutboxProcessor{
		repo:     repo,
		handlers: make(map[string]shared.MessageHandler),
		config:   config,
		metrics:  nopDeliveryRecorder{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers handler for its topics. Only subscribed topics are polled.
// Must be called before Start.
func (p *OutboxProcessor) Subscribe(handler shared.MessageHandler) {
	for _, topic := range handler.Topics() {
		if _, ok := p.handlers[topic]; !ok {
			p.topics = append(p.topics, topic)
		}
		p.handlers[topic] = handler
	}
	sort.Strings(p.topics)
}

// Topics returns the subscribed topics
func (p *OutboxProcessor) Topics() []string {
	return append([]string(nil), p.topics...)
}

// Start starts the background processing
func (p *OutboxProcessor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.processLoop(ctx)

	if p.config.CleanupEnabled {
		p.wg.Add(1)
		go p.cleanupLoop(ctx)
	}

	p.logger.Info("outbox processor started",
		zap.Strings("topics", p.topics),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.Workers),
		zap.Duration("poll_interval", p.config.PollInterval),
	)

	return nil
}

// Stop gracefully stops the processor
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("outbox processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *OutboxProcessor) processLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch delivers one batch of pending entries followed by one batch of entries due
// for retry. It returns how many entries were delivered.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	if len(p.topics) == 0 {
		return 0, nil
	}

	pending, err := p.repo.FindPending(ctx, p.topics, p.config.BatchSize)
	if err != nil {
		return 0, err
	}
	delivered := p.processEntries(ctx, pending)

	retryable, err := p.repo.FindRetryable(ctx, p.topics, time.Now(), p.config.BatchSize)
	if err != nil {
		return delivered, err
	}
	return delivered + p.processEntries(ctx, retryable), nil
}

// Drain processes batches until nothing is left to deliver now or ctx is done
func (p *OutboxProcessor) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.ProcessBatch(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (p *OutboxProcessor) processEntries(ctx context.Context, entries []*shared.OutboxEntry) int {
	if len(entries) == 0 {
		return 0
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	claimed, err := p.repo.MarkProcessing(ctx, ids)
	if err != nil {
		p.logger.Error("failed to mark entries as processing", zap.Error(err))
		return 0
	}

	partitions := partitionEntries(claimed)
	var mu sync.Mutex
	delivered := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)
	for _, partition := range partitions {
		g.Go(func() error {
			n := p.processPartition(gctx, partition)
			mu.Lock()
			delivered += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return delivered
}

// processPartition delivers entries in order and stops at the first failure.
// Entries after a failure go back to pending so they are not delivered ahead of it.
func (p *OutboxProcessor) processPartition(ctx context.Context, entries []*shared.OutboxEntry) int {
	for i, entry := range entries {
		if err := p.processEntry(ctx, entry); err != nil {
			p.requeue(ctx, entries[i+1:])
			return i
		}
	}
	return len(entries)
}

func (p *OutboxProcessor) processEntry(ctx context.Context, entry *shared.OutboxEntry) error {
	handler, ok := p.handlers[entry.Topic]
	if !ok {
		// Unreachable while only subscribed topics are polled
		return p.fail(ctx, entry, "no handler for topic "+entry.Topic)
	}

	msg := &shared.Message{
		ID:           entry.MessageID,
		Topic:        entry.Topic,
		PartitionKey: entry.PartitionKey,
		Payload:      entry.Payload,
		PublishedAt:  entry.CreatedAt,
		Attempt:      entry.RetryCount + 1,
	}
	if err := handler.Handle(ctx, msg); err != nil {
		p.logger.Error("failed to deliver message",
			zap.String("message_id", entry.MessageID.String()),
			zap.String("topic", entry.Topic),
			zap.String("partition_key", entry.PartitionKey),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		p.metrics.RecordOutboxDelivery(ctx, entry.Topic, false)
		return p.fail(ctx, entry, err.Error())
	}

	p.metrics.RecordOutboxDelivery(ctx, entry.Topic, true)
	entry.MarkSent()
	if err := p.repo.Update(ctx, entry); err != nil {
		p.logger.Error("failed to mark entry as sent",
			zap.String("message_id", entry.MessageID.String()),
			zap.Error(err),
		)
	}
	return nil
}

func (p *OutboxProcessor) fail(ctx context.Context, entry *shared.OutboxEntry, reason string) error {
	entry.MarkFailed(reason)
	if entry.IsDead() {
		p.logger.Warn("message moved to dead letter queue",
			zap.String("message_id", entry.MessageID.String()),
			zap.String("topic", entry.Topic),
			zap.String("partition_key", entry.PartitionKey),
			zap.Int("retry_count", entry.RetryCount),
			zap.String("last_error", entry.LastError),
		)
	}
	if err := p.repo.Update(ctx, entry); err != nil {
		p.logger.Error("failed to update entry", zap.Error(err))
	}
	return shared.NewDomainError(shared.CodeDeliveryFailed, reason)
}

func (p *OutboxProcessor) requeue(ctx context.Context, entries []*shared.OutboxEntry) {
	for _, e := range entries {
		e.Status = shared.OutboxStatusPending
		if err := p.repo.Update(ctx, e); err != nil {
			p.logger.Error("failed to requeue entry",
				zap.String("message_id", e.MessageID.String()),
				zap.Error(err),
			)
		}
	}
}

// partitionEntries groups entries by partition key, each group in creation order
func partitionEntries(entries []*shared.OutboxEntry) [][]*shared.OutboxEntry {
	sorted := append([]*shared.OutboxEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	index := make(map[string]int)
	var partitions [][]*shared.OutboxEntry
	for _, e := range sorted {
		i, ok := index[e.PartitionKey]
		if !ok {
			i = len(partitions)
			index[e.PartitionKey] = i
			partitions = append(partitions, nil)
		}
		partitions[i] = append(partitions[i], e)
	}
	return partitions
}

func (p *OutboxProcessor) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanup(ctx)
		}
	}
}

// cleanup removes old delivered entries and requeues entries abandoned mid-delivery
func (p *OutboxProcessor) cleanup(ctx context.Context) {
	if p.config.StaleAfter > 0 {
		requeued, err := p.repo.RequeueStale(ctx, time.Now().Add(-p.config.StaleAfter))
		if err != nil {
			p.logger.Error("failed to requeue stale entries", zap.Error(err))
		} else if requeued > 0 {
			p.logger.Warn("requeued stale outbox entries", zap.Int64("requeued", requeued))
		}
	}

	cutoff := time.Now().Add(-p.config.CleanupRetention)
	deleted, err := p.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to cleanup old entries", zap.Error(err))
		return
	}

	if deleted > 0 {
		p.logger.Info("cleaned up old outbox entries",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}
