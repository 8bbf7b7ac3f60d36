package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
	"go.uber.org/zap"
)

// IngestResult reports how many events were stored
type IngestResult struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes one rejected event
type IngestError struct {
	Index      int    `json:"index"`
	InstanceID string `json:"instance_id,omitempty"`
	Error      string `json:"error"`
}

// IngestService validates events and stores them in the event store
type IngestService struct {
	scope    TransactionScope
	validate *validator.Validate
	metrics  MetricsRecorder
	logger   *zap.Logger
}

// NewIngestService creates a new IngestService
func NewIngestService(scope TransactionScope, metrics MetricsRecorder, logger *zap.Logger) *IngestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &IngestService{
		scope:    scope,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		logger:   logger,
	}
}

// IngestEvents validates every event and stores the valid ones in one transaction.
// Invalid events are reported in the result and do not prevent the others from being stored.
// Events are upserted on their natural key, so re-sending a batch is harmless.
func (s *IngestService) IngestEvents(ctx context.Context, events []*tally.Event) (*IngestResult, error) {
	result := &IngestResult{}
	valid := make([]*tally.Event, 0, len(events))

	for i, e := range events {
		if err := s.validateEvent(e); err != nil {
			result.Rejected++
			ie := IngestError{Index: i, Error: err.Error()}
			if e != nil {
				ie.InstanceID = e.InstanceID
			}
			result.Errors = append(result.Errors, ie)
			continue
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.Timestamp = e.Timestamp.UTC()
		valid = append(valid, e)
	}

	if len(valid) > 0 {
		err := s.scope.Execute(ctx, func(repos TransactionalRepositories) error {
			return repos.Events().SaveAll(ctx, valid)
		})
		if err != nil {
			s.logger.Error("Failed to store events", zap.Int("count", len(valid)), zap.Error(err))
			return nil, fmt.Errorf("failed to store events: %w", err)
		}
	}
	result.Accepted = len(valid)

	s.metrics.RecordEventsIngested(ctx, result.Accepted, result.Rejected)
	if result.Rejected > 0 {
		s.logger.Warn("Rejected events",
			zap.Int("accepted", result.Accepted),
			zap.Int("rejected", result.Rejected))
	}
	return result, nil
}

func (s *IngestService) validateEvent(e *tally.Event) error {
	if e == nil {
		return shared.NewDomainError(shared.CodeInvalidInput, "event is empty")
	}
	if err := s.validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" failed "+fe.Tag())
			}
			return shared.NewDomainError(shared.CodeInvalidInput, strings.Join(fields, "; "))
		}
		return shared.WrapDomainError(shared.CodeInvalidInput, "invalid event", err)
	}
	return e.Validate()
}
