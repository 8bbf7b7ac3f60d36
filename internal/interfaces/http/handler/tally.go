package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/scheduler"
	"github.com/metering/tally/internal/interfaces/http/dto"
)

// SnapshotProducer runs a tally for one (account, service type)
type SnapshotProducer interface {
	ProduceSnapshots(ctx context.Context, accountID, serviceType string, r tally.DateRange) (*apptally.TallyResult, error)
}

// TallyTrigger starts a scheduled-style run for every account
type TallyTrigger interface {
	TriggerImmediate(ctx context.Context) error
}

// TallyHandler runs tallies on demand
type TallyHandler struct {
	BaseHandler
	producer SnapshotProducer
	trigger  TallyTrigger
}

// NewTallyHandler creates a TallyHandler. trigger may be nil when the scheduler is not running.
func NewTallyHandler(producer SnapshotProducer, trigger TallyTrigger) *TallyHandler {
	return &TallyHandler{producer: producer, trigger: trigger}
}

// RegisterRoutes registers tally routes
func (h *TallyHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/tally/:account/:serviceType", h.Produce)
	if h.trigger != nil {
		rg.POST("/tally-runs", h.Trigger)
	}
}

// Produce collects and rolls up usage for one account and service type over [start, end).
// Both ends must be on the hour.
func (h *TallyHandler) Produce(c *gin.Context) {
	var q dto.RangeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}
	r, err := tally.NewDateRange(q.Start, q.End)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	result, err := h.producer.ProduceSnapshots(c.Request.Context(), c.Param("account"), c.Param("serviceType"), r)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// Trigger starts a run over every account in the background
func (h *TallyHandler) Trigger(c *gin.Context) {
	err := h.trigger.TriggerImmediate(c.Request.Context())
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		h.Error(c, http.StatusConflict, dto.ErrCodeInvalidState, err.Error())
	case errors.Is(err, scheduler.ErrSchedulerNotRunning):
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeUnavailable, err.Error())
	case err != nil:
		h.HandleError(c, err)
	default:
		h.Accepted(c, gin.H{"status": "started"})
	}
}
