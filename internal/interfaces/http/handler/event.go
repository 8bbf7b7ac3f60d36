package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/interfaces/http/dto"
)

// EventIngester stores usage events
type EventIngester interface {
	IngestEvents(ctx context.Context, events []*tally.Event) (*apptally.IngestResult, error)
}

// EventHandler accepts batches of usage events
type EventHandler struct {
	BaseHandler
	ingester EventIngester
	maxBatch int
}

// NewEventHandler creates an EventHandler. maxBatch <= 0 disables the batch size check.
func NewEventHandler(ingester EventIngester, maxBatch int) *EventHandler {
	return &EventHandler{ingester: ingester, maxBatch: maxBatch}
}

// RegisterRoutes registers event routes
func (h *EventHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/events", h.Ingest)
}

// Ingest stores a batch of events.
// Responds 200 when every event was stored and 207 when some were rejected;
// the rejected ones are listed with their index in the batch.
func (h *EventHandler) Ingest(c *gin.Context) {
	var req dto.IngestEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	if len(req.Events) == 0 {
		h.BadRequest(c, "events must not be empty")
		return
	}
	if h.maxBatch > 0 && len(req.Events) > h.maxBatch {
		h.Error(c, http.StatusRequestEntityTooLarge, dto.ErrCodeRequestTooLarge,
			fmt.Sprintf("batch of %d events exceeds the limit of %d", len(req.Events), h.maxBatch))
		return
	}

	result, err := h.ingester.IngestEvents(c.Request.Context(), req.Events)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if result.Rejected > 0 {
		c.JSON(http.StatusMultiStatus, dto.NewSuccessResponse(result))
		return
	}
	h.Success(c, result)
}
