package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appevent "github.com/metering/tally/internal/application/event"
)

// OutboxAdmin inspects the outbox and requeues dead letters
type OutboxAdmin interface {
	GetStats(ctx context.Context) (*appevent.OutboxStatsDTO, error)
	GetDeadLetterEntries(ctx context.Context, filter appevent.OutboxFilter) (*appevent.OutboxListResult, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*appevent.OutboxEntryDTO, error)
	RetryDeadEntry(ctx context.Context, id uuid.UUID) (*appevent.OutboxEntryDTO, error)
	RetryAllDeadEntries(ctx context.Context) (int64, error)
}

// OutboxHandler serves outbox administration
type OutboxHandler struct {
	BaseHandler
	admin OutboxAdmin
}

// NewOutboxHandler creates an OutboxHandler
func NewOutboxHandler(admin OutboxAdmin) *OutboxHandler {
	return &OutboxHandler{admin: admin}
}

// RegisterRoutes registers outbox routes
func (h *OutboxHandler) RegisterRoutes(rg *gin.RouterGroup) {
	outbox := rg.Group("/outbox")
	outbox.GET("/stats", h.Stats)
	outbox.GET("/dead", h.ListDead)
	outbox.POST("/dead/retry", h.RetryAll)
	outbox.GET("/entries/:id", h.Get)
	outbox.POST("/entries/:id/retry", h.Retry)
}

// Stats returns entry counts per status
func (h *OutboxHandler) Stats(c *gin.Context) {
	stats, err := h.admin.GetStats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, stats)
}

// ListDead returns one page of dead letters
func (h *OutboxHandler) ListDead(c *gin.Context) {
	var filter appevent.OutboxFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.BindError(c, err)
		return
	}
	result, err := h.admin.GetDeadLetterEntries(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, result.Entries, result.Page, result.PageSize, len(result.Entries))
}

// Get returns one entry
func (h *OutboxHandler) Get(c *gin.Context) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}
	entry, err := h.admin.GetEntry(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// Retry returns one dead letter to delivery
func (h *OutboxHandler) Retry(c *gin.Context) {
	id, ok := h.entryID(c)
	if !ok {
		return
	}
	entry, err := h.admin.RetryDeadEntry(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// RetryAll returns every dead letter to delivery
func (h *OutboxHandler) RetryAll(c *gin.Context) {
	count, err := h.admin.RetryAllDeadEntries(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, gin.H{"retried": count})
}

func (h *OutboxHandler) entryID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "invalid entry id")
		return uuid.Nil, false
	}
	return id, true
}
