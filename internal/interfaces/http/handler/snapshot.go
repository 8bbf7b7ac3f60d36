package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/interfaces/http/dto"
)

// SnapshotReader lists stored snapshots
type SnapshotReader interface {
	FindByAccount(ctx context.Context, accountID string, filter tally.SnapshotFilter) ([]*tally.Snapshot, error)
}

// SnapshotHandler serves snapshot queries
type SnapshotHandler struct {
	BaseHandler
	reader SnapshotReader
}

// NewSnapshotHandler creates a SnapshotHandler
func NewSnapshotHandler(reader SnapshotReader) *SnapshotHandler {
	return &SnapshotHandler{reader: reader}
}

// RegisterRoutes registers snapshot routes
func (h *SnapshotHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/snapshots/:account", h.List)
}

// List returns one page of an account's snapshots
func (h *SnapshotHandler) List(c *gin.Context) {
	var q dto.SnapshotListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BindError(c, err)
		return
	}

	var g tally.Granularity
	if q.Granularity != "" {
		parsed, err := tally.ParseGranularity(q.Granularity)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		g = parsed
	}
	if q.Start != nil && q.End != nil && q.End.Before(*q.Start) {
		h.BadRequest(c, "end must not be before start")
		return
	}

	filter := q.Filter(g)
	snapshots, err := h.reader.FindByAccount(c.Request.Context(), c.Param("account"), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, dto.ToSnapshotResponses(snapshots), filter.Page, filter.PageSize, len(snapshots))
}
