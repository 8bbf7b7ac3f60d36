package dto

import (
	"time"

	"github.com/metering/tally/internal/domain/tally"
	"github.com/shopspring/decimal"
)

// IngestEventsRequest is the body of POST /events
type IngestEventsRequest struct {
	Events []*tally.Event `json:"events" binding:"required"`
}

// RangeQuery selects the hours a tally run covers. Both ends are RFC3339.
type RangeQuery struct {
	Start time.Time `form:"start" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
	End   time.Time `form:"end" binding:"required" time_format:"2006-01-02T15:04:05Z07:00"`
}

// SnapshotListQuery holds the filters of GET /snapshots/:account
type SnapshotListQuery struct {
	Granularity string     `form:"granularity"`
	ProductID   string     `form:"product_id"`
	Start       *time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00"`
	End         *time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00"`
	Page        int        `form:"page" binding:"omitempty,min=1"`
	PageSize    int        `form:"page_size" binding:"omitempty,min=1,max=1000"`
}

// Filter converts the query to a repository filter, applying default paging
func (q SnapshotListQuery) Filter(g tally.Granularity) tally.SnapshotFilter {
	f := tally.DefaultSnapshotFilter()
	f.Granularity = g
	f.ProductID = q.ProductID
	f.Start = q.Start
	f.End = q.End
	if q.Page > 0 {
		f.Page = q.Page
	}
	if q.PageSize > 0 {
		f.PageSize = q.PageSize
	}
	return f
}

// SnapshotResponse is one snapshot as returned by the API
type SnapshotResponse struct {
	ID                  string                                `json:"id"`
	AccountNumber       string                                `json:"account_number"`
	ProductID           string                                `json:"product_id"`
	ServiceLevel        string                                `json:"sla"`
	Usage               string                                `json:"usage"`
	BillingProvider     string                                `json:"billing_provider"`
	BillingAccountID    string                                `json:"billing_account_id,omitempty"`
	Granularity         string                                `json:"granularity"`
	SnapshotDate        time.Time                             `json:"snapshot_date"`
	PeriodEnd           time.Time                             `json:"period_end"`
	Measurements        map[string]map[string]decimal.Decimal `json:"measurements"`
	HasInfiniteQuantity bool                                  `json:"has_infinite_quantity"`
	UpdatedAt           time.Time                             `json:"updated_at"`
}

// ToSnapshotResponse converts a domain snapshot
func ToSnapshotResponse(s *tally.Snapshot) SnapshotResponse {
	measurements := make(map[string]map[string]decimal.Decimal, len(s.Measurements))
	for hw, byUom := range s.Measurements {
		values := make(map[string]decimal.Decimal, len(byUom))
		for uom, v := range byUom {
			values[uom] = v
		}
		measurements[string(hw)] = values
	}
	return SnapshotResponse{
		ID:                  s.ID.String(),
		AccountNumber:       s.AccountID,
		ProductID:           s.Key.ProductID,
		ServiceLevel:        string(s.Key.ServiceLevel),
		Usage:               string(s.Key.Usage),
		BillingProvider:     string(s.Key.BillingProvider),
		BillingAccountID:    s.Key.BillingAccountID,
		Granularity:         s.Granularity.String(),
		SnapshotDate:        s.SnapshotDate.UTC(),
		PeriodEnd:           s.PeriodEnd.UTC(),
		Measurements:        measurements,
		HasInfiniteQuantity: s.HasInfiniteQuantity,
		UpdatedAt:           s.UpdatedAt.UTC(),
	}
}

// ToSnapshotResponses converts a list of domain snapshots
func ToSnapshotResponses(snapshots []*tally.Snapshot) []SnapshotResponse {
	out := make([]SnapshotResponse, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, ToSnapshotResponse(s))
	}
	return out
}
