package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/domain/shared"
)

// BillableUsagePublisher archives each billable usage document as a JSON object.
// Keys are <prefix>/<account>/<yyyy>/<mm>/<dd>/<id>.json so downstream billing can
// pick up an account's day with a single listing.
type BillableUsagePublisher struct {
	store  ObjectStorage
	prefix string
	now    func() time.Time
}

// NewBillableUsagePublisher creates a publisher writing under prefix
func NewBillableUsagePublisher(store ObjectStorage, prefix string) *BillableUsagePublisher {
	return &BillableUsagePublisher{store: store, prefix: prefix, now: time.Now}
}

// Publish uploads usage. Upload failures are transient.
func (p *BillableUsagePublisher) Publish(ctx context.Context, usage *billing.BillableUsage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to encode billable usage: %w", err)
	}

	key := p.objectKey(usage.AccountID, p.now().UTC(), uuid.New())
	if err := p.store.Upload(ctx, key, data, "application/json"); err != nil {
		return shared.WrapDomainError(shared.CodeTransientDelivery,
			"failed to archive billable usage for account "+usage.AccountID, err)
	}
	return nil
}

func (p *BillableUsagePublisher) objectKey(accountID string, at time.Time, id uuid.UUID) string {
	return path.Join(p.prefix, accountID, at.Format("2006/01/02"), id.String()+".json")
}

var _ billing.BillableUsagePublisher = (*BillableUsagePublisher)(nil)
