package models

import (
	"time"

	"github.com/metering/tally/internal/domain/shared"
)

// All returns every table model in migration order
func All() []any {
	return []any{
		&EventModel{},
		&InventoryModel{},
		&InstanceStateModel{},
		&SnapshotModel{},
		&shared.OutboxEntry{},
	}
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
