package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/metering/tally/internal/domain/billing"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleUsage() *billing.BillableUsage {
	return &billing.BillableUsage{
		AccountID: "A",
		BillableTallySnapshots: []billing.TallySnapshot{{
			ProductID:   "RHEL",
			Granularity: "HOURLY",
		}},
	}
}

func TestOutboxBillableUsagePublisher(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	require.NoError(t, NewOutboxBillableUsagePublisher(repo, 0).Publish(ctx, sampleUsage()))

	entries, err := repo.FindPending(ctx, []string{billing.TopicBillableUsage}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].PartitionKey)

	var decoded billing.BillableUsage
	require.NoError(t, json.Unmarshal(entries[0].Payload, &decoded))
	assert.Equal(t, "A", decoded.AccountID)
	require.Len(t, decoded.BillableTallySnapshots, 1)
	assert.Equal(t, "RHEL", decoded.BillableTallySnapshots[0].ProductID)

	t.Run("storage failure is transient", func(t *testing.T) {
		sqlDB, err := db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())

		err = NewOutboxBillableUsagePublisher(repo, 0).Publish(ctx, sampleUsage())
		assert.ErrorIs(t, err, shared.ErrTransientDelivery)
	})
}

func TestRedisStreamPublisher(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	t.Run("defaults the stream name", func(t *testing.T) {
		assert.Equal(t, billing.TopicBillableUsage, NewRedisStreamPublisher(client, "", 0).Stream())
		assert.Equal(t, "usage", NewRedisStreamPublisher(client, "usage", 0).Stream())
	})

	t.Run("unreachable Redis is transient", func(t *testing.T) {
		err := NewRedisStreamPublisher(client, "usage", 1000).Publish(context.Background(), sampleUsage())
		assert.ErrorIs(t, err, shared.ErrTransientDelivery)
		assert.Contains(t, err.Error(), "stream usage")
	})
}
