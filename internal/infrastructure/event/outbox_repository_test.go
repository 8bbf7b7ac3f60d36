package event

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db, mock
}

var outboxColumns = []string{
	"id", "message_id", "topic", "partition_key", "payload", "status", "retry_count",
	"max_retries", "last_error", "next_retry_at", "processed_at", "created_at", "updated_at",
}

func TestGormOutboxRepository_FindPending(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	saveEntries(t, repo, "tally-summary", "A", "s1", "s2")
	saveEntries(t, repo, "billable-usage", "A", "u1")
	sent := saveEntries(t, repo, "tally-summary", "B", "s3")
	sent[0].MarkSent()
	require.NoError(t, repo.Update(ctx, sent[0]))

	t.Run("filters by topic and status, oldest first", func(t *testing.T) {
		entries, err := repo.FindPending(ctx, []string{"tally-summary"}, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "s1", string(entries[0].Payload))
		assert.Equal(t, "s2", string(entries[1].Payload))
	})

	t.Run("honours the limit", func(t *testing.T) {
		entries, err := repo.FindPending(ctx, []string{"tally-summary", "billable-usage"}, 1)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("no topics", func(t *testing.T) {
		entries, err := repo.FindPending(ctx, nil, 10)
		require.NoError(t, err)
		assert.Nil(t, entries)
	})
}

func TestGormOutboxRepository_FindPending_Query(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormOutboxRepository(db)

	id := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows(outboxColumns).AddRow(
		id, uuid.New(), "tally-summary", "A", []byte(`{}`), "PENDING", 0,
		5, "", nil, nil, now, now,
	)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "outbox_entries" WHERE status = $1 AND topic IN ($2,$3) ORDER BY created_at ASC LIMIT $4`)).
		WithArgs(shared.OutboxStatusPending, "billable-usage", "tally-summary", 10).
		WillReturnRows(rows)

	entries, err := repo.FindPending(context.Background(), []string{"billable-usage", "tally-summary"}, 10)

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "A", entries[0].PartitionKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOutboxRepository_FindRetryable(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	entries := saveEntries(t, repo, "tally-summary", "A", "due", "later")
	for _, e := range entries {
		e.MarkFailed("boom")
	}
	due := time.Now().Add(-time.Minute)
	later := time.Now().Add(time.Hour)
	entries[0].NextRetryAt = &due
	entries[1].NextRetryAt = &later
	for _, e := range entries {
		require.NoError(t, repo.Update(ctx, e))
	}

	found, err := repo.FindRetryable(ctx, []string{"tally-summary"}, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "due", string(found[0].Payload))

	found, err = repo.FindRetryable(ctx, []string{"billable-usage"}, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestGormOutboxRepository_MarkProcessing(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	entries := saveEntries(t, repo, "tally-summary", "A", "p1", "p2", "p3")
	entries[2].MarkSent()
	require.NoError(t, repo.Update(ctx, entries[2]))

	claimed, err := repo.MarkProcessing(ctx, []uuid.UUID{entries[0].ID, entries[1].ID, entries[2].ID})
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
	for _, e := range claimed {
		assert.Equal(t, shared.OutboxStatusProcessing, e.Status)
	}
	requireStatus(t, repo, entries[0], shared.OutboxStatusProcessing)

	t.Run("claimed entries are not claimed twice", func(t *testing.T) {
		again, err := repo.MarkProcessing(ctx, []uuid.UUID{entries[0].ID})
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("no ids", func(t *testing.T) {
		none, err := repo.MarkProcessing(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestGormOutboxRepository_MarkProcessing_SkipsLockedRows(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormOutboxRepository(db)

	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "outbox_entries" WHERE id IN .* FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(outboxColumns).AddRow(
			id, uuid.New(), "tally-summary", "A", []byte(`{}`), "PENDING", 0,
			5, "", nil, nil, now, now,
		))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "outbox_entries" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := repo.MarkProcessing(context.Background(), []uuid.UUID{id})

	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, shared.OutboxStatusProcessing, claimed[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOutboxRepository_RequeueStale(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	stale := shared.NewOutboxEntry("tally-summary", "A", []byte("stale"))
	stale.Status = shared.OutboxStatusProcessing
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	fresh := shared.NewOutboxEntry("tally-summary", "A", []byte("fresh"))
	fresh.Status = shared.OutboxStatusProcessing
	require.NoError(t, repo.Save(ctx, stale, fresh))

	n, err := repo.RequeueStale(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	requireStatus(t, repo, stale, shared.OutboxStatusPending)
	requireStatus(t, repo, fresh, shared.OutboxStatusProcessing)
}

func TestGormOutboxRepository_DeleteOlderThan(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewGormOutboxRepository(db)

	before := time.Now().Add(-7 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "outbox_entries" WHERE status = $1 AND processed_at < $2`)).
		WithArgs(shared.OutboxStatusSent, before).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	deleted, err := repo.DeleteOlderThan(context.Background(), before)

	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOutboxRepository_FindDeadAndCount(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewGormOutboxRepository(db)
	ctx := context.Background()

	entries := saveEntries(t, repo, "tally-summary", "A", "d1", "d2", "d3", "ok")
	for _, e := range entries[:3] {
		e.MaxRetries = 1
		e.MarkFailed("poison")
		require.NoError(t, repo.Update(ctx, e))
	}

	page, total, err := repo.FindDead(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 1)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[shared.OutboxStatus]int64{
		shared.OutboxStatusDead:    3,
		shared.OutboxStatusPending: 1,
	}, counts)

	t.Run("reset dead letter", func(t *testing.T) {
		dead, err := repo.FindByID(ctx, entries[0].ID)
		require.NoError(t, err)
		require.NoError(t, dead.ResetForRetry())
		require.NoError(t, repo.Update(ctx, dead))
		requireStatus(t, repo, dead, shared.OutboxStatusPending)
	})

	t.Run("missing entry", func(t *testing.T) {
		missing, err := repo.FindByID(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}
