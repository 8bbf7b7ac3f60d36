package event

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memoryOutboxRepository keeps entries in a map; only what OutboxService calls is implemented
type memoryOutboxRepository struct {
	shared.OutboxRepository
	entries map[uuid.UUID]*shared.OutboxEntry
	err     error
}

func newMemoryOutboxRepository(entries ...*shared.OutboxEntry) *memoryOutboxRepository {
	r := &memoryOutboxRepository{entries: make(map[uuid.UUID]*shared.OutboxEntry)}
	for _, e := range entries {
		r.entries[e.ID] = e
	}
	return r
}

func (r *memoryOutboxRepository) FindByID(_ context.Context, id uuid.UUID) (*shared.OutboxEntry, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.entries[id], nil
}

func (r *memoryOutboxRepository) FindDead(_ context.Context, page, pageSize int) ([]*shared.OutboxEntry, int64, error) {
	if r.err != nil {
		return nil, 0, r.err
	}
	var dead []*shared.OutboxEntry
	for _, e := range r.entries {
		if e.IsDead() {
			dead = append(dead, e)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].CreatedAt.Before(dead[j].CreatedAt) })

	total := int64(len(dead))
	start := (page - 1) * pageSize
	if start >= len(dead) {
		return nil, total, nil
	}
	end := min(start+pageSize, len(dead))
	return dead[start:end], total, nil
}

func (r *memoryOutboxRepository) Update(_ context.Context, entry *shared.OutboxEntry) error {
	if r.err != nil {
		return r.err
	}
	r.entries[entry.ID] = entry
	return nil
}

func (r *memoryOutboxRepository) CountByStatus(context.Context) (map[shared.OutboxStatus]int64, error) {
	if r.err != nil {
		return nil, r.err
	}
	counts := make(map[shared.OutboxStatus]int64)
	for _, e := range r.entries {
		counts[e.Status]++
	}
	return counts, nil
}

var serviceEpoch = time.Date(2024, 6, 10, 5, 0, 0, 0, time.UTC)

func deadEntry(i int) *shared.OutboxEntry {
	e := shared.NewOutboxEntry("tally-summary", "acct-1", []byte(`{}`))
	e.CreatedAt = serviceEpoch.Add(time.Duration(i) * time.Second)
	e.MaxRetries = 1
	e.MarkFailed("billing unavailable")
	return e
}

func deadEntries(n int) []*shared.OutboxEntry {
	entries := make([]*shared.OutboxEntry, n)
	for i := range entries {
		entries[i] = deadEntry(i)
	}
	return entries
}

func TestOutboxService_GetDeadLetterEntries(t *testing.T) {
	svc := NewOutboxService(newMemoryOutboxRepository(deadEntries(25)...), zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		result, err := svc.GetDeadLetterEntries(ctx, OutboxFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Page)
		assert.Equal(t, 20, result.PageSize)
		assert.Equal(t, int64(25), result.Total)
		assert.Equal(t, 2, result.TotalPages)
		assert.Len(t, result.Entries, 20)
		assert.Equal(t, "DEAD", result.Entries[0].Status)
		assert.Equal(t, "billing unavailable", result.Entries[0].LastError)
	})

	t.Run("second page", func(t *testing.T) {
		result, err := svc.GetDeadLetterEntries(ctx, OutboxFilter{Page: 2, PageSize: 20})
		require.NoError(t, err)
		assert.Len(t, result.Entries, 5)
	})

	t.Run("page size is capped", func(t *testing.T) {
		result, err := svc.GetDeadLetterEntries(ctx, OutboxFilter{PageSize: 500})
		require.NoError(t, err)
		assert.Equal(t, 100, result.PageSize)
		assert.Equal(t, 1, result.TotalPages)
	})
}

func TestOutboxService_RetryDeadEntry(t *testing.T) {
	entry := deadEntry(0)
	repo := newMemoryOutboxRepository(entry)
	svc := NewOutboxService(repo, zaptest.NewLogger(t))

	dto, err := svc.RetryDeadEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", dto.Status)
	assert.Zero(t, dto.RetryCount)
	assert.Empty(t, dto.LastError)
	assert.Equal(t, shared.OutboxStatusPending, repo.entries[entry.ID].Status)
}

func TestOutboxService_RetryDeadEntry_NotFound(t *testing.T) {
	svc := NewOutboxService(newMemoryOutboxRepository(), nil)

	_, err := svc.RetryDeadEntry(context.Background(), uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestOutboxService_RetryDeadEntry_NotDead(t *testing.T) {
	pending := shared.NewOutboxEntry("tally-summary", "acct-1", nil)
	svc := NewOutboxService(newMemoryOutboxRepository(pending), nil)

	_, err := svc.RetryDeadEntry(context.Background(), pending.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestOutboxService_GetEntry(t *testing.T) {
	entry := deadEntry(0)
	svc := NewOutboxService(newMemoryOutboxRepository(entry), nil)

	dto, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.MessageID, dto.MessageID)
	assert.Equal(t, "acct-1", dto.PartitionKey)

	_, err = svc.GetEntry(context.Background(), uuid.New())
	assert.True(t, shared.IsCode(err, shared.CodeNotFound))
}

func TestOutboxService_GetStats(t *testing.T) {
	sent := shared.NewOutboxEntry("tally-summary", "acct-2", nil)
	sent.MarkSent()
	repo := newMemoryOutboxRepository(append(deadEntries(2), sent, shared.NewOutboxEntry("tally-summary", "acct-3", nil))...)
	svc := NewOutboxService(repo, nil)

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &OutboxStatsDTO{Pending: 1, Sent: 1, Dead: 2, Total: 4}, stats)
}

func TestOutboxService_RetryAllDeadEntries(t *testing.T) {
	repo := newMemoryOutboxRepository(deadEntries(230)...)
	svc := NewOutboxService(repo, zaptest.NewLogger(t))

	count, err := svc.RetryAllDeadEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(230), count)

	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Dead)
	assert.Equal(t, int64(230), stats.Pending)
}

func TestOutboxService_RepositoryErrors(t *testing.T) {
	repo := newMemoryOutboxRepository()
	repo.err = assert.AnError
	svc := NewOutboxService(repo, nil)
	ctx := context.Background()

	_, err := svc.GetDeadLetterEntries(ctx, OutboxFilter{})
	assert.ErrorIs(t, err, assert.AnError)
	_, err = svc.GetStats(ctx)
	assert.ErrorIs(t, err, assert.AnError)
	_, err = svc.RetryAllDeadEntries(ctx)
	assert.ErrorIs(t, err, assert.AnError)
}
