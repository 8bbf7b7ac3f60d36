package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/metering/tally/internal/infrastructure/config"
	"github.com/metering/tally/internal/infrastructure/persistence/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// openSQLiteDatabase opens an empty file-backed store through the same path as NewDatabase
func openSQLiteDatabase(t *testing.T) *Database {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tally.db")
	db, err := openDatabase(sqlite.Open(dsn), &config.DatabaseConfig{MaxOpenConns: 2, MaxIdleConns: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newMockDatabase creates a Database instance with a mocked SQL connection
func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return &Database{DB: gormDB}, mock, mockDB
}

func TestOpenDatabase(t *testing.T) {
	t.Run("pool is sized from config", func(t *testing.T) {
		db := openSQLiteDatabase(t)
		sqlDB, err := db.DB.DB()
		require.NoError(t, err)
		assert.Equal(t, 2, sqlDB.Stats().MaxOpenConnections)
	})

	t.Run("timestamps are UTC", func(t *testing.T) {
		db := openSQLiteDatabase(t)
		assert.Equal(t, time.UTC, db.DB.NowFunc().Location())
	})

	t.Run("unreachable database fails", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		mock.ExpectClose()

		_, err = openDatabase(postgres.New(postgres.Config{Conn: mockDB}), &config.DatabaseConfig{}, nil)
		assert.ErrorContains(t, err, "failed to ping database")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDatabase_CheckSchema(t *testing.T) {
	db := openSQLiteDatabase(t)
	ctx := context.Background()

	err := db.CheckSchema(ctx)
	require.Error(t, err)
	for _, table := range []string{"events", "account_service_inventories", "instance_states", "tally_snapshots", "outbox_entries"} {
		assert.Contains(t, err.Error(), table)
	}

	require.NoError(t, db.DB.AutoMigrate(&models.EventModel{}))
	err = db.CheckSchema(ctx)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "events,")
	assert.Contains(t, err.Error(), "tally_snapshots")

	require.NoError(t, db.AutoMigrate())
	assert.NoError(t, db.CheckSchema(ctx))
}

func TestDatabase_AutoMigrate(t *testing.T) {
	db := openSQLiteDatabase(t)

	require.NoError(t, db.AutoMigrate())

	migrator := db.DB.Migrator()
	assert.True(t, migrator.HasIndex(&models.EventModel{}, "uq_events_natural_key"))
	assert.True(t, migrator.HasColumn(&models.EventModel{}, "event_timestamp"))
	assert.True(t, migrator.HasColumn(&models.SnapshotModel{}, "has_infinite_quantity"))

	// re-running is a no-op
	assert.NoError(t, db.AutoMigrate())
}

func TestDatabase_Transaction(t *testing.T) {
	db := openSQLiteDatabase(t)
	require.NoError(t, db.AutoMigrate())
	ctx := context.Background()
	now := time.Date(2024, 6, 10, 5, 15, 0, 0, time.UTC)

	event := func(instanceID string) *models.EventModel {
		return &models.EventModel{
			ID:          uuid.New(),
			NaturalKey:  "A|S|" + instanceID + "|" + now.Format(time.RFC3339),
			AccountID:   "A",
			ServiceType: "S",
			Timestamp:   now,
			InstanceID:  instanceID,
		}
	}
	count := func() int64 {
		var n int64
		require.NoError(t, db.DB.Model(&models.EventModel{}).Count(&n).Error)
		return n
	}

	t.Run("commits", func(t *testing.T) {
		err := db.Transaction(ctx, func(tx *gorm.DB) error {
			return tx.Create(event("i-1")).Error
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count())
	})

	t.Run("rolls back every write on error", func(t *testing.T) {
		err := db.Transaction(ctx, func(tx *gorm.DB) error {
			if err := tx.Create(event("i-2")).Error; err != nil {
				return err
			}
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, int64(1), count())
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := db.Transaction(cancelled, func(tx *gorm.DB) error {
			return tx.Create(event("i-3")).Error
		})
		assert.Error(t, err)
		assert.Equal(t, int64(1), count())
	})
}

func TestDatabase_Ping(t *testing.T) {
	db := openSQLiteDatabase(t)
	assert.NoError(t, db.Ping(context.Background()))

	require.NoError(t, db.Close())
	assert.ErrorContains(t, db.Ping(context.Background()), "failed to ping database")
}
