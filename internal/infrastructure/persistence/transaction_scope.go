package persistence

import (
	"context"

	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
	"gorm.io/gorm"
)

// MessagePublisherFactory binds a message publisher to a transaction
type MessagePublisherFactory func(tx *gorm.DB) shared.MessagePublisher

// GormTransactionScope implements TransactionScope using GORM transactions.
// Repositories and the message publisher handed to fn share one transaction.
type GormTransactionScope struct {
	db       *gorm.DB
	messages MessagePublisherFactory
}

// NewGormTransactionScope creates a new GormTransactionScope.
// messages may be nil when nothing is published from within transactions.
func NewGormTransactionScope(db *gorm.DB, messages MessagePublisherFactory) *GormTransactionScope {
	return &GormTransactionScope{db: db, messages: messages}
}

// Execute runs the given function within a database transaction.
// If the function returns an error, the transaction is rolled back.
func (s *GormTransactionScope) Execute(ctx context.Context, fn func(repos apptally.TransactionalRepositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTransactionalRepositories{tx: tx, messages: s.messages})
	})
}

type gormTransactionalRepositories struct {
	tx       *gorm.DB
	messages MessagePublisherFactory
}

func (r *gormTransactionalRepositories) Events() tally.EventRepository {
	return NewGormEventRepository(r.tx)
}

func (r *gormTransactionalRepositories) Inventories() tally.InventoryRepository {
	return NewGormInventoryRepository(r.tx)
}

func (r *gormTransactionalRepositories) Snapshots() tally.SnapshotRepository {
	return NewGormSnapshotRepository(r.tx)
}

func (r *gormTransactionalRepositories) Messages() shared.MessagePublisher {
	if r.messages == nil {
		return discardPublisher{}
	}
	return r.messages(r.tx)
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, string, any) error { return nil }

// Ensure GormTransactionScope implements TransactionScope
var _ apptally.TransactionScope = (*GormTransactionScope)(nil)

// Ensure gormTransactionalRepositories implements TransactionalRepositories
var _ apptally.TransactionalRepositories = (*gormTransactionalRepositories)(nil)
