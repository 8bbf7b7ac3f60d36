package tally

import (
	"context"

	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
)

// TransactionScope provides transactional access to the tally repositories.
// Everything done through the repositories handed to fn is committed or rolled back together.
type TransactionScope interface {
	// Execute runs fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// TransactionalRepositories provides access to all repositories within one transaction.
//
// Aggregate boundary notes:
//   - Inventories: the AccountServiceInventory aggregate root. Instance state is only ever
//     changed through it.
//   - Events: read-only during collection; written by ingestion.
//   - Snapshots: written by the roller, one row per (account, key, granularity, period).
//   - Messages: enqueues outbound messages in the same transaction (transactional outbox).
type TransactionalRepositories interface {
	Events() tally.EventRepository
	Inventories() tally.InventoryRepository
	Snapshots() tally.SnapshotRepository
	Messages() shared.MessagePublisher
}

// NoOpTransactionScope runs fn against fixed repositories without a transaction.
// Used in tests and with stores that have no transaction support.
type NoOpTransactionScope struct {
	events      tally.EventRepository
	inventories tally.InventoryRepository
	snapshots   tally.SnapshotRepository
	messages    shared.MessagePublisher
}

// NewNoOpTransactionScope creates a NoOpTransactionScope with the given repositories
func NewNoOpTransactionScope(
	events tally.EventRepository,
	inventories tally.InventoryRepository,
	snapshots tally.SnapshotRepository,
	messages shared.MessagePublisher,
) *NoOpTransactionScope {
	return &NoOpTransactionScope{
		events:      events,
		inventories: inventories,
		snapshots:   snapshots,
		messages:    messages,
	}
}

// Execute runs fn directly
func (s *NoOpTransactionScope) Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error {
	return fn(s)
}

func (s *NoOpTransactionScope) Events() tally.EventRepository          { return s.events }
func (s *NoOpTransactionScope) Inventories() tally.InventoryRepository { return s.inventories }
func (s *NoOpTransactionScope) Snapshots() tally.SnapshotRepository    { return s.snapshots }
func (s *NoOpTransactionScope) Messages() shared.MessagePublisher      { return s.messages }

var _ TransactionScope = (*NoOpTransactionScope)(nil)
var _ TransactionalRepositories = (*NoOpTransactionScope)(nil)
