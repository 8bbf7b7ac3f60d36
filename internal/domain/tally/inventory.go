package tally

import (
	"context"
	"sort"
	"time"
)

// InventoryKey identifies an AccountServiceInventory
type InventoryKey struct {
	AccountID   string
	ServiceType string
}

// String renders the key as account/serviceType
func (k InventoryKey) String() string {
	return k.AccountID + "/" + k.ServiceType
}

// AccountServiceInventory is the aggregate root owning every instance reported for an
// (account, service type). Instances are owned exclusively; nothing outside the aggregate
// holds a reference into them between collections.
type AccountServiceInventory struct {
	AccountID   string
	ServiceType string
	Instances   map[string]*InstanceState
	Version     int
	UpdatedAt   time.Time
}

// NewAccountServiceInventory creates an empty inventory
func NewAccountServiceInventory(accountID, serviceType string) *AccountServiceInventory {
	return &AccountServiceInventory{
		AccountID:   accountID,
		ServiceType: serviceType,
		Instances:   make(map[string]*InstanceState),
	}
}

// Key returns the inventory's identity
func (a *AccountServiceInventory) Key() InventoryKey {
	return InventoryKey{AccountID: a.AccountID, ServiceType: a.ServiceType}
}

// Instance returns the instance with the given id
func (a *AccountServiceInventory) Instance(instanceID string) (*InstanceState, bool) {
	h, ok := a.Instances[instanceID]
	return h, ok
}

// GetOrCreateInstance returns the instance with the given id, adding an empty one if needed
func (a *AccountServiceInventory) GetOrCreateInstance(instanceID string) *InstanceState {
	if a.Instances == nil {
		a.Instances = make(map[string]*InstanceState)
	}
	h, ok := a.Instances[instanceID]
	if !ok {
		h = NewInstanceState(instanceID)
		a.Instances[instanceID] = h
	}
	return h
}

// NewestLastSeen returns the latest LastSeen across instances, zero if there are none
func (a *AccountServiceInventory) NewestLastSeen() time.Time {
	var newest time.Time
	for _, h := range a.Instances {
		if h.LastSeen.After(newest) {
			newest = h.LastSeen
		}
	}
	return newest
}

// InstanceIDs returns the instance ids in sorted order
func (a *AccountServiceInventory) InstanceIDs() []string {
	ids := make([]string, 0, len(a.Instances))
	for id := range a.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InventoryRepository persists AccountServiceInventory aggregates
type InventoryRepository interface {
	// FindForUpdate loads the aggregate, locking it for the current transaction.
	// Returns nil, nil when it does not exist.
	FindForUpdate(ctx context.Context, accountID, serviceType string) (*AccountServiceInventory, error)

	// Save persists the aggregate and all of its instances, replacing the stored instance set
	Save(ctx context.Context, inventory *AccountServiceInventory) error

	// ListKeys returns every stored (account, service type)
	ListKeys(ctx context.Context) ([]InventoryKey, error)
}

// EventRepository is the event store
type EventRepository interface {
	// SaveAll stores events, replacing any stored event with the same natural key
	SaveAll(ctx context.Context, events []*Event) error

	// HasEventsInRange reports whether any event exists for the account and service type in [start, end)
	HasEventsInRange(ctx context.Context, accountID, serviceType string, start, end time.Time) (bool, error)

	// FindInRange returns events for the account and service type in [start, end),
	// ordered by instance id then timestamp
	FindInRange(ctx context.Context, accountID, serviceType string, start, end time.Time) ([]*Event, error)

	// ListKeysInRange returns each (account, service type) with events in [start, end)
	ListKeysInRange(ctx context.Context, start, end time.Time) ([]InventoryKey, error)
}
