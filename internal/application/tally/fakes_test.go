package tally

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memEvents struct {
	mu     sync.Mutex
	events map[string]*tally.Event
	err    error
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[string]*tally.Event)}
}

func (m *memEvents) SaveAll(_ context.Context, events []*tally.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, e := range events {
		cp := *e
		m.events[e.NaturalKey()] = &cp
	}
	return nil
}

func (m *memEvents) inRange(accountID, serviceType string, start, end time.Time) []*tally.Event {
	var out []*tally.Event
	for _, e := range m.events {
		if e.AccountID == accountID && e.ServiceType == serviceType && !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (m *memEvents) HasEventsInRange(_ context.Context, accountID, serviceType string, start, end time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inRange(accountID, serviceType, start, end)) > 0, nil
}

func (m *memEvents) FindInRange(_ context.Context, accountID, serviceType string, start, end time.Time) ([]*tally.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inRange(accountID, serviceType, start, end), nil
}

func (m *memEvents) ListKeysInRange(_ context.Context, start, end time.Time) ([]tally.InventoryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[tally.InventoryKey]bool)
	var keys []tally.InventoryKey
	for _, e := range m.events {
		k := tally.InventoryKey{AccountID: e.AccountID, ServiceType: e.ServiceType}
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// memInventories stores deep copies so an aborted collection leaves nothing behind
type memInventories struct {
	mu    sync.Mutex
	items map[tally.InventoryKey]*tally.AccountServiceInventory
	saves int
}

func newMemInventories() *memInventories {
	return &memInventories{items: make(map[tally.InventoryKey]*tally.AccountServiceInventory)}
}

func cloneInventory(src *tally.AccountServiceInventory) *tally.AccountServiceInventory {
	cp := *src
	cp.Instances = make(map[string]*tally.InstanceState, len(src.Instances))
	for id, h := range src.Instances {
		hc := *h
		hc.Measurements = make(map[string]decimal.Decimal, len(h.Measurements))
		for uom, v := range h.Measurements {
			hc.Measurements[uom] = v
		}
		hc.MonthlyTotals = make(map[string]map[string]decimal.Decimal, len(h.MonthlyTotals))
		for month, byUnit := range h.MonthlyTotals {
			units := make(map[string]decimal.Decimal, len(byUnit))
			for uom, v := range byUnit {
				units[uom] = v
			}
			hc.MonthlyTotals[month] = units
		}
		hc.Buckets = make(map[tally.UsageCalculationKey]struct{}, len(h.Buckets))
		for k := range h.Buckets {
			hc.Buckets[k] = struct{}{}
		}
		cp.Instances[id] = &hc
	}
	return &cp
}

func (m *memInventories) FindForUpdate(_ context.Context, accountID, serviceType string) (*tally.AccountServiceInventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.items[tally.InventoryKey{AccountID: accountID, ServiceType: serviceType}]
	if !ok {
		return nil, nil
	}
	return cloneInventory(inv), nil
}

func (m *memInventories) Save(_ context.Context, inv *tally.AccountServiceInventory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.items[inv.Key()] = cloneInventory(inv)
	return nil
}

func (m *memInventories) ListKeys(_ context.Context) ([]tally.InventoryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]tally.InventoryKey, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (m *memInventories) get(accountID, serviceType string) *tally.AccountServiceInventory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[tally.InventoryKey{AccountID: accountID, ServiceType: serviceType}]
}

type memSnapshots struct {
	mu    sync.Mutex
	items map[uuid.UUID]*tally.Snapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{items: make(map[uuid.UUID]*tally.Snapshot)}
}

func cloneSnapshot(s *tally.Snapshot) *tally.Snapshot {
	cp := *s
	cp.Measurements = s.Measurements.Clone()
	return &cp
}

func (m *memSnapshots) FindByPeriod(_ context.Context, accountID string, key tally.UsageCalculationKey, g tally.Granularity, start time.Time) ([]*tally.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tally.Snapshot
	for _, s := range m.items {
		if s.AccountID == accountID && s.Key == key && s.Granularity == g && s.SnapshotDate.Equal(start) {
			out = append(out, cloneSnapshot(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WrittenAfter(out[j]) })
	return out, nil
}

func (m *memSnapshots) FindByRange(_ context.Context, accountID string, g tally.Granularity, start, end time.Time) ([]*tally.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tally.Snapshot
	for _, s := range m.items {
		if s.AccountID == accountID && s.Granularity == g && !s.SnapshotDate.Before(start) && s.SnapshotDate.Before(end) {
			out = append(out, cloneSnapshot(s))
		}
	}
	return out, nil
}

func (m *memSnapshots) FindByAccount(_ context.Context, accountID string, filter tally.SnapshotFilter) ([]*tally.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*tally.Snapshot
	for _, s := range m.items {
		if s.AccountID != accountID {
			continue
		}
		if filter.Granularity != "" && s.Granularity != filter.Granularity {
			continue
		}
		if filter.ProductID != "" && s.Key.ProductID != filter.ProductID {
			continue
		}
		out = append(out, cloneSnapshot(s))
	}
	return out, nil
}

func (m *memSnapshots) Save(_ context.Context, s *tally.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[s.ID] = cloneSnapshot(s)
	return nil
}

func (m *memSnapshots) Update(_ context.Context, s *tally.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[s.ID]; !ok {
		return shared.ErrNotFound
	}
	m.items[s.ID] = cloneSnapshot(s)
	return nil
}

func (m *memSnapshots) DeleteByIDs(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.items, id)
	}
	return nil
}

func (m *memSnapshots) all() []*tally.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*tally.Snapshot, 0, len(m.items))
	for _, s := range m.items {
		out = append(out, cloneSnapshot(s))
	}
	return out
}

func (m *memSnapshots) find(t *testing.T, g tally.Granularity, key tally.UsageCalculationKey) *tally.Snapshot {
	t.Helper()
	var found []*tally.Snapshot
	for _, s := range m.all() {
		if s.Granularity == g && s.Key == key {
			found = append(found, s)
		}
	}
	require.Len(t, found, 1, "expected exactly one %s snapshot for %s", g, key)
	return found[0]
}

func (m *memSnapshots) count(g tally.Granularity) int {
	n := 0
	for _, s := range m.all() {
		if s.Granularity == g {
			n++
		}
	}
	return n
}

type publishedMessage struct {
	Topic        string
	PartitionKey string
	Payload      any
}

type memMessages struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (m *memMessages) Publish(_ context.Context, topic, partitionKey string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, publishedMessage{Topic: topic, PartitionKey: partitionKey, Payload: payload})
	return nil
}

type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	keys  []string
}

func (l *memLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

type testEnv struct {
	events      *memEvents
	inventories *memInventories
	snapshots   *memSnapshots
	messages    *memMessages
	locker      *memLocker
	scope       *NoOpTransactionScope
	profile     *tally.TagProfile
	clock       *tally.Clock
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	env := &testEnv{
		events:      newMemEvents(),
		inventories: newMemInventories(),
		snapshots:   newMemSnapshots(),
		messages:    &memMessages{},
		locker:      &memLocker{},
		profile:     testProfile(t),
		clock:       tally.NewFixedClock(now),
	}
	env.scope = NewNoOpTransactionScope(env.events, env.inventories, env.snapshots, env.messages)
	return env
}

func (e *testEnv) service() *TallyService {
	return NewTallyService(e.scope, e.profile, e.locker, nil, e.clock, nil, DefaultTallyServiceConfig())
}

func (e *testEnv) addEvents(t *testing.T, events ...*tally.Event) {
	t.Helper()
	require.NoError(t, e.events.SaveAll(context.Background(), events))
}

func testProfile(t *testing.T) *tally.TagProfile {
	t.Helper()
	p := &tally.TagProfile{
		Mappings: []tally.TagMapping{
			{Value: "42", ValueType: tally.TagValueTypeEngID, Tags: []string{"RHEL"}},
			{Value: "69", ValueType: tally.TagValueTypeEngID, Tags: []string{"RHEL Workstation"}},
		},
		MetaData: []tally.TagMetaData{
			{ServiceType: "S", Tags: []string{"RHEL", "RHEL Workstation"}},
			{ServiceType: "OpenShift Cluster", Tags: []string{"OpenShift"}, FinestGranularity: "DAILY"},
		},
	}
	require.NoError(t, p.Index())
	return p
}

func hourRange(t *testing.T, start time.Time, hours int) tally.DateRange {
	t.Helper()
	r, err := tally.NewDateRange(start, start.Add(time.Duration(hours)*time.Hour))
	require.NoError(t, err)
	return r
}
