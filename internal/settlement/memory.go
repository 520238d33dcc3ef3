package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// entry holds one record behind its own lock so swaps on different ids never
// contend with each other
type entry struct {
	mu     sync.Mutex
	record *Settlement
}

// idempotencySweepInterval bounds how often CreateIdempotent drops expired
// keys
const idempotencySweepInterval = time.Minute

type idempotencyEntry struct {
	settlementID string
	amount       decimal.Decimal
	expiresAt    time.Time
}

// MemoryStore keeps settlements in process. The map lock is held only to find
// or insert an entry; record reads and swaps take the entry lock.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	idempotency map[string]idempotencyEntry
	lastSweep   time.Time
	guard       Guard
	now         func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]*entry),
		idempotency: make(map[string]idempotencyEntry),
		now:         time.Now,
	}
}

func (m *MemoryStore) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Settlement, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, NotFoundError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Settlement, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	settlements := make([]Settlement, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		settlements = append(settlements, *e.record.clone())
		e.mu.Unlock()
	}
	return settlements, nil
}

func (m *MemoryStore) Create(_ context.Context, amount decimal.Decimal) (*Settlement, error) {
	s := NewSettlement(uuid.New().String(), amount, m.now())

	m.mu.Lock()
	m.entries[s.SettlementID] = &entry{record: s}
	m.mu.Unlock()

	return s.clone(), nil
}

func (m *MemoryStore) CreateIdempotent(ctx context.Context, amount decimal.Decimal, key string) (*Settlement, bool, error) {
	now := m.now()

	m.mu.Lock()
	m.sweepIdempotency(now)
	if rec, ok := m.idempotency[key]; ok && rec.expiresAt.After(now) {
		if !rec.amount.Equal(amount) {
			m.mu.Unlock()
			return nil, false, idempotencyMismatchError(key)
		}
		e := m.entries[rec.settlementID]
		m.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.record.clone(), true, nil
	}
	s := NewSettlement(uuid.New().String(), amount, now)
	m.entries[s.SettlementID] = &entry{record: s}
	m.idempotency[key] = idempotencyEntry{
		settlementID: s.SettlementID,
		amount:       amount,
		expiresAt:    now.Add(idempotencyTTL),
	}
	m.mu.Unlock()

	return s.clone(), false, nil
}

// sweepIdempotency drops expired keys. Callers hold m.mu.
func (m *MemoryStore) sweepIdempotency(now time.Time) {
	if now.Sub(m.lastSweep) < idempotencySweepInterval {
		return
	}
	for key, rec := range m.idempotency {
		if !rec.expiresAt.After(now) {
			delete(m.idempotency, key)
		}
	}
	m.lastSweep = now
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id string, expected uint64, mutate Mutation) (*Settlement, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, NotFoundError(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := m.guard.Next(e.record, expected, mutate)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = m.now()
	e.record = next
	return next.clone(), nil
}
