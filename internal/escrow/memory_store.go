package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[uint64]*Escrow
	mu      sync.RWMutex
	lastID  atomic.Uint64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[uint64]*Escrow),
	}
}

// NextID hands out 1, 2, 3, ... and never reuses a value, even when the
// create that requested it fails.
func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	return m.lastID.Add(1), nil
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.escrows[e.ID]; exists {
		return fmt.Errorf("escrow %d already exists", e.ID)
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

// Get returns a deep copy so callers can never mutate stored state.
func (m *MemoryStore) Get(_ context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) ListByPrincipal(_ context.Context, p Principal, limit int) ([]*Escrow, error) {
	return m.list(limit, true, func(e *Escrow) bool { return e.Involves(p) }), nil
}

func (m *MemoryStore) ListDue(_ context.Context, state State, now time.Time, limit int) ([]*Escrow, error) {
	return m.list(limit, false, func(e *Escrow) bool {
		return e.State == state && now.After(e.Deadline())
	}), nil
}

func (m *MemoryStore) list(limit int, newestFirst bool, match func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if match(e) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if newestFirst {
			return result[i].ID > result[j].ID
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
