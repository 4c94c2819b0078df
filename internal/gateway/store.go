package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/escrowgate/internal/pagination"
)

// Store persists mediation logs.
type Store interface {
	CreateLog(ctx context.Context, log *MediationLog) error
	ListByEscrow(ctx context.Context, escrowID uint64, limit int) ([]*MediationLog, error)
	ListRecent(ctx context.Context, limit int, before *pagination.Cursor) ([]*MediationLog, error)
}

// MemoryStore keeps mediation logs in memory, oldest first.
type MemoryStore struct {
	mu   sync.RWMutex
	logs []*MediationLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) CreateLog(_ context.Context, log *MediationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	m.logs = append(m.logs, &cp)
	return nil
}

// ListByEscrow returns the logs for one escrow in the order they were written.
func (m *MemoryStore) ListByEscrow(_ context.Context, escrowID uint64, limit int) ([]*MediationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MediationLog
	for _, l := range m.logs {
		if l.EscrowID == nil || *l.EscrowID != escrowID {
			continue
		}
		cp := *l
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListRecent returns the newest logs first, starting after before when set.
func (m *MemoryStore) ListRecent(_ context.Context, limit int, before *pagination.Cursor) ([]*MediationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MediationLog
	for _, l := range m.logs {
		if !before.Older(l.CreatedAt, l.ID) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
