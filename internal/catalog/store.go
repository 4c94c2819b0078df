package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	List(ctx context.Context) ([]*Listing, error)
}

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.ID]; ok {
		return ErrListingExists
	}
	m.listings[l.ID] = l.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return l.Clone(), nil
}

// List returns listings oldest first.
func (m *MemoryStore) List(_ context.Context) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Listing, 0, len(m.listings))
	for _, l := range m.listings {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// FileStore keeps listings in memory and rewrites a JSON file on every
// change. Writes go to a temp file renamed over the target, so a crash never
// leaves a truncated catalog.
type FileStore struct {
	*MemoryStore
	path    string
	writeMu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// OpenFileStore loads path if it exists.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var listings []*Listing
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &listings); err != nil {
			return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
		}
	}
	for _, l := range listings {
		if l == nil || l.ID == "" {
			continue
		}
		fs.listings[l.ID] = l
	}
	return fs, nil
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Create(ctx context.Context, l *Listing) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.MemoryStore.Create(ctx, l); err != nil {
		return err
	}
	if err := f.flush(ctx); err != nil {
		f.mu.Lock()
		delete(f.listings, l.ID)
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *FileStore) flush(ctx context.Context) error {
	listings, err := f.MemoryStore.List(ctx)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(listings, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: encode: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("catalog: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("catalog: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("catalog: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("catalog: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("catalog: close: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("catalog: rename: %w", err)
	}
	return nil
}
