package gateway

import "sync"

// inflight tracks escrows being redeemed by this process. Claims never
// block: a second claim on the same id fails until the first is released.
type inflight struct {
	mu  sync.Mutex
	ids map[uint64]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[uint64]struct{})}
}

func (f *inflight) claim(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[id]; busy {
		return false
	}
	f.ids[id] = struct{}{}
	gwInFlight.Set(float64(len(f.ids)))
	return true
}

func (f *inflight) release(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
	gwInFlight.Set(float64(len(f.ids)))
}

func (f *inflight) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
