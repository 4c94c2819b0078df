// Package syncutil serializes state transitions on a single escrow.
package syncutil

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultShards is the stripe count used by NewEscrowLocks(0).
const DefaultShards = 256

var lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "escrowgate",
	Subsystem: "escrow",
	Name:      "lock_wait_seconds",
	Help:      "Time spent waiting for an escrow's transition lock.",
	Buckets:   []float64{.0001, .001, .005, .025, .1, .5, 2},
})

func init() {
	prometheus.MustRegister(lockWait)
}

// EscrowLocks is a striped set of context-aware locks keyed by escrow id.
// Escrow ids are sequential, so id modulo the stripe count spreads adjacent
// escrows across stripes without hashing. Two escrows sharing a stripe
// serialize against each other, which is safe but slower.
type EscrowLocks struct {
	stripes []chan struct{}
}

// NewEscrowLocks creates n stripes; n <= 0 means DefaultShards.
func NewEscrowLocks(n int) *EscrowLocks {
	if n <= 0 {
		n = DefaultShards
	}
	l := &EscrowLocks{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock blocks until escrow id's stripe is free or ctx ends. On success the
// returned func releases the stripe and must be called exactly once.
func (l *EscrowLocks) Lock(ctx context.Context, id uint64) (func(), error) {
	stripe := l.stripes[id%uint64(len(l.stripes))]

	select {
	case stripe <- struct{}{}:
		lockWait.Observe(0)
		return func() { <-stripe }, nil
	default:
	}

	start := time.Now()
	select {
	case stripe <- struct{}{}:
		lockWait.Observe(time.Since(start).Seconds())
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
