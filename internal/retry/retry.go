// Package retry bounds the retries the gateway makes against the catalog,
// the ledger and chain RPC. Only idempotent reads and writes whose
// post-failure state has been checked should go through it.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels used by the gateway and ledger adapters.
const (
	OpCatalogLookup  = "catalog_lookup"
	OpLedgerRead     = "ledger_read"
	OpDeliveryCommit = "delivery_commit"
)

var attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowgate",
	Subsystem: "retry",
	Name:      "attempts_total",
	Help:      "Retried calls by operation and how the attempt ended.",
}, []string{"op", "result"}) // "ok", "retry", "permanent", "exhausted", "cancelled"

func init() {
	prometheus.MustRegister(attemptsTotal)
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that a Policy stops retrying and returns err.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy is a bounded exponential backoff. The zero value makes one attempt.
type Policy struct {
	Op        string        // metrics label
	Attempts  int           // total calls, at least 1
	BaseDelay time.Duration // first sleep, doubled after each retry
	MaxDelay  time.Duration // 0 means uncapped
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out or ctx ends. Sleeps carry +-25% jitter.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	op := p.Op
	if op == "" {
		op = "other"
	}
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			attemptsTotal.WithLabelValues(op, "ok").Inc()
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			attemptsTotal.WithLabelValues(op, "permanent").Inc()
			return pe.Err
		}
		if attempt >= attempts {
			attemptsTotal.WithLabelValues(op, "exhausted").Inc()
			return err
		}
		attemptsTotal.WithLabelValues(op, "retry").Inc()

		select {
		case <-ctx.Done():
			attemptsTotal.WithLabelValues(op, "cancelled").Inc()
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1)) //nolint:gosec // backoff jitter
}
