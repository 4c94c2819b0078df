// Package circuitbreaker isolates failing provider upstreams. Each upstream
// host has its own circuit: consecutive failures trip it open, and after a
// cool-down a single call is let through to test recovery.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen matches every *OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned by Execute while a host's circuit refuses calls.
type OpenError struct {
	Host    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Host, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// State is a circuit's position.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are refused
	StateHalfOpen              // one trial call in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "upstream",
		Name:      "circuit_transitions_total",
		Help:      "Upstream circuit state changes by host and new state.",
	}, []string{"host", "to"})

	circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowgate",
		Subsystem: "upstream",
		Name:      "circuit_state",
		Help:      "Upstream circuit state by host: 0 closed, 1 open, 2 half-open.",
	}, []string{"host"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, circuitState)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time // last trip or last trial call
}

// Trip describes a host whose circuit is not closed.
type Trip struct {
	Host     string    `json:"host"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	RetryAt  time.Time `json:"retryAt"`
}

// Breaker holds one circuit per upstream host. A trial call that never
// reports back is replaced after another cool-down.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	coolDown     time.Duration
	now          func() time.Time
	onTransition func(host string, from, to State)
}

// New creates a breaker that trips after threshold consecutive failures and
// cools down for coolDown. Non-positive arguments use 5 and 30 seconds.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition sets a callback invoked on state changes, on its own goroutine.
func (b *Breaker) OnTransition(fn func(host string, from, to State)) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// admit reports whether a call to host may proceed, and if not, when it may.
func (b *Breaker) admit(host string) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[host]
	if !ok || c.state == StateClosed {
		return true, time.Time{}
	}

	now := b.now()
	retryAt := c.openedAt.Add(b.coolDown)
	if now.Before(retryAt) {
		return false, retryAt
	}
	if c.state == StateOpen {
		b.transition(c, host, StateHalfOpen)
	}
	c.openedAt = now
	return true, time.Time{}
}

// Allow reports whether a call to host may proceed. In the half-open state
// it admits one trial call per cool-down.
func (b *Breaker) Allow(host string) bool {
	ok, _ := b.admit(host)
	return ok
}

// RecordSuccess closes host's circuit and clears its failures.
func (b *Breaker) RecordSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[host]
	if !ok {
		return
	}
	c.failures = 0
	b.transition(c, host, StateClosed)
}

// RecordFailure counts a failure against host. A failed trial call re-opens
// the circuit at once.
func (b *Breaker) RecordFailure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[host]
	if !ok {
		c = &circuit{}
		b.circuits[host] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.transition(c, host, StateOpen)
	}
}

// Execute runs fn unless host's circuit is open, in which case it returns an
// *OpenError. failed decides which results count against the circuit; nil
// counts every non-nil error.
func (b *Breaker) Execute(host string, fn func() error, failed func(error) bool) error {
	if ok, retryAt := b.admit(host); !ok {
		return &OpenError{Host: host, RetryAt: retryAt}
	}
	err := fn()
	if failed == nil {
		failed = func(err error) bool { return err != nil }
	}
	if failed(err) {
		b.RecordFailure(host)
	} else {
		b.RecordSuccess(host)
	}
	return err
}

// State returns host's circuit state. Unknown hosts are closed.
func (b *Breaker) State(host string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[host]; ok {
		return c.state
	}
	return StateClosed
}

// Tripped lists the hosts whose circuits are not closed, sorted by host.
func (b *Breaker) Tripped() []Trip {
	b.mu.Lock()
	defer b.mu.Unlock()

	var trips []Trip
	for host, c := range b.circuits {
		if c.state == StateClosed {
			continue
		}
		trips = append(trips, Trip{
			Host:     host,
			State:    c.state.String(),
			Failures: c.failures,
			RetryAt:  c.openedAt.Add(b.coolDown),
		})
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].Host < trips[j].Host })
	return trips
}

// Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, host string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(host, to.String()).Inc()
	circuitState.WithLabelValues(host).Set(float64(to))
	if b.onTransition != nil {
		go b.onTransition(host, from, to)
	}
}
