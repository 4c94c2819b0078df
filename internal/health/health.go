// Package health runs the gateway's dependency checks: the ledger, the
// catalog and, when configured, the database.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var checkUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "escrowgate",
	Subsystem: "health",
	Name:      "check_up",
	Help:      "1 if the named dependency passed its last health check.",
}, []string{"check"})

func init() {
	prometheus.MustRegister(checkUp)
}

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Check tests one dependency. detail is reported on success; a non-nil
// error marks the dependency down and becomes the detail.
type Check func(ctx context.Context) (detail string, err error)

// Report aggregates a round of checks. Healthy is false only when a critical
// check failed; Degraded is set when any check failed.
type Report struct {
	Healthy  bool
	Degraded bool
	Statuses []Status
}

type entry struct {
	name     string
	critical bool
	check    Check
}

// Registry holds the checks and runs them concurrently, each under its own
// timeout.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry creates a registry. timeout bounds each check; zero means the
// caller's context alone bounds them.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout}
}

// Register adds a check. A failing critical check makes the gateway
// unhealthy; a failing non-critical one only degrades it.
func (r *Registry) Register(name string, critical bool, check Check) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every check and returns statuses in registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, e)
		}()
	}
	wg.Wait()

	report := Report{Healthy: true, Statuses: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		report.Degraded = true
		if st.Critical {
			report.Healthy = false
		}
	}
	return report
}

func (r *Registry) run(ctx context.Context, e entry) Status {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	detail, err := e.check(ctx)
	st := Status{
		Name:      e.name,
		Healthy:   err == nil,
		Critical:  e.critical,
		Detail:    detail,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Detail = err.Error()
		checkUp.WithLabelValues(e.name).Set(0)
	} else {
		checkUp.WithLabelValues(e.name).Set(1)
	}
	return st
}
