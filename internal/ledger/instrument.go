package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowgate/internal/attest"
	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CallsTotal counts ledger calls by adapter, operation and outcome.
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowgate",
			Name:      "ledger_calls_total",
			Help:      "Total ledger calls by adapter, operation and result (ok, rejected, error).",
		},
		[]string{"adapter", "op", "result"},
	)

	// CallDuration observes ledger call latency.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowgate",
			Name:      "ledger_call_duration_seconds",
			Help:      "Ledger call duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		},
		[]string{"adapter", "op"},
	)
)

func init() {
	prometheus.MustRegister(CallsTotal, CallDuration)
}

// Instrumented decorates a Ledger with metrics and tracing spans.
type Instrumented struct {
	inner   Ledger
	adapter string
}

// Instrument wraps l. adapter labels metrics ("local", "remote", "chain").
func Instrument(l Ledger, adapter string) *Instrumented {
	return &Instrumented{inner: l, adapter: adapter}
}

// Unwrap returns the decorated ledger.
func (m *Instrumented) Unwrap() Ledger { return m.inner }

func (m *Instrumented) observe(ctx context.Context, op string, id uint64, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "ledger."+op,
		traces.Adapter(m.adapter),
		traces.Principal(string(m.inner.Principal())),
	)
	if id != 0 {
		span.SetAttributes(traces.EscrowID(id))
	}
	start := time.Now()
	err := fn(ctx)
	CallDuration.WithLabelValues(m.adapter, op).Observe(time.Since(start).Seconds())
	CallsTotal.WithLabelValues(m.adapter, op, resultLabel(err)).Inc()
	traces.End(span, err)
	return err
}

func resultLabel(err error) string {
	var ce *CallError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "error"
	case escrow.IsRejection(err):
		return "rejected"
	default:
		return "error"
	}
}

func (m *Instrumented) Principal() escrow.Principal { return m.inner.Principal() }

func (m *Instrumented) Ref() Ref { return m.inner.Ref() }

func (m *Instrumented) CreateEscrow(ctx context.Context, p CreateParams) (uint64, error) {
	var id uint64
	err := m.observe(ctx, "createEscrow", 0, func(ctx context.Context) error {
		var err error
		id, err = m.inner.CreateEscrow(ctx, p)
		return err
	})
	return id, err
}

func (m *Instrumented) ConfirmDelivery(ctx context.Context, id uint64, hash attest.Hash) error {
	return m.observe(ctx, "confirmDelivery", id, func(ctx context.Context) error {
		return m.inner.ConfirmDelivery(ctx, id, hash)
	})
}

func (m *Instrumented) ConfirmReceived(ctx context.Context, id uint64, hash attest.Hash) (bool, error) {
	var matched bool
	err := m.observe(ctx, "confirmReceived", id, func(ctx context.Context) error {
		var err error
		matched, err = m.inner.ConfirmReceived(ctx, id, hash)
		return err
	})
	return matched, err
}

func (m *Instrumented) ClaimTimeout(ctx context.Context, id uint64) error {
	return m.observe(ctx, "claimTimeout", id, func(ctx context.Context) error {
		return m.inner.ClaimTimeout(ctx, id)
	})
}

func (m *Instrumented) Refund(ctx context.Context, id uint64) error {
	return m.observe(ctx, "refund", id, func(ctx context.Context) error {
		return m.inner.Refund(ctx, id)
	})
}

func (m *Instrumented) GetEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	var e *escrow.Escrow
	err := m.observe(ctx, "getEscrow", id, func(ctx context.Context) error {
		var err error
		e, err = m.inner.GetEscrow(ctx, id)
		return err
	})
	return e, err
}
