package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Escrow operations by operation and result.",
	}, []string{"op", "result"}) // result: "ok" or the rejection

	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "escrow",
		Name:      "events_published_total",
		Help:      "Ledger events appended, by type.",
	}, []string{"type"})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "escrow",
		Name:      "events_dropped_total",
		Help:      "Events dropped for slow subscribers.",
	})

	eventAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "escrow",
		Name:      "event_append_failures_total",
		Help:      "Events that could not be persisted.",
	})

	sweeperEligible = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowgate",
		Subsystem: "escrow",
		Name:      "expired_eligible",
		Help:      "Escrows past their deadline, by the action now available.",
	}, []string{"action"}) // "refund", "claim"
)

func init() {
	prometheus.MustRegister(
		transitionsTotal,
		eventsPublished,
		eventsDropped,
		eventAppendFailures,
		sweeperEligible,
	)
}
