package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwMediations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "gateway",
		Name:      "mediations_total",
		Help:      "Total proxied calls by outcome.",
	}, []string{"outcome"})

	gwRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "gateway",
		Name:      "admission_rejections_total",
		Help:      "Escrow references refused at admission, by reason.",
	}, []string{"reason"})

	gwMediationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowgate",
		Subsystem: "gateway",
		Name:      "mediation_latency_seconds",
		Help:      "End-to-end proxy request latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	gwUpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowgate",
		Subsystem: "gateway",
		Name:      "upstream_latency_seconds",
		Help:      "Upstream call latency in seconds by result.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"result"}) // "ok", "status", "error"

	gwCommitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "gateway",
		Name:      "delivery_commit_retries_total",
		Help:      "Delivery commits retried after a transient ledger failure.",
	})

	gwInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowgate",
		Subsystem: "gateway",
		Name:      "redemptions_in_flight",
		Help:      "Escrows currently being redeemed by this process.",
	})

	gwLogFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowgate",
		Subsystem: "gateway",
		Name:      "mediation_log_failures_total",
		Help:      "Mediation log records that could not be written.",
	})
)

func init() {
	prometheus.MustRegister(
		gwMediations,
		gwRejections,
		gwMediationLatency,
		gwUpstreamLatency,
		gwCommitRetries,
		gwInFlight,
		gwLogFailures,
	)
}
