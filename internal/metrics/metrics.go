// Package metrics holds the gateway's HTTP and process collectors. Domain
// packages (escrow, gateway, ledger, retry, health) register their own.
package metrics

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowgate"

var (
	// HTTPRequestsTotal counts requests by route pattern and status class.
	// Payment demands are counted apart from other 4xx.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status class (402 separate).",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes latency by route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})

	// HTTPInFlight is the number of requests being served, proxied calls
	// waiting on an upstream included.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "Requests currently being served.",
	})

	// EventStreamClients is the number of connected escrow event subscribers.
	EventStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_stream_clients",
		Help:      "Connected escrow event stream clients.",
	})

	// BuildInfo is always 1; the labels carry the running configuration.
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Gateway build and ledger mode.",
	}, []string{"version", "ledger"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		EventStreamClients,
		BuildInfo,
	)
}

// RegisterDB exports connection pool stats for db as go_sql_* with
// db_name="escrowgate". Registering a second pool replaces the first.
func RegisterDB(db *sql.DB) {
	c := collectors.NewDBStatsCollector(db, namespace)
	if err := prometheus.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if !errors.As(err, &dup) {
			panic(err)
		}
		prometheus.Unregister(dup.ExistingCollector)
		prometheus.MustRegister(c)
	}
}

// Middleware records request count, latency and concurrency. Routes are
// labelled by pattern so proxied subpaths cannot blow up cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		HTTPInFlight.Inc()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))
		defer func() {
			timer.ObserveDuration()
			HTTPInFlight.Dec()
			HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
		}()

		c.Next()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	switch {
	case code == http.StatusPaymentRequired:
		return "402"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
