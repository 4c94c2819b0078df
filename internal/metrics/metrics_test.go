package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{402, "402"},
		{409, "4xx"},
		{502, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	BuildInfo.WithLabelValues("test", "local").Set(1)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "escrowgate_event_stream_clients")
	assert.Contains(t, body, `escrowgate_build_info{ledger="local",version="test"} 1`)
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/proxy/:listingId/*subpath", func(c *gin.Context) {
		c.Status(http.StatusPaymentRequired)
	})

	demands := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/proxy/:listingId/*subpath", "402")
	unmatched := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "4xx")
	beforeDemands := promtest.ToFloat64(demands)
	beforeUnmatched := promtest.ToFloat64(unmatched)

	for _, path := range []string{"/proxy/weather/forecast", "/proxy/weather/alerts/north", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, beforeDemands+2, promtest.ToFloat64(demands))
	assert.Equal(t, beforeUnmatched+1, promtest.ToFloat64(unmatched))
	assert.Equal(t, 0.0, promtest.ToFloat64(HTTPInFlight))
}

func TestRegisterDB_ReplacesPool(t *testing.T) {
	// sql.Open does not connect; Stats works on an unused pool.
	first, err := sql.Open("postgres", "postgres://unused")
	require.NoError(t, err)
	defer first.Close()
	second, err := sql.Open("postgres", "postgres://unused")
	require.NoError(t, err)
	defer second.Close()

	RegisterDB(first)
	assert.NotPanics(t, func() { RegisterDB(second) })
}
