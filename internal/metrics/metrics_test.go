package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMetrics_RecordsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/hello", func(c echo.Context) error { return c.String(http.StatusOK, "hi") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/hello", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlightGauge))
}

func TestHTTPMetrics_RecordsErrorStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/gone", func(c echo.Context) error { return echo.NewHTTPError(http.StatusGone) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gone", nil))
	require.Equal(t, http.StatusGone, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodGet, "/gone", "410")))
}

func TestHTTPMetrics_SkipsHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, 0, testutil.CollectAndCount(m.RequestsTotal))
}

func TestWebSocketMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebSocketMetrics(reg)

	m.Upgrades.WithLabelValues("accepted").Inc()
	m.Rejected.WithLabelValues("rate_limit").Inc()
	m.ActiveConnections.Inc()

	expected := `
# HELP applet_websocket_active_connections Number of active WebSocket connections.
# TYPE applet_websocket_active_connections gauge
applet_websocket_active_connections 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "applet_websocket_active_connections"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Upgrades.WithLabelValues("accepted")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	NewRedisMetrics(reg).ConnectionErrors.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "applet_redis_connection_errors_total 1")
}
