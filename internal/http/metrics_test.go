package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInstrument(t *testing.T) {
	e := echo.New()
	e.Use(instrument())
	e.GET("/api/v1/sessions/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.POST("/api/v1/scan", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad body")
	})

	ok := httpRequests.WithLabelValues(http.MethodGet, "/api/v1/sessions/:id", "200")
	bad := httpRequests.WithLabelValues(http.MethodPost, "/api/v1/scan", "400")
	okBefore, badBefore := testutil.ToFloat64(ok), testutil.ToFloat64(bad)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/scan", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(ok), "route pattern, not raw path")
	assert.Equal(t, badBefore+1, testutil.ToFloat64(bad))
	assert.Equal(t, float64(0), testutil.ToFloat64(httpInFlight))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/health", routeLabel("/health"))
	assert.Equal(t, "/api/v1/sessions/:id", routeLabel("/api/v1/sessions/:id"))
}
