package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// httpRequests counts finished requests.
	// Labels: method, route, status
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	// httpDuration observes request latency. Mission and diagnostic
	// requests run the whole pipeline, so the buckets reach a minute.
	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fixd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds by method and route",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fixd",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served",
		},
	)
)

// instrument records request metrics. It must wrap the middleware that
// renders handler errors so the final status is known.
func instrument() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpInFlight.Inc()
			defer httpInFlight.Dec()
			start := time.Now()

			err := next(c)

			method := c.Request().Method
			route := routeLabel(c.Path())
			httpRequests.WithLabelValues(method, route, strconv.Itoa(statusOf(c, err))).Inc()
			httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// routeLabel keeps label cardinality bounded. c.Path() is the route
// pattern (/api/v1/sessions/:id), never the raw URL.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
