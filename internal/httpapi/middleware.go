package httpapi

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/metrics"
)

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			metrics.HTTPRequestsInFlight.Inc()
			defer metrics.HTTPRequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			status := c.Response().Status
			method := c.Request().Method

			// Use the route pattern, not the raw URL, to keep label
			// cardinality bounded.
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}

			statusStr := strconv.Itoa(status)
			metrics.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration)
			metrics.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()

			return err
		}
	}
}
