package httpapi

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/logger"
	"github.com/stefanpenner/vln-bench/internal/style"
)

// RequestLoggerMiddleware emits one styled line per request via the
// shared HTTP logger.
func RequestLoggerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			statusStyle := style.StatusSuccess
			if status >= 400 {
				statusStyle = style.StatusError
			}

			logger.HTTPLogger().Info("",
				"method", style.Method.Render(c.Request().Method),
				"uri", style.URI.Render(c.Request().RequestURI),
				"status", statusStyle.Render(strconv.Itoa(status)),
				"duration", style.Duration.Render(time.Since(start).Round(time.Millisecond).String()),
			)
			return err
		}
	}
}
