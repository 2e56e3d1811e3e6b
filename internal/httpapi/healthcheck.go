package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/cache"
	"github.com/stefanpenner/vln-bench/internal/task"
)

// HealthCheckRoute verifies the runtime's two hard dependencies: the
// cache database answers queries and the task directory is listable.
func HealthCheckRoute(c *cache.Cache, tasks *task.Store) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		if _, _, err := c.GetLocation("healthcheck-probe"); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return ctx.String(http.StatusServiceUnavailable,
				fmt.Sprintf("cache unavailable: %v", err))
		}

		if _, err := tasks.List(); err != nil {
			return ctx.String(http.StatusServiceUnavailable,
				fmt.Sprintf("task directory unavailable: %v", err))
		}

		return ctx.String(http.StatusOK, "OK")
	}
}
