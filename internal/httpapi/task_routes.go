package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mitchellh/hashstructure"

	"github.com/stefanpenner/vln-bench/internal/config"
	"github.com/stefanpenner/vln-bench/internal/preload"
	"github.com/stefanpenner/vln-bench/internal/session"
	"github.com/stefanpenner/vln-bench/internal/task"
)

// ListTasksRoute lists every task ID the generator has emitted.
func ListTasksRoute(tasks *task.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ids, err := tasks.List()
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"tasks": ids})
	}
}

// TaskRoute returns one task, with an ETag so pollers can revalidate
// cheaply: tasks only change when the generator rewrites the file.
func TaskRoute(tasks *task.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := tasks.Load(c.Param("id"))
		if err != nil {
			return respondError(c, &session.Error{Kind: session.KindNotFound, Detail: err.Error()})
		}

		if hash, err := hashstructure.Hash(t, nil); err == nil {
			etag := fmt.Sprintf("\"%d\"", hash)
			c.Response().Header().Set("ETag", etag)
			if c.Request().Header.Get("If-None-Match") == etag {
				return c.NoContent(http.StatusNotModified)
			}
		}

		return c.JSON(http.StatusOK, t)
	}
}

type preloadRequest struct {
	ZoomLevel *int `json:"zoom_level,omitempty"`
}

type preloadResponse struct {
	Status     preload.Status `json:"status"`
	Progress   int            `json:"progress"`
	Total      int            `json:"total"`
	Percentage float64        `json:"percentage"`
}

func toPreloadResponse(p preload.Progress) preloadResponse {
	return preloadResponse{
		Status:     p.Status,
		Progress:   p.Done,
		Total:      p.Total,
		Percentage: p.Percentage,
	}
}

// PreloadRoute starts (or reports the already-running) preload for a
// task's geofence.
func PreloadRoute(tasks *task.Store, preloader *preload.Manager, cfg config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := tasks.Load(c.Param("id"))
		if err != nil {
			return respondError(c, &session.Error{Kind: session.KindNotFound, Detail: err.Error()})
		}

		var req preloadRequest
		_ = c.Bind(&req)
		zoom := cfg.PanoramaZoomLevel
		if req.ZoomLevel != nil {
			zoom = *req.ZoomLevel
		}

		// The job must outlive this request; it is cancelled only by
		// process shutdown.
		job, err := preloader.Start(context.Background(), t.Geofence, zoom)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, toPreloadResponse(job.Progress()))
	}
}

// PreloadStatusRoute reports progress of the latest preload for a task's
// geofence.
func PreloadStatusRoute(tasks *task.Store, preloader *preload.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := tasks.Load(c.Param("id"))
		if err != nil {
			return respondError(c, &session.Error{Kind: session.KindNotFound, Detail: err.Error()})
		}

		p, ok := preloader.Status(t.Geofence)
		if !ok {
			return respondError(c, &session.Error{
				Kind:   session.KindNotFound,
				Detail: fmt.Sprintf("no preload started for geofence %q", t.Geofence),
			})
		}
		return c.JSON(http.StatusOK, toPreloadResponse(p))
	}
}
