package httpapi

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/config"
	"github.com/stefanpenner/vln-bench/internal/logger"
	"github.com/stefanpenner/vln-bench/internal/session"
)

// TempImageRoute serves a session's rendered perspective images. Under
// the delete_on_send policy each image is removed once its bytes have
// been handed to the client.
func TempImageRoute(cfg config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := filepath.Base(c.Param("session"))
		file := filepath.Base(c.Param("file"))
		path := filepath.Join(cfg.TempDir, sessionID, file)

		data, err := os.ReadFile(path)
		if err != nil {
			return respondError(c, &session.Error{Kind: session.KindNotFound, Detail: "image not found"})
		}

		if cfg.TempImageCleanupPolicy == config.CleanupDeleteOnSend {
			if err := os.Remove(path); err != nil {
				logger.Error(err, "delete_on_send: remove %s: %v", path, err)
			}
		}

		return c.Blob(http.StatusOK, "image/jpeg", data)
	}
}

// PanoramaRoute serves raw equirectangular panoramas from the cache's
// image directory (human mode views the full panorama directly).
func PanoramaRoute(cfg config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		file := filepath.Base(c.Param("file"))
		path := filepath.Join(cfg.DataDir, "panoramas", file)

		data, err := os.ReadFile(path)
		if err != nil {
			return respondError(c, &session.Error{Kind: session.KindCacheMissImage, Detail: "panorama not cached; run preload"})
		}
		return c.Blob(http.StatusOK, "image/jpeg", data)
	}
}
