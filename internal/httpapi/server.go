// Package httpapi is the thin adapter between HTTP and the session
// engine, preloader, and task store. Handlers validate input, call one
// engine verb, and translate errors into the {error_kind, detail}
// envelope; no business logic lives here.
package httpapi

import (
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stefanpenner/vln-bench/internal/cache"
	"github.com/stefanpenner/vln-bench/internal/config"
	"github.com/stefanpenner/vln-bench/internal/preload"
	"github.com/stefanpenner/vln-bench/internal/session"
	"github.com/stefanpenner/vln-bench/internal/task"
)

// ServerConfig bundles the long-lived singletons the routes close over.
type ServerConfig struct {
	Engine        *session.Engine
	Preloader     *preload.Manager
	Tasks         *task.Store
	Cache         *cache.Cache
	Cfg           config.Config
	SentryEnabled bool
}

// Start builds the echo instance with every route registered. The caller
// owns binding and shutdown.
func Start(sc ServerConfig) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(MetricsMiddleware())
	if sc.Cfg.DevMode {
		e.Use(RequestLoggerMiddleware())
	}
	if sc.SentryEnabled {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}

	e.GET("/healthz", HealthCheckRoute(sc.Cache, sc.Tasks))
	e.GET("/version", VersionRoute())
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")

	api.POST("/session/create", CreateSessionRoute(sc.Engine))
	api.GET("/session/:id/state", SessionStateRoute(sc.Engine))
	api.POST("/session/:id/action", SessionActionRoute(sc.Engine))
	api.POST("/session/:id/end", SessionEndRoute(sc.Engine))
	api.POST("/session/:id/pause", SessionPauseRoute(sc.Engine))
	api.POST("/session/:id/resume", SessionResumeRoute(sc.Engine))
	api.GET("/sessions", ListSessionsRoute(sc.Engine))
	api.GET("/sessions/:id/log", SessionLogRoute(sc.Cfg))
	api.GET("/sessions/:id/log/stream", SessionLogStreamRoute(sc.Cfg))

	api.GET("/tasks", ListTasksRoute(sc.Tasks))
	api.GET("/tasks/:id", TaskRoute(sc.Tasks))
	api.POST("/tasks/:id/preload", PreloadRoute(sc.Tasks, sc.Preloader, sc.Cfg))
	api.GET("/tasks/:id/preload/status", PreloadStatusRoute(sc.Tasks, sc.Preloader))

	api.GET("/players/:id/progress", PlayerProgressRoute(sc.Cache))

	api.GET("/images/:session/:file", TempImageRoute(sc.Cfg))
	api.GET("/panoramas/:file", PanoramaRoute(sc.Cfg))

	return e, nil
}
