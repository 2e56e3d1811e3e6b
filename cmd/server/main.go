// Package main is the entry point for the VLN benchmark runtime server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/cache"
	"github.com/stefanpenner/vln-bench/internal/config"
	"github.com/stefanpenner/vln-bench/internal/geofence"
	"github.com/stefanpenner/vln-bench/internal/httpapi"
	"github.com/stefanpenner/vln-bench/internal/logger"
	"github.com/stefanpenner/vln-bench/internal/metrics"
	"github.com/stefanpenner/vln-bench/internal/preload"
	"github.com/stefanpenner/vln-bench/internal/session"
	"github.com/stefanpenner/vln-bench/internal/task"
	"github.com/stefanpenner/vln-bench/internal/ui"
)

// initSentry initializes Sentry if DSN is provided and not in dev mode.
// Returns true if Sentry was initialized.
func initSentry(cfg config.Config) bool {
	if cfg.SentryDSN == "" || cfg.DevMode {
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      "production",
		Release:          httpapi.Version,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
		AttachStacktrace: true,
	})
	if err != nil {
		logger.Fatal(err, "sentry.Init: %v", err)
	}

	logger.SetSentryCaptureException(func(err error) interface{} {
		return sentry.CaptureException(err)
	})

	return true
}

func printHelp() {
	fmt.Println("VLN Benchmark Runtime")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  vln-bench              Start the evaluation server (default)")
	fmt.Println("  vln-bench preload <geofence> [zoom]")
	fmt.Println("                         Preload a geofence and exit")
	fmt.Println("  vln-bench help         Show this help message")
}

// runPreloadCommand runs one preload to completion without the server.
func runPreloadCommand(cfg config.Config, args []string) {
	if len(args) < 1 {
		logger.Fatal(nil, "preload requires a geofence name")
	}
	fence := args[0]
	zoom := cfg.PanoramaZoomLevel
	if len(args) > 1 {
		z, err := strconv.Atoi(args[1])
		if err != nil {
			logger.Fatal(err, "invalid zoom %q: %v", args[1], err)
		}
		zoom = z
	}

	c, fences, preloader := buildPreloadStack(cfg)
	defer c.Close()
	defer fences.Close()

	job, err := preloader.Start(context.Background(), fence, zoom)
	if err != nil {
		logger.Fatal(err, "start preload: %v", err)
	}
	<-job.Finished()

	p := job.Progress()
	if p.Status == preload.StatusCompletedWithErrors {
		logger.Warn("preload finished with %d errors", len(p.Errors))
		os.Exit(1)
	}
	logger.Success("preload complete: %d/%d", p.Done, p.Total)
}

func buildPreloadStack(cfg config.Config) (*cache.Cache, *geofence.Service, *preload.Manager) {
	c, err := cache.Open(cfg.DataDir, cfg.ConfigDir)
	if err != nil {
		logger.Fatal(err, "open cache: %v", err)
	}

	fences, err := geofence.NewService(c, filepath.Join(cfg.ConfigDir, "geofence_config.json"))
	if err != nil {
		logger.Fatal(err, "create geofence service: %v", err)
	}

	tiles := preload.NewHTTPTileSource(
		os.Getenv("PANORAMA_TILE_BASE_URL"),
		os.Getenv("PANORAMA_API_KEY"),
	)
	meta := preload.NewHTTPMetadataSource(
		os.Getenv("PANORAMA_METADATA_BASE_URL"),
		os.Getenv("PANORAMA_API_KEY"),
	)

	return c, fences, preload.NewManager(c, fences, tiles, meta, cfg)
}

func countGeofences(cfg config.Config) int {
	data, err := os.ReadFile(filepath.Join(cfg.ConfigDir, "geofence_config.json"))
	if err != nil {
		return 0
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return 0
	}
	return len(all)
}

func main() {
	cfg := config.Load()
	sentryEnabled := initSentry(cfg)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "preload":
			runPreloadCommand(cfg, os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	c, fences, preloader := buildPreloadStack(cfg)
	defer c.Close()
	defer fences.Close()

	tasks := task.NewStore(cfg.TasksDir)
	engine := session.NewEngine(c, fences, tasks, cfg)

	hasUI := ui.Initialize(httpapi.Version, httpapi.BuildTime, cfg.Port)
	if hasUI {
		logger.SetUIMode(true)
		logger.Log = ui.AddLog
	} else {
		logger.PrintBanner(httpapi.Version, httpapi.BuildTime)
	}

	if _, err := tasks.List(); err != nil {
		logger.Warn("task directory %s unreadable: %v", cfg.TasksDir, err)
	}

	logger.ServerInfo{
		Port:           cfg.Port,
		GeofenceCount:  countGeofences(cfg),
		PreloadWorkers: cfg.PrefetchParallelWorkers,
		RenderOutputPx: cfg.RenderOutputWidth,
	}.Print()

	// Stalled-session monitor.
	go func() {
		_ = engine.Run(ctx)
	}()

	// Keep the memory gauge current regardless of UI mode.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.RecordMemoryUsage()
			}
		}
	}()

	// Feed the HUD once a second.
	var requestCount int64
	if hasUI {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

			var lastRequests int64
			lastCheck := time.Now()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					stats := engine.Stats()
					var m runtime.MemStats
					runtime.ReadMemStats(&m)

					current := atomic.LoadInt64(&requestCount)
					elapsed := time.Since(lastCheck).Seconds()
					reqPerSec := 0.0
					if elapsed > 0 {
						reqPerSec = float64(current-lastRequests) / elapsed
					}
					lastRequests = current
					lastCheck = time.Now()

					uiStats := ui.Stats{
						ActiveSessions: stats.Active,
						TotalSessions:  stats.TotalCreated,
						TotalSteps:     stats.TotalSteps,
						RequestsTotal:  int(current),
						RequestsPerSec: reqPerSec,
						MemoryUsageMB:  float64(m.Alloc) / 1024 / 1024,
						GoroutineCount: runtime.NumGoroutine(),
					}
					if p, ok := preloader.Running(); ok {
						uiStats.PreloadGeofence = p.Geofence
						uiStats.PreloadDone = p.Done
						uiStats.PreloadTotal = p.Total
					}
					ui.UpdateStats(uiStats)
				}
			}
		}()
	}

	app, err := httpapi.Start(httpapi.ServerConfig{
		Engine:        engine,
		Preloader:     preloader,
		Tasks:         tasks,
		Cache:         c,
		Cfg:           cfg,
		SentryEnabled: sentryEnabled,
	})
	if err != nil {
		logger.Fatal(err, "build http server: %v", err)
	}

	// Count requests for the HUD without touching handler code.
	app.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			atomic.AddInt64(&requestCount, 1)
			return next(ec)
		}
	})

	logger.Success("Server listening on http://localhost:%s", cfg.Port)
	if hasUI {
		logger.Info("Press Ctrl+C or 'q' to stop")
		ui.SetReady()
	} else {
		logger.Info("Press Ctrl+C to stop")
	}

	go func() {
		if err := app.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "Server error: %v", err)
			cancel()
		}
	}()

	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	cancel()

	logger.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "error during shutdown: %v", err)
	}
	ui.Shutdown()

	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}

	logger.Success("Goodbye!")
	fmt.Println()
}
