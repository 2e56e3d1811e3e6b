// Package metrics exposes Prometheus instrumentation for the VLN benchmark runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === HTTP ===

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vln_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vln_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// === Sessions ===

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vln_sessions_active",
			Help: "Number of sessions currently running or paused",
		},
	)

	SessionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_sessions_created_total",
			Help: "Total number of sessions created, by mode",
		},
		[]string{"mode"}, // agent, human
	)

	SessionsTerminatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_sessions_terminated_total",
			Help: "Total number of sessions that reached a terminal state, by reason",
		},
		[]string{"reason"}, // stopped, max_steps, max_time, error
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_actions_total",
			Help: "Total number of actions processed, by type and outcome",
		},
		[]string{"type", "outcome"}, // submitted action type (move|rotation|stop), ok|error_kind
	)

	StepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vln_steps_total",
			Help: "Total number of move steps executed across all sessions",
		},
	)

	LogWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vln_log_write_duration_seconds",
			Help:    "Time spent durably appending a step log record",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	// === Cache ===

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_cache_hits_total",
			Help: "Total cache lookups by kind and hit/miss",
		},
		[]string{"kind", "result"}, // meta|image, hit|miss
	)

	CacheMetaRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vln_cache_metadata_rows",
			Help: "Number of panorama metadata rows in the cache",
		},
	)

	CacheImageFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vln_cache_image_files",
			Help: "Number of panorama image files in the cache",
		},
	)

	// === Renderer ===

	RenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vln_render_duration_seconds",
			Help:    "Time spent rendering a perspective projection",
			Buckets: prometheus.DefBuckets,
		},
	)

	RenderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_render_total",
			Help: "Total number of perspective renders, by outcome",
		},
		[]string{"outcome"}, // success, error
	)

	// === Preloader ===

	PreloadItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_preload_items_total",
			Help: "Total panorama IDs processed by the preloader, by outcome",
		},
		[]string{"geofence", "outcome"}, // fetched, cached, error
	)

	PreloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vln_preload_item_duration_seconds",
			Help:    "Time to preload a single panorama (metadata + image)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"geofence"},
	)

	PreloadWorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vln_preload_workers_busy",
			Help: "Number of preloader workers currently fetching",
		},
	)

	PreloadRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_preload_rate_limited_total",
			Help: "Total number of rate-limit (429/503) responses seen by the preloader",
		},
		[]string{"source"}, // tiles, metadata
	)

	PreloadRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_preload_retries_total",
			Help: "Total number of preload retry attempts",
		},
		[]string{"source"},
	)

	// === Process ===

	MemoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vln_memory_usage_bytes",
			Help: "Current process heap allocation in bytes",
		},
	)

	// === Process-level errors ===

	ErrorsByKind = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vln_errors_total",
			Help: "Total number of errors surfaced to clients, by error_kind",
		},
		[]string{"error_kind"},
	)
)
