package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	assert.Equal(t, "3000", cfg.Port)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, 2, cfg.PanoramaZoomLevel)
	assert.Equal(t, CleanupDeleteOnSessionEnd, cfg.TempImageCleanupPolicy)
	assert.Equal(t, 24, cfg.TempImageExpireHours)
	assert.Equal(t, 1024, cfg.RenderOutputWidth)
	assert.Equal(t, 768, cfg.RenderOutputHeight)
	assert.InDelta(t, 90, cfg.RenderDefaultFOV, 0.001)
	assert.Equal(t, time.Second, cfg.PrefetchRequestDelayMin)
	assert.Equal(t, 3*time.Second, cfg.PrefetchRequestDelayMax)
	assert.Equal(t, 3, cfg.PrefetchRetryMax)
	assert.InDelta(t, 2.0, cfg.PrefetchRetryBackoff, 0.001)
	assert.Equal(t, 4, cfg.PrefetchParallelWorkers)
}

func TestLoadOverridesAndInvalidPolicyFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PANORAMA_ZOOM_LEVEL", "4")
	t.Setenv("TEMP_IMAGE_CLEANUP_POLICY", "not_a_real_policy")
	t.Setenv("PREFETCH_PARALLEL_WORKERS", "8")
	t.Setenv("DEV_MODE", "true")

	cfg := Load()

	assert.Equal(t, 4, cfg.PanoramaZoomLevel)
	assert.Equal(t, CleanupDeleteOnSessionEnd, cfg.TempImageCleanupPolicy)
	assert.Equal(t, 8, cfg.PrefetchParallelWorkers)
	assert.True(t, cfg.DevMode)
}

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "DEV_MODE", "SENTRY_DSN", "DATA_DIR", "PANORAMA_ZOOM_LEVEL",
		"TEMP_IMAGE_CLEANUP_POLICY", "TEMP_IMAGE_EXPIRE_HOURS",
		"RENDER_OUTPUT_WIDTH", "RENDER_OUTPUT_HEIGHT", "RENDER_DEFAULT_FOV",
		"PREFETCH_REQUEST_DELAY_MIN", "PREFETCH_REQUEST_DELAY_MAX",
		"PREFETCH_RETRY_MAX", "PREFETCH_RETRY_BACKOFF", "PREFETCH_PARALLEL_WORKERS",
		"SESSION_MONITOR_INTERVAL",
	}
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		if had {
			t.Cleanup(func() { os.Setenv(k, orig) })
		}
	}
}
