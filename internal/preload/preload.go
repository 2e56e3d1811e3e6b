// Package preload fills the cache for a named geofence from upstream tile
// and metadata providers. It is the only component that writes to the
// cache, runs entirely off the request path, and enforces the upstream
// rate limits with a token bucket plus jittered delays and exponential
// backoff.
package preload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/stefanpenner/vln-bench/internal/cache"
	"github.com/stefanpenner/vln-bench/internal/config"
	"github.com/stefanpenner/vln-bench/internal/geofence"
	"github.com/stefanpenner/vln-bench/internal/logger"
	"github.com/stefanpenner/vln-bench/internal/metrics"
	"github.com/stefanpenner/vln-bench/internal/model"
)

const tileSize = 512

// Status is a preload job's lifecycle state.
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// ItemError records one panorama that could not be preloaded; the run
// continues past it.
type ItemError struct {
	PanoID model.PanoID `json:"pano_id"`
	Err    string       `json:"error"`
}

// Progress is the observable state of one geofence preload.
type Progress struct {
	JobID      string      `json:"job_id"`
	Geofence   string      `json:"geofence"`
	Status     Status      `json:"status"`
	Done       int         `json:"done"`
	Total      int         `json:"total"`
	Percentage float64     `json:"percentage"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// Job is one preload run over one geofence.
type Job struct {
	ID       string
	Geofence string

	mu     sync.Mutex
	status Status
	done   int
	total  int
	errors []ItemError

	finished chan struct{}
}

// Progress returns a consistent snapshot of the job.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()

	pct := 0.0
	if j.total > 0 {
		pct = float64(j.done) / float64(j.total) * 100
	} else if j.status == StatusCompleted {
		pct = 100
	}
	return Progress{
		JobID:      j.ID,
		Geofence:   j.Geofence,
		Status:     j.status,
		Done:       j.done,
		Total:      j.total,
		Percentage: pct,
		Errors:     append([]ItemError(nil), j.errors...),
	}
}

// Finished is closed once the run has ended (either completion status).
func (j *Job) Finished() <-chan struct{} { return j.finished }

func (j *Job) markItem(err error, panoID model.PanoID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.done++
	if err != nil {
		j.errors = append(j.errors, ItemError{PanoID: panoID, Err: err.Error()})
	}
}

// Manager is the long-lived preload job registry, one job at most per
// geofence at a time.
type Manager struct {
	cache  *cache.Cache
	fences *geofence.Service
	tiles  TileSource
	meta   MetadataSource
	cfg    config.Config

	tileLimiter *rate.Limiter
	metaLimiter *rate.Limiter

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewManager(c *cache.Cache, fences *geofence.Service, tiles TileSource, meta MetadataSource, cfg config.Config) *Manager {
	// The token bucket floor is one request per minimum delay; the random
	// jitter on top of each Wait spreads requests inside [min, max].
	return &Manager{
		cache:       c,
		fences:      fences,
		tiles:       tiles,
		meta:        meta,
		cfg:         cfg,
		tileLimiter: rate.NewLimiter(rate.Every(cfg.PrefetchRequestDelayMin), 1),
		metaLimiter: rate.NewLimiter(rate.Every(cfg.PrefetchRequestDelayMin), 1),
		jobs:        make(map[string]*Job),
	}
}

// Start launches (or returns the already-running) preload job for a
// geofence at the given zoom.
func (m *Manager) Start(ctx context.Context, fence string, zoom int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[fence]; ok {
		j.mu.Lock()
		running := j.status == StatusPending || j.status == StatusRunning
		j.mu.Unlock()
		if running {
			return j, nil
		}
	}

	set, err := m.fences.Set(fence)
	if err != nil {
		return nil, fmt.Errorf("preload: resolve geofence %q: %w", fence, err)
	}
	ids := make([]model.PanoID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	j := &Job{
		ID:       uuid.NewString(),
		Geofence: fence,
		status:   StatusPending,
		total:    len(ids),
		finished: make(chan struct{}),
	}
	m.jobs[fence] = j

	go m.run(ctx, j, ids, zoom)
	return j, nil
}

// Status returns the latest job for a geofence, if one was ever started.
func (m *Manager) Status(fence string) (Progress, bool) {
	m.mu.Lock()
	j, ok := m.jobs[fence]
	m.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return j.Progress(), true
}

// Running returns the progress of the currently-running job, if any; the
// terminal dashboard polls this.
func (m *Manager) Running() (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		p := j.Progress()
		if p.Status == StatusPending || p.Status == StatusRunning {
			return p, true
		}
	}
	return Progress{}, false
}

// item is one unit of work: whatever is still missing for one panorama.
type item struct {
	panoID    model.PanoID
	needMeta  bool
	needImage bool
}

func (m *Manager) run(ctx context.Context, j *Job, ids []model.PanoID, zoom int) {
	start := time.Now()
	defer close(j.finished)

	j.mu.Lock()
	j.status = StatusRunning
	j.mu.Unlock()

	// Only missing items hit the network: a fully-cached geofence makes
	// zero upstream requests.
	var work []item
	cached := 0
	for _, id := range ids {
		it := item{
			panoID:    id,
			needMeta:  !m.cache.HasMeta(id),
			needImage: !m.cache.HasImage(id, zoom),
		}
		if !it.needMeta && !it.needImage {
			cached++
			metrics.PreloadItemsTotal.WithLabelValues(j.Geofence, "cached").Inc()
			continue
		}
		work = append(work, it)
	}

	j.mu.Lock()
	j.done = cached
	j.mu.Unlock()

	workers := m.cfg.PrefetchParallelWorkers
	if workers > len(work) {
		workers = len(work)
	}

	queue := make(chan item)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range queue {
				metrics.PreloadWorkersBusy.Inc()
				itemStart := time.Now()
				err := m.processItem(ctx, it, zoom)
				metrics.PreloadWorkersBusy.Dec()
				metrics.PreloadDuration.WithLabelValues(j.Geofence).Observe(time.Since(itemStart).Seconds())

				outcome := "fetched"
				if err != nil {
					outcome = "error"
					logger.Warn("preload %s: %v", it.panoID, err)
				}
				metrics.PreloadItemsTotal.WithLabelValues(j.Geofence, outcome).Inc()
				j.markItem(err, it.panoID)
			}
		}()
	}

	for _, it := range work {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			m.finish(j, start, cached, len(work))
			return
		case queue <- it:
		}
	}
	close(queue)
	wg.Wait()
	m.finish(j, start, cached, len(work))
}

func (m *Manager) finish(j *Job, start time.Time, cached, fetched int) {
	j.mu.Lock()
	if len(j.errors) > 0 {
		j.status = StatusCompletedWithErrors
	} else {
		j.status = StatusCompleted
	}
	errCount := len(j.errors)
	j.mu.Unlock()

	logger.PreloadSummary{
		Geofence: j.Geofence,
		Duration: time.Since(start),
		Fetched:  fetched - errCount,
		Cached:   cached,
		Errors:   errCount,
	}.Print()
}

func (m *Manager) processItem(ctx context.Context, it item, zoom int) error {
	if it.needMeta {
		meta, err := m.fetchMetadata(ctx, it.panoID)
		if err != nil {
			return err
		}
		if err := m.cache.PutMeta(meta); err != nil {
			return err
		}
	}
	if it.needImage {
		img, err := m.fetchImage(ctx, it.panoID, zoom)
		if err != nil {
			return err
		}
		if err := m.cache.PutImage(it.panoID, zoom, img); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fetchMetadata(ctx context.Context, panoID model.PanoID) (model.PanoMetadata, error) {
	var meta model.PanoMetadata
	err := m.withRetry(ctx, m.meta.Name(), m.metaLimiter, func() error {
		var err error
		meta, err = m.meta.FetchMetadata(ctx, panoID)
		return err
	})
	return meta, err
}

// fetchImage pulls every tile of the equirectangular image at the zoom
// level and stitches them into one JPEG. Tiles per image: 2^z wide,
// max(1, 2^(z-1)) tall, 512px each.
func (m *Manager) fetchImage(ctx context.Context, panoID model.PanoID, zoom int) ([]byte, error) {
	tilesX := 1 << zoom
	tilesY := tilesX / 2
	if tilesY < 1 {
		tilesY = 1
	}

	canvas := image.NewRGBA(image.Rect(0, 0, tilesX*tileSize, tilesY*tileSize))
	for y := 0; y < tilesY; y++ {
		for x := 0; x < tilesX; x++ {
			var data []byte
			err := m.withRetry(ctx, m.tiles.Name(), m.tileLimiter, func() error {
				var err error
				data, err = m.tiles.FetchTile(ctx, panoID, zoom, x, y)
				return err
			})
			if err != nil {
				return nil, err
			}

			tile, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("preload: decode tile %s z%d (%d,%d): %w", panoID, zoom, x, y, err)
			}
			rect := image.Rect(x*tileSize, y*tileSize, (x+1)*tileSize, (y+1)*tileSize)
			draw.Draw(canvas, rect, tile, tile.Bounds().Min, draw.Src)
		}
	}

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, canvas, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("preload: encode assembled image %s: %w", panoID, err)
	}
	return buf.Bytes(), nil
}

// withRetry paces one upstream call behind the source's token bucket plus
// a random jitter, retrying transport failures and rate-limit responses
// with exponential backoff: at most PrefetchRetryMax retries after the
// first attempt.
func (m *Manager) withRetry(ctx context.Context, source string, limiter *rate.Limiter, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.PrefetchRetryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(m.cfg.PrefetchRequestDelayMin) *
				pow(m.cfg.PrefetchRetryBackoff, attempt-1))
			metrics.PreloadRetriesTotal.WithLabelValues(source).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := m.pace(ctx, limiter); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrRateLimited) {
			metrics.PreloadRateLimited.WithLabelValues(source).Inc()
		}
	}
	return fmt.Errorf("%w: %v", ErrSourceUnavailable, lastErr)
}

// pace waits for a limiter token, then sleeps a random slice of the
// configured jitter window so bursts of workers spread out inside
// [delayMin, delayMax].
func (m *Manager) pace(ctx context.Context, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	jitter := m.cfg.PrefetchRequestDelayMax - m.cfg.PrefetchRequestDelayMin
	if jitter <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
		return nil
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
