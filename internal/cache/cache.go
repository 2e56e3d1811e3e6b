// Package cache is the single source of truth at runtime for panorama
// metadata and tile-assembled equirectangular images. It is the only
// component the Preloader writes to; every other component only reads it.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite"

	"github.com/stefanpenner/vln-bench/internal/metrics"
	"github.com/stefanpenner/vln-bench/internal/model"
)

// ErrNotFound is returned by getters when the requested row or file does
// not exist. It is the caller's job to translate this into a
// cache_miss_meta / cache_miss_image error_kind.
var ErrNotFound = errors.New("cache: not found")

// ErrCorrupt marks an image file that failed its checksum; treated as a
// miss per the runtime's read-only failure policy.
var ErrCorrupt = errors.New("cache: corrupt image")

// Cache is a content-addressed store: a SQLite database (WAL mode) for
// metadata/location/progress rows, and a directory of JPEG files named
// {panoId}_z{N}.jpg for images. Many readers and one writer coexist via
// SQLite's WAL journal; writes are additionally serialized by mu so that a
// put is a single atomic unit from the caller's point of view.
type Cache struct {
	db          *sql.DB
	imagesDir   string
	geofenceDir string
	mu          sync.Mutex
}

// Open creates (or reopens) a cache rooted at dataDir. It creates
// dataDir/cache.db, dataDir/panoramas/, and expects geofence configs under
// configDir.
func Open(dataDir, configDir string) (*Cache, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create data dir: %w", err)
	}
	imagesDir := filepath.Join(dataDir, "panoramas")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create panoramas dir: %w", err)
	}

	dsn := filepath.Join(dataDir, "cache.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}

	c := &Cache{db: db, imagesDir: imagesDir, geofenceDir: configDir}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS panoramas (
			pano_id TEXT NOT NULL,
			zoom INTEGER NOT NULL,
			image_path TEXT NOT NULL,
			checksum TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			PRIMARY KEY (pano_id, zoom)
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			pano_id TEXT PRIMARY KEY,
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			capture_date TEXT,
			center_heading REAL NOT NULL,
			links_json TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			source TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS locations (
			pano_id TEXT PRIMARY KEY,
			lat REAL NOT NULL,
			lng REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS player_progress (
			player_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT NOT NULL,
			PRIMARY KEY (player_id, task_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("cache: migrate: %w", err)
		}
	}
	return nil
}

// HasMeta reports whether metadata for panoID has been fetched.
func (c *Cache) HasMeta(panoID model.PanoID) bool {
	var n int
	row := c.db.QueryRow(`SELECT 1 FROM metadata WHERE pano_id = ?`, string(panoID))
	return row.Scan(&n) == nil
}

// GetMeta returns the stored metadata for panoID, or ErrNotFound.
func (c *Cache) GetMeta(panoID model.PanoID) (model.PanoMetadata, error) {
	var (
		lat, lng, centerHeading float64
		captureDate             sql.NullString
		linksJSON               string
		fetchedAt               string
		source                  string
	)
	row := c.db.QueryRow(`SELECT lat, lng, capture_date, center_heading, links_json, fetched_at, source
		FROM metadata WHERE pano_id = ?`, string(panoID))
	if err := row.Scan(&lat, &lng, &captureDate, &centerHeading, &linksJSON, &fetchedAt, &source); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.CacheHitsTotal.WithLabelValues("meta", "miss").Inc()
			return model.PanoMetadata{}, ErrNotFound
		}
		return model.PanoMetadata{}, fmt.Errorf("cache: get meta: %w", err)
	}

	var links []model.Link
	if err := json.Unmarshal([]byte(linksJSON), &links); err != nil {
		return model.PanoMetadata{}, fmt.Errorf("cache: decode links for %s: %w", panoID, err)
	}

	meta := model.PanoMetadata{
		PanoID:        panoID,
		Lat:           lat,
		Lng:           lng,
		CenterHeading: centerHeading,
		Links:         links,
		Source:        source,
	}
	if t, err := time.Parse(time.RFC3339Nano, fetchedAt); err == nil {
		meta.FetchedAt = t
	}
	if captureDate.Valid && captureDate.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, captureDate.String); err == nil {
			meta.CaptureDate = &t
		}
	}

	metrics.CacheHitsTotal.WithLabelValues("meta", "hit").Inc()
	return meta, nil
}

// PutMeta inserts or replaces the metadata row for meta.PanoID. Writes are
// idempotent: calling PutMeta twice with equivalent metadata leaves the
// cache in the same observable state modulo fetchedAt.
func (c *Cache) PutMeta(meta model.PanoMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	linksJSON, err := json.Marshal(meta.Links)
	if err != nil {
		return fmt.Errorf("cache: encode links: %w", err)
	}

	var captureDate sql.NullString
	if meta.CaptureDate != nil {
		captureDate = sql.NullString{String: meta.CaptureDate.Format(time.RFC3339Nano), Valid: true}
	}

	fetchedAt := meta.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	_, err = c.db.Exec(`INSERT INTO metadata (pano_id, lat, lng, capture_date, center_heading, links_json, fetched_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pano_id) DO UPDATE SET
			lat=excluded.lat, lng=excluded.lng, capture_date=excluded.capture_date,
			center_heading=excluded.center_heading, links_json=excluded.links_json,
			fetched_at=excluded.fetched_at, source=excluded.source`,
		string(meta.PanoID), meta.Lat, meta.Lng, captureDate, meta.CenterHeading,
		string(linksJSON), fetchedAt.Format(time.RFC3339Nano), meta.Source)
	if err != nil {
		return fmt.Errorf("cache: put meta: %w", err)
	}

	_, err = c.db.Exec(`INSERT INTO locations (pano_id, lat, lng) VALUES (?, ?, ?)
		ON CONFLICT(pano_id) DO UPDATE SET lat=excluded.lat, lng=excluded.lng`,
		string(meta.PanoID), meta.Lat, meta.Lng)
	if err != nil {
		return fmt.Errorf("cache: put location: %w", err)
	}

	c.refreshMetaGauge()
	return nil
}

// HasImage reports whether an image at the given zoom exists and is not
// known to be corrupt.
func (c *Cache) HasImage(panoID model.PanoID, zoom int) bool {
	_, err := c.GetImage(panoID, zoom)
	return err == nil
}

func (c *Cache) imagePath(panoID model.PanoID, zoom int) string {
	return filepath.Join(c.imagesDir, fmt.Sprintf("%s_z%d.jpg", panoID, zoom))
}

// GetImage reads and returns the raw JPEG bytes for (panoID, zoom). A
// checksum mismatch against what PutImage recorded is treated as a miss
// (ErrCorrupt), never repaired in place.
func (c *Cache) GetImage(panoID model.PanoID, zoom int) ([]byte, error) {
	var path, checksum string
	row := c.db.QueryRow(`SELECT image_path, checksum FROM panoramas WHERE pano_id = ? AND zoom = ?`,
		string(panoID), zoom)
	if err := row.Scan(&path, &checksum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.CacheHitsTotal.WithLabelValues("image", "miss").Inc()
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: get image row: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		metrics.CacheHitsTotal.WithLabelValues("image", "miss").Inc()
		return nil, ErrNotFound
	}

	if strconv.FormatUint(xxhash.Sum64(data), 16) != checksum {
		metrics.CacheHitsTotal.WithLabelValues("image", "miss").Inc()
		return nil, ErrCorrupt
	}

	metrics.CacheHitsTotal.WithLabelValues("image", "hit").Inc()
	return data, nil
}

// PutImage writes image bytes to the content-addressed file
// {panoId}_z{N}.jpg and records it (with a checksum) in the panoramas
// table. Idempotent: writing the same bytes again is a no-op at the
// observable level.
func (c *Cache) PutImage(panoID model.PanoID, zoom int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.imagePath(panoID, zoom)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cache: write image file: %w", err)
	}
	checksum := strconv.FormatUint(xxhash.Sum64(data), 16)

	_, err := c.db.Exec(`INSERT INTO panoramas (pano_id, zoom, image_path, checksum, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pano_id, zoom) DO UPDATE SET
			image_path=excluded.image_path, checksum=excluded.checksum, fetched_at=excluded.fetched_at`,
		string(panoID), zoom, path, checksum, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cache: put image row: %w", err)
	}

	c.refreshImageGauge()
	return nil
}

// GetLocation returns the (lat, lng) of panoID if known.
func (c *Cache) GetLocation(panoID model.PanoID) (lat, lng float64, err error) {
	row := c.db.QueryRow(`SELECT lat, lng FROM locations WHERE pano_id = ?`, string(panoID))
	if scanErr := row.Scan(&lat, &lng); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("cache: get location: %w", scanErr)
	}
	return lat, lng, nil
}

// LoadGeofence reads a named geofence's PanoID set from
// configDir/geofence_config.json, the mapping the task generator emits.
func (c *Cache) LoadGeofence(name string) ([]model.PanoID, error) {
	path := filepath.Join(c.geofenceDir, "geofence_config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cache: read geofence config: %w", err)
	}

	var all map[string][]string
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("cache: decode geofence config: %w", err)
	}

	ids, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("cache: geofence %q: %w", name, ErrNotFound)
	}

	out := make([]model.PanoID, len(ids))
	for i, id := range ids {
		out[i] = model.PanoID(id)
	}
	return out, nil
}

// RecordPlayerProgress upserts a player's progress row for a task.
func (c *Cache) RecordPlayerProgress(playerID, taskID, sessionID, status string, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`INSERT INTO player_progress (player_id, task_id, session_id, status, score, attempts, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(player_id, task_id) DO UPDATE SET
			session_id=excluded.session_id, status=excluded.status, score=excluded.score,
			attempts=player_progress.attempts + 1, last_attempt_at=excluded.last_attempt_at`,
		playerID, taskID, sessionID, status, score, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cache: record player progress: %w", err)
	}
	return nil
}

// PlayerProgress is one row of the player_progress table.
type PlayerProgress struct {
	PlayerID      string
	TaskID        string
	SessionID     string
	Status        string
	Score         float64
	Attempts      int
	LastAttemptAt time.Time
}

// GetPlayerProgress returns every task-progress row recorded for a player.
func (c *Cache) GetPlayerProgress(playerID string) ([]PlayerProgress, error) {
	rows, err := c.db.Query(`SELECT player_id, task_id, session_id, status, score, attempts, last_attempt_at
		FROM player_progress WHERE player_id = ? ORDER BY task_id`, playerID)
	if err != nil {
		return nil, fmt.Errorf("cache: get player progress: %w", err)
	}
	defer rows.Close()

	var out []PlayerProgress
	for rows.Next() {
		var p PlayerProgress
		var lastAttemptAt string
		if err := rows.Scan(&p.PlayerID, &p.TaskID, &p.SessionID, &p.Status, &p.Score, &p.Attempts, &lastAttemptAt); err != nil {
			return nil, fmt.Errorf("cache: scan player progress: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, lastAttemptAt); err == nil {
			p.LastAttemptAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Cache) refreshMetaGauge() {
	var n float64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM metadata`).Scan(&n); err == nil {
		metrics.CacheMetaRows.Set(n)
	}
}

func (c *Cache) refreshImageGauge() {
	var n float64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM panoramas`).Scan(&n); err == nil {
		metrics.CacheImageFiles.Set(n)
	}
}
