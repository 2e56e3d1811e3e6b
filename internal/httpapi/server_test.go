package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefanpenner/vln-bench/internal/cache"
	"github.com/stefanpenner/vln-bench/internal/config"
	"github.com/stefanpenner/vln-bench/internal/geofence"
	"github.com/stefanpenner/vln-bench/internal/model"
	"github.com/stefanpenner/vln-bench/internal/preload"
	"github.com/stefanpenner/vln-bench/internal/session"
	"github.com/stefanpenner/vln-bench/internal/task"
)

const testZoom = 1

type stubTiles struct{}

func (stubTiles) Name() string { return "tiles" }

func (stubTiles) FetchTile(context.Context, model.PanoID, int, int, int) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type stubMeta struct{}

func (stubMeta) Name() string { return "metadata" }

func (stubMeta) FetchMetadata(_ context.Context, panoID model.PanoID) (model.PanoMetadata, error) {
	return model.PanoMetadata{
		PanoID: panoID, Lat: 40, Lng: -111, CenterHeading: 0, Source: "metadata",
	}, nil
}

type testServer struct {
	app   *echo.Echo
	cache *cache.Cache
	cfg   config.Config
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()

	dataDir := filepath.Join(root, "data")
	configDir := filepath.Join(root, "config")
	tasksDir := filepath.Join(root, "tasks")
	for _, d := range []string{dataDir, configDir, tasksDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	require.NoError(t, os.WriteFile(
		filepath.Join(configDir, "geofence_config.json"),
		[]byte(`{"test_area": ["P0", "P1"]}`), 0o644))

	require.NoError(t, os.WriteFile(
		filepath.Join(tasksDir, "nav_T1.json"),
		[]byte(`{
			"task_id": "nav_T1",
			"task_type": "navigation_to_poi",
			"geofence": "test_area",
			"spawn_point": "P0",
			"spawn_heading": 0,
			"description": "walk north",
			"target_pano_ids": ["P1"]
		}`), 0o644))

	c, err := cache.Open(dataDir, configDir)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	seed := func(id model.PanoID, links []model.Link) {
		require.NoError(t, c.PutMeta(model.PanoMetadata{
			PanoID: id, Lat: 40, Lng: -111, CenterHeading: 0,
			Links: links, Source: "test",
		}))
		img := image.NewRGBA(image.Rect(0, 0, 64, 32))
		buf := &bytes.Buffer{}
		require.NoError(t, jpeg.Encode(buf, img, nil))
		require.NoError(t, c.PutImage(id, testZoom, buf.Bytes()))
	}
	seed("P0", []model.Link{{Target: "P1", Heading: 90}})
	seed("P1", []model.Link{{Target: "P0", Heading: 270}})

	fences, err := geofence.NewService(c, "")
	require.NoError(t, err)

	cfg := config.Config{
		DataDir:                 dataDir,
		ConfigDir:               configDir,
		TasksDir:                tasksDir,
		LogsDir:                 filepath.Join(root, "logs"),
		TempDir:                 filepath.Join(root, "temp_images"),
		PanoramaZoomLevel:       testZoom,
		TempImageCleanupPolicy:  config.CleanupKeepAll,
		RenderOutputWidth:       64,
		RenderOutputHeight:      48,
		RenderDefaultFOV:        90,
		PrefetchRequestDelayMin: time.Millisecond,
		PrefetchRequestDelayMax: time.Millisecond,
		PrefetchRetryMax:        1,
		PrefetchRetryBackoff:    1.0,
		PrefetchParallelWorkers: 2,
		SessionMonitorInterval:  time.Second,
	}

	tasks := task.NewStore(tasksDir)
	engine := session.NewEngine(c, fences, tasks, cfg)
	preloader := preload.NewManager(c, fences, stubTiles{}, stubMeta{}, cfg)

	app, err := Start(ServerConfig{
		Engine:    engine,
		Preloader: preloader,
		Tasks:     tasks,
		Cache:     c,
		Cfg:       cfg,
	})
	require.NoError(t, err)

	return &testServer{app: app, cache: c, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.app.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func (ts *testServer) createSession(t *testing.T) (string, map[string]interface{}) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/session/create", map[string]string{
		"agent_id": "agent-1", "task_id": "nav_T1", "mode": "agent",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		SessionID   string                 `json:"session_id"`
		Observation map[string]interface{} `json:"observation"`
	}
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID, resp.Observation
}

func TestCreateSessionReturnsObservation(t *testing.T) {
	ts := setupTestServer(t)
	_, obs := ts.createSession(t)

	assert.Equal(t, "walk north", obs["task_description"])
	assert.Contains(t, obs["current_image"], "/api/images/")

	moves := obs["available_moves"].([]interface{})
	require.Len(t, moves, 1)
	move := moves[0].(map[string]interface{})
	assert.Equal(t, float64(1), move["id"])
	assert.Equal(t, "P1", move["target"])
	assert.Equal(t, "right", move["dir"])
}

func TestCreateSessionUnknownTask(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/session/create", map[string]string{
		"agent_id": "agent-1", "task_id": "nope", "mode": "agent",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "bad_task", body.ErrorKind)
}

func TestActionMoveAndInvalidMove(t *testing.T) {
	ts := setupTestServer(t)
	id, _ := ts.createSession(t)

	rec := ts.do(t, http.MethodPost, "/api/session/"+id+"/action", map[string]interface{}{
		"type": "move", "move_id": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success    bool                   `json:"success"`
		Done       bool                   `json:"done"`
		DoneReason *string                `json:"done_reason"`
		Obs        map[string]interface{} `json:"observation"`
	}
	decode(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.False(t, resp.Done)
	assert.Nil(t, resp.DoneReason)
	require.NotNil(t, resp.Obs)

	rec = ts.do(t, http.MethodPost, "/api/session/"+id+"/action", map[string]interface{}{
		"type": "move", "move_id": 99,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "action_invalid", body.ErrorKind)
}

func TestStopReturnsSummaryAndTerminalStateRejects(t *testing.T) {
	ts := setupTestServer(t)
	id, _ := ts.createSession(t)

	rec := ts.do(t, http.MethodPost, "/api/session/"+id+"/action", map[string]interface{}{
		"type": "stop", "answer": "yes",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Done       bool    `json:"done"`
		DoneReason *string `json:"done_reason"`
	}
	decode(t, rec, &resp)
	assert.True(t, resp.Done)
	require.NotNil(t, resp.DoneReason)
	assert.Equal(t, "stopped", *resp.DoneReason)

	rec = ts.do(t, http.MethodPost, "/api/session/"+id+"/action", map[string]interface{}{
		"type": "move", "move_id": 1,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "session_terminated", body.ErrorKind)
}

func TestSessionStateAndList(t *testing.T) {
	ts := setupTestServer(t)
	id, _ := ts.createSession(t)

	rec := ts.do(t, http.MethodGet, "/api/session/"+id+"/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state stateResponse
	decode(t, rec, &state)
	assert.Equal(t, model.StatusRunning, state.Status)
	require.NotNil(t, state.Observation)

	rec = ts.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].SessionID)
}

func TestEndReturnsSummary(t *testing.T) {
	ts := setupTestServer(t)
	id, _ := ts.createSession(t)

	rec := ts.do(t, http.MethodPost, "/api/session/"+id+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary model.Summary
	decode(t, rec, &summary)
	assert.Equal(t, id, summary.SessionID)
	assert.Equal(t, "stopped", summary.DoneReason)
}

func TestSessionLogRoute(t *testing.T) {
	ts := setupTestServer(t)
	id, _ := ts.createSession(t)

	ts.do(t, http.MethodPost, "/api/session/"+id+"/action", map[string]interface{}{
		"type": "move", "move_id": 1,
	})

	rec := ts.do(t, http.MethodGet, "/api/sessions/"+id+"/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		SessionID string                `json:"session_id"`
		Steps     []model.StepLogRecord `json:"steps"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, id, resp.SessionID)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, "create", resp.Steps[0].Action.Type)
	assert.Equal(t, "move", resp.Steps[1].Action.Type)
}

func TestTaskRoutesWithETag(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Tasks []string `json:"tasks"`
	}
	decode(t, rec, &list)
	assert.Equal(t, []string{"nav_T1"}, list.Tasks)

	rec = ts.do(t, http.MethodGet, "/api/tasks/nav_T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/nav_T1", nil)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	ts.app.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNotModified, rec2.Code)

	rec = ts.do(t, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreloadRoutes(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/tasks/nav_T1/preload", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Everything is already cached, so the job finishes almost at once.
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/tasks/nav_T1/preload/status", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var resp preloadResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.Status == preload.StatusCompleted && resp.Percentage == 100
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPlayerProgressRoute(t *testing.T) {
	ts := setupTestServer(t)
	id, _ := ts.createSession(t)
	ts.do(t, http.MethodPost, "/api/session/"+id+"/action", map[string]interface{}{"type": "stop"})

	rec := ts.do(t, http.MethodGet, "/api/players/agent-1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		PlayerID string                `json:"player_id"`
		Progress []playerProgressEntry `json:"progress"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "agent-1", resp.PlayerID)
	require.Len(t, resp.Progress, 1)
	assert.Equal(t, "nav_T1", resp.Progress[0].TaskID)
}

func TestTempImageRoute(t *testing.T) {
	ts := setupTestServer(t)
	id, obs := ts.createSession(t)

	url := obs["current_image"].(string)
	require.True(t, strings.HasPrefix(url, fmt.Sprintf("/api/images/%s/", id)))

	rec := ts.do(t, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get(echo.HeaderContentType))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestPanoramaRoute(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/panoramas/P0_z%d.jpg", testZoom), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/panoramas/P404_z2.jpg", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "cache_miss_image", body.ErrorKind)
}

func TestHealthAndVersion(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info VersionInfo
	decode(t, rec, &info)
	assert.NotEmpty(t, info.GoVersion)
}
