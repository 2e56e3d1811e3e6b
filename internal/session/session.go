// Package session implements the runtime's core: the per-session state
// machine that ingests actions, enforces graph legality and termination,
// renders observations, and appends the durable step log. One HTTP
// request is one transition; a per-session mutex totally orders
// concurrent requests against the same session.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stefanpenner/vln-bench/internal/direction"
	"github.com/stefanpenner/vln-bench/internal/geo"
	"github.com/stefanpenner/vln-bench/internal/geofence"
	"github.com/stefanpenner/vln-bench/internal/model"
	"github.com/stefanpenner/vln-bench/internal/render"
)

// Action is the client-submitted input to one transition.
type Action struct {
	Type    string   `json:"type"`
	MoveID  *int     `json:"move_id,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
	Pitch   *float64 `json:"pitch,omitempty"`
	FOV     *float64 `json:"fov,omitempty"`
	Answer  *string  `json:"answer,omitempty"`
}

// Result is what a transition returns to the HTTP layer.
type Result struct {
	Success     bool               `json:"success"`
	Observation *model.Observation `json:"observation,omitempty"`
	Done        bool               `json:"done"`
	DoneReason  string             `json:"done_reason,omitempty"`
	Summary     *model.Summary     `json:"summary,omitempty"`
}

// legalMove pairs an observation move with the link heading the agent
// turns to when taking it.
type legalMove struct {
	move    model.Move
	heading float64
}

// Session is one run of one agent over one task. All mutable fields are
// guarded by mu; transitions happen only through the engine's methods.
type Session struct {
	ID      string
	AgentID string
	Task    model.Task
	Mode    model.SessionMode

	engine *Engine
	log    *stepLog

	mu              sync.Mutex
	panoID          model.PanoID
	heading         float64
	pitch           float64
	fov             float64
	stepCount       int
	status          model.SessionStatus
	submittedAnswer *string
	doneReason      string

	startedAt    time.Time
	lastActiveAt time.Time
	pausedAt     time.Time
	pausedDur    time.Duration

	trajectory []model.PanoID
	moves      []legalMove
}

// candidate is the working copy a transition mutates; it is committed to
// the session only after the log record for the transition is durable.
type candidate struct {
	panoID          model.PanoID
	heading         float64
	pitch           float64
	fov             float64
	stepCount       int
	status          model.SessionStatus
	submittedAnswer *string
	doneReason      string
}

func (s *Session) snapshot() candidate {
	return candidate{
		panoID:          s.panoID,
		heading:         s.heading,
		pitch:           s.pitch,
		fov:             s.fov,
		stepCount:       s.stepCount,
		status:          s.status,
		submittedAnswer: s.submittedAnswer,
		doneReason:      s.doneReason,
	}
}

func (s *Session) commit(c candidate) {
	moved := c.panoID != s.panoID
	s.panoID = c.panoID
	s.heading = c.heading
	s.pitch = c.pitch
	s.fov = c.fov
	s.stepCount = c.stepCount
	s.status = c.status
	s.submittedAnswer = c.submittedAnswer
	s.doneReason = c.doneReason
	s.lastActiveAt = time.Now()
	if moved {
		s.trajectory = append(s.trajectory, c.panoID)
	}
}

func (c candidate) terminal() bool {
	switch c.status {
	case model.StatusCompleted, model.StatusTimeout, model.StatusStopped:
		return true
	}
	return false
}

func (c candidate) view() model.StateView {
	return model.StateView{
		PanoID:    c.panoID,
		Heading:   c.heading,
		Pitch:     c.pitch,
		FOV:       c.fov,
		StepCount: c.stepCount,
		Status:    c.status,
	}
}

// elapsed returns wall-clock time since the session started, minus every
// paused interval (including the one in progress).
func (s *Session) elapsed(now time.Time) time.Duration {
	d := now.Sub(s.startedAt) - s.pausedDur
	if s.status == model.StatusPaused && !s.pausedAt.IsZero() {
		d -= now.Sub(s.pausedAt)
	}
	return d
}

// checkTermination applies the max_steps / max_time rules to a candidate
// that just advanced step or time. Explicit stop has already set status.
func (s *Session) checkTermination(c *candidate, now time.Time) {
	if c.terminal() {
		return
	}
	if s.Task.MaxSteps != nil && c.stepCount >= *s.Task.MaxSteps {
		c.status = model.StatusCompleted
		c.doneReason = "max_steps"
		return
	}
	if s.Task.MaxTimeSeconds != nil &&
		s.elapsed(now).Seconds() >= *s.Task.MaxTimeSeconds {
		c.status = model.StatusTimeout
		c.doneReason = "max_time"
	}
}

// observe renders the observation for a candidate state: legal moves
// (which also become the session's move table on commit) plus the image
// the agent or human sees. The returned imagePath is the rendered file
// for agent mode, empty otherwise.
func (s *Session) observe(c candidate) (model.Observation, []legalMove, string, error) {
	e := s.engine

	meta, err := e.cache.GetMeta(c.panoID)
	if err != nil {
		return model.Observation{}, nil, "",
			errf(KindCacheMissMeta, "no metadata for %s; run preload for geofence %q", c.panoID, s.Task.Geofence)
	}

	neighbors, err := e.fences.Neighbors(s.Task.Geofence, c.panoID, meta)
	if err != nil {
		if err == geofence.ErrOutOfGeofence {
			return model.Observation{}, nil, "",
				errf(KindOutOfGeofence, "%s is outside geofence %q", c.panoID, s.Task.Geofence)
		}
		return model.Observation{}, nil, "", fmt.Errorf("session: neighbours for %s: %w", c.panoID, err)
	}

	here := geo.Point{Lat: meta.Lat, Lng: meta.Lng}
	moves := make([]legalMove, 0, len(neighbors))
	for i, n := range neighbors {
		dist := 0.0
		if lat, lng, err := e.cache.GetLocation(n.Target); err == nil {
			dist = direction.DistanceMeters(here, geo.Point{Lat: lat, Lng: lng})
		}
		moves = append(moves, legalMove{
			move: model.Move{
				ID:       i + 1,
				Target:   n.Target,
				Dir:      direction.Label(c.heading, n.Heading),
				Distance: dist,
				Virtual:  n.Virtual,
			},
			heading: n.Heading,
		})
	}

	obs := model.Observation{
		TaskDescription: s.Task.Description,
		AvailableMoves:  moveViews(moves),
	}

	var imagePath string
	switch s.Mode {
	case model.ModeHuman:
		obs.PanoramaURL = fmt.Sprintf("/api/panoramas/%s_z%d.jpg", c.panoID, e.cfg.PanoramaZoomLevel)
	default:
		img, err := e.cache.GetImage(c.panoID, e.cfg.PanoramaZoomLevel)
		if err != nil {
			return model.Observation{}, nil, "",
				errf(KindCacheMissImage, "no image for %s at zoom %d; run preload for geofence %q",
					c.panoID, e.cfg.PanoramaZoomLevel, s.Task.Geofence)
		}
		rendered, err := render.Render(img, render.Params{
			Heading:   c.heading,
			Pitch:     c.pitch,
			FOV:       c.fov,
			OutWidth:  e.cfg.RenderOutputWidth,
			OutHeight: e.cfg.RenderOutputHeight,
		})
		if err != nil {
			return model.Observation{}, nil, "", fmt.Errorf("session: render %s: %w", c.panoID, err)
		}

		dir := filepath.Join(e.cfg.TempDir, s.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return model.Observation{}, nil, "", fmt.Errorf("session: create temp dir: %w", err)
		}
		imagePath = filepath.Join(dir, fmt.Sprintf("step_%d.jpg", c.stepCount))
		if err := os.WriteFile(imagePath, rendered, 0o644); err != nil {
			return model.Observation{}, nil, "", fmt.Errorf("session: write rendered image: %w", err)
		}
		obs.CurrentImage = fmt.Sprintf("/api/images/%s/step_%d.jpg", s.ID, c.stepCount)
	}

	return obs, moves, imagePath, nil
}

func moveViews(moves []legalMove) []model.Move {
	out := make([]model.Move, len(moves))
	for i, m := range moves {
		out[i] = m.move
	}
	return out
}

func actionView(a Action) model.ActionView {
	return model.ActionView{
		Type:    a.Type,
		MoveID:  a.MoveID,
		Heading: a.Heading,
		Pitch:   a.Pitch,
		FOV:     a.FOV,
		Answer:  a.Answer,
	}
}

// apply executes one action against the session. Caller holds s.mu.
func (s *Session) apply(a Action) (Result, error) {
	now := time.Now()

	switch s.status {
	case model.StatusPaused:
		return Result{}, errf(KindActionInvalid, "session is paused")
	case model.StatusRunning:
	default:
		return Result{}, errf(KindSessionTerminated, "session is %s", s.status)
	}

	c := s.snapshot()

	switch a.Type {
	case "move":
		if a.MoveID == nil {
			return Result{}, errf(KindActionInvalid, "move requires move_id")
		}
		var chosen *legalMove
		for i := range s.moves {
			if s.moves[i].move.ID == *a.MoveID {
				chosen = &s.moves[i]
				break
			}
		}
		if chosen == nil {
			return Result{}, errf(KindActionInvalid, "unknown move_id %d", *a.MoveID)
		}
		c.panoID = chosen.move.Target
		c.heading = chosen.heading
		c.stepCount++
		s.checkTermination(&c, now)

	case "rotation":
		if s.Mode != model.ModeAgent {
			return Result{}, errf(KindActionInvalid, "rotation is only valid in agent mode")
		}
		if a.Heading == nil || a.Pitch == nil || a.FOV == nil {
			return Result{}, errf(KindRotationInvalid, "rotation requires heading, pitch and fov")
		}
		if *a.Heading < 0 || *a.Heading >= 360 {
			return Result{}, errf(KindRotationInvalid, "heading %v out of [0,360)", *a.Heading)
		}
		if *a.Pitch < -85 || *a.Pitch > 85 {
			return Result{}, errf(KindRotationInvalid, "pitch %v out of [-85,85]", *a.Pitch)
		}
		if *a.FOV < 30 || *a.FOV > 100 {
			return Result{}, errf(KindRotationInvalid, "fov %v out of [30,100]", *a.FOV)
		}
		c.heading = *a.Heading
		c.pitch = *a.Pitch
		c.fov = *a.FOV
		s.checkTermination(&c, now)

	case "stop":
		c.status = model.StatusStopped
		c.doneReason = "stopped"
		c.submittedAnswer = a.Answer

	default:
		return Result{}, errf(KindActionInvalid, "unknown action type %q", a.Type)
	}

	return s.finishTransition(c, a, now)
}

// finishTransition renders the post-action observation (when the session
// is still live), durably logs the transition, and only then commits the
// candidate. Caller holds s.mu.
func (s *Session) finishTransition(c candidate, a Action, now time.Time) (Result, error) {
	var (
		obs       model.Observation
		moves     []legalMove
		imagePath string
	)
	if !c.terminal() {
		var err error
		obs, moves, imagePath, err = s.observe(c)
		if err != nil {
			return Result{}, err
		}
	}

	rec := model.StepLogRecord{
		SessionID:      s.ID,
		Timestamp:      now,
		Step:           c.stepCount,
		State:          c.view(),
		Action:         actionView(a),
		AvailableMoves: obs.AvailableMoves,
		ImagePath:      imagePath,
	}
	if err := s.log.Append(rec); err != nil {
		return Result{}, err
	}

	s.commit(c)
	s.moves = moves

	res := Result{Success: true}
	if c.terminal() {
		summary := s.engine.finalize(s, now)
		res.Done = true
		res.DoneReason = c.doneReason
		res.Summary = &summary
	} else {
		res.Observation = &obs
	}
	return res, nil
}

// Info is the list-view projection of a session for GET /sessions.
type Info struct {
	SessionID    string              `json:"session_id"`
	AgentID      string              `json:"agent_id"`
	TaskID       string              `json:"task_id"`
	Mode         model.SessionMode   `json:"mode"`
	Status       model.SessionStatus `json:"status"`
	StepCount    int                 `json:"step_count"`
	StartedAt    time.Time           `json:"started_at"`
	LastActiveAt time.Time           `json:"last_active_at"`
}

func (s *Session) info() Info {
	return Info{
		SessionID:    s.ID,
		AgentID:      s.AgentID,
		TaskID:       s.Task.TaskID,
		Mode:         s.Mode,
		Status:       s.status,
		StepCount:    s.stepCount,
		StartedAt:    s.startedAt,
		LastActiveAt: s.lastActiveAt,
	}
}
