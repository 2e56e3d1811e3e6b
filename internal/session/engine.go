package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stefanpenner/vln-bench/internal/cache"
	"github.com/stefanpenner/vln-bench/internal/config"
	"github.com/stefanpenner/vln-bench/internal/geofence"
	"github.com/stefanpenner/vln-bench/internal/logger"
	"github.com/stefanpenner/vln-bench/internal/metrics"
	"github.com/stefanpenner/vln-bench/internal/model"
	"github.com/stefanpenner/vln-bench/internal/task"
)

// Engine owns every live session and is the only way to transition one.
// It is safe for concurrent use: the registry has its own lock, and each
// session serializes its transitions behind its own mutex.
type Engine struct {
	cache  *cache.Cache
	fences *geofence.Service
	tasks  *task.Store
	cfg    config.Config

	mu       sync.RWMutex
	sessions map[string]*Session

	totalCreated atomic.Int64
	totalSteps   atomic.Int64

	lastExpireSweep time.Time
}

func NewEngine(c *cache.Cache, fences *geofence.Service, tasks *task.Store, cfg config.Config) *Engine {
	return &Engine{
		cache:    c,
		fences:   fences,
		tasks:    tasks,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create spawns a new session for (agentID, taskID) and returns it with
// its initial observation.
func (e *Engine) Create(agentID, taskID string, mode model.SessionMode) (*Session, Result, error) {
	t, err := e.tasks.Load(taskID)
	if err != nil {
		var invalid *task.ErrInvalidTask
		if errors.As(err, &invalid) {
			return nil, Result{}, errf(KindBadTask, "%s", invalid.Reason)
		}
		return nil, Result{}, err
	}
	if err := task.ValidateSpawn(t, e.fences); err != nil {
		var invalid *task.ErrInvalidTask
		if errors.As(err, &invalid) {
			return nil, Result{}, errf(KindBadTask, "%s", invalid.Reason)
		}
		return nil, Result{}, err
	}

	switch mode {
	case model.ModeAgent, model.ModeHuman:
	default:
		return nil, Result{}, errf(KindBadTask, "unknown mode %q", mode)
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Task:      t,
		Mode:      mode,
		engine:    e,
		status:    model.StatusRunning,
		startedAt: now,
	}

	s.log, err = openStepLog(e.cfg.LogsDir, s.ID)
	if err != nil {
		return nil, Result{}, err
	}

	c := candidate{
		panoID:    t.SpawnPanoID,
		heading:   t.SpawnHeading,
		pitch:     0,
		fov:       e.cfg.RenderDefaultFOV,
		stepCount: 0,
		status:    model.StatusRunning,
	}

	res, err := s.finishTransition(c, Action{Type: "create"}, now)
	if err != nil {
		s.log.Close()
		return nil, Result{}, err
	}

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	e.totalCreated.Add(1)
	metrics.SessionsCreatedTotal.WithLabelValues(string(mode)).Inc()
	metrics.SessionsActive.Inc()
	logger.Info("session %s created (task=%s agent=%s mode=%s)", s.ID, taskID, agentID, mode)
	return s, res, nil
}

func (e *Engine) get(sessionID string) (*Session, error) {
	e.mu.RLock()
	s, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, errf(KindNotFound, "unknown session %s", sessionID)
	}
	return s, nil
}

// Action executes one agent action against a session.
func (e *Engine) Action(sessionID string, a Action) (Result, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.apply(a)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		// An out-of-geofence observation is an invariant violation, not a
		// client mistake: force the session down.
		if KindOf(err) == KindOutOfGeofence && !s.snapshot().terminal() {
			c := s.snapshot()
			c.status = model.StatusStopped
			c.doneReason = "error"
			if _, ferr := s.finishTransition(c, a, time.Now()); ferr != nil {
				logger.Error(ferr, "session %s: stop after out_of_geofence: %v", sessionID, ferr)
			}
		}
	} else if a.Type == "move" {
		e.totalSteps.Add(1)
		metrics.StepsTotal.Inc()
	}
	metrics.ActionsTotal.WithLabelValues(a.Type, outcome).Inc()
	logger.StepSummary{SessionID: sessionID, Action: a.Type, Outcome: outcome}.Print()
	return res, err
}

// State returns the session's status plus a freshly generated observation
// (or its summary when terminal). getState is not a state-changing
// transition, so nothing is logged.
func (e *Engine) State(sessionID string) (model.SessionStatus, Result, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return "", Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.snapshot()
	if c.terminal() {
		summary, err := ReadSummary(e.cfg.LogsDir, s.ID)
		if err != nil {
			return c.status, Result{}, err
		}
		return c.status, Result{Success: true, Done: true, DoneReason: c.doneReason, Summary: &summary}, nil
	}

	obs, _, _, err := s.observe(c)
	if err != nil {
		return c.status, Result{}, err
	}
	return c.status, Result{Success: true, Observation: &obs}, nil
}

// Pause stops time accounting for a human session.
func (e *Engine) Pause(sessionID string) (Result, error) {
	return e.togglePause(sessionID, true)
}

// Resume restarts time accounting for a paused human session.
func (e *Engine) Resume(sessionID string) (Result, error) {
	return e.togglePause(sessionID, false)
}

func (e *Engine) togglePause(sessionID string, pause bool) (Result, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Mode != model.ModeHuman {
		return Result{}, errf(KindActionInvalid, "pause/resume is only valid in human mode")
	}

	now := time.Now()
	c := s.snapshot()
	if pause {
		if c.status != model.StatusRunning {
			return Result{}, errf(KindActionInvalid, "cannot pause a %s session", c.status)
		}
		c.status = model.StatusPaused
		res, err := s.finishTransition(c, Action{Type: "pause"}, now)
		if err != nil {
			return res, err
		}
		s.pausedAt = now
		return res, nil
	}

	if c.status != model.StatusPaused {
		return Result{}, errf(KindActionInvalid, "cannot resume a %s session", c.status)
	}
	c.status = model.StatusRunning
	res, err := s.finishTransition(c, Action{Type: "resume"}, now)
	if err != nil {
		return res, err
	}
	s.pausedDur += now.Sub(s.pausedAt)
	s.pausedAt = time.Time{}
	return Result{Success: true, Observation: res.Observation}, nil
}

// End force-terminates a session without an answer; already-terminal
// sessions just return their persisted summary.
func (e *Engine) End(sessionID string) (model.Summary, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return model.Summary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.snapshot()
	if c.terminal() {
		return ReadSummary(e.cfg.LogsDir, s.ID)
	}

	now := time.Now()
	if c.status == model.StatusPaused {
		s.pausedDur += now.Sub(s.pausedAt)
		s.pausedAt = time.Time{}
	}
	c.status = model.StatusStopped
	c.doneReason = "stopped"
	res, err := s.finishTransition(c, Action{Type: "end"}, now)
	if err != nil {
		return model.Summary{}, err
	}
	return *res.Summary, nil
}

// List returns a snapshot of every registered session.
func (e *Engine) List() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Info, 0, len(e.sessions))
	for _, s := range e.sessions {
		s.mu.Lock()
		out = append(out, s.info())
		s.mu.Unlock()
	}
	return out
}

// finalize persists the terminal summary and progress row, updates
// instrumentation, and applies the temp-image cleanup policy. Caller
// holds s.mu and has already committed the terminal candidate.
func (e *Engine) finalize(s *Session, now time.Time) model.Summary {
	reached := false
	for _, target := range s.Task.TargetPanoIDs {
		if target == s.panoID {
			reached = true
			break
		}
	}

	summary := model.Summary{
		SessionID:       s.ID,
		FinalPanoID:     s.panoID,
		Trajectory:      append([]model.PanoID(nil), s.trajectory...),
		ReachedTarget:   reached,
		SubmittedAnswer: s.submittedAnswer,
		ElapsedSeconds:  s.elapsed(now).Seconds(),
		StepCount:       s.stepCount,
		DoneReason:      s.doneReason,
	}

	if err := writeSummary(e.cfg.LogsDir, summary); err != nil {
		logger.Error(err, "session %s: write summary: %v", s.ID, err)
	}

	score := 0.0
	if reached {
		score = 1.0
	}
	if err := e.cache.RecordPlayerProgress(s.AgentID, s.Task.TaskID, s.ID, s.doneReason, score); err != nil {
		logger.Error(err, "session %s: record progress: %v", s.ID, err)
	}

	if err := s.log.Close(); err != nil {
		logger.Error(err, "session %s: close step log: %v", s.ID, err)
	}

	e.cleanupTempImages(s)

	metrics.SessionsActive.Dec()
	metrics.SessionsTerminatedTotal.WithLabelValues(s.doneReason).Inc()
	logger.Info("session %s finished (%s) steps=%d reached=%t", s.ID, s.doneReason, s.stepCount, reached)
	return summary
}

func (e *Engine) cleanupTempImages(s *Session) {
	dir := filepath.Join(e.cfg.TempDir, s.ID)
	switch e.cfg.TempImageCleanupPolicy {
	case config.CleanupKeepAll, config.CleanupAutoExpire:
		return
	case config.CleanupKeepOnComplete:
		if s.status == model.StatusCompleted {
			return
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Error(err, "session %s: remove temp images: %v", s.ID, err)
	}
}

// Run is the stalled-session monitor: it wakes on the configured
// interval, terminates running sessions whose max_time has elapsed, and
// (under the auto_expire policy) sweeps aged temp images.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SessionMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.reapStalled()
			if e.cfg.TempImageCleanupPolicy == config.CleanupAutoExpire {
				e.sweepExpired()
			}
		}
	}
}

func (e *Engine) reapStalled() {
	e.mu.RLock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	now := time.Now()
	for _, s := range sessions {
		s.mu.Lock()
		c := s.snapshot()
		if c.status == model.StatusRunning && s.Task.MaxTimeSeconds != nil &&
			s.elapsed(now).Seconds() >= *s.Task.MaxTimeSeconds {
			c.status = model.StatusTimeout
			c.doneReason = "max_time"
			if _, err := s.finishTransition(c, Action{Type: "timeout"}, now); err != nil {
				logger.Error(err, "session %s: monitor termination: %v", s.ID, err)
			}
		}
		s.mu.Unlock()
	}
}

// sweepExpired removes temp images older than the configured expiry. It
// runs at most once per sweep interval regardless of monitor cadence.
func (e *Engine) sweepExpired() {
	const sweepEvery = 10 * time.Minute
	if time.Since(e.lastExpireSweep) < sweepEvery {
		return
	}
	e.lastExpireSweep = time.Now()

	cutoff := time.Now().Add(-time.Duration(e.cfg.TempImageExpireHours) * time.Hour)
	_ = filepath.Walk(e.cfg.TempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				logger.Error(err, "expire temp image %s: %v", path, err)
			}
		}
		return nil
	})
}

// Stats is a cheap counters snapshot for the terminal dashboard.
type Stats struct {
	Active       int
	TotalCreated int64
	TotalSteps   int64
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	active := 0
	for _, s := range e.sessions {
		s.mu.Lock()
		if !s.snapshot().terminal() {
			active++
		}
		s.mu.Unlock()
	}
	e.mu.RUnlock()

	return Stats{
		Active:       active,
		TotalCreated: e.totalCreated.Load(),
		TotalSteps:   e.totalSteps.Load(),
	}
}
