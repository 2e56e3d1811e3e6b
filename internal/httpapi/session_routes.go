package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/model"
	"github.com/stefanpenner/vln-bench/internal/session"
)

type createSessionRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Mode    string `json:"mode"`
}

type createSessionResponse struct {
	SessionID   string             `json:"session_id"`
	Observation *model.Observation `json:"observation"`
}

// CreateSessionRoute spawns a session and returns the initial
// observation.
func CreateSessionRoute(engine *session.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createSessionRequest
		if err := c.Bind(&req); err != nil {
			return respondError(c, &session.Error{Kind: session.KindBadTask, Detail: "malformed request body"})
		}
		if req.AgentID == "" || req.TaskID == "" {
			return respondError(c, &session.Error{Kind: session.KindBadTask, Detail: "agent_id and task_id are required"})
		}
		mode := model.SessionMode(req.Mode)
		if mode == "" {
			mode = model.ModeAgent
		}

		s, res, err := engine.Create(req.AgentID, req.TaskID, mode)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, createSessionResponse{
			SessionID:   s.ID,
			Observation: res.Observation,
		})
	}
}

type stateResponse struct {
	Status      model.SessionStatus `json:"status"`
	Observation *model.Observation  `json:"observation,omitempty"`
	Done        bool                `json:"done"`
	DoneReason  string              `json:"done_reason,omitempty"`
	Summary     *model.Summary      `json:"summary,omitempty"`
}

// SessionStateRoute returns the current status plus a fresh observation
// (or the summary for a terminal session).
func SessionStateRoute(engine *session.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		status, res, err := engine.State(c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, stateResponse{
			Status:      status,
			Observation: res.Observation,
			Done:        res.Done,
			DoneReason:  res.DoneReason,
			Summary:     res.Summary,
		})
	}
}

type actionResponse struct {
	Success     bool               `json:"success"`
	Observation *model.Observation `json:"observation,omitempty"`
	Done        bool               `json:"done"`
	DoneReason  *string            `json:"done_reason"`
	Summary     *model.Summary     `json:"summary,omitempty"`
}

// SessionActionRoute executes one action against a session.
func SessionActionRoute(engine *session.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var a session.Action
		if err := c.Bind(&a); err != nil {
			return respondError(c, &session.Error{Kind: session.KindActionInvalid, Detail: "malformed request body"})
		}

		res, err := engine.Action(c.Param("id"), a)
		if err != nil {
			return respondError(c, err)
		}

		resp := actionResponse{
			Success:     res.Success,
			Observation: res.Observation,
			Done:        res.Done,
			Summary:     res.Summary,
		}
		if res.DoneReason != "" {
			resp.DoneReason = &res.DoneReason
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// SessionEndRoute force-terminates a session and returns its summary.
func SessionEndRoute(engine *session.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		summary, err := engine.End(c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, summary)
	}
}

// SessionPauseRoute stops time accounting (human mode only).
func SessionPauseRoute(engine *session.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := engine.Pause(c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

// SessionResumeRoute restarts time accounting (human mode only).
func SessionResumeRoute(engine *session.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := engine.Resume(c.Param("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, res)
	}
}

// ListSessionsRoute lists every registered session.
func ListSessionsRoute(engine *session.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"sessions": engine.List(),
		})
	}
}
