package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/cache"
)

type playerProgressEntry struct {
	TaskID        string    `json:"task_id"`
	SessionID     string    `json:"session_id"`
	Status        string    `json:"status"`
	Score         float64   `json:"score"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// PlayerProgressRoute returns every task-progress row recorded for a
// player.
func PlayerProgressRoute(c *cache.Cache) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		playerID := ctx.Param("id")

		rows, err := c.GetPlayerProgress(playerID)
		if err != nil {
			return respondError(ctx, err)
		}

		entries := make([]playerProgressEntry, 0, len(rows))
		for _, r := range rows {
			entries = append(entries, playerProgressEntry{
				TaskID:        r.TaskID,
				SessionID:     r.SessionID,
				Status:        r.Status,
				Score:         r.Score,
				Attempts:      r.Attempts,
				LastAttemptAt: r.LastAttemptAt,
			})
		}
		return ctx.JSON(http.StatusOK, map[string]interface{}{
			"player_id": playerID,
			"progress":  entries,
		})
	}
}
