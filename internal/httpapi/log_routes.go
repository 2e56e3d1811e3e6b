package httpapi

import (
	"bufio"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/stefanpenner/vln-bench/internal/config"
	"github.com/stefanpenner/vln-bench/internal/logger"
	"github.com/stefanpenner/vln-bench/internal/session"
)

// SessionLogRoute returns the full decoded step log plus the summary if
// the session has terminated.
func SessionLogRoute(cfg config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := filepath.Base(c.Param("id"))

		records, err := session.ReadLog(cfg.LogsDir, sessionID)
		if err != nil {
			return respondError(c, err)
		}

		resp := map[string]interface{}{
			"session_id": sessionID,
			"steps":      records,
		}
		if summary, err := session.ReadSummary(cfg.LogsDir, sessionID); err == nil {
			resp["summary"] = summary
		}
		return c.JSON(http.StatusOK, resp)
	}
}

var upgrader = websocket.Upgrader{
	// The benchmark UI and agent harness run on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const logPollInterval = 500 * time.Millisecond

// SessionLogStreamRoute tails a session's step log over a websocket: it
// replays the existing records, then forwards each new line as it lands
// on disk until the client disconnects.
func SessionLogStreamRoute(cfg config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := filepath.Base(c.Param("id"))
		path := filepath.Join(cfg.LogsDir, sessionID+".jsonl")

		f, err := os.Open(path)
		if err != nil {
			return respondError(c, &session.Error{Kind: session.KindNotFound, Detail: "no log for session " + sessionID})
		}

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			f.Close()
			return err
		}

		go streamLog(ws, f)
		return nil
	}
}

// streamLog pumps JSONL lines to the websocket. The log is append-only,
// so an EOF just means "no new step yet"; poll until the peer goes away.
func streamLog(ws *websocket.Conn, f *os.File) {
	defer ws.Close()
	defer f.Close()

	// Detect client disconnect: the read loop fails once the peer closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	reader := bufio.NewReader(f)
	var partial []byte
	for {
		select {
		case <-done:
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Keep any torn tail around until the writer finishes the line.
			partial = append(partial, line...)
			time.Sleep(logPollInterval)
			continue
		}
		if len(partial) > 0 {
			line = append(partial, line...)
			partial = nil
		}

		if err := ws.WriteMessage(websocket.TextMessage, line); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Muted("log stream closed: %v", err)
			}
			return
		}
	}
}
