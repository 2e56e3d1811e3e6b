package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stefanpenner/vln-bench/internal/metrics"
	"github.com/stefanpenner/vln-bench/internal/model"
)

// stepLog is the append-only JSON-Lines writer for one session. Every
// Append is durable (fsync) before it returns, so a crash can never leave
// an observation that was returned to a client without its log record.
type stepLog struct {
	path string
	file *os.File
}

func openStepLog(dir, sessionID string) (*stepLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create logs dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open step log: %w", err)
	}
	return &stepLog{path: path, file: f}, nil
}

// logLine is the on-disk shape of one record: the StepLogRecord plus a
// content key used by replay tooling to deduplicate partially-ingested
// logs.
type logLine struct {
	Key string `json:"key"`
	model.StepLogRecord
}

func recordKey(rec model.StepLogRecord) string {
	h := xxhash.New()
	h.WriteString(rec.SessionID)
	h.WriteString("\x00")
	h.WriteString(strconv.Itoa(rec.Step))
	h.WriteString("\x00")
	h.WriteString(rec.Action.Type)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Append writes one record and fsyncs. A failed append returns
// log_write_failed; the caller must not commit the transition.
func (l *stepLog) Append(rec model.StepLogRecord) error {
	start := time.Now()

	data, err := json.Marshal(logLine{Key: recordKey(rec), StepLogRecord: rec})
	if err != nil {
		return errf(KindLogWriteFailed, "encode step record: %v", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return errf(KindLogWriteFailed, "append step record: %v", err)
	}
	if err := l.file.Sync(); err != nil {
		return errf(KindLogWriteFailed, "sync step log: %v", err)
	}

	metrics.LogWriteDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (l *stepLog) Close() error {
	return l.file.Close()
}

// writeSummary persists the terminal summary beside the step log.
func writeSummary(dir string, summary model.Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode summary: %w", err)
	}
	path := filepath.Join(dir, summary.SessionID+".summary.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("session: write summary: %w", err)
	}
	return nil
}

// ReadLog returns the decoded step records for a session, in step order
// (the order they appear on disk).
func ReadLog(dir, sessionID string) ([]model.StepLogRecord, error) {
	f, err := os.Open(filepath.Join(dir, sessionID+".jsonl"))
	if err != nil {
		return nil, errf(KindNotFound, "no log for session %s", sessionID)
	}
	defer f.Close()

	var out []model.StepLogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line logLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("session: decode log line: %w", err)
		}
		out = append(out, line.StepLogRecord)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("session: read log: %w", err)
	}
	return out, nil
}

// ReadSummary returns the persisted terminal summary, if the session has
// reached one.
func ReadSummary(dir, sessionID string) (model.Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, sessionID+".summary.json"))
	if err != nil {
		return model.Summary{}, errf(KindNotFound, "no summary for session %s", sessionID)
	}
	var s model.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return model.Summary{}, fmt.Errorf("session: decode summary: %w", err)
	}
	return s, nil
}
