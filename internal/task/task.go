// Package task loads and validates the offline-generated task JSON files
// that a session is created against.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/stefanpenner/vln-bench/internal/model"
)

// ErrInvalidTask marks a task that cannot be used: its file is missing or
// not valid JSON, a required field is missing, its task_type is unknown,
// or its spawn point is outside its geofence. The session engine maps
// this to the bad_task error_kind.
type ErrInvalidTask struct {
	TaskID string
	Reason string
}

func (e *ErrInvalidTask) Error() string {
	return fmt.Sprintf("task %s: %s", e.TaskID, e.Reason)
}

// Store loads Task records from a directory of {taskId}.json files, the
// format the out-of-scope task generator emits.
type Store struct {
	dir    string
	ignore *gitignore.GitIgnore
}

// NewStore opens a task directory. If dir contains a .preloadignore
// file, it is used to skip non-task fixture files (scratch notes, partial
// exports) when the directory is scanned.
func NewStore(dir string) *Store {
	s := &Store{dir: dir}
	if ignorePath := filepath.Join(dir, ".preloadignore"); fileExists(ignorePath) {
		if ig, err := gitignore.CompileIgnoreFile(ignorePath); err == nil {
			s.ignore = ig
		}
	}
	return s
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load reads and validates a single task by ID.
func (s *Store) Load(taskID string) (model.Task, error) {
	path := filepath.Join(s.dir, taskID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Task{}, &ErrInvalidTask{TaskID: taskID, Reason: "not found"}
	}

	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Task{}, &ErrInvalidTask{TaskID: taskID, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if err := validate(t); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

func validate(t model.Task) error {
	if t.TaskID == "" {
		return &ErrInvalidTask{TaskID: t.TaskID, Reason: "missing task_id"}
	}
	if t.Geofence == "" {
		return &ErrInvalidTask{TaskID: t.TaskID, Reason: "missing geofence"}
	}
	if t.SpawnPanoID == "" {
		return &ErrInvalidTask{TaskID: t.TaskID, Reason: "missing spawn_point"}
	}
	switch t.TaskType {
	case model.TaskNavigationToPOI, model.TaskExplorationFindPOI:
	default:
		return &ErrInvalidTask{TaskID: t.TaskID, Reason: fmt.Sprintf("unknown task_type %q", t.TaskType)}
	}
	return nil
}

// List returns every task ID found in the directory (by filename, sorted),
// skipping anything matched by .preloadignore.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("task: list dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if s.ignore != nil && s.ignore.MatchesPath(e.Name()) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// GeofenceMembership is the membership check ValidateSpawn runs against a
// task's own declared geofence set; geofence.Service implements it.
type GeofenceMembership interface {
	Contains(name string, panoID model.PanoID) (bool, error)
}

// ValidateSpawn checks T.SpawnPanoID ∈ T.Geofence via membership, the
// create() precondition the session engine enforces before spawning.
func ValidateSpawn(t model.Task, membership GeofenceMembership) error {
	ok, err := membership.Contains(t.Geofence, t.SpawnPanoID)
	if err != nil {
		return fmt.Errorf("task: check spawn membership: %w", err)
	}
	if !ok {
		return &ErrInvalidTask{TaskID: t.TaskID, Reason: "spawn_point not in geofence"}
	}
	return nil
}
