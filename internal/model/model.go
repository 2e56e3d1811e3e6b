// Package model holds the data model entities shared across the cache,
// geofence, session, and HTTP layers. None of these types own behavior
// beyond JSON (de)serialization; the components that hold them enforce
// the invariants.
package model

import "time"

// PanoID is an opaque, globally unique, stable identifier assigned by the
// upstream provider.
type PanoID string

// Link is a directed adjacency from one panorama toward a nearby one.
// Heading is true-north, from the owning panorama toward Target.
type Link struct {
	Target          PanoID   `json:"target"`
	Heading         float64  `json:"heading"`
	DistanceMeters  *float64 `json:"distance_meters,omitempty"`
	Virtual         bool     `json:"virtual"`
}

// PanoMetadata is the immutable-once-fetched record for one panorama:
// its location, capture time, true-north center heading, and adjacency.
type PanoMetadata struct {
	PanoID        PanoID     `json:"pano_id"`
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	CaptureDate   *time.Time `json:"capture_date,omitempty"`
	CenterHeading float64    `json:"center_heading"`
	Links         []Link     `json:"links"`
	FetchedAt     time.Time  `json:"fetched_at"`
	Source        string     `json:"source"`
}

// GroundTruth carries the offline-computed answer key for a task, used by
// an external scorer; the runtime only ever reads it.
type GroundTruth struct {
	TargetPanoID          PanoID   `json:"target_pano_id"`
	TargetName            string   `json:"target_name"`
	OptimalDistanceMeters *float64 `json:"optimal_distance_meters,omitempty"`
	Answer                *string  `json:"answer,omitempty"`
}

// TaskType distinguishes the two task families the generator emits.
type TaskType string

const (
	TaskNavigationToPOI    TaskType = "navigation_to_poi"
	TaskExplorationFindPOI TaskType = "exploration_find_poi"
)

// Task is the offline-generated unit of work a session is created against.
type Task struct {
	TaskID          string       `json:"task_id"`
	TaskType        TaskType     `json:"task_type"`
	Geofence        string       `json:"geofence"`
	SpawnPanoID     PanoID       `json:"spawn_point"`
	SpawnHeading    float64      `json:"spawn_heading"`
	Description     string       `json:"description"`
	Answer          *string      `json:"answer,omitempty"`
	TargetPanoIDs   []PanoID     `json:"target_pano_ids"`
	MaxSteps        *int         `json:"max_steps,omitempty"`
	MaxTimeSeconds  *float64     `json:"max_time_seconds,omitempty"`
	GroundTruth     *GroundTruth `json:"ground_truth,omitempty"`
}

// SessionMode distinguishes an autonomous agent driving the session from a
// human operator; rotation actions and pause/resume are gated on this.
type SessionMode string

const (
	ModeAgent SessionMode = "agent"
	ModeHuman SessionMode = "human"
)

// SessionStatus is the session's place in the runtime state machine.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusTimeout   SessionStatus = "timeout"
	StatusStopped   SessionStatus = "stopped"
)

// Move is one entry of an observation's available_moves list: a legal
// neighbour annotated with a direction label and an observation-scoped id.
type Move struct {
	ID       int     `json:"id"`
	Target   PanoID  `json:"target"`
	Dir      string  `json:"dir"`
	Distance float64 `json:"distance_meters"`
	Virtual  bool    `json:"virtual"`
}

// Observation is returned on every state-changing transition and on
// getState.
type Observation struct {
	TaskDescription string  `json:"task_description"`
	CurrentImage    string  `json:"current_image,omitempty"`
	PanoramaURL     string  `json:"panorama_url,omitempty"`
	AvailableMoves  []Move  `json:"available_moves"`
}

// Summary is computed and persisted once a session reaches a terminal
// state.
type Summary struct {
	SessionID       string        `json:"session_id"`
	FinalPanoID     PanoID        `json:"final_pano_id"`
	Trajectory      []PanoID      `json:"trajectory"`
	ReachedTarget   bool          `json:"reached_target"`
	SubmittedAnswer *string       `json:"submitted_answer,omitempty"`
	ElapsedSeconds  float64       `json:"elapsed_seconds"`
	StepCount       int           `json:"step_count"`
	DoneReason      string        `json:"done_reason"`
}

// StepLogRecord is one JSON-Lines entry appended on every state-changing
// transition.
type StepLogRecord struct {
	SessionID      string      `json:"session_id"`
	Timestamp      time.Time   `json:"timestamp"`
	Step           int         `json:"step"`
	State          StateView   `json:"state"`
	Action         ActionView  `json:"action"`
	AvailableMoves []Move      `json:"available_moves"`
	ImagePath      string      `json:"image_path,omitempty"`
}

// StateView is the portion of session state written to the log and
// returned in getState responses.
type StateView struct {
	PanoID    PanoID        `json:"pano_id"`
	Heading   float64       `json:"heading"`
	Pitch     float64       `json:"pitch"`
	FOV       float64       `json:"fov"`
	StepCount int           `json:"step_count"`
	Status    SessionStatus `json:"status"`
}

// ActionView mirrors the action a client submitted, for logging.
type ActionView struct {
	Type     string  `json:"type"`
	MoveID   *int    `json:"move_id,omitempty"`
	Heading  *float64 `json:"heading,omitempty"`
	Pitch    *float64 `json:"pitch,omitempty"`
	FOV      *float64 `json:"fov,omitempty"`
	Answer   *string  `json:"answer,omitempty"`
}
