package models

import (
	"encoding/json"
	"time"
)

type ImageStatus string

const (
	StatusPending              ImageStatus = "pending"
	StatusClassified           ImageStatus = "classified"
	StatusClassificationFailed ImageStatus = "classification_failed"
)

// CanTransition reports whether an image may move from one status to another.
// Statuses only ever move forward out of pending.
func CanTransition(from, to ImageStatus) bool {
	transitions := map[ImageStatus][]ImageStatus{
		StatusPending: {StatusClassified, StatusClassificationFailed},
	}

	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ImageRecord is one captured image on disk
type ImageRecord struct {
	ID         string      `json:"id"`
	Path       string      `json:"path"`
	Bucket     string      `json:"bucket"`
	CapturedAt time.Time   `json:"captured_at"`
	Status     ImageStatus `json:"status"`
	RunID      string      `json:"run_id,omitempty"`
}

type RunOutcome string

const (
	OutcomeRunning   RunOutcome = "running"
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
)

// ClassificationRun is one invocation of the classifier over a fixed set of images.
type ClassificationRun struct {
	ID           string     `json:"id"`
	TriggeredAt  time.Time  `json:"triggered_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	InputFolder  string     `json:"input_folder"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	Outcome      RunOutcome `json:"outcome"`
	Reason       string     `json:"reason,omitempty"`
	ImageIDs     []string   `json:"image_ids"`
}

type EventKind string

const (
	EventRunCompleted  EventKind = "run_completed"
	EventCaptureFailed EventKind = "capture_failed"
	EventHealthChanged EventKind = "health_changed"
	EventHeartbeat     EventKind = "heartbeat"
)

// Event is a ledger notification relayed to Kafka by the outbox dispatcher
type Event struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Heartbeat is sent periodically while the process is alive
type Heartbeat struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	CaptureCount int       `json:"capture_count"`
	Pending      int       `json:"pending"`
	Health       string    `json:"health"`
	TimeStamp    time.Time `json:"timestamp"`
}

// Detection is one object found by a detection service
type Detection struct {
	Class string    `json:"class"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box"` // [x1, y1, x2, y2]
}

// Prediction is one entry of a SpeciesNet predictions file
type Prediction struct {
	Filepath        string      `json:"filepath"`
	Prediction      string      `json:"prediction,omitempty"`
	PredictionScore float64     `json:"prediction_score,omitempty"`
	Detections      []Detection `json:"detections,omitempty"`
	Failures        []string    `json:"failures,omitempty"`
}

// Predictions is the artifact written by a classification run
type Predictions struct {
	Predictions []Prediction `json:"predictions"`
}
