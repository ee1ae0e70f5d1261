package scheduler

import "time"

type State string

const (
	StateIdle                     State = "idle"
	StateCapturing                State = "capturing"
	StateWaiting                  State = "waiting"
	StateTriggeringClassification State = "triggering_classification"
	StateStopped                  State = "stopped"
)

// Session holds the counters of one controller process. CaptureCount is the
// lifetime number of stored images, BatchCount the number since the last
// classification trigger.
type Session struct {
	ID           string        `json:"id"`
	StartedAt    time.Time     `json:"started_at"`
	Interval     time.Duration `json:"interval"`
	BatchSize    int           `json:"batch_size"`
	CaptureCount int           `json:"capture_count"`
	BatchCount   int           `json:"batch_count"`
}

// batchDue reports whether enough captures accumulated for a classification run.
func (s Session) batchDue() bool {
	return s.BatchCount > 0 && s.BatchCount >= s.BatchSize
}
