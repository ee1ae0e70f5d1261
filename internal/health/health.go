// Package health tracks whether the controller is doing its job and exposes
// that over HTTP.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kaburia/RPi-cam/internal/models"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Report is a point-in-time view of the tracker.
type Report struct {
	Status                     Status     `json:"status"`
	Reason                     string     `json:"reason,omitempty"`
	State                      string     `json:"state"`
	Captures                   int        `json:"captures"`
	CaptureFailures            int        `json:"capture_failures"`
	ConsecutiveCaptureFailures int        `json:"consecutive_capture_failures"`
	ArchiveFailures            int        `json:"archive_failures"`
	ConsecutiveArchiveFailures int        `json:"consecutive_archive_failures"`
	RunsSucceeded              int        `json:"runs_succeeded"`
	RunsFailed                 int        `json:"runs_failed"`
	LastCapture                *time.Time `json:"last_capture,omitempty"`
	UpdatedAt                  time.Time  `json:"updated_at"`
}

// Tracker derives a health status from capture, run and archive outcomes.
type Tracker struct {
	mu sync.Mutex

	captureThreshold int
	archiveThreshold int

	report   Report
	fatal    error
	onChange func(from, to Status, reason string)
}

// NewTracker creates a healthy tracker. A threshold below 1 disables that check.
func NewTracker(captureThreshold, archiveThreshold int) *Tracker {
	return &Tracker{
		captureThreshold: captureThreshold,
		archiveThreshold: archiveThreshold,
		report: Report{
			Status:    StatusHealthy,
			State:     "idle",
			UpdatedAt: time.Now().UTC(),
		},
	}
}

// OnChange registers fn to be called after every status transition.
func (t *Tracker) OnChange(fn func(from, to Status, reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

func (t *Tracker) SetState(state string) {
	t.update(func(r *Report) { r.State = state })
}

func (t *Tracker) CaptureSucceeded(at time.Time) {
	t.update(func(r *Report) {
		r.Captures++
		r.ConsecutiveCaptureFailures = 0
		r.LastCapture = &at
	})
}

func (t *Tracker) CaptureFailed() {
	t.update(func(r *Report) {
		r.CaptureFailures++
		r.ConsecutiveCaptureFailures++
	})
}

func (t *Tracker) RunFinished(outcome models.RunOutcome) {
	t.update(func(r *Report) {
		if outcome == models.OutcomeSucceeded {
			r.RunsSucceeded++
		} else {
			r.RunsFailed++
		}
	})
}

func (t *Tracker) ArchiveSucceeded() {
	t.update(func(r *Report) { r.ConsecutiveArchiveFailures = 0 })
}

func (t *Tracker) ArchiveFailed() {
	t.update(func(r *Report) {
		r.ArchiveFailures++
		r.ConsecutiveArchiveFailures++
	})
}

// Fatal marks the tracker unhealthy for good.
func (t *Tracker) Fatal(err error) {
	t.mu.Lock()
	t.fatal = err
	t.mu.Unlock()

	t.update(func(r *Report) { r.State = "stopped" })
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report.Status
}

func (t *Tracker) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

func (t *Tracker) update(fn func(r *Report)) {
	t.mu.Lock()

	from := t.report.Status
	fn(&t.report)
	t.report.UpdatedAt = time.Now().UTC()
	t.report.Status, t.report.Reason = t.evaluate()

	to, reason, onChange := t.report.Status, t.report.Reason, t.onChange
	t.mu.Unlock()

	if from == to {
		return
	}

	slog.Warn("health: status changed", "from", from, "to", to, "reason", reason)
	if onChange != nil {
		onChange(from, to, reason)
	}
}

func (t *Tracker) evaluate() (Status, string) {
	r := t.report

	switch {
	case t.fatal != nil:
		return StatusUnhealthy, t.fatal.Error()
	case t.archiveThreshold > 0 && r.ConsecutiveArchiveFailures >= t.archiveThreshold:
		return StatusDegraded, "repeated archive write failures"
	case t.captureThreshold > 0 && r.ConsecutiveCaptureFailures >= t.captureThreshold:
		return StatusDegraded, "repeated capture failures"
	default:
		return StatusHealthy, ""
	}
}
