package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kaburia/RPi-cam/internal/health"
	"github.com/kaburia/RPi-cam/internal/models"
)

type runCompletedPayload struct {
	Outcome      models.RunOutcome `json:"outcome"`
	Reason       string            `json:"reason,omitempty"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	Images       int               `json:"images"`
}

type captureFailedPayload struct {
	Reason string `json:"reason"`
	Fatal  bool   `json:"fatal"`
	Error  string `json:"error,omitempty"`
}

type healthChangedPayload struct {
	From   health.Status `json:"from"`
	To     health.Status `json:"to"`
	Reason string        `json:"reason,omitempty"`
}

// emit queues an event in the outbox. Inside a transaction ctx it commits
// with the transaction.
func (s *Scheduler) emit(ctx context.Context, kind models.EventKind, runID string, payload any) error {
	if !s.opts.Events {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	err = s.db.AddToOutbox(ctx, models.Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      kind,
		SessionID: s.session.ID,
		RunID:     runID,
		Payload:   data,
		CreatedAt: s.opts.Now(),
	})
	if err != nil {
		slog.Warn("scheduler: failed to queue event", "kind", kind, "error", err)
	}
	return err
}

func (s *Scheduler) healthChanged(from, to health.Status, reason string) {
	s.emit(context.Background(), models.EventHealthChanged, "", healthChangedPayload{From: from, To: to, Reason: reason})
}

// Heartbeat describes the session for the outbox dispatcher.
func (s *Scheduler) Heartbeat() models.Heartbeat {
	session := s.Session()

	pending, err := s.store.Pending(context.Background())
	if err != nil {
		slog.Warn("scheduler: failed to count pending images", "error", err)
	}

	return models.Heartbeat{
		SessionID:    session.ID,
		State:        string(s.State()),
		CaptureCount: session.CaptureCount,
		Pending:      len(pending),
		Health:       string(s.health.Status()),
	}
}
