package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/kaburia/RPi-cam/internal/models"
)

// Run failure reasons that do not come from the classifier itself.
const (
	reasonInterrupted    = "interrupted"
	reasonSnapshotFailed = "snapshot_failed"
	reasonArchiveFailed  = "archive_write_failed"
)

// maybeTrigger starts a classification run once a full batch is captured.
func (s *Scheduler) maybeTrigger(ctx context.Context) {
	if !s.Session().batchDue() {
		return
	}

	if s.opts.Background && s.busy.Load() {
		slog.Debug("scheduler: classification in flight, trigger deferred", "batch_count", s.Session().BatchCount)
		return
	}

	s.setState(StateTriggeringClassification)

	run, err := s.trigger(ctx)
	if err != nil {
		slog.Error("scheduler: failed to trigger classification, retrying next interval", "error", err)
		return
	}
	if run == nil {
		return
	}

	if !s.opts.Background {
		s.execute(ctx, run)
		return
	}

	s.busy.Store(true)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.busy.Store(false)
		s.execute(ctx, run)
	}()
}

// trigger fixes the covered set: every Pending image of every bucket, so
// images left over from the previous date are not skipped at rollover.
func (s *Scheduler) trigger(ctx context.Context) (*models.ClassificationRun, error) {
	pending, err := s.store.Pending(ctx)
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		s.resetBatch()
		slog.Warn("scheduler: batch complete but nothing pending, skipping run")
		return nil, nil
	}

	run := &models.ClassificationRun{
		ID:          uuid.Must(uuid.NewV7()).String(),
		TriggeredAt: s.opts.Now(),
		Outcome:     models.OutcomeRunning,
		ImageIDs:    lo.Map(pending, func(r models.ImageRecord, _ int) string { return r.ID }),
	}

	folder, snapErr := s.store.Snapshot(ctx, run.ID, pending)
	if snapErr != nil {
		folder = s.store.RunFolder(run.ID)
	}
	run.InputFolder = folder

	if err := s.db.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	s.resetBatch()

	buckets := lo.Uniq(lo.Map(pending, func(r models.ImageRecord, _ int) string { return r.Bucket }))
	slog.Info("scheduler: classification triggered",
		"run_id", run.ID,
		"images", len(run.ImageIDs),
		"buckets", buckets,
		"folder", folder)

	if snapErr != nil {
		slog.Error("scheduler: snapshot failed", "run_id", run.ID, "error", snapErr)
		s.finish(ctx, run, models.OutcomeFailed, reasonSnapshotFailed)
		return nil, nil
	}
	return run, nil
}

func (s *Scheduler) resetBatch() {
	s.mu.Lock()
	s.session.BatchCount = 0
	s.mu.Unlock()
}

// execute classifies the run's snapshot and records the outcome. It is not
// interrupted by cancellation of ctx; the classification timeout bounds it.
func (s *Scheduler) execute(ctx context.Context, run *models.ClassificationRun) {
	ctx = context.WithoutCancel(ctx)

	classifyCtx, cancel := context.WithTimeout(ctx, s.opts.ClassifyTimeout)
	defer cancel()

	start := time.Now()
	artifact, err := s.classifier.Classify(classifyCtx, run.InputFolder)
	if err != nil {
		classErr := asClassificationError(classifyCtx, err)
		slog.Error("scheduler: classification failed",
			"run_id", run.ID,
			"reason", classErr.Reason,
			"took", time.Since(start).Round(time.Millisecond),
			"error", classErr.Err)
		s.finish(ctx, run, models.OutcomeFailed, string(classErr.Reason))
		return
	}

	if _, err := s.archive.Store(ctx, run, artifact); err != nil {
		s.health.ArchiveFailed()
		slog.Error("scheduler: failed to archive predictions", "run_id", run.ID, "artifact", artifact, "error", err)
		s.finish(ctx, run, models.OutcomeFailed, reasonArchiveFailed)
		return
	}
	s.health.ArchiveSucceeded()

	s.finish(ctx, run, models.OutcomeSucceeded, "")
}

// finish records the outcome, moves the covered images out of Pending and
// queues the notification in one transaction.
func (s *Scheduler) finish(ctx context.Context, run *models.ClassificationRun, outcome models.RunOutcome, reason string) {
	ctx = context.WithoutCancel(ctx)

	completed := s.opts.Now()
	run.CompletedAt = &completed
	run.Outcome = outcome
	run.Reason = reason

	status := models.StatusClassified
	if outcome != models.OutcomeSucceeded {
		status = models.StatusClassificationFailed
	}

	var moved int64
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		if err := s.db.CompleteRun(ctx, run); err != nil {
			return err
		}

		n, err := s.db.TransitionImages(ctx, run.ImageIDs, status, run.ID)
		if err != nil {
			return err
		}
		moved = n

		return s.emit(ctx, models.EventRunCompleted, run.ID, runCompletedPayload{
			Outcome:      outcome,
			Reason:       reason,
			ArtifactPath: run.ArtifactPath,
			Images:       len(run.ImageIDs),
		})
	})
	if err != nil {
		// left running in the ledger; recovered as interrupted on the next start
		slog.Error("scheduler: failed to record run outcome", "run_id", run.ID, "outcome", outcome, "error", err)
		return
	}

	s.health.RunFinished(outcome)
	slog.Info("scheduler: classification run finished",
		"run_id", run.ID,
		"outcome", outcome,
		"reason", reason,
		"images", moved,
		"artifact", run.ArtifactPath)
}

// recoverInterrupted fails runs a previous process left running.
func (s *Scheduler) recoverInterrupted(ctx context.Context) error {
	runs, err := s.db.ListRunsByOutcome(ctx, models.OutcomeRunning)
	if err != nil {
		return err
	}

	for i := range runs {
		slog.Warn("scheduler: found interrupted classification run", "run_id", runs[i].ID, "images", len(runs[i].ImageIDs))
		s.finish(ctx, &runs[i], models.OutcomeFailed, reasonInterrupted)
	}
	return nil
}

func asClassificationError(ctx context.Context, err error) *models.ClassificationError {
	var classErr *models.ClassificationError
	if errors.As(err, &classErr) {
		return classErr
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &models.ClassificationError{Reason: models.ReasonTimeout, Err: err}
	}
	return &models.ClassificationError{Reason: models.ReasonProcessCrashed, Err: err}
}
