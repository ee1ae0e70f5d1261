// Package scheduler drives the capture cadence and triggers classification
// runs every BatchSize captures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kaburia/RPi-cam/internal/archive"
	"github.com/kaburia/RPi-cam/internal/camera"
	"github.com/kaburia/RPi-cam/internal/classifier"
	"github.com/kaburia/RPi-cam/internal/database"
	"github.com/kaburia/RPi-cam/internal/health"
	"github.com/kaburia/RPi-cam/internal/imagestore"
	"github.com/kaburia/RPi-cam/internal/models"
	"github.com/kaburia/RPi-cam/internal/retry"
)

type Options struct {
	Interval        time.Duration
	BatchSize       int
	CaptureTimeout  time.Duration
	ClassifyTimeout time.Duration
	// StartupRetries is the number of attempts to open the camera at startup.
	StartupRetries int
	// StorageRetries is the number of attempts to create a bucket folder,
	// commit a capture or record it in the ledger.
	StorageRetries int
	// Background runs classification off the capture loop, one run at a time.
	Background bool
	// Events queues ledger events in the outbox. Leave it off when nothing
	// dispatches them.
	Events     bool
	RetryDelay time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = 30 * time.Second
	}
	if o.ClassifyTimeout <= 0 {
		o.ClassifyTimeout = 30 * time.Minute
	}
	if o.StartupRetries <= 0 {
		o.StartupRetries = 1
	}
	if o.StorageRetries <= 0 {
		o.StorageRetries = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
}

type Scheduler struct {
	db         *database.Database
	store      *imagestore.Store
	driver     camera.Driver
	classifier classifier.Classifier
	archive    *archive.Store
	health     *health.Tracker
	opts       Options

	mu      sync.Mutex
	session Session
	state   State

	busy     atomic.Bool
	inflight sync.WaitGroup
}

func New(
	db *database.Database,
	store *imagestore.Store,
	driver camera.Driver,
	cls classifier.Classifier,
	arch *archive.Store,
	tracker *health.Tracker,
	opts Options,
) *Scheduler {
	opts.setDefaults()

	s := &Scheduler{
		db:         db,
		store:      store,
		driver:     driver,
		classifier: cls,
		archive:    arch,
		health:     tracker,
		opts:       opts,
		state:      StateIdle,
		session: Session{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Interval:  opts.Interval,
			BatchSize: opts.BatchSize,
		},
	}

	tracker.OnChange(s.healthChanged)
	return s
}

// Session returns a copy of the current counters.
func (s *Scheduler) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.health.SetState(string(state))
}

// Run captures until ctx is cancelled or a fatal error occurs. Cancellation
// is honored between captures; an in-flight classification run is allowed to
// finish and is recorded before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.session.StartedAt = s.opts.Now()
	s.mu.Unlock()

	slog.Info("scheduler: starting",
		"session_id", s.session.ID,
		"interval", s.opts.Interval,
		"batch_size", s.opts.BatchSize,
		"background", s.opts.Background)

	if err := s.startup(ctx); err != nil {
		if ctx.Err() != nil {
			return s.shutdown()
		}
		return s.fail(err)
	}

	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}

		if err := s.captureOnce(ctx); err != nil && models.IsFatal(err) {
			return s.fail(err)
		}

		s.setState(StateWaiting)
		if err := s.opts.Sleep(ctx, s.opts.Interval); err != nil {
			return s.shutdown()
		}

		s.maybeTrigger(ctx)
	}
}

func (s *Scheduler) shutdown() error {
	s.inflight.Wait()
	s.setState(StateStopped)

	session := s.Session()
	slog.Info("scheduler: stopped", "captures", session.CaptureCount, "batch_count", session.BatchCount)
	return nil
}

func (s *Scheduler) fail(err error) error {
	s.inflight.Wait()
	s.setState(StateStopped)
	s.health.Fatal(err)

	slog.Error("scheduler: fatal error, stopping", "error", err)
	return fmt.Errorf("scheduler stopped: %w", err)
}

// startup settles what a previous process left behind and checks the camera.
func (s *Scheduler) startup(ctx context.Context) error {
	if err := s.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}

	if _, err := s.store.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile image store: %w", err)
	}

	err := retry.Do(ctx, func() error {
		dev, err := s.driver.Open(ctx)
		if err != nil {
			return err
		}
		return dev.Close()
	}, retry.Options{
		MaxAttempts:  s.opts.StartupRetries,
		InitialDelay: s.opts.RetryDelay,
		Retryable:    func(err error) bool { return !models.IsFatal(err) },
	})
	if err != nil {
		return &models.CaptureError{Reason: "camera_unavailable", Fatal: true, Err: err}
	}

	slog.Info("scheduler: camera ready")
	return nil
}

// captureOnce takes one image and records it as Pending.
func (s *Scheduler) captureOnce(ctx context.Context) error {
	s.setState(StateCapturing)
	now := s.opts.Now()

	if err := s.ensureBucket(ctx, now); err != nil {
		return err
	}

	final, partial, err := s.store.ImagePath(now)
	if err != nil {
		return err
	}

	// a started capture is completed and recorded even if ctx is cancelled
	ctx = context.WithoutCancel(ctx)

	captureCtx, cancel := context.WithTimeout(ctx, s.opts.CaptureTimeout)
	err = s.captureTo(captureCtx, partial)
	cancel()

	if err != nil {
		s.store.Discard(partial)
		return s.captureFailed(asCaptureError(err))
	}

	record, err := s.commit(ctx, partial, final, now)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.session.CaptureCount++
	s.session.BatchCount++
	session := s.session
	s.mu.Unlock()

	s.health.CaptureSucceeded(now)
	slog.Info("scheduler: image captured",
		"path", record.Path,
		"bucket", record.Bucket,
		"capture_count", session.CaptureCount,
		"batch_count", session.BatchCount)
	return nil
}

// captureTo owns the device for exactly one capture.
func (s *Scheduler) captureTo(ctx context.Context, path string) error {
	dev, err := s.driver.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("scheduler: failed to release camera", "error", err)
		}
	}()

	return dev.Capture(ctx, path)
}

func (s *Scheduler) ensureBucket(ctx context.Context, now time.Time) error {
	return retry.Do(ctx, func() error {
		_, err := s.store.EnsureBucketFolder(now)
		return err
	}, s.storageRetry())
}

// commit moves the capture into place and records it as Pending. Each step
// is retried; a StorageError is returned only once the retries run out.
func (s *Scheduler) commit(ctx context.Context, partial, final string, now time.Time) (*models.ImageRecord, error) {
	if err := retry.Do(ctx, func() error {
		return s.store.Commit(partial, final)
	}, s.storageRetry()); err != nil {
		s.store.Discard(partial)
		return nil, &models.StorageError{Path: final, Err: err}
	}

	var record *models.ImageRecord
	err := retry.Do(ctx, func() error {
		var err error
		record, err = s.store.RecordCapture(ctx, final, now)
		return err
	}, s.storageRetry())
	if err != nil {
		// the file is on disk; Reconcile registers it on the next start
		return nil, &models.StorageError{Path: final, Err: err}
	}
	return record, nil
}

func (s *Scheduler) storageRetry() retry.Options {
	return retry.Options{MaxAttempts: s.opts.StorageRetries, InitialDelay: s.opts.RetryDelay}
}

func (s *Scheduler) captureFailed(err *models.CaptureError) error {
	s.health.CaptureFailed()

	if err.Fatal {
		slog.Error("scheduler: capture failed", "reason", err.Reason, "fatal", true, "error", err.Err)
	} else {
		slog.Warn("scheduler: capture failed, retrying next interval", "reason", err.Reason, "error", err.Err)
	}

	s.emit(context.Background(), models.EventCaptureFailed, "", captureFailedPayload{
		Reason: err.Reason,
		Fatal:  err.Fatal,
		Error:  errString(err.Err),
	})
	return err
}

func asCaptureError(err error) *models.CaptureError {
	var captureErr *models.CaptureError
	if errors.As(err, &captureErr) {
		return captureErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &models.CaptureError{Reason: camera.FailureTimeout.String(), Err: err}
	case errors.Is(err, models.ErrCameraUnavailable):
		return &models.CaptureError{Reason: "camera_unavailable", Err: err}
	default:
		return &models.CaptureError{Reason: camera.FailureUnknown.String(), Err: err}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
