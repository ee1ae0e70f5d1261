// Package imagestore owns the on-disk layout of captured images and their
// ledger records.
//
// Layout:
//
//	<root>/<YYYY-MM-DD>/image_<YYYY-MM-DD>_<HH-MM-SS>.jpg
//	<root>/runs/<run-id>/images/   hard-linked snapshot handed to the classifier
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/kaburia/RPi-cam/internal/models"
)

const (
	BucketLayout    = "2006-01-02"
	imageTimeLayout = "2006-01-02_15-04-05"
	imagePrefix     = "image_"
	imageExt        = ".jpg"
	partialPrefix   = ".partial_"
	runsDir         = "runs"
)

// Ledger is the part of the database the store records images in.
type Ledger interface {
	InsertImage(ctx context.Context, img *models.ImageRecord) error
	ListImages(ctx context.Context, status models.ImageStatus, bucket string) ([]models.ImageRecord, error)
	ImageExists(ctx context.Context, path string) (bool, error)
}

type Store struct {
	root string
	db   Ledger
}

func New(root string, db Ledger) *Store {
	return &Store{root: root, db: db}
}

func (s *Store) Root() string {
	return s.root
}

// Bucket returns the calendar-date bucket for t in local time.
func Bucket(t time.Time) string {
	return t.Local().Format(BucketLayout)
}

// EnsureBucketFolder creates the folder for t's bucket if it does not exist.
func (s *Store) EnsureBucketFolder(t time.Time) (string, error) {
	dir := filepath.Join(s.root, Bucket(t))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &models.StorageError{Path: dir, Err: err}
	}
	return dir, nil
}

// ImagePath returns the final path for a capture taken at t and the hidden
// partial path the driver writes to. A same-second collision gets a _n suffix.
func (s *Store) ImagePath(t time.Time) (final, partial string, err error) {
	dir := filepath.Join(s.root, Bucket(t))
	stem := imagePrefix + t.Local().Format(imageTimeLayout)

	name := stem + imageExt
	for n := 1; ; n++ {
		_, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", "", &models.StorageError{Path: dir, Err: err}
		}
		name = fmt.Sprintf("%s_%d%s", stem, n, imageExt)
	}

	return filepath.Join(dir, name), filepath.Join(dir, partialPrefix+name), nil
}

// Commit moves a completed capture into place. On failure the partial file
// is kept so the commit can be retried; Discard it when giving up.
func (s *Store) Commit(partial, final string) error {
	if err := os.Rename(partial, final); err != nil {
		return &models.StorageError{Path: final, Err: err}
	}
	return nil
}

// Discard removes what a failed capture left behind.
func (s *Store) Discard(partial string) {
	if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("imagestore: failed to remove partial capture", "path", partial, "error", err)
	}
}

// RecordCapture registers a new image as Pending.
func (s *Store) RecordCapture(ctx context.Context, path string, capturedAt time.Time) (*models.ImageRecord, error) {
	record := &models.ImageRecord{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Path:       path,
		Bucket:     Bucket(capturedAt),
		CapturedAt: capturedAt,
		Status:     models.StatusPending,
	}

	if err := s.db.InsertImage(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record capture %s: %w", path, err)
	}
	return record, nil
}

// PendingFor returns the Pending images of one bucket in capture order.
func (s *Store) PendingFor(ctx context.Context, bucket string) ([]models.ImageRecord, error) {
	return s.db.ListImages(ctx, models.StatusPending, bucket)
}

// Pending returns Pending images of every bucket in capture order.
func (s *Store) Pending(ctx context.Context) ([]models.ImageRecord, error) {
	return s.db.ListImages(ctx, models.StatusPending, "")
}

// PendingByBucket counts Pending images per bucket.
func (s *Store) PendingByBucket(ctx context.Context) (map[string]int, error) {
	pending, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}

	groups := lo.GroupBy(pending, func(r models.ImageRecord) string { return r.Bucket })
	return lo.MapValues(groups, func(g []models.ImageRecord, _ string) int { return len(g) }), nil
}

// RunFolder is where Snapshot places the images of a run.
func (s *Store) RunFolder(runID string) string {
	return filepath.Join(s.root, runsDir, runID, "images")
}

// Snapshot links exactly records into the run folder so the classifier never
// sees captures taken after the trigger.
func (s *Store) Snapshot(ctx context.Context, runID string, records []models.ImageRecord) (string, error) {
	folder := s.RunFolder(runID)

	if err := os.RemoveAll(folder); err != nil {
		return "", &models.StorageError{Path: folder, Err: err}
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", &models.StorageError{Path: folder, Err: err}
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		dst := filepath.Join(folder, filepath.Base(r.Path))
		if err := linkOrCopy(r.Path, dst); err != nil {
			return "", &models.StorageError{Path: r.Path, Err: err}
		}
	}

	slog.Debug("imagestore: snapshot created", "run_id", runID, "folder", folder, "images", len(records))
	return folder, nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Reconcile removes stale partial captures and registers image files that have
// no record as Pending. It returns the number of images registered.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &models.StorageError{Path: s.root, Err: err}
	}

	registered := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(BucketLayout, e.Name()); err != nil {
			continue
		}

		n, err := s.reconcileBucket(ctx, filepath.Join(s.root, e.Name()))
		registered += n
		if err != nil {
			return registered, err
		}
	}

	if registered > 0 {
		slog.Info("imagestore: registered untracked images", "count", registered)
	}
	return registered, nil
}

func (s *Store) reconcileBucket(ctx context.Context, dir string) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, &models.StorageError{Path: dir, Err: err}
	}

	registered := 0
	for _, f := range files {
		if f.IsDir() {
			continue
		}

		path := filepath.Join(dir, f.Name())

		if strings.HasPrefix(f.Name(), partialPrefix) {
			slog.Warn("imagestore: removing partial capture", "path", path)
			s.Discard(path)
			continue
		}
		if !strings.HasPrefix(f.Name(), imagePrefix) || !strings.HasSuffix(f.Name(), imageExt) {
			continue
		}

		exists, err := s.db.ImageExists(ctx, path)
		if err != nil {
			return registered, err
		}
		if exists {
			continue
		}

		capturedAt, err := capturedAtFromName(f.Name())
		if err != nil {
			info, statErr := f.Info()
			if statErr != nil {
				return registered, &models.StorageError{Path: path, Err: statErr}
			}
			capturedAt = info.ModTime()
		}

		if _, err := s.RecordCapture(ctx, path, capturedAt); err != nil {
			return registered, err
		}
		registered++
	}

	return registered, nil
}

func capturedAtFromName(name string) (time.Time, error) {
	stamp := strings.TrimPrefix(name, imagePrefix)
	if len(stamp) < len(imageTimeLayout) {
		return time.Time{}, fmt.Errorf("unexpected image name %q", name)
	}
	return time.ParseInLocation(imageTimeLayout, stamp[:len(imageTimeLayout)], time.Local)
}
