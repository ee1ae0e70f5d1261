// Package archive persists prediction artifacts under unique, time-ordered
// names and indexes them by run.
package archive

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
	"sync"
	"time"

	"github.com/kaburia/RPi-cam/internal/database"
	"github.com/kaburia/RPi-cam/internal/models"
)

const (
	namePrefix   = "predictions_"
	nameExt      = ".json"
	stampLayout  = "20060102-150405"
	maxNameTries = 10000
)

// Mirror receives a copy of every stored artifact.
type Mirror interface {
	UploadFile(ctx context.Context, bucket, object, path string) error
}

type Store struct {
	dir string
	db  *database.Database

	mirror       Mirror
	mirrorBucket string

	mu      sync.Mutex
	last    time.Time
	counter int
}

// New creates an archive rooted at dir. Existing artifacts are scanned so
// names stay ordered across restarts.
func New(dir string, db *database.Database) *Store {
	s := &Store{dir: dir, db: db}
	s.last = latestStamp(dir)
	return s
}

// WithMirror uploads every stored artifact to bucket.
func (s *Store) WithMirror(m Mirror, bucket string) *Store {
	s.mirror = m
	s.mirrorBucket = bucket
	return s
}

func (s *Store) Dir() string {
	return s.dir
}

// Store copies artifactPath into the archive under a fresh name and records
// it on the run. Every failure is an *models.ArchiveWriteError.
func (s *Store) Store(ctx context.Context, run *models.ClassificationRun, artifactPath string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", &models.ArchiveWriteError{Path: s.dir, Err: err}
	}

	src, err := os.Open(artifactPath)
	if err != nil {
		return "", &models.ArchiveWriteError{Path: artifactPath, Err: err}
	}
	defer src.Close()

	dst, path, err := s.create(run.TriggeredAt)
	if err != nil {
		return "", &models.ArchiveWriteError{Path: s.dir, Err: err}
	}

	if err := writeAll(dst, src); err != nil {
		os.Remove(path)
		return "", &models.ArchiveWriteError{Path: path, Err: err}
	}

	if err := s.db.SetRunArtifact(ctx, run.ID, path); err != nil {
		return "", &models.ArchiveWriteError{Path: path, Err: err}
	}
	run.ArtifactPath = path

	slog.Info("archive: predictions stored", "run_id", run.ID, "path", path)

	if s.mirror != nil {
		object := filepath.Base(path)
		if err := s.mirror.UploadFile(ctx, s.mirrorBucket, object, path); err != nil {
			slog.Warn("archive: mirror upload failed", "run_id", run.ID, "object", object, "error", err)
		}
	}

	return path, nil
}

// Lookup returns a run together with the images it covered.
func (s *Store) Lookup(ctx context.Context, runID string) (*models.ClassificationRun, error) {
	return s.db.GetRun(ctx, runID)
}

// Recent returns the newest runs first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.ClassificationRun, error) {
	return s.db.ListRuns(ctx, limit)
}

// create reserves a name and opens it exclusively, so a name is never reused
// even if another process or an earlier run already holds it.
func (s *Store) create(triggeredAt time.Time) (*os.File, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp, counter := s.next(triggeredAt)
	for i := 0; i < maxNameTries; i++ {
		path := filepath.Join(s.dir, formatName(stamp, counter))

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			counter++
			continue
		}
		if err != nil {
			return nil, "", err
		}

		s.last, s.counter = stamp, counter
		return f, path, nil
	}

	return nil, "", fmt.Errorf("no free artifact name for %s", stamp.Format(stampLayout))
}

// next is the monotonic timestamp and tie-break counter for triggeredAt.
func (s *Store) next(triggeredAt time.Time) (time.Time, int) {
	stamp := triggeredAt.UTC().Truncate(time.Second)
	if s.last.IsZero() || stamp.After(s.last) {
		return stamp, 0
	}
	return s.last, s.counter + 1
}

func formatName(stamp time.Time, counter int) string {
	return fmt.Sprintf("%s%s_%03d%s", namePrefix, stamp.Format(stampLayout), counter, nameExt)
}

func writeAll(dst *os.File, src io.Reader) error {
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func latestStamp(dir string) time.Time {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}
	}

	var latest time.Time
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, namePrefix) || len(name) < len(namePrefix)+len(stampLayout) {
			continue
		}

		stamp, err := time.Parse(stampLayout, name[len(namePrefix):len(namePrefix)+len(stampLayout)])
		if err == nil && stamp.After(latest) {
			latest = stamp
		}
	}
	return latest
}
