package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaburia/RPi-cam/internal/database"
	"github.com/kaburia/RPi-cam/internal/models"
)

type fakeMirror struct {
	uploads []string
	err     error
}

func (m *fakeMirror) UploadFile(_ context.Context, bucket, object, _ string) error {
	m.uploads = append(m.uploads, bucket+"/"+object)
	return m.err
}

func setupDB(t *testing.T) *database.Database {
	t.Helper()

	db, err := database.New(database.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init(context.Background()))
	return db
}

func newRun(t *testing.T, db *database.Database, triggeredAt time.Time) *models.ClassificationRun {
	t.Helper()

	run := &models.ClassificationRun{
		ID:          uuid.NewString(),
		TriggeredAt: triggeredAt,
		InputFolder: "/data/runs/x/images",
		Outcome:     models.OutcomeRunning,
	}
	require.NoError(t, db.InsertRun(context.Background(), run))
	return run
}

func artifact(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "images_predictions.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStore_UniqueNamesWithinSecond(t *testing.T) {
	db := setupDB(t)
	s := New(filepath.Join(t.TempDir(), "predictions"), db)
	ctx := context.Background()

	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	first, err := s.Store(ctx, newRun(t, db, at), artifact(t, `{"predictions":[]}`))
	require.NoError(t, err)
	second, err := s.Store(ctx, newRun(t, db, at.Add(500*time.Millisecond)), artifact(t, `{"predictions":[]}`))
	require.NoError(t, err)

	assert.Equal(t, "predictions_20261019-120000_000.json", filepath.Base(first))
	assert.Equal(t, "predictions_20261019-120000_001.json", filepath.Base(second))

	third, err := s.Store(ctx, newRun(t, db, at.Add(2*time.Second)), artifact(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "predictions_20261019-120002_000.json", filepath.Base(third))
}

func TestStore_ClockGoesBackwards(t *testing.T) {
	db := setupDB(t)
	s := New(filepath.Join(t.TempDir(), "predictions"), db)
	ctx := context.Background()

	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	var names []string
	for _, trigger := range []time.Time{at, at.Add(-time.Hour), at.Add(time.Minute)} {
		path, err := s.Store(ctx, newRun(t, db, trigger), artifact(t, `{}`))
		require.NoError(t, err)
		names = append(names, filepath.Base(path))
	}

	assert.True(t, sort.StringsAreSorted(names), "names must sort in storage order: %v", names)
	assert.Equal(t, "predictions_20261019-120000_001.json", names[1])
}

func TestStore_NeverReusesNameAcrossRestarts(t *testing.T) {
	db := setupDB(t)
	dir := filepath.Join(t.TempDir(), "predictions")
	ctx := context.Background()

	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	first, err := New(dir, db).Store(ctx, newRun(t, db, at), artifact(t, `{"run":1}`))
	require.NoError(t, err)

	restarted := New(dir, db)
	second, err := restarted.Store(ctx, newRun(t, db, at), artifact(t, `{"run":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run":1}`, string(data))
}

func TestStore_RecordsRunAndLookup(t *testing.T) {
	db := setupDB(t)
	s := New(filepath.Join(t.TempDir(), "predictions"), db)
	ctx := context.Background()

	run := newRun(t, db, time.Now())
	path, err := s.Store(ctx, run, artifact(t, `{"predictions":[]}`))
	require.NoError(t, err)
	assert.Equal(t, path, run.ArtifactPath)

	got, err := s.Lookup(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, path, got.ArtifactPath)

	_, err = s.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_WriteErrors(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	s := New(filepath.Join(t.TempDir(), "predictions"), db)
	_, err := s.Store(ctx, newRun(t, db, time.Now()), filepath.Join(t.TempDir(), "missing.json"))
	var archiveErr *models.ArchiveWriteError
	assert.ErrorAs(t, err, &archiveErr)

	blocker := filepath.Join(t.TempDir(), "predictions")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	_, err = New(blocker, db).Store(ctx, newRun(t, db, time.Now()), artifact(t, `{}`))
	assert.ErrorAs(t, err, &archiveErr)
}

func TestStore_Mirror(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	mirror := &fakeMirror{}
	s := New(filepath.Join(t.TempDir(), "predictions"), db).WithMirror(mirror, "predictions")

	path, err := s.Store(ctx, newRun(t, db, time.Now()), artifact(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"predictions/" + filepath.Base(path)}, mirror.uploads)

	// mirror failures never fail the store
	mirror.err = errors.New("offline")
	_, err = s.Store(ctx, newRun(t, db, time.Now()), artifact(t, `{}`))
	assert.NoError(t, err)
	assert.Len(t, mirror.uploads, 2)
}
