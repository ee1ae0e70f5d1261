package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaburia/RPi-cam/internal/models"
)

type transition struct {
	from, to Status
}

func TestTracker_CaptureFailuresDegrade(t *testing.T) {
	tr := NewTracker(3, 2)

	var changes []transition
	tr.OnChange(func(from, to Status, _ string) { changes = append(changes, transition{from, to}) })

	tr.CaptureFailed()
	tr.CaptureFailed()
	assert.Equal(t, StatusHealthy, tr.Status())

	tr.CaptureFailed()
	assert.Equal(t, StatusDegraded, tr.Status())
	assert.Equal(t, "repeated capture failures", tr.Report().Reason)

	tr.CaptureSucceeded(time.Now())
	assert.Equal(t, StatusHealthy, tr.Status())

	assert.Equal(t, []transition{{StatusHealthy, StatusDegraded}, {StatusDegraded, StatusHealthy}}, changes)

	r := tr.Report()
	assert.Equal(t, 1, r.Captures)
	assert.Equal(t, 3, r.CaptureFailures)
	assert.NotNil(t, r.LastCapture)
}

func TestTracker_ArchiveFailuresDegrade(t *testing.T) {
	tr := NewTracker(0, 2)

	tr.ArchiveFailed()
	assert.Equal(t, StatusHealthy, tr.Status())
	tr.ArchiveFailed()
	assert.Equal(t, StatusDegraded, tr.Status())

	tr.ArchiveSucceeded()
	assert.Equal(t, StatusHealthy, tr.Status())
	assert.Equal(t, 2, tr.Report().ArchiveFailures)
}

func TestTracker_FatalIsUnhealthy(t *testing.T) {
	tr := NewTracker(1, 1)
	tr.Fatal(errors.New("no cameras available"))

	r := tr.Report()
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "stopped", r.State)
	assert.Contains(t, r.Reason, "no cameras")

	// nothing brings a fatal tracker back
	tr.CaptureSucceeded(time.Now())
	assert.Equal(t, StatusUnhealthy, tr.Status())
}

func TestTracker_RunCounters(t *testing.T) {
	tr := NewTracker(1, 1)
	tr.RunFinished(models.OutcomeSucceeded)
	tr.RunFinished(models.OutcomeFailed)
	tr.RunFinished(models.OutcomeFailed)

	r := tr.Report()
	assert.Equal(t, 1, r.RunsSucceeded)
	assert.Equal(t, 2, r.RunsFailed)
}

type fakeRuns struct {
	runs map[string]*models.ClassificationRun
}

func (f *fakeRuns) Lookup(_ context.Context, id string) (*models.ClassificationRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) Recent(context.Context, int) ([]models.ClassificationRun, error) {
	out := make([]models.ClassificationRun, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

func setupServer(t *testing.T) (*Tracker, *httptest.Server, string) {
	t.Helper()

	artifact := filepath.Join(t.TempDir(), "predictions_20261019-120000_000.json")
	require.NoError(t, os.WriteFile(artifact, []byte(`{"predictions":[]}`), 0o644))

	runs := &fakeRuns{runs: map[string]*models.ClassificationRun{
		"run-1": {ID: "run-1", Outcome: models.OutcomeSucceeded, ArtifactPath: artifact, ImageIDs: []string{"a", "b"}},
		"run-2": {ID: "run-2", Outcome: models.OutcomeFailed, Reason: "timeout"},
	}}

	tr := NewTracker(1, 1)
	srv := httptest.NewServer(NewHandlers(tr, runs).Router())
	t.Cleanup(srv.Close)
	return tr, srv, artifact
}

func TestServer_Health(t *testing.T) {
	tr, srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, StatusHealthy, report.Status)

	tr.Fatal(errors.New("storage gone"))
	resp2, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestServer_Runs(t *testing.T) {
	_, srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/runs/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run models.ClassificationRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, []string{"a", "b"}, run.ImageIDs)

	missing, err := http.Get(srv.URL + "/runs/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	list, err := http.Get(srv.URL + "/runs")
	require.NoError(t, err)
	defer list.Body.Close()
	var runs []models.ClassificationRun
	require.NoError(t, json.NewDecoder(list.Body).Decode(&runs))
	assert.Len(t, runs, 2)
}

func TestServer_Predictions(t *testing.T) {
	_, srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/runs/run-1/predictions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	noArtifact, err := http.Get(srv.URL + "/runs/run-2/predictions")
	require.NoError(t, err)
	noArtifact.Body.Close()
	assert.Equal(t, http.StatusNotFound, noArtifact.StatusCode)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
