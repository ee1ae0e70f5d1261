package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaburia/RPi-cam/internal/camera"
	"github.com/kaburia/RPi-cam/internal/classifier"
	"github.com/kaburia/RPi-cam/internal/config"
	"github.com/kaburia/RPi-cam/internal/models"
)

func TestPrintStatus(t *testing.T) {
	mirrored := 3
	report := statusReport{
		Images:          map[models.ImageStatus]int{models.StatusPending: 5, models.StatusClassified: 10},
		PendingByBucket: map[string]int{"2026-10-20": 2, "2026-10-19": 3},
		Runs: []models.ClassificationRun{{
			ID:           "run-1",
			TriggeredAt:  time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local),
			Outcome:      models.OutcomeSucceeded,
			ArtifactPath: "data/predictions/predictions_20261019-120000_000.json",
			ImageIDs:     []string{"a", "b"},
		}},
		MirroredArtifacts: &mirrored,
	}

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, report))

	text := out.String()
	assert.Contains(t, text, "classification_failed")
	assert.Contains(t, text, "predictions_20261019-120000_000.json")
	assert.Contains(t, text, "2026-10-19 12:00:00")
	assert.Contains(t, text, "MIRRORED ARTIFACTS")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("2026-10-19  ")), bytes.Index(out.Bytes(), []byte("2026-10-20")))
}

func TestNewDriverAndClassifier(t *testing.T) {
	cfg := config.Default()

	driver, err := newDriver(cfg)
	require.NoError(t, err)
	assert.IsType(t, &camera.CommandDriver{}, driver)
	assert.IsType(t, &classifier.CommandClassifier{}, newClassifier(cfg))

	cfg.Classifier.Kind = "http"
	cfg.Classifier.Endpoint = "http://localhost:8000"
	assert.IsType(t, &classifier.HTTPClassifier{}, newClassifier(cfg))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.Run(cmd, nil)
	assert.Equal(t, "camtrap dev\n", out.String())
}
