package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaburia/RPi-cam/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("absent.yaml")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Capture.Interval)
	assert.Equal(t, 50, cfg.Capture.BatchSize)
	assert.Equal(t, "data", cfg.Storage.Root)
	assert.Equal(t, filepath.Join("data", "predictions"), cfg.Archive.Dir)
	assert.Equal(t, filepath.Join("data", "ledger.db"), cfg.Ledger.DSN)
	assert.False(t, cfg.MinioEnabled())
	assert.False(t, cfg.KafkaEnabled())
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	chdir(t, t.TempDir())

	path := writeConfig(t, `
capture:
  interval: 45s
  batch_size: 10
storage:
  root: /srv/camtrap
classifier:
  kind: http
  endpoint: http://localhost:8000
  timeout: 5m
kafka:
  brokers: ["edge-1:9092"]
`)
	t.Setenv("CAMTRAP_CAPTURE_BATCH_SIZE", "12")
	t.Setenv("CAMTRAP_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Capture.Interval)
	assert.Equal(t, 12, cfg.Capture.BatchSize)
	assert.Equal(t, "/srv/camtrap", cfg.Storage.Root)
	assert.Equal(t, "/srv/camtrap/predictions", cfg.Archive.Dir)
	assert.Equal(t, "http", cfg.Classifier.Kind)
	assert.Equal(t, 5*time.Minute, cfg.Classifier.Timeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.KafkaEnabled())
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CAMTRAP_STORAGE_ROOT=/mnt/sd\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("CAMTRAP_STORAGE_ROOT") })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/sd", cfg.Storage.Root)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := LoadConfig(writeConfig(t, "capture: [oops"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero interval", func(c *Config) { c.Capture.Interval = 0 }, false},
		{"batch size zero", func(c *Config) { c.Capture.BatchSize = 0 }, false},
		{"batch size one", func(c *Config) { c.Capture.BatchSize = 1 }, true},
		{"empty root", func(c *Config) { c.Storage.Root = "" }, false},
		{"unknown camera", func(c *Config) { c.Camera.Driver = "picamera" }, false},
		{"opencv camera", func(c *Config) { c.Camera.Driver = "opencv" }, true},
		{"http without endpoint", func(c *Config) { c.Classifier.Kind = "http" }, false},
		{"postgres without dsn", func(c *Config) { c.Ledger.Driver = "postgres"; c.Ledger.DSN = "" }, false},
		{"no timeout", func(c *Config) { c.Classifier.Timeout = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, models.ErrInvalidConfig)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
