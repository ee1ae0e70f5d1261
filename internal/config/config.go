package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kaburia/RPi-cam/internal/models"
)

const DefaultPath = "config.yaml"

// Config структура конфига
type Config struct {
	Capture struct {
		Interval       time.Duration `yaml:"interval" env:"CAPTURE_INTERVAL"`
		BatchSize      int           `yaml:"batch_size" env:"CAPTURE_BATCH_SIZE"`
		CaptureTimeout time.Duration `yaml:"capture_timeout" env:"CAPTURE_TIMEOUT"`
		StartupRetries int           `yaml:"startup_retries" env:"CAPTURE_STARTUP_RETRIES"`
		FailureAlert   int           `yaml:"failure_alert" env:"CAPTURE_FAILURE_ALERT"`
	} `yaml:"capture"`

	Camera struct {
		Driver       string   `yaml:"driver" env:"CAMERA_DRIVER"`
		Command      string   `yaml:"command" env:"CAMERA_COMMAND"`
		Args         []string `yaml:"args" env:"CAMERA_ARGS" envSeparator:" "`
		DeviceID     int      `yaml:"device_id" env:"CAMERA_DEVICE_ID"`
		Width        int      `yaml:"width" env:"CAMERA_WIDTH"`
		Height       int      `yaml:"height" env:"CAMERA_HEIGHT"`
		WarmupFrames int      `yaml:"warmup_frames" env:"CAMERA_WARMUP_FRAMES"`
	} `yaml:"camera"`

	Storage struct {
		Root    string `yaml:"root" env:"STORAGE_ROOT"`
		Retries int    `yaml:"retries" env:"STORAGE_RETRIES"`
	} `yaml:"storage"`

	Ledger struct {
		Driver string `yaml:"driver" env:"LEDGER_DRIVER"`
		DSN    string `yaml:"dsn" env:"LEDGER_DSN"`
	} `yaml:"ledger"`

	Classifier struct {
		Kind       string        `yaml:"kind" env:"CLASSIFIER_KIND"`
		Command    string        `yaml:"command" env:"CLASSIFIER_COMMAND"`
		Args       []string      `yaml:"args" env:"CLASSIFIER_ARGS" envSeparator:" "`
		Model      string        `yaml:"model" env:"CLASSIFIER_MODEL"`
		Endpoint   string        `yaml:"endpoint" env:"CLASSIFIER_ENDPOINT"`
		Timeout    time.Duration `yaml:"timeout" env:"CLASSIFIER_TIMEOUT"`
		Background bool          `yaml:"background" env:"CLASSIFIER_BACKGROUND"`
	} `yaml:"classifier"`

	Archive struct {
		Dir              string `yaml:"dir" env:"ARCHIVE_DIR"`
		FailureThreshold int    `yaml:"failure_threshold" env:"ARCHIVE_FAILURE_THRESHOLD"`
	} `yaml:"archive"`

	Minio struct {
		Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
		Secure    bool   `yaml:"secure" env:"MINIO_SECURE"`
	} `yaml:"minio"`

	Kafka struct {
		Brokers          []string      `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
		Topic            string        `yaml:"topic" env:"KAFKA_TOPIC"`
		DispatchInterval time.Duration `yaml:"dispatch_interval" env:"KAFKA_DISPATCH_INTERVAL"`
	} `yaml:"kafka"`

	Health struct {
		Addr string `yaml:"addr" env:"HEALTH_ADDR"`
	} `yaml:"health"`

	Logging struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"logging"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg := &Config{}

	cfg.Capture.Interval = 30 * time.Second
	cfg.Capture.BatchSize = 50
	cfg.Capture.CaptureTimeout = 30 * time.Second
	cfg.Capture.StartupRetries = 3
	cfg.Capture.FailureAlert = 5

	cfg.Camera.Driver = "command"
	cfg.Camera.Command = "libcamera-still"
	cfg.Camera.Args = []string{"--nopreview", "-t", "2000", "--width", "1024", "--height", "768", "-o", "{output}"}
	cfg.Camera.Width = 1024
	cfg.Camera.Height = 768
	cfg.Camera.WarmupFrames = 10

	cfg.Storage.Root = "data"
	cfg.Storage.Retries = 3

	cfg.Ledger.Driver = "sqlite"

	cfg.Classifier.Kind = "command"
	cfg.Classifier.Command = "python"
	cfg.Classifier.Args = []string{
		"-m", "speciesnet.scripts.run_model",
		"--folders", "{folder}",
		"--predictions_json", "{output}",
		"--model", "{model}",
	}
	cfg.Classifier.Model = "model/speciesnet_model.h5"
	cfg.Classifier.Timeout = 30 * time.Minute

	cfg.Archive.FailureThreshold = 3

	cfg.Minio.Bucket = "predictions"

	cfg.Kafka.Topic = "camtrap-events"
	cfg.Kafka.DispatchInterval = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// LoadConfig reads defaults, then the YAML file, then the environment.
// A missing file is not an error.
func LoadConfig(filename string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if filename == "" {
		filename = DefaultPath
	}

	// Читаем YAML
	data, err := os.ReadFile(filename)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", filename, err)
		}
	}

	// Парсим переменные окружения с приоритетом
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "CAMTRAP_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDerived() {
	if c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.Storage.Root, "predictions")
	}
	if c.Ledger.Driver == "sqlite" && c.Ledger.DSN == "" {
		c.Ledger.DSN = filepath.Join(c.Storage.Root, "ledger.db")
	}
}

// Validate checks the values the scheduler relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.Capture.Interval <= 0 {
		errs = append(errs, fmt.Errorf("capture.interval must be positive, got %s", c.Capture.Interval))
	}
	if c.Capture.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("capture.batch_size must be at least 1, got %d", c.Capture.BatchSize))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if c.Classifier.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("classifier.timeout must be positive, got %s", c.Classifier.Timeout))
	}

	switch c.Camera.Driver {
	case "command":
		if c.Camera.Command == "" {
			errs = append(errs, errors.New("camera.command is required for the command driver"))
		}
	case "opencv":
	default:
		errs = append(errs, fmt.Errorf("unknown camera.driver %q", c.Camera.Driver))
	}

	switch c.Classifier.Kind {
	case "command":
		if c.Classifier.Command == "" {
			errs = append(errs, errors.New("classifier.command is required for the command classifier"))
		}
	case "http":
		if c.Classifier.Endpoint == "" {
			errs = append(errs, errors.New("classifier.endpoint is required for the http classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown classifier.kind %q", c.Classifier.Kind))
	}

	switch c.Ledger.Driver {
	case "sqlite", "postgres":
		if c.Ledger.DSN == "" && c.Ledger.Driver == "postgres" {
			errs = append(errs, errors.New("ledger.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger.driver %q", c.Ledger.Driver))
	}

	if c.KafkaEnabled() && c.Kafka.DispatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("kafka.dispatch_interval must be positive, got %s", c.Kafka.DispatchInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// MinioEnabled reports whether prediction artifacts are mirrored to object storage.
func (c *Config) MinioEnabled() bool {
	return c.Minio.Endpoint != ""
}

// KafkaEnabled reports whether ledger events are relayed to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
