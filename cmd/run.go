package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kaburia/RPi-cam/internal/archive"
	"github.com/kaburia/RPi-cam/internal/camera"
	"github.com/kaburia/RPi-cam/internal/camera/opencv"
	"github.com/kaburia/RPi-cam/internal/classifier"
	"github.com/kaburia/RPi-cam/internal/config"
	"github.com/kaburia/RPi-cam/internal/database"
	"github.com/kaburia/RPi-cam/internal/health"
	"github.com/kaburia/RPi-cam/internal/imagestore"
	"github.com/kaburia/RPi-cam/internal/kafka"
	"github.com/kaburia/RPi-cam/internal/outbox"
	"github.com/kaburia/RPi-cam/internal/s3"
	"github.com/kaburia/RPi-cam/internal/scheduler"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture and classify until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Main: init...", "version", version)

	// Инициализация базы данных
	db, err := database.New(cfg.Ledger.Driver, cfg.Ledger.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Init(ctx); err != nil {
		return err
	}

	driver, err := newDriver(cfg)
	if err != nil {
		return err
	}

	store := imagestore.New(cfg.Storage.Root, db)
	arch := archive.New(cfg.Archive.Dir, db)

	// Инициализация s3
	if cfg.MinioEnabled() {
		minioClient, err := s3.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Secure)
		if err != nil {
			return err
		}
		if err := minioClient.EnsureBucketExists(ctx, cfg.Minio.Bucket); err != nil {
			slog.Warn("Main: MinIO not reachable, mirroring will be retried per artifact", "error", err)
		}
		arch.WithMirror(minioClient, cfg.Minio.Bucket)
	}

	tracker := health.NewTracker(cfg.Capture.FailureAlert, cfg.Archive.FailureThreshold)

	sched := scheduler.New(db, store, driver, newClassifier(cfg), arch, tracker, scheduler.Options{
		Interval:        cfg.Capture.Interval,
		BatchSize:       cfg.Capture.BatchSize,
		CaptureTimeout:  cfg.Capture.CaptureTimeout,
		ClassifyTimeout: cfg.Classifier.Timeout,
		StartupRetries:  cfg.Capture.StartupRetries,
		StorageRetries:  cfg.Storage.Retries,
		Background:      cfg.Classifier.Background,
		Events:          cfg.KafkaEnabled(),
	})

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		return sched.Run(runCtx)
	})

	// Горутина для обработки аутбокса
	if cfg.KafkaEnabled() {
		dispatcher := outbox.New(db, func() (outbox.Publisher, error) {
			producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
			if err != nil {
				// события остаются в outbox до следующей попытки
				return nil, err
			}
			return producer, nil
		}, cfg.Kafka.DispatchInterval, sched.Heartbeat)
		g.Go(func() error { return dispatcher.Start(runCtx) })
	}

	if cfg.Health.Addr != "" {
		handlers := health.NewHandlers(tracker, arch)
		g.Go(func() error { return health.Serve(runCtx, cfg.Health.Addr, handlers.Router()) })
	}

	return g.Wait()
}

func newDriver(cfg *config.Config) (camera.Driver, error) {
	switch cfg.Camera.Driver {
	case "opencv":
		if !opencv.Available {
			return nil, fmt.Errorf("camera.driver opencv requires a build with -tags opencv")
		}
		return opencv.NewDriver(cfg.Camera.DeviceID, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.WarmupFrames), nil
	default:
		return camera.NewCommandDriver(cfg.Camera.Command, cfg.Camera.Args), nil
	}
}

func newClassifier(cfg *config.Config) classifier.Classifier {
	switch cfg.Classifier.Kind {
	case "http":
		return classifier.NewHTTPClassifier(cfg.Classifier.Endpoint, &http.Client{})
	default:
		return classifier.NewCommandClassifier(cfg.Classifier.Command, cfg.Classifier.Args, cfg.Classifier.Model)
	}
}
