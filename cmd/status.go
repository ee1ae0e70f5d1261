package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaburia/RPi-cam/internal/database"
	"github.com/kaburia/RPi-cam/internal/imagestore"
	"github.com/kaburia/RPi-cam/internal/models"
	"github.com/kaburia/RPi-cam/internal/s3"
)

type statusReport struct {
	Images            map[models.ImageStatus]int `json:"images"`
	PendingByBucket   map[string]int             `json:"pending_by_bucket"`
	Runs              []models.ClassificationRun `json:"runs"`
	MirroredArtifacts *int                       `json:"mirrored_artifacts,omitempty"`
}

func statusCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the image ledger and recent classification runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			db, err := database.New(cfg.Ledger.Driver, cfg.Ledger.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Init(ctx); err != nil {
				return err
			}

			report := statusReport{}
			if report.Images, err = db.CountImages(ctx); err != nil {
				return err
			}
			if report.PendingByBucket, err = imagestore.New(cfg.Storage.Root, db).PendingByBucket(ctx); err != nil {
				return err
			}
			if report.Runs, err = db.ListRuns(ctx, limit); err != nil {
				return err
			}

			if cfg.MinioEnabled() {
				client, err := s3.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Secure)
				if err == nil {
					var n int
					n, err = client.CountFilesInFolder(ctx, cfg.Minio.Bucket, "predictions_")
					report.MirroredArtifacts = &n
				}
				if err != nil {
					slog.Warn("status: cannot count mirrored artifacts", "error", err)
					report.MirroredArtifacts = nil
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printStatus(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().IntVar(&limit, "runs", 10, "number of recent runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(out io.Writer, r statusReport) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "IMAGES\t")
	for _, status := range []models.ImageStatus{models.StatusPending, models.StatusClassified, models.StatusClassificationFailed} {
		fmt.Fprintf(w, "  %s\t%d\n", status, r.Images[status])
	}

	buckets := make([]string, 0, len(r.PendingByBucket))
	for b := range r.PendingByBucket {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	fmt.Fprintln(w, "PENDING BY BUCKET\t")
	for _, b := range buckets {
		fmt.Fprintf(w, "  %s\t%d\n", b, r.PendingByBucket[b])
	}

	if r.MirroredArtifacts != nil {
		fmt.Fprintf(w, "MIRRORED ARTIFACTS\t%d\n", *r.MirroredArtifacts)
	}

	fmt.Fprintln(w, "\nRUN\tTRIGGERED\tOUTCOME\tIMAGES\tREASON\tARTIFACT")
	for _, run := range r.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			run.ID,
			run.TriggeredAt.Local().Format(time.DateTime),
			run.Outcome,
			len(run.ImageIDs),
			run.Reason,
			run.ArtifactPath)
	}

	return w.Flush()
}
