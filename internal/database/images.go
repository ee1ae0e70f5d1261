package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kaburia/RPi-cam/internal/models"
)

const imageColumns = `id, path, bucket, captured_at, status, COALESCE(run_id, '')`

// InsertImage records a newly captured image.
func (d *Database) InsertImage(ctx context.Context, img *models.ImageRecord) error {
	_, err := d.exec(ctx,
		`INSERT INTO images (id, path, bucket, captured_at, status, run_id, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		img.ID,
		img.Path,
		img.Bucket,
		img.CapturedAt.UTC(),
		string(img.Status),
		nullString(img.RunID),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert image %s: %w", img.Path, err)
	}
	return nil
}

// GetImage returns the image with the given ID.
func (d *Database) GetImage(ctx context.Context, id string) (*models.ImageRecord, error) {
	row := d.queryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)

	img, err := scanImage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("image %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

// ImageExists reports whether an image with the given path is recorded.
func (d *Database) ImageExists(ctx context.Context, path string) (bool, error) {
	var n int
	if err := d.queryRow(ctx, `SELECT COUNT(*) FROM images WHERE path = ?`, path).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up image: %w", err)
	}
	return n > 0, nil
}

// ListImages returns images with the given status in capture order.
// An empty bucket matches every bucket.
func (d *Database) ListImages(ctx context.Context, status models.ImageStatus, bucket string) ([]models.ImageRecord, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE status = ?`
	args := []any{string(status)}
	if bucket != "" {
		query += ` AND bucket = ?`
		args = append(args, bucket)
	}
	query += ` ORDER BY captured_at, id`

	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []models.ImageRecord
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, *img)
	}

	return images, rows.Err()
}

// TransitionImages moves pending images to a terminal status and links them to
// the run that covered them. Images that already left pending are not touched.
func (d *Database) TransitionImages(ctx context.Context, ids []string, to models.ImageStatus, runID string) (int64, error) {
	if !models.CanTransition(models.StatusPending, to) {
		return 0, fmt.Errorf("invalid image status transition to %q", to)
	}

	var total int64
	err := d.InTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		for _, id := range ids {
			res, err := d.exec(ctx,
				`UPDATE images SET status = ?, run_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
				string(to), runID, now, id, string(models.StatusPending),
			)
			if err != nil {
				return fmt.Errorf("failed to update image %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})

	return total, err
}

// CountImages returns the number of images per status.
func (d *Database) CountImages(ctx context.Context) (map[models.ImageStatus]int, error) {
	rows, err := d.query(ctx, `SELECT status, COUNT(*) FROM images GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count images: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ImageStatus]int)
	for rows.Next() {
		var (
			status models.ImageStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan image count: %w", err)
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(s scanner) (*models.ImageRecord, error) {
	var img models.ImageRecord
	if err := s.Scan(&img.ID, &img.Path, &img.Bucket, &img.CapturedAt, &img.Status, &img.RunID); err != nil {
		return nil, err
	}
	img.CapturedAt = img.CapturedAt.UTC()
	return &img, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
