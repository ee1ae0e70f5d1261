package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kaburia/RPi-cam/internal/models"
)

const runColumns = `id, triggered_at, completed_at, input_folder, artifact_path, outcome, reason`

// InsertRun records a run together with the images it covers. The covered
// set is written once and never changes afterwards.
func (d *Database) InsertRun(ctx context.Context, run *models.ClassificationRun) error {
	return d.InTx(ctx, func(ctx context.Context) error {
		_, err := d.exec(ctx,
			`INSERT INTO runs (id, triggered_at, input_folder, artifact_path, outcome, reason) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID,
			run.TriggeredAt.UTC(),
			run.InputFolder,
			run.ArtifactPath,
			string(run.Outcome),
			run.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
		}

		for _, imageID := range run.ImageIDs {
			if _, err := d.exec(ctx,
				`INSERT INTO run_images (run_id, image_id) VALUES (?, ?)`,
				run.ID, imageID,
			); err != nil {
				return fmt.Errorf("failed to insert run coverage: %w", err)
			}
		}
		return nil
	})
}

// CompleteRun stores the final outcome of a run.
func (d *Database) CompleteRun(ctx context.Context, run *models.ClassificationRun) error {
	if run.CompletedAt == nil {
		return fmt.Errorf("run %s has no completion time", run.ID)
	}

	res, err := d.exec(ctx,
		`UPDATE runs SET completed_at = ?, artifact_path = ?, outcome = ?, reason = ? WHERE id = ?`,
		run.CompletedAt.UTC(),
		run.ArtifactPath,
		string(run.Outcome),
		run.Reason,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, models.ErrNotFound)
	}
	return nil
}

// SetRunArtifact records where the archived artifact of a run lives.
func (d *Database) SetRunArtifact(ctx context.Context, runID, path string) error {
	res, err := d.exec(ctx, `UPDATE runs SET artifact_path = ? WHERE id = ?`, path, runID)
	if err != nil {
		return fmt.Errorf("failed to set run artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, models.ErrNotFound)
	}
	return nil
}

// GetRun returns a run with its covered image IDs.
func (d *Database) GetRun(ctx context.Context, id string) (*models.ClassificationRun, error) {
	run, err := scanRun(d.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.ImageIDs, err = d.runImageIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first, with coverage.
func (d *Database) ListRuns(ctx context.Context, limit int) ([]models.ClassificationRun, error) {
	runs, err := d.listRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY triggered_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	if err := d.loadCoverage(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// ListRunsByOutcome returns runs with the given outcome, with coverage.
func (d *Database) ListRunsByOutcome(ctx context.Context, outcome models.RunOutcome) ([]models.ClassificationRun, error) {
	runs, err := d.listRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE outcome = ? ORDER BY triggered_at, id`, string(outcome))
	if err != nil {
		return nil, err
	}
	if err := d.loadCoverage(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// loadCoverage fills ImageIDs once the run rows are closed; SQLite runs on a
// single connection.
func (d *Database) loadCoverage(ctx context.Context, runs []models.ClassificationRun) error {
	for i := range runs {
		ids, err := d.runImageIDs(ctx, runs[i].ID)
		if err != nil {
			return err
		}
		runs[i].ImageIDs = ids
	}
	return nil
}

func (d *Database) listRuns(ctx context.Context, query string, args ...any) ([]models.ClassificationRun, error) {
	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.ClassificationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

func (d *Database) runImageIDs(ctx context.Context, runID string) ([]string, error) {
	rows, err := d.query(ctx, `
		SELECT ri.image_id
		FROM run_images ri
		JOIN images i ON i.id = ri.image_id
		WHERE ri.run_id = ?
		ORDER BY i.captured_at, i.id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run coverage: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run coverage: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func scanRun(s scanner) (*models.ClassificationRun, error) {
	var (
		run       models.ClassificationRun
		completed sql.NullTime
	)
	if err := s.Scan(
		&run.ID,
		&run.TriggeredAt,
		&completed,
		&run.InputFolder,
		&run.ArtifactPath,
		&run.Outcome,
		&run.Reason,
	); err != nil {
		return nil, err
	}

	run.TriggeredAt = run.TriggeredAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}
