package database

import (
	"context"
	"fmt"
	"time"

	"github.com/kaburia/RPi-cam/internal/models"
)

// AddToOutbox queues an event for delivery. Call it inside the transaction
// that produced the event so both commit together.
func (d *Database) AddToOutbox(ctx context.Context, event models.Event) error {
	_, err := d.exec(ctx,
		`INSERT INTO outbox (id, kind, session_id, run_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Kind),
		event.SessionID,
		event.RunID,
		string(event.Payload),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add %s event to outbox: %w", event.Kind, err)
	}
	return nil
}

// GetPendingOutboxMessages returns undelivered events, oldest first.
func (d *Database) GetPendingOutboxMessages(ctx context.Context, limit int) ([]models.Event, error) {
	rows, err := d.query(ctx, `
		SELECT id, kind, session_id, run_id, payload, created_at
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY created_at, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox messages: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e       models.Event
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.SessionID, &e.RunID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if payload != "" {
			e.Payload = []byte(payload)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}

	return events, rows.Err()
}

// MarkOutboxMessageAsProcessed marks an event as delivered.
func (d *Database) MarkOutboxMessageAsProcessed(ctx context.Context, id string) error {
	_, err := d.exec(ctx, `UPDATE outbox SET processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message %s: %w", id, err)
	}
	return nil
}

// PruneOutbox deletes events delivered before the given time.
func (d *Database) PruneOutbox(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.exec(ctx, `DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	return res.RowsAffected()
}
