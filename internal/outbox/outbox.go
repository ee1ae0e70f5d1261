// Package outbox relays ledger events to Kafka. Events are written to the
// ledger in the same transaction as the state change that caused them and
// stay there until the broker acknowledges them, so nothing is lost while the
// device is offline.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kaburia/RPi-cam/internal/database"
	"github.com/kaburia/RPi-cam/internal/models"
)

const (
	batchSize = 100
	// delivered events are kept this long for inspection, then pruned
	retention = 7 * 24 * time.Hour
)

type Publisher interface {
	SendEvent(event models.Event) error
	SendHeartbeat(msg models.Heartbeat) error
	Close() error
}

// Connector creates a publisher. It is called on every tick until it succeeds,
// so a broker that is unreachable at startup is picked up once it comes online.
type Connector func() (Publisher, error)

type Dispatcher struct {
	db        *database.Database
	connect   Connector
	interval  time.Duration
	heartbeat func() models.Heartbeat

	mu        sync.Mutex
	publisher Publisher
}

// New creates a dispatcher. heartbeat may be nil.
func New(db *database.Database, connect Connector, interval time.Duration, heartbeat func() models.Heartbeat) *Dispatcher {
	return &Dispatcher{
		db:        db,
		connect:   connect,
		interval:  interval,
		heartbeat: heartbeat,
	}
}

// Start dispatches every interval until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	defer d.Close()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	slog.Info("outbox: dispatcher started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox: dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Dispatch(ctx); err != nil {
				slog.Warn("outbox: dispatch failed, retrying next tick", "error", err)
				continue
			}
			d.sendHeartbeat()
			d.prune(ctx)
		}
	}
}

// Dispatch sends pending events oldest first and stops at the first failure
// so delivery order is kept. It returns how many events were delivered.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	publisher, err := d.ensurePublisher()
	if err != nil {
		return 0, err
	}

	// Читаем непрочитанные сообщения
	messages, err := d.db.GetPendingOutboxMessages(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		// Отправляем сообщение в Kafka
		if err := publisher.SendEvent(msg); err != nil {
			return sent, err
		}

		if err := d.db.MarkOutboxMessageAsProcessed(ctx, msg.ID); err != nil {
			return sent, err
		}
		sent++
	}

	if sent > 0 {
		slog.Debug("outbox: events delivered", "count", sent)
	}
	return sent, nil
}

// Close releases the publisher, if one was ever connected.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.publisher == nil {
		return nil
	}
	err := d.publisher.Close()
	d.publisher = nil
	return err
}

func (d *Dispatcher) ensurePublisher() (Publisher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.publisher != nil {
		return d.publisher, nil
	}

	publisher, err := d.connect()
	if err != nil {
		return nil, err
	}

	slog.Info("outbox: connected to broker")
	d.publisher = publisher
	return publisher, nil
}

func (d *Dispatcher) sendHeartbeat() {
	if d.heartbeat == nil {
		return
	}

	publisher, err := d.ensurePublisher()
	if err != nil {
		return
	}

	hb := d.heartbeat()
	hb.TimeStamp = time.Now().UTC()
	if err := publisher.SendHeartbeat(hb); err != nil {
		slog.Warn("outbox: heartbeat failed", "error", err)
	}
}

func (d *Dispatcher) prune(ctx context.Context) {
	n, err := d.db.PruneOutbox(ctx, time.Now().Add(-retention))
	if err != nil {
		slog.Warn("outbox: failed to prune delivered events", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("outbox: pruned delivered events", "count", n)
	}
}
