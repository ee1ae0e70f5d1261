package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaburia/RPi-cam/internal/database"
	"github.com/kaburia/RPi-cam/internal/models"
)

type fakePublisher struct {
	mu         sync.Mutex
	events     []models.Event
	heartbeats []models.Heartbeat
	failAfter  int
	closed     bool
}

func (p *fakePublisher) SendEvent(e models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failAfter >= 0 && len(p.events) >= p.failAfter {
		return errors.New("broker unreachable")
	}
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) SendHeartbeat(hb models.Heartbeat) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.heartbeats = append(p.heartbeats, hb)
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}

func (p *fakePublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events), len(p.heartbeats)
}

func connected(p *fakePublisher) Connector {
	return func() (Publisher, error) { return p, nil }
}

func setupDB(t *testing.T, events int) *database.Database {
	t.Helper()

	db, err := database.New(database.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Init(context.Background()))

	base := time.Now().UTC()
	for i := 0; i < events; i++ {
		require.NoError(t, db.AddToOutbox(context.Background(), models.Event{
			ID:        uuid.NewString(),
			Kind:      models.EventRunCompleted,
			SessionID: "session",
			Payload:   []byte(`{}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	return db
}

func TestDispatch_DeliversAndMarks(t *testing.T) {
	db := setupDB(t, 3)
	pub := &fakePublisher{failAfter: -1}
	d := New(db, connected(pub), time.Second, nil)

	sent, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	pending, err := db.GetPendingOutboxMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatch_KeepsUndeliveredForLater(t *testing.T) {
	db := setupDB(t, 3)
	pub := &fakePublisher{failAfter: 1}
	d := New(db, connected(pub), time.Second, nil)

	sent, err := d.Dispatch(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, sent)

	pending, err := db.GetPendingOutboxMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// broker back online
	pub.failAfter = -1
	sent, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestStart_SendsHeartbeats(t *testing.T) {
	db := setupDB(t, 1)
	pub := &fakePublisher{failAfter: -1}
	d := New(db, connected(pub), 10*time.Millisecond, func() models.Heartbeat {
		return models.Heartbeat{SessionID: "session", State: "waiting"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	assert.Eventually(t, func() bool {
		events, heartbeats := pub.counts()
		return events == 1 && heartbeats >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.True(t, pub.closed)
}

func TestDispatch_ConnectsWhenBrokerComesOnline(t *testing.T) {
	db := setupDB(t, 2)
	pub := &fakePublisher{failAfter: -1}

	attempts := 0
	d := New(db, func() (Publisher, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("kafka: client has run out of available brokers")
		}
		return pub, nil
	}, time.Second, nil)

	for i := 0; i < 2; i++ {
		sent, err := d.Dispatch(context.Background())
		assert.Error(t, err)
		assert.Zero(t, sent)
	}

	pending, err := db.GetPendingOutboxMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	sent, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	// the connected publisher is reused
	_, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	require.NoError(t, d.Close())
	assert.True(t, pub.closed)
}
