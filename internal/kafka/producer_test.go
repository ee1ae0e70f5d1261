package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaburia/RPi-cam/internal/models"
)

func mockConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	return config
}

func TestProducer_SendEvent(t *testing.T) {
	mock := mocks.NewSyncProducer(t, mockConfig())
	p := NewProducerFromSync(mock, "camtrap-events")
	defer p.Close()

	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e models.Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Kind != models.EventRunCompleted || e.RunID != "run-1" {
			return errors.New("unexpected event")
		}
		return nil
	})

	require.NoError(t, p.SendEvent(models.Event{
		ID:        "evt-1",
		Kind:      models.EventRunCompleted,
		SessionID: "session",
		RunID:     "run-1",
		Payload:   json.RawMessage(`{"outcome":"succeeded"}`),
		CreatedAt: time.Now(),
	}))
}

func TestProducer_SendHeartbeat(t *testing.T) {
	mock := mocks.NewSyncProducer(t, mockConfig())
	p := NewProducerFromSync(mock, "camtrap-events")
	defer p.Close()

	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var hb models.Heartbeat
		if err := json.Unmarshal(val, &hb); err != nil {
			return err
		}
		if hb.CaptureCount != 7 {
			return errors.New("unexpected heartbeat")
		}
		return nil
	})

	require.NoError(t, p.SendHeartbeat(models.Heartbeat{SessionID: "session", State: "waiting", CaptureCount: 7}))
}

func TestProducer_SendFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, mockConfig())
	p := NewProducerFromSync(mock, "camtrap-events")
	defer p.Close()

	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := p.SendEvent(models.Event{ID: "evt-1", Kind: models.EventCaptureFailed})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}
