package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/kaburia/RPi-cam/internal/models"
)

type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer создаёт продюсер с настройками
func NewProducer(brokers []string, topic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return NewProducerFromSync(producer, topic), nil
}

// NewProducerFromSync wraps an existing sarama producer.
func NewProducerFromSync(producer sarama.SyncProducer, topic string) *Producer {
	return &Producer{
		producer: producer,
		topic:    topic,
	}
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

// SendEvent публикует событие из outbox, ключ - идентификатор сессии
func (p *Producer) SendEvent(event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.send(event.SessionID, string(event.Kind), payload)
}

// SendHeartbeat отправляет одно сообщение в Kafka
func (p *Producer) SendHeartbeat(msg models.Heartbeat) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.send(msg.SessionID, string(models.EventHeartbeat), payload)
}

func (p *Producer) send(key, kind string, payload []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(kind)},
		},
	}

	if _, _, err := p.producer.SendMessage(kafkaMsg); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", kind, p.topic, err)
	}
	return nil
}
