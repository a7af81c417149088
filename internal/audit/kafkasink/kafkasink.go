// Package kafkasink persists audit events to a Kafka topic via
// IBM/sarama's SyncProducer, grounded on agent/agentd.go's
// kafka producer wiring but rewritten against sarama's current
// producer API rather than that file's pre-1.0 surface.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/nullstream/spopagent/internal/audit"
)

// Sink publishes one JSON message per audit.Event to a fixed topic.
type Sink struct {
	producer sarama.SyncProducer
	topic    string
}

// New dials brokers and builds a SyncProducer-backed Sink. The
// producer requires acks from all in-sync replicas and retries
// transient failures, matching sarama's own recommended defaults for
// a producer whose messages matter.
func New(brokers []string, topic string) (*Sink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafkasink: connect to %v: %w", brokers, err)
	}
	return &Sink{producer: producer, topic: topic}, nil
}

// Record publishes ev as a JSON-encoded Kafka message keyed by
// connection id, so all events from one connection land on the same
// partition and preserve order.
func (s *Sink) Record(ctx context.Context, ev audit.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafkasink: marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%d", ev.ConnID)),
		Value: sarama.ByteEncoder(body),
	}
	_, _, err = s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafkasink: send message: %w", err)
	}
	return nil
}

// Close releases the underlying producer's connections.
func (s *Sink) Close() error {
	return s.producer.Close()
}
