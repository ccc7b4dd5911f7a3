// internal/events/kafka.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards bus events to a Kafka topic as JSON, keyed by token mint.
type KafkaSink struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}
	return newKafkaSink(w, topic, logger)
}

func newKafkaSink(w messageWriter, topic string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{
		writer:  w,
		topic:   topic,
		timeout: 10 * time.Second,
		logger:  logger.Named("kafka_sink"),
	}
}

type envelope struct {
	Type    EventType `json:"type"`
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Payload Event     `json:"payload"`
}

// Handle implements Handler.
func (s *KafkaSink) Handle(ctx context.Context, event Event) error {
	value, err := json.Marshal(envelope{
		Type:    event.Type(),
		ID:      event.EventID(),
		Time:    event.Timestamp(),
		Payload: event,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type(), err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	msg := kafka.Message{
		Topic: s.topic,
		Key:   []byte(partitionKey(event)),
		Value: value,
		Time:  event.Timestamp(),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("⚠️ Failed to publish event",
			zap.String("topic", s.topic),
			zap.String("event_type", string(event.Type())),
			zap.Error(err))
		return fmt.Errorf("write %s event: %w", event.Type(), err)
	}
	return nil
}

// Attach subscribes the sink to every event on bus.
func (s *KafkaSink) Attach(bus *Bus) Subscription {
	return bus.Subscribe(AllEvents, s)
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
