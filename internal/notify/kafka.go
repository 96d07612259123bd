package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes messages to a topic consumed by the email/SMS delivery workers.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// envelope is the record value written to Kafka.
type envelope struct {
	Destination string  `json:"destination"`
	Message     Message `json:"message"`
}

// NewKafkaNotifier creates a notifier writing to topic on brokers. Call Close when shutting down.
func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) (*KafkaNotifier, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka notifier needs brokers and a topic")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	logger.Info("kafka notifier initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &KafkaNotifier{writer: writer, topic: topic, logger: logger}, nil
}

// Send writes the message keyed by destination so one recipient's messages stay on one partition.
func (n *KafkaNotifier) Send(ctx context.Context, destination string, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(envelope{Destination: destination, Message: msg})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = n.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(destination),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish notification to %s: %w", n.topic, err)
	}
	return nil
}

// Close closes the Kafka writer.
func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
