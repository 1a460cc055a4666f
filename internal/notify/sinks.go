package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes notifications to a topic for the push and chat
// delivery services. Messages are keyed by user so one user's
// notifications stay ordered.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
		topic: topic,
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

// Deliver writes one message.
func (k *KafkaSink) Deliver(ctx context.Context, n *Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrUndeliverable, err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(n.UserID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "category", Value: []byte(n.Category)},
			{Key: "notification_id", Value: []byte(n.ID)},
		},
		Time: n.CreatedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// LogSink writes notifications to the log. It is the only sink in local
// development.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(_ context.Context, n *Notification) error {
	l.logger.Info("notification", "id", n.ID, "user_id", n.UserID, "category", n.Category,
		"title", n.Title, "action", n.Action, "priority", n.Priority)
	return nil
}
