// Package push is the best-effort notification gateway. Delivery is
// fire-and-forget: a failed notify is logged and never fails the operation
// that triggered it.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Notification is the downstream push payload.
type Notification struct {
	ReceiverID string    `json:"receiver_id"`
	SenderID   string    `json:"sender_id,omitempty"`
	Summary    string    `json:"summary"`
	SentAt     time.Time `json:"sent_at"`
}

// Notifier is what sessions depend on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Producer publishes notifications to a Kafka topic consumed by the delivery
// fleet.
type Producer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

func NewProducer(brokers []string, topic string, logger *slog.Logger) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
		Async:        false,
	}
	return &Producer{writer: w, logger: logger}
}

func (p *Producer) Notify(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}

	msg := kafkago.Message{
		Key:   []byte(n.ReceiverID),
		Value: value,
		Time:  n.SentAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("Push notify failed", "receiver_id", n.ReceiverID, "error", err)
		return err
	}
	p.logger.Debug("Push notification queued", "receiver_id", n.ReceiverID)
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
