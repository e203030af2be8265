// Package events publishes domain events to a topic exchange so that
// out-of-process consumers (push notifications, analytics) can react.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chatcore/internal/metrics"
)

const (
	KeyMessageCreated  = "chat.message.created"
	KeyMessageSeen     = "chat.message.seen"
	KeyPresenceOnline  = "chat.presence.online"
	KeyPresenceOffline = "chat.presence.offline"
)

// Envelope wraps every published payload.
type Envelope struct {
	EventType  string `json:"eventType"`
	OccurredAt int64  `json:"occurredAt"`
	Data       any    `json:"data"`
}

type MessageCreated struct {
	ChatID          string `json:"chatId"`
	MessageID       string `json:"messageId"`
	SenderID        string `json:"senderId"`
	RecipientID     string `json:"recipientId"`
	MessageType     string `json:"messageType"`
	RecipientOnline bool   `json:"recipientOnline"`
	Timestamp       int64  `json:"timeStamp"`
}

type MessageSeen struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	SeenBy    string `json:"seenBy"`
}

type PresenceChanged struct {
	UserID string `json:"userId"`
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, data any) error
	Close() error
}

// NewPublisher builds an AMQP publisher or a noop publisher when AMQP is disabled
// or unreachable.
func NewPublisher(amqpURL, exchange string, log *slog.Logger) Publisher {
	if log == nil {
		log = slog.Default()
	}
	if amqpURL == "" {
		log.Info("amqp disabled, using noop", "reason", "empty amqp url")
		return noopPublisher{log: log}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.Warn("amqp disabled, using noop", "error", err)
		return noopPublisher{log: log}
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Warn("amqp disabled, using noop", "error", err)
		_ = conn.Close()
		return noopPublisher{log: log}
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		log.Warn("amqp disabled, using noop", "error", err)
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{log: log}
	}

	log.Info("amqp connected", "exchange", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, log: log}
}

type amqpPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      *slog.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, data any) error {
	body, err := json.Marshal(newEnvelope(routingKey, data))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		metrics.IncPublishError(routingKey)
		p.log.Warn("amqp publish failed", "routing_key", routingKey, "error", err)
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	log *slog.Logger
}

func (n noopPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	n.log.Debug("noop publish", "routing_key", routingKey)
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// Noop returns a publisher that drops everything.
func Noop() Publisher {
	return noopPublisher{log: slog.Default()}
}

// Mode reports the publisher mode for logging.
func Mode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func newEnvelope(routingKey string, data any) Envelope {
	return Envelope{
		EventType:  routingKey,
		OccurredAt: time.Now().UnixMilli(),
		Data:       data,
	}
}
