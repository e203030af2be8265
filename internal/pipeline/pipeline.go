// Package pipeline accepts submitted messages, stores them and fans them out.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/chat"
	"chatcore/internal/content"
	"chatcore/internal/events"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/registry"
	"chatcore/internal/telemetry"
)

const (
	DefaultMaxBodyBytes  = 64 * 1024
	DefaultRetries       = 3
	DefaultRetryInterval = 50 * time.Millisecond
)

type Store interface {
	Chat(ctx context.Context, id string) (models.Chat, error)
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, models.Chat, error)
}

type Friendships interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

type Rooms interface {
	MembersOf(chatID string) []registry.Conn
}

type Connections interface {
	Lookup(userID string) (registry.Conn, bool)
}

type Config struct {
	MaxBodyBytes  int
	Retries       uint64
	RetryInterval time.Duration
}

type Pipeline struct {
	store   Store
	friends Friendships
	rooms   Rooms
	conns   Connections
	locks   *chat.Locks
	pub     events.Publisher
	cfg     Config
	log     *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

func New(store Store, friends Friendships, rooms Rooms, conns Connections, locks *chat.Locks, pub events.Publisher, cfg Config, log *slog.Logger) *Pipeline {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if pub == nil {
		pub = events.Noop()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:   store,
		friends: friends,
		rooms:   rooms,
		conns:   conns,
		locks:   locks,
		pub:     pub,
		cfg:     cfg,
		log:     log,
		tracer:  telemetry.Tracer("pipeline"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

type SubmitRequest struct {
	SenderID string
	ChatID   string
	Type     models.MessageType
	Body     string
	ImageURL string
	// ClientID is echoed back so the sender can reconcile its optimistic copy.
	ClientID string
}

// Submit stores a message and delivers the stored copy. Per chat, delivery
// order equals persisted order.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (msg models.Message, err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("sender.id", req.SenderID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, models.ErrorCode(err))
		}
		span.End()
	}()

	if err := p.validate(&req); err != nil {
		return models.Message{}, err
	}

	c, err := p.store.Chat(ctx, req.ChatID)
	if err != nil {
		return models.Message{}, models.StoreError("load chat", err)
	}
	if !c.HasParticipant(req.SenderID) {
		return models.Message{}, fmt.Errorf("%s is not a participant of %s: %w", req.SenderID, req.ChatID, models.ErrNotAuthorized)
	}
	peer := c.Peer(req.SenderID)

	ok, err := p.friends.AreFriends(ctx, req.SenderID, peer)
	if err != nil {
		return models.Message{}, fmt.Errorf("friendship lookup: %v: %w", err, models.ErrTransientIO)
	}
	if !ok {
		return models.Message{}, fmt.Errorf("%s and %s are not friends: %w", req.SenderID, peer, models.ErrNotAuthorized)
	}

	unlock := p.locks.Lock(req.ChatID)
	defer unlock()

	stored, updated, err := p.persist(ctx, models.Message{
		ID:        p.newID(),
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Type:      req.Type,
		Body:      req.Body,
		ImageURL:  req.ImageURL,
		Timestamp: p.now().UnixMilli(),
		ClientID:  req.ClientID,
	})
	if err != nil {
		return models.Message{}, err
	}
	span.SetAttributes(attribute.String("message.id", stored.ID), attribute.Int64("message.seq", stored.Seq))

	recipientOnline := p.fanOut(stored, updated, peer)
	unlock()

	metrics.IncMessageStored(string(stored.Type))
	metrics.ObserveSubmit(time.Since(start))
	p.log.Debug("message stored", "chat_id", stored.ChatID, "message_id", stored.ID, "seq", stored.Seq, "user_id", stored.SenderID)

	if err := p.pub.Publish(ctx, events.KeyMessageCreated, events.MessageCreated{
		ChatID:          stored.ChatID,
		MessageID:       stored.ID,
		SenderID:        stored.SenderID,
		RecipientID:     peer,
		MessageType:     string(stored.Type),
		RecipientOnline: recipientOnline,
		Timestamp:       stored.Timestamp,
	}); err != nil {
		p.log.Warn("failed to publish message event", "chat_id", stored.ChatID, "message_id", stored.ID, "error", err)
	}

	return stored, nil
}

func (p *Pipeline) validate(req *SubmitRequest) error {
	if req.ChatID == "" {
		return fmt.Errorf("chatId is required: %w", models.ErrInvalidInput)
	}
	if req.SenderID == "" {
		return fmt.Errorf("senderId is required: %w", models.ErrInvalidInput)
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	if !req.Type.Valid() {
		return fmt.Errorf("unknown message type %q: %w", req.Type, models.ErrInvalidInput)
	}
	switch req.Type {
	case models.MessageTypeText:
		if req.Body == "" {
			return fmt.Errorf("empty text message: %w", models.ErrInvalidInput)
		}
	case models.MessageTypeImage:
		if req.ImageURL == "" {
			return fmt.Errorf("image message without imageUrl: %w", models.ErrInvalidInput)
		}
		if err := content.ValidateImageURL(req.ImageURL); err != nil {
			return fmt.Errorf("%v: %w", err, models.ErrInvalidInput)
		}
	}
	if len(req.Body)+len(req.ImageURL) > p.cfg.MaxBodyBytes {
		return fmt.Errorf("message exceeds %d bytes: %w", p.cfg.MaxBodyBytes, models.ErrInvalidInput)
	}
	return nil
}

// persist retries transient store failures. Appends are idempotent by id,
// so a retry after an ambiguous failure cannot duplicate the message.
func (p *Pipeline) persist(ctx context.Context, msg models.Message) (models.Message, models.Chat, error) {
	var (
		stored  models.Message
		updated models.Chat
	)
	op := func() error {
		var err error
		stored, updated, err = p.store.AppendMessage(ctx, msg)
		if err != nil && models.IsDomainError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.cfg.Retries), ctx)

	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		metrics.IncPersistRetry()
		p.log.Warn("retrying message persist", "chat_id", msg.ChatID, "message_id", msg.ID, "backoff", next, "error", err)
	})
	if err != nil {
		return models.Message{}, models.Chat{}, models.StoreError("persist message", err)
	}
	return stored, updated, nil
}

// fanOut runs under the chat lock. It reports whether the recipient had a live connection.
func (p *Pipeline) fanOut(msg models.Message, c models.Chat, recipient string) bool {
	ev := models.MessageEvent{ChatID: msg.ChatID, NewMessage: msg}

	delivered := make(map[string]struct{}, 2)
	for _, conn := range p.rooms.MembersOf(msg.ChatID) {
		delivered[conn.ID()] = struct{}{}
		p.send(conn, ev)
	}

	// The sender gets the authoritative copy even from outside the room.
	if conn, ok := p.conns.Lookup(msg.SenderID); ok {
		if _, done := delivered[conn.ID()]; !done {
			p.send(conn, ev)
		}
	}

	summary := models.LastMessageUpdateEvent{ChatID: c.ID}
	if c.LastMessage != nil {
		summary.LastMessage = *c.LastMessage
	} else {
		summary.LastMessage = msg.Summary()
	}
	unread := models.UnreadCountUpdateEvent{ChatID: c.ID, UnreadCounts: c.UnreadCounts.Clone()}

	if conn, ok := p.conns.Lookup(msg.SenderID); ok {
		p.send(conn, summary)
	}
	conn, online := p.conns.Lookup(recipient)
	if online {
		p.send(conn, summary)
		p.send(conn, unread)
	}
	return online
}

func (p *Pipeline) send(conn registry.Conn, ev models.ServerEvent) {
	if !conn.Send(ev) {
		metrics.IncWSDropped(string(ev.EventName()))
		p.log.Debug("dropped event for closing connection", "event", ev.EventName(), "conn_id", conn.ID(), "user_id", conn.UserID())
	}
}
