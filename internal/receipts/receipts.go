// Package receipts records seen acknowledgements and republishes unread counts.
package receipts

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/chat"
	"chatcore/internal/events"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/registry"
	"chatcore/internal/telemetry"
)

type Store interface {
	MarkSeen(ctx context.Context, chatID, messageID, seenBy string) (models.Chat, bool, error)
}

type Rooms interface {
	Broadcast(chatID string, ev models.ServerEvent, exceptUserID string) int
}

type Connections interface {
	Lookup(userID string) (registry.Conn, bool)
}

type Tracker struct {
	store  Store
	rooms  Rooms
	conns  Connections
	locks  *chat.Locks
	pub    events.Publisher
	log    *slog.Logger
	tracer trace.Tracer
}

func New(store Store, rooms Rooms, conns Connections, locks *chat.Locks, pub events.Publisher, log *slog.Logger) *Tracker {
	if pub == nil {
		pub = events.Noop()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:  store,
		rooms:  rooms,
		conns:  conns,
		locks:  locks,
		pub:    pub,
		log:    log,
		tracer: telemetry.Tracer("receipts"),
	}
}

// MarkSeen flips the message to seen. Repeating it is a no-op that neither
// errors nor broadcasts. changed reports whether anything was broadcast.
func (t *Tracker) MarkSeen(ctx context.Context, chatID, messageID, seenBy string) (changed bool, err error) {
	ctx, span := t.tracer.Start(ctx, "receipts.mark_seen", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.String("message.id", messageID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, models.ErrorCode(err))
		}
		span.End()
	}()

	if chatID == "" || messageID == "" || seenBy == "" {
		return false, fmt.Errorf("chatId, messageId and seenBy are required: %w", models.ErrInvalidInput)
	}

	unlock := t.locks.Lock(chatID)
	defer unlock()

	c, changed, err := t.store.MarkSeen(ctx, chatID, messageID, seenBy)
	if err != nil {
		return false, models.StoreError("mark seen", err)
	}
	if !changed {
		return false, nil
	}

	counts := c.UnreadCounts.Clone()
	t.rooms.Broadcast(chatID, models.MessageSeenUpdateEvent{
		ChatID:       chatID,
		MessageID:    messageID,
		SeenBy:       seenBy,
		UnreadCounts: counts,
	}, "")
	if conn, ok := t.conns.Lookup(seenBy); ok {
		if !conn.Send(models.UnreadCountUpdateEvent{ChatID: chatID, UnreadCounts: counts}) {
			metrics.IncWSDropped(string(models.EventUnreadCountUpdate))
		}
	}
	unlock()

	metrics.IncSeenMark()
	t.log.Debug("message seen", "chat_id", chatID, "message_id", messageID, "user_id", seenBy, "unread", counts[seenBy])

	if err := t.pub.Publish(ctx, events.KeyMessageSeen, events.MessageSeen{
		ChatID:    chatID,
		MessageID: messageID,
		SeenBy:    seenBy,
	}); err != nil {
		t.log.Warn("failed to publish seen event", "chat_id", chatID, "message_id", messageID, "error", err)
	}
	return true, nil
}
