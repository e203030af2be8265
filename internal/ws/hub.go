package ws

import (
	"context"
	"fmt"
	"log/slog"

	"chatcore/internal/models"
	"chatcore/internal/pipeline"
	"chatcore/internal/presence"
	"chatcore/internal/receipts"
	"chatcore/internal/registry"
	"chatcore/internal/rooms"
	"chatcore/internal/typing"
)

// Hub routes decoded client events to the core components. It owns no state
// of its own; connections, rooms and typing indicators live in their packages.
type Hub struct {
	registry *registry.Registry
	rooms    *rooms.Router
	presence *presence.Tracker
	typing   *typing.Coordinator
	pipeline *pipeline.Pipeline
	receipts *receipts.Tracker
	log      *slog.Logger
}

type HubConfig struct {
	Registry *registry.Registry
	Rooms    *rooms.Router
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Pipeline *pipeline.Pipeline
	Receipts *receipts.Tracker
	Log      *slog.Logger
}

func NewHub(cfg HubConfig) *Hub {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		registry: cfg.Registry,
		rooms:    cfg.Rooms,
		presence: cfg.Presence,
		typing:   cfg.Typing,
		pipeline: cfg.Pipeline,
		receipts: cfg.Receipts,
		log:      log,
	}
}

// Connect makes c the user's live connection, displacing any previous one.
func (h *Hub) Connect(c *Connection) {
	h.registry.Register(c.UserID(), c)
}

// Disconnect tears c down. Unregister runs last so presence observes the
// connection already gone from its rooms.
func (h *Hub) Disconnect(c *Connection) {
	c.Close()
	chatIDs := h.rooms.LeaveAll(c)

	// A displaced connection must not clear typing state the new one owns.
	if live, ok := h.registry.Lookup(c.UserID()); !ok || live == registry.Conn(c) {
		h.typing.StopAll(c.UserID(), chatIDs)
	}

	h.registry.Unregister(c)
}

// CloseAll closes every live connection. Used on shutdown, since hijacked
// websocket connections are not tracked by http.Server.
func (h *Hub) CloseAll() {
	for userID := range h.registry.OnlineUserIDs() {
		if c, ok := h.registry.Lookup(userID); ok {
			c.Close()
		}
	}
}

func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

func (h *Hub) OnlineUserIDs() []string {
	ids := make([]string, 0, h.registry.Len())
	for id := range h.registry.OnlineUserIDs() {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch handles one client request. A returned error is reported to the
// originating connection only.
func (h *Hub) Dispatch(ctx context.Context, c *Connection, ev models.ClientEvent) error {
	switch e := ev.(type) {
	case models.JoinRequest:
		if err := h.checkUser(c, e.UserID); err != nil {
			return err
		}
		if e.ChatID == "" {
			// Identification only; the connection is already registered.
			return nil
		}
		return h.rooms.Join(ctx, c, e.ChatID)

	case models.LeaveRequest:
		if e.ChatID == "" {
			return fmt.Errorf("chatId is required: %w", models.ErrInvalidInput)
		}
		h.rooms.Leave(c, e.ChatID)
		h.typing.Stop(e.ChatID, c.UserID())
		return nil

	case models.SendMessageRequest:
		if err := h.checkUser(c, e.SenderID); err != nil {
			return err
		}
		_, err := h.pipeline.Submit(ctx, pipeline.SubmitRequest{
			SenderID: c.UserID(),
			ChatID:   e.ChatID,
			Type:     e.MessageType,
			Body:     e.Message,
			ImageURL: e.ImageURL,
			ClientID: e.ClientID,
		})
		if err != nil {
			return err
		}
		h.typing.Stop(e.ChatID, c.UserID())
		return nil

	case models.TypingRequest:
		if err := h.checkUser(c, e.UserID); err != nil {
			return err
		}
		if !h.rooms.IsMember(c, e.ChatID) {
			return fmt.Errorf("join chat %q first: %w", e.ChatID, models.ErrInvalidState)
		}
		h.typing.Start(e.ChatID, c.UserID())
		return nil

	case models.StopTypingRequest:
		if err := h.checkUser(c, e.UserID); err != nil {
			return err
		}
		h.typing.Stop(e.ChatID, c.UserID())
		return nil

	case models.MessageSeenRequest:
		if err := h.checkUser(c, e.SeenBy); err != nil {
			return err
		}
		_, err := h.receipts.MarkSeen(ctx, e.ChatID, e.MessageID, c.UserID())
		return err

	case models.OnlineStatusRequest:
		if e.FriendID == "" {
			return fmt.Errorf("friendId is required: %w", models.ErrInvalidInput)
		}
		c.Send(h.presence.RequestOnlineStatus(e.FriendID))
		return nil
	}

	return fmt.Errorf("unhandled event %q: %w", ev.EventName(), models.ErrInvalidInput)
}

// checkUser rejects payloads that claim to act for someone other than the
// authenticated user. An empty claim means the connection's own user.
func (h *Hub) checkUser(c *Connection, claimed string) error {
	if claimed != "" && claimed != c.UserID() {
		return fmt.Errorf("connection belongs to %q, not %q: %w", c.UserID(), claimed, models.ErrNotAuthorized)
	}
	return nil
}
