// Package rooms keeps track of which connections are joined to which chats
// and scopes message and typing fan-out to them.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"chatcore/internal/models"
	"chatcore/internal/registry"
)

type ChatLookup interface {
	Chat(ctx context.Context, chatID string) (models.Chat, error)
}

type Router struct {
	chats ChatLookup
	log   *slog.Logger

	mu sync.RWMutex
	// chatID -> connID -> conn
	rooms map[string]map[string]registry.Conn
	// connID -> chatIDs
	joined map[string]map[string]struct{}
}

func New(chats ChatLookup, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		chats:  chats,
		log:    log,
		rooms:  make(map[string]map[string]registry.Conn),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join adds c to the room of chatID after checking that its user is a participant.
// The chat lookup runs without holding the router lock.
func (r *Router) Join(ctx context.Context, c registry.Conn, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chatId is required", models.ErrInvalidInput)
	}

	chat, err := r.chats.Chat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("join %s: %w", chatID, err)
	}
	if !chat.HasParticipant(c.UserID()) {
		return fmt.Errorf("join %s: %w", chatID, models.ErrNotAuthorized)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection torn down while the lookup was in flight must not reappear in a room.
	if c.Closed() {
		return nil
	}

	room, ok := r.rooms[chatID]
	if !ok {
		room = make(map[string]registry.Conn)
		r.rooms[chatID] = room
	}

	// One connection per user in a room.
	for id, other := range room {
		if id != c.ID() && other.UserID() == c.UserID() {
			r.removeLocked(other.ID(), chatID)
		}
	}

	room[c.ID()] = c
	chats, ok := r.joined[c.ID()]
	if !ok {
		chats = make(map[string]struct{})
		r.joined[c.ID()] = chats
	}
	chats[chatID] = struct{}{}

	r.log.Debug("joined room", "chat_id", chatID, "user_id", c.UserID(), "conn_id", c.ID())
	return nil
}

func (r *Router) Leave(c registry.Conn, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c.ID(), chatID)
}

// LeaveAll removes c from every room and returns the chat ids it had joined.
func (r *Router) LeaveAll(c registry.Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	chats := r.joined[c.ID()]
	left := make([]string, 0, len(chats))
	for chatID := range chats {
		left = append(left, chatID)
	}
	for _, chatID := range left {
		r.removeLocked(c.ID(), chatID)
	}
	return left
}

func (r *Router) removeLocked(connID, chatID string) {
	if room, ok := r.rooms[chatID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, chatID)
		}
	}
	if chats, ok := r.joined[connID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(r.joined, connID)
		}
	}
}

// MembersOf returns a snapshot of the connections joined to chatID.
func (r *Router) MembersOf(chatID string) []registry.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[chatID]
	members := make([]registry.Conn, 0, len(room))
	for _, c := range room {
		members = append(members, c)
	}
	return members
}

func (r *Router) IsMember(c registry.Conn, chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[chatID][c.ID()]
	return ok
}

// Broadcast sends ev to every member of chatID except connections owned by
// exceptUserID (pass "" to include everyone). It returns the number of
// connections that accepted the event.
func (r *Router) Broadcast(chatID string, ev models.ServerEvent, exceptUserID string) int {
	delivered := 0
	for _, c := range r.MembersOf(chatID) {
		if exceptUserID != "" && c.UserID() == exceptUserID {
			continue
		}
		if !c.Send(ev) {
			r.log.Debug("dropped room event", "event", ev.EventName(), "chat_id", chatID, "conn_id", c.ID())
			continue
		}
		delivered++
	}
	return delivered
}
