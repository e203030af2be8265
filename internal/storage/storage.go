// Package storage persists users, friendships, chats and messages.
package storage

import (
	"context"
	"fmt"

	"chatcore/internal/models"
)

// Store is the durable collaborator behind the real-time core.
// Implementations report missing records with models.ErrNotFound.
type Store interface {
	UpsertUser(ctx context.Context, user models.User) error
	User(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	Friends(ctx context.Context, userID string) ([]string, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	// AcceptFriendRequest consumes the pending request from fromID to toID and
	// records a symmetric friendship. Both happen atomically.
	AcceptFriendRequest(ctx context.Context, fromID, toID string, now int64) error
	RemoveFriendship(ctx context.Context, a, b string) error
	UpsertFriendRequest(ctx context.Context, req models.FriendRequest) error
	FriendRequest(ctx context.Context, fromID, toID string) (models.FriendRequest, error)
	DeleteFriendRequest(ctx context.Context, fromID, toID string) error
	IncomingFriendRequests(ctx context.Context, toID string) ([]models.FriendRequest, error)

	// CreateChat returns the chat between a and b, creating it when missing.
	CreateChat(ctx context.Context, a, b string, now int64) (models.Chat, bool, error)
	Chat(ctx context.Context, id string) (models.Chat, error)
	// ListChats returns chats of userID, most recently active first.
	ListChats(ctx context.Context, userID string) ([]models.Chat, error)

	// AppendMessage assigns the next sequence number, stores msg unseen and
	// updates the chat summary and the recipient's unread counter in one
	// transaction. Appending an id that is already stored returns the stored
	// copy without changing anything.
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, models.Chat, error)
	Message(ctx context.Context, chatID, messageID string) (models.Message, error)
	// MarkSeen flips the seen flag. changed is false when it was already set.
	MarkSeen(ctx context.Context, chatID, messageID, seenBy string) (chat models.Chat, changed bool, err error)
	// ListMessages returns up to limit messages with seq >= fromSeq in order.
	ListMessages(ctx context.Context, chatID string, fromSeq int64, limit int) ([]models.Message, error)

	Close() error
}

const (
	DriverBbolt    = "bbolt"
	DriverPostgres = "postgres"
)

// Open picks the implementation by driver name.
func Open(ctx context.Context, driver, file, dsn string) (Store, error) {
	switch driver {
	case DriverBbolt, "":
		return NewBboltStorage(file)
	case DriverPostgres:
		return NewPostgresStorage(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

// checkSeen validates a seen-mark against the chat and the message.
func checkSeen(chat models.Chat, senderID, seenBy string) error {
	if !chat.HasParticipant(seenBy) {
		return fmt.Errorf("%s is not a participant of %s: %w", seenBy, chat.ID, models.ErrNotAuthorized)
	}
	if senderID == seenBy {
		return fmt.Errorf("sender cannot mark own message seen: %w", models.ErrInvalidState)
	}
	return nil
}

func checkChatPair(a, b string) error {
	if a == "" || b == "" {
		return fmt.Errorf("both participants are required: %w", models.ErrInvalidInput)
	}
	if a == b {
		return fmt.Errorf("chat with self: %w", models.ErrInvalidInput)
	}
	return nil
}
