package models

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrTransientIO   = errors.New("transient io failure")
	ErrInvalidState  = errors.New("invalid state")
	ErrInvalidInput  = errors.New("invalid input")
)

// IsDomainError reports whether err carries one of the request-level
// sentinels. Anything else from a store is an I/O failure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidState)
}

// StoreError passes domain errors through and marks every other store
// failure as ErrTransientIO so clients may retry.
func StoreError(op string, err error) error {
	if err == nil || IsDomainError(err) || errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrTransientIO)
}

// User represents an identity owned by the external identity provider.
// The core only reads it.
type User struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeImage
}

// Message is immutable once stored except for the Seen flag,
// which only ever goes from false to true.
type Message struct {
	ID        string      `json:"_id"`
	ChatID    string      `json:"chatId"`
	Seq       int64       `json:"seq"`
	SenderID  string      `json:"senderId"`
	Type      MessageType `json:"messageType"`
	Body      string      `json:"message,omitempty"`
	ImageURL  string      `json:"imageUrl,omitempty"`
	Timestamp int64       `json:"timeStamp"` // Unix milliseconds, server assigned
	Seen      bool        `json:"seen"`
	ClientID  string      `json:"clientId,omitempty"`
}

func (m Message) Summary() LastMessage {
	return LastMessage{
		MessageID: m.ID,
		Type:      m.Type,
		Body:      m.Body,
		ImageURL:  m.ImageURL,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
	}
}

// LastMessage is the denormalized summary kept on a chat for chat-list screens.
type LastMessage struct {
	MessageID string      `json:"messageId"`
	Type      MessageType `json:"messageType"`
	Body      string      `json:"message,omitempty"`
	ImageURL  string      `json:"imageUrl,omitempty"`
	SenderID  string      `json:"senderId"`
	Timestamp int64       `json:"timeStamp"`
}

// UnreadCounts maps participant id to the number of messages
// addressed to that participant which are not seen yet.
type UnreadCounts map[string]int

func (u UnreadCounts) Clone() UnreadCounts {
	out := make(UnreadCounts, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// Chat is a 1:1 conversation. Participants are sorted and never change.
type Chat struct {
	ID           string       `json:"_id"`
	Participants [2]string    `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UnreadCounts UnreadCounts `json:"unreadCounts"`
	LastSeq      int64        `json:"lastSeq"`
	CreatedAt    int64        `json:"createdAt"`
	UpdatedAt    int64        `json:"updatedAt"`
}

func (c Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Peer returns the other participant, or "" if userID is not part of the chat.
func (c Chat) Peer(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// DMChatID builds the deterministic chat id for a pair of users.
func DMChatID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return fmt.Sprintf("dm_%s_%s", ids[0], ids[1])
}

// SortedPair returns both ids in the order used for Chat.Participants.
func SortedPair(u1, u2 string) [2]string {
	if u2 < u1 {
		return [2]string{u2, u1}
	}
	return [2]string{u1, u2}
}

type FriendRequestStatus string

const (
	FriendRequestPending FriendRequestStatus = "pending"
)

type FriendRequest struct {
	FromID    string              `json:"fromId"`
	ToID      string              `json:"toId"`
	Status    FriendRequestStatus `json:"status"`
	CreatedAt int64               `json:"createdAt"`
}
