package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"

	"chatcore/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) toModel() models.User {
	return models.User{ID: u.ID, UserName: u.UserName, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// DBFriendship is stored twice, once under each user's bucket.
type DBFriendship struct {
	FriendID string `msgpack:"friendId"`
	Since    int64  `msgpack:"since"`
}

func (f *DBFriendship) Key() []byte {
	return []byte(f.FriendID)
}

func (f *DBFriendship) MarshalBinary() (data []byte, err error) {
	type alias DBFriendship
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFriendship) UnmarshalBinary(data []byte) error {
	type alias DBFriendship
	return msgpack.Unmarshal(data, (*alias)(f))
}

// DBFriendRequest lives in the bucket of its recipient, keyed by sender.
type DBFriendRequest struct {
	FromID    string `msgpack:"fromId"`
	ToID      string `msgpack:"toId"`
	Status    string `msgpack:"status"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (r *DBFriendRequest) Key() []byte {
	return []byte(r.FromID)
}

func (r *DBFriendRequest) MarshalBinary() (data []byte, err error) {
	type alias DBFriendRequest
	return msgpack.Marshal((*alias)(r))
}

func (r *DBFriendRequest) UnmarshalBinary(data []byte) error {
	type alias DBFriendRequest
	return msgpack.Unmarshal(data, (*alias)(r))
}

func (r *DBFriendRequest) toModel() models.FriendRequest {
	return models.FriendRequest{
		FromID:    r.FromID,
		ToID:      r.ToID,
		Status:    models.FriendRequestStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}
}

type DBLastMessage struct {
	MessageID string `msgpack:"messageId"`
	Type      string `msgpack:"type"`
	Body      string `msgpack:"body"`
	ImageURL  string `msgpack:"imageUrl"`
	SenderID  string `msgpack:"senderId"`
	Timestamp int64  `msgpack:"timestamp"`
}

type DBChat struct {
	ID           string         `msgpack:"id"`
	Participants [2]string      `msgpack:"participants"`
	LastMessage  *DBLastMessage `msgpack:"lastMessage"`
	Unread       map[string]int `msgpack:"unread"`
	LastSeq      int64          `msgpack:"lastSeq"`
	CreatedAt    int64          `msgpack:"createdAt"`
	UpdatedAt    int64          `msgpack:"updatedAt"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBChat) toModel() models.Chat {
	chat := models.Chat{
		ID:           c.ID,
		Participants: c.Participants,
		UnreadCounts: make(models.UnreadCounts, 2),
		LastSeq:      c.LastSeq,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, p := range c.Participants {
		chat.UnreadCounts[p] = c.Unread[p]
	}
	if c.LastMessage != nil {
		chat.LastMessage = &models.LastMessage{
			MessageID: c.LastMessage.MessageID,
			Type:      models.MessageType(c.LastMessage.Type),
			Body:      c.LastMessage.Body,
			ImageURL:  c.LastMessage.ImageURL,
			SenderID:  c.LastMessage.SenderID,
			Timestamp: c.LastMessage.Timestamp,
		}
	}
	return chat
}

type DBMessage struct {
	ID        string `msgpack:"id"`
	Seq       int64  `msgpack:"seq"`
	Timestamp int64  `msgpack:"timestamp"`
	ChatID    string `msgpack:"chatId"`
	SenderID  string `msgpack:"senderId"`
	Type      string `msgpack:"type"`
	Body      string `msgpack:"body"`
	ImageURL  string `msgpack:"imageUrl"`
	Seen      bool   `msgpack:"seen"`
	ClientID  string `msgpack:"clientId"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Type:      models.MessageType(m.Type),
		Body:      m.Body,
		ImageURL:  m.ImageURL,
		Timestamp: m.Timestamp,
		Seen:      m.Seen,
		ClientID:  m.ClientID,
	}
}

func dbMessageFrom(m models.Message) *DBMessage {
	return &DBMessage{
		ID:        m.ID,
		Seq:       m.Seq,
		Timestamp: m.Timestamp,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Type:      string(m.Type),
		Body:      m.Body,
		ImageURL:  m.ImageURL,
		Seen:      m.Seen,
		ClientID:  m.ClientID,
	}
}

// DBMessageRef points from a message id to its position in a chat.
type DBMessageRef struct {
	MessageID string `msgpack:"messageId"`
	ChatID    string `msgpack:"chatId"`
	Seq       int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.MessageID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}
