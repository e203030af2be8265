package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"chatcore/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers          = []byte("users")
	bucketFriends        = []byte("friends")
	bucketFriendRequests = []byte("friend_requests")
	bucketChats          = []byte("chats")
	bucketUserChats      = []byte("user_chats")
	bucketMessages       = []byte("messages")
	bucketMessageIDs     = []byte("message_ids")
)

type BboltStorage struct {
	db *bbolt.DB
}

var _ Store = (*BboltStorage)(nil)

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketFriends,
			bucketFriendRequests,
			bucketChats,
			bucketUserChats,
			bucketMessages,
			bucketMessageIDs,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertUser stores a new or updated user.
func (s *BboltStorage) UpsertUser(_ context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required: %w", models.ErrInvalidInput)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := &DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

func (s *BboltStorage) User(_ context.Context, id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns all users stored in the database.
func (s *BboltStorage) ListUsers(_ context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}

func (s *BboltStorage) Friends(_ context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFriends).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BboltStorage) AreFriends(_ context.Context, a, b string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		fb := tx.Bucket(bucketFriends).Bucket([]byte(a))
		ok = fb != nil && fb.Get([]byte(b)) != nil
		return nil
	})
	return ok, err
}

func (s *BboltStorage) AcceptFriendRequest(_ context.Context, fromID, toID string, now int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		reqs := tx.Bucket(bucketFriendRequests)
		inbox := reqs.Bucket([]byte(toID))
		if inbox == nil || inbox.Get([]byte(fromID)) == nil {
			return fmt.Errorf("friend request %s -> %s: %w", fromID, toID, models.ErrNotFound)
		}
		if err := inbox.Delete([]byte(fromID)); err != nil {
			return err
		}
		// A crossed request in the other direction is satisfied too.
		if other := reqs.Bucket([]byte(fromID)); other != nil {
			if err := other.Delete([]byte(toID)); err != nil {
				return err
			}
		}

		friends := tx.Bucket(bucketFriends)
		for _, pair := range [][2]string{{fromID, toID}, {toID, fromID}} {
			b, err := friends.CreateBucketIfNotExists([]byte(pair[0]))
			if err != nil {
				return err
			}
			f := &DBFriendship{FriendID: pair[1], Since: now}
			data, err := f.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(f.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStorage) RemoveFriendship(_ context.Context, a, b string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		friends := tx.Bucket(bucketFriends)
		removed := false
		for _, pair := range [][2]string{{a, b}, {b, a}} {
			fb := friends.Bucket([]byte(pair[0]))
			if fb == nil || fb.Get([]byte(pair[1])) == nil {
				continue
			}
			if err := fb.Delete([]byte(pair[1])); err != nil {
				return err
			}
			removed = true
		}
		if !removed {
			return fmt.Errorf("friendship %s <-> %s: %w", a, b, models.ErrNotFound)
		}
		return nil
	})
}

func (s *BboltStorage) UpsertFriendRequest(_ context.Context, req models.FriendRequest) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		inbox, err := tx.Bucket(bucketFriendRequests).CreateBucketIfNotExists([]byte(req.ToID))
		if err != nil {
			return err
		}
		dbReq := &DBFriendRequest{
			FromID:    req.FromID,
			ToID:      req.ToID,
			Status:    string(req.Status),
			CreatedAt: req.CreatedAt,
		}
		data, err := dbReq.MarshalBinary()
		if err != nil {
			return err
		}
		return inbox.Put(dbReq.Key(), data)
	})
}

func (s *BboltStorage) FriendRequest(_ context.Context, fromID, toID string) (models.FriendRequest, error) {
	var req models.FriendRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		inbox := tx.Bucket(bucketFriendRequests).Bucket([]byte(toID))
		var data []byte
		if inbox != nil {
			data = inbox.Get([]byte(fromID))
		}
		if data == nil {
			return fmt.Errorf("friend request %s -> %s: %w", fromID, toID, models.ErrNotFound)
		}
		var dbReq DBFriendRequest
		if err := dbReq.UnmarshalBinary(data); err != nil {
			return err
		}
		req = dbReq.toModel()
		return nil
	})
	return req, err
}

func (s *BboltStorage) DeleteFriendRequest(_ context.Context, fromID, toID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		inbox := tx.Bucket(bucketFriendRequests).Bucket([]byte(toID))
		if inbox == nil || inbox.Get([]byte(fromID)) == nil {
			return fmt.Errorf("friend request %s -> %s: %w", fromID, toID, models.ErrNotFound)
		}
		return inbox.Delete([]byte(fromID))
	})
}

func (s *BboltStorage) IncomingFriendRequests(_ context.Context, toID string) ([]models.FriendRequest, error) {
	var reqs []models.FriendRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		inbox := tx.Bucket(bucketFriendRequests).Bucket([]byte(toID))
		if inbox == nil {
			return nil
		}
		return inbox.ForEach(func(_, v []byte) error {
			var dbReq DBFriendRequest
			if err := dbReq.UnmarshalBinary(v); err != nil {
				return err
			}
			reqs = append(reqs, dbReq.toModel())
			return nil
		})
	})
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt < reqs[j].CreatedAt })
	return reqs, err
}

func (s *BboltStorage) CreateChat(_ context.Context, a, b string, now int64) (models.Chat, bool, error) {
	if err := checkChatPair(a, b); err != nil {
		return models.Chat{}, false, err
	}

	id := models.DMChatID(a, b)
	var (
		chat    models.Chat
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		if data := chats.Get([]byte(id)); data != nil {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(data); err != nil {
				return err
			}
			chat = dbChat.toModel()
			return nil
		}

		dbChat := &DBChat{
			ID:           id,
			Participants: models.SortedPair(a, b),
			Unread:       map[string]int{a: 0, b: 0},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := putChat(tx, dbChat); err != nil {
			return err
		}
		userChats := tx.Bucket(bucketUserChats)
		for _, p := range dbChat.Participants {
			ub, err := userChats.CreateBucketIfNotExists([]byte(p))
			if err != nil {
				return err
			}
			if err := ub.Put([]byte(id), []byte{}); err != nil {
				return err
			}
		}
		chat = dbChat.toModel()
		created = true
		return nil
	})
	return chat, created, err
}

func (s *BboltStorage) Chat(_ context.Context, id string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, id)
		if err != nil {
			return err
		}
		chat = dbChat.toModel()
		return nil
	})
	return chat, err
}

func (s *BboltStorage) ListChats(_ context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUserChats).Bucket([]byte(userID))
		if ub == nil {
			return nil
		}
		return ub.ForEach(func(k, _ []byte) error {
			dbChat, err := getChat(tx, string(k))
			if err != nil {
				return err
			}
			chats = append(chats, dbChat.toModel())
			return nil
		})
	})
	sort.SliceStable(chats, func(i, j int) bool { return chats[i].UpdatedAt > chats[j].UpdatedAt })
	return chats, err
}

func (s *BboltStorage) AppendMessage(_ context.Context, msg models.Message) (models.Message, models.Chat, error) {
	if msg.ChatID == "" || msg.ID == "" {
		return models.Message{}, models.Chat{}, errors.New("message missing chatID or id")
	}

	var (
		stored models.Message
		chat   models.Chat
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, msg.ChatID)
		if err != nil {
			return err
		}

		chatMsgs, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}

		ids := tx.Bucket(bucketMessageIDs)
		if data := ids.Get([]byte(msg.ID)); data != nil {
			var ref DBMessageRef
			if err := ref.UnmarshalBinary(data); err != nil {
				return err
			}
			if ref.ChatID != msg.ChatID {
				return fmt.Errorf("message id %s already used in another chat: %w", msg.ID, models.ErrInvalidInput)
			}
			existing, err := getMessage(chatMsgs, ref.Seq)
			if err != nil {
				return err
			}
			stored = existing.toModel()
			chat = dbChat.toModel()
			return nil
		}

		dbChat.LastSeq++
		msg.Seq = dbChat.LastSeq
		msg.Seen = false

		dbMsg := dbMessageFrom(msg)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chatMsgs.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := &DBMessageRef{MessageID: msg.ID, ChatID: msg.ChatID, Seq: msg.Seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		if err := ids.Put(ref.Key(), refData); err != nil {
			return err
		}

		if dbChat.LastMessage == nil || msg.Timestamp >= dbChat.LastMessage.Timestamp {
			dbChat.LastMessage = &DBLastMessage{
				MessageID: msg.ID,
				Type:      string(msg.Type),
				Body:      msg.Body,
				ImageURL:  msg.ImageURL,
				SenderID:  msg.SenderID,
				Timestamp: msg.Timestamp,
			}
		}
		if msg.Timestamp > dbChat.UpdatedAt {
			dbChat.UpdatedAt = msg.Timestamp
		}
		if dbChat.Unread == nil {
			dbChat.Unread = make(map[string]int, 2)
		}
		if peer := dbChat.toModel().Peer(msg.SenderID); peer != "" {
			dbChat.Unread[peer]++
		}

		if err := putChat(tx, dbChat); err != nil {
			return err
		}
		stored = dbMsg.toModel()
		chat = dbChat.toModel()
		return nil
	})
	return stored, chat, err
}

func (s *BboltStorage) Message(_ context.Context, chatID, messageID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, err := lookupMessage(tx, chatID, messageID)
		if err != nil {
			return err
		}
		msg = dbMsg.toModel()
		return nil
	})
	return msg, err
}

func (s *BboltStorage) MarkSeen(_ context.Context, chatID, messageID, seenBy string) (models.Chat, bool, error) {
	var (
		chat    models.Chat
		changed bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, chatID)
		if err != nil {
			return err
		}
		dbMsg, err := lookupMessage(tx, chatID, messageID)
		if err != nil {
			return err
		}
		if err := checkSeen(dbChat.toModel(), dbMsg.SenderID, seenBy); err != nil {
			return err
		}

		chat = dbChat.toModel()
		if dbMsg.Seen {
			return nil
		}

		dbMsg.Seen = true
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessages).Bucket([]byte(chatID)).Put(dbMsg.Key(), data); err != nil {
			return err
		}

		if dbChat.Unread[seenBy] > 0 {
			dbChat.Unread[seenBy]--
		}
		if err := putChat(tx, dbChat); err != nil {
			return err
		}
		chat = dbChat.toModel()
		changed = true
		return nil
	})
	return chat, changed, err
}

// ListMessages returns chat messages stored in the database.
func (s *BboltStorage) ListMessages(_ context.Context, chatID string, fromSeq int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		if _, err := getChat(tx, chatID); err != nil {
			return err
		}
		chatMsgs := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatMsgs == nil {
			return nil // No messages for this chat
		}

		c := chatMsgs.Cursor()
		for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	return messages, err
}

func getChat(tx *bbolt.Tx, id string) (*DBChat, error) {
	data := tx.Bucket(bucketChats).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("chat %s: %w", id, models.ErrNotFound)
	}
	var dbChat DBChat
	if err := dbChat.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	return &dbChat, nil
}

func putChat(tx *bbolt.Tx, dbChat *DBChat) error {
	data, err := dbChat.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketChats).Put(dbChat.Key(), data)
}

func getMessage(chatMsgs *bbolt.Bucket, seq int64) (*DBMessage, error) {
	data := chatMsgs.Get(seqKey(seq))
	if data == nil {
		return nil, fmt.Errorf("message seq %d: %w", seq, models.ErrNotFound)
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbMsg, nil
}

func lookupMessage(tx *bbolt.Tx, chatID, messageID string) (*DBMessage, error) {
	notFound := fmt.Errorf("message %s in chat %s: %w", messageID, chatID, models.ErrNotFound)

	data := tx.Bucket(bucketMessageIDs).Get([]byte(messageID))
	if data == nil {
		return nil, notFound
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if ref.ChatID != chatID {
		return nil, notFound
	}
	chatMsgs := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
	if chatMsgs == nil {
		return nil, notFound
	}
	return getMessage(chatMsgs, ref.Seq)
}
