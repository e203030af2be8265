package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"chatcore/internal/models"
)

// PostgresStorage keeps the same semantics as BboltStorage on top of Postgres.
// Per-chat writes are serialized with SELECT ... FOR UPDATE on the chat row.
type PostgresStorage struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStorage)(nil)

func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	s := &PostgresStorage{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStorage) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            user_name TEXT NOT NULL DEFAULT '',
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS friendships (
            user_id TEXT NOT NULL,
            friend_id TEXT NOT NULL,
            since BIGINT NOT NULL,
            PRIMARY KEY(user_id, friend_id)
        );`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
            from_id TEXT NOT NULL,
            to_id TEXT NOT NULL,
            status TEXT NOT NULL,
            created_at BIGINT NOT NULL,
            PRIMARY KEY(from_id, to_id)
        );`,
		`CREATE TABLE IF NOT EXISTS chats (
            id TEXT PRIMARY KEY,
            user_a TEXT NOT NULL,
            user_b TEXT NOT NULL,
            last_message JSONB,
            unread_a INT NOT NULL DEFAULT 0,
            unread_b INT NOT NULL DEFAULT 0,
            last_seq BIGINT NOT NULL DEFAULT 0,
            created_at BIGINT NOT NULL,
            updated_at BIGINT NOT NULL,
            UNIQUE(user_a, user_b)
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            seq BIGINT NOT NULL,
            sender_id TEXT NOT NULL,
            type TEXT NOT NULL,
            body TEXT NOT NULL DEFAULT '',
            image_url TEXT NOT NULL DEFAULT '',
            ts BIGINT NOT NULL,
            seen BOOLEAN NOT NULL DEFAULT FALSE,
            client_id TEXT NOT NULL DEFAULT '',
            UNIQUE(chat_id, seq)
        );`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type pgUser struct {
	ID          string `db:"id"`
	UserName    string `db:"user_name"`
	DisplayName string `db:"display_name"`
	AvatarURL   string `db:"avatar_url"`
}

func (u pgUser) toModel() models.User {
	return models.User{ID: u.ID, UserName: u.UserName, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

type pgFriendRequest struct {
	FromID    string `db:"from_id"`
	ToID      string `db:"to_id"`
	Status    string `db:"status"`
	CreatedAt int64  `db:"created_at"`
}

func (r pgFriendRequest) toModel() models.FriendRequest {
	return models.FriendRequest{FromID: r.FromID, ToID: r.ToID, Status: models.FriendRequestStatus(r.Status), CreatedAt: r.CreatedAt}
}

type pgChat struct {
	ID          string         `db:"id"`
	UserA       string         `db:"user_a"`
	UserB       string         `db:"user_b"`
	LastMessage sql.NullString `db:"last_message"`
	UnreadA     int            `db:"unread_a"`
	UnreadB     int            `db:"unread_b"`
	LastSeq     int64          `db:"last_seq"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
}

func (c pgChat) toModel() (models.Chat, error) {
	chat := models.Chat{
		ID:           c.ID,
		Participants: [2]string{c.UserA, c.UserB},
		UnreadCounts: models.UnreadCounts{c.UserA: c.UnreadA, c.UserB: c.UnreadB},
		LastSeq:      c.LastSeq,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.LastMessage.Valid {
		var lm models.LastMessage
		if err := json.Unmarshal([]byte(c.LastMessage.String), &lm); err != nil {
			return models.Chat{}, fmt.Errorf("decode last message of %s: %w", c.ID, err)
		}
		chat.LastMessage = &lm
	}
	return chat, nil
}

type pgMessage struct {
	ID       string `db:"id"`
	ChatID   string `db:"chat_id"`
	Seq      int64  `db:"seq"`
	SenderID string `db:"sender_id"`
	Type     string `db:"type"`
	Body     string `db:"body"`
	ImageURL string `db:"image_url"`
	TS       int64  `db:"ts"`
	Seen     bool   `db:"seen"`
	ClientID string `db:"client_id"`
}

func (m pgMessage) toModel() models.Message {
	return models.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Type:      models.MessageType(m.Type),
		Body:      m.Body,
		ImageURL:  m.ImageURL,
		Timestamp: m.TS,
		Seen:      m.Seen,
		ClientID:  m.ClientID,
	}
}

const (
	chatColumns    = `id, user_a, user_b, last_message, unread_a, unread_b, last_seq, created_at, updated_at`
	messageColumns = `id, chat_id, seq, sender_id, type, body, image_url, ts, seen, client_id`
)

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, models.ErrNotFound)...)
	}
	return err
}

func (s *PostgresStorage) UpsertUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required: %w", models.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, user_name, display_name, avatar_url) VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET user_name = EXCLUDED.user_name, display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`,
		user.ID, user.UserName, user.DisplayName, user.AvatarURL)
	return err
}

func (s *PostgresStorage) User(ctx context.Context, id string) (models.User, error) {
	var u pgUser
	err := s.db.GetContext(ctx, &u, `SELECT id, user_name, display_name, avatar_url FROM users WHERE id=$1`, id)
	if err != nil {
		return models.User{}, notFound(err, "user %s", id)
	}
	return u.toModel(), nil
}

func (s *PostgresStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	var rows []pgUser
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, user_name, display_name, avatar_url FROM users ORDER BY id`); err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toModel())
	}
	return users, nil
}

func (s *PostgresStorage) Friends(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT friend_id FROM friendships WHERE user_id=$1 ORDER BY friend_id`, userID)
	return ids, err
}

func (s *PostgresStorage) AreFriends(ctx context.Context, a, b string) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok, `SELECT EXISTS(SELECT 1 FROM friendships WHERE user_id=$1 AND friend_id=$2)`, a, b)
	return ok, err
}

func (s *PostgresStorage) AcceptFriendRequest(ctx context.Context, fromID, toID string, now int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM friend_requests WHERE from_id=$1 AND to_id=$2`, fromID, toID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("friend request %s -> %s: %w", fromID, toID, models.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM friend_requests WHERE from_id=$1 AND to_id=$2`, toID, fromID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO friendships (user_id, friend_id, since) VALUES ($1, $2, $3), ($2, $1, $3)
            ON CONFLICT DO NOTHING`, fromID, toID, now)
		return err
	})
}

func (s *PostgresStorage) RemoveFriendship(ctx context.Context, a, b string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM friendships WHERE (user_id=$1 AND friend_id=$2) OR (user_id=$2 AND friend_id=$1)`, a, b)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("friendship %s <-> %s: %w", a, b, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) UpsertFriendRequest(ctx context.Context, req models.FriendRequest) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO friend_requests (from_id, to_id, status, created_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (from_id, to_id) DO UPDATE SET status = EXCLUDED.status, created_at = EXCLUDED.created_at`,
		req.FromID, req.ToID, string(req.Status), req.CreatedAt)
	return err
}

func (s *PostgresStorage) FriendRequest(ctx context.Context, fromID, toID string) (models.FriendRequest, error) {
	var r pgFriendRequest
	err := s.db.GetContext(ctx, &r, `SELECT from_id, to_id, status, created_at FROM friend_requests WHERE from_id=$1 AND to_id=$2`, fromID, toID)
	if err != nil {
		return models.FriendRequest{}, notFound(err, "friend request %s -> %s", fromID, toID)
	}
	return r.toModel(), nil
}

func (s *PostgresStorage) DeleteFriendRequest(ctx context.Context, fromID, toID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM friend_requests WHERE from_id=$1 AND to_id=$2`, fromID, toID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("friend request %s -> %s: %w", fromID, toID, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStorage) IncomingFriendRequests(ctx context.Context, toID string) ([]models.FriendRequest, error) {
	var rows []pgFriendRequest
	err := s.db.SelectContext(ctx, &rows, `SELECT from_id, to_id, status, created_at FROM friend_requests WHERE to_id=$1 ORDER BY created_at ASC`, toID)
	if err != nil {
		return nil, err
	}
	reqs := make([]models.FriendRequest, 0, len(rows))
	for _, r := range rows {
		reqs = append(reqs, r.toModel())
	}
	return reqs, nil
}

func (s *PostgresStorage) CreateChat(ctx context.Context, a, b string, now int64) (models.Chat, bool, error) {
	if err := checkChatPair(a, b); err != nil {
		return models.Chat{}, false, err
	}
	pair := models.SortedPair(a, b)
	res, err := s.db.ExecContext(ctx, `INSERT INTO chats (id, user_a, user_b, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
        ON CONFLICT DO NOTHING`, models.DMChatID(a, b), pair[0], pair[1], now)
	if err != nil {
		return models.Chat{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Chat{}, false, err
	}
	chat, err := s.Chat(ctx, models.DMChatID(a, b))
	return chat, n > 0, err
}

func (s *PostgresStorage) Chat(ctx context.Context, id string) (models.Chat, error) {
	var row pgChat
	if err := s.db.GetContext(ctx, &row, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, id); err != nil {
		return models.Chat{}, notFound(err, "chat %s", id)
	}
	return row.toModel()
}

func (s *PostgresStorage) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	var rows []pgChat
	err := s.db.SelectContext(ctx, &rows, `SELECT `+chatColumns+` FROM chats WHERE user_a=$1 OR user_b=$1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	chats := make([]models.Chat, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, nil
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, msg models.Message) (models.Message, models.Chat, error) {
	if msg.ChatID == "" || msg.ID == "" {
		return models.Message{}, models.Chat{}, errors.New("message missing chatID or id")
	}

	var (
		stored models.Message
		chat   models.Chat
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row pgChat
		if err := tx.GetContext(ctx, &row, `SELECT `+chatColumns+` FROM chats WHERE id=$1 FOR UPDATE`, msg.ChatID); err != nil {
			return notFound(err, "chat %s", msg.ChatID)
		}

		var existing pgMessage
		err := tx.GetContext(ctx, &existing, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, msg.ID)
		switch {
		case err == nil:
			if existing.ChatID != msg.ChatID {
				return fmt.Errorf("message id %s already used in another chat: %w", msg.ID, models.ErrInvalidInput)
			}
			stored = existing.toModel()
			chat, err = row.toModel()
			return err
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		msg.Seq = row.LastSeq + 1
		msg.Seen = false
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)`,
			msg.ID, msg.ChatID, msg.Seq, msg.SenderID, string(msg.Type), msg.Body, msg.ImageURL, msg.Timestamp, msg.ClientID); err != nil {
			return err
		}

		current, err := row.toModel()
		if err != nil {
			return err
		}
		lastMessage := row.LastMessage
		if current.LastMessage == nil || msg.Timestamp >= current.LastMessage.Timestamp {
			data, err := json.Marshal(msg.Summary())
			if err != nil {
				return err
			}
			lastMessage = sql.NullString{String: string(data), Valid: true}
		}

		if err := tx.GetContext(ctx, &row, `UPDATE chats SET
                last_seq = $2,
                last_message = $3,
                updated_at = GREATEST(updated_at, $4),
                unread_a = (SELECT count(*) FROM messages WHERE chat_id = $1 AND sender_id = chats.user_b AND NOT seen),
                unread_b = (SELECT count(*) FROM messages WHERE chat_id = $1 AND sender_id = chats.user_a AND NOT seen)
            WHERE id = $1
            RETURNING `+chatColumns, msg.ChatID, msg.Seq, lastMessage, msg.Timestamp); err != nil {
			return err
		}

		stored = msg
		chat, err = row.toModel()
		return err
	})
	return stored, chat, err
}

func (s *PostgresStorage) Message(ctx context.Context, chatID, messageID string) (models.Message, error) {
	var m pgMessage
	err := s.db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id=$1 AND chat_id=$2`, messageID, chatID)
	if err != nil {
		return models.Message{}, notFound(err, "message %s in chat %s", messageID, chatID)
	}
	return m.toModel(), nil
}

func (s *PostgresStorage) MarkSeen(ctx context.Context, chatID, messageID, seenBy string) (models.Chat, bool, error) {
	var (
		chat    models.Chat
		changed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row pgChat
		if err := tx.GetContext(ctx, &row, `SELECT `+chatColumns+` FROM chats WHERE id=$1 FOR UPDATE`, chatID); err != nil {
			return notFound(err, "chat %s", chatID)
		}
		current, err := row.toModel()
		if err != nil {
			return err
		}

		var m pgMessage
		if err := tx.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id=$1 AND chat_id=$2`, messageID, chatID); err != nil {
			return notFound(err, "message %s in chat %s", messageID, chatID)
		}
		if err := checkSeen(current, m.SenderID, seenBy); err != nil {
			return err
		}

		chat = current
		if m.Seen {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE messages SET seen = TRUE WHERE id=$1`, messageID); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &row, `UPDATE chats SET
                unread_a = (SELECT count(*) FROM messages WHERE chat_id = $1 AND sender_id = chats.user_b AND NOT seen),
                unread_b = (SELECT count(*) FROM messages WHERE chat_id = $1 AND sender_id = chats.user_a AND NOT seen)
            WHERE id = $1
            RETURNING `+chatColumns, chatID); err != nil {
			return err
		}
		chat, err = row.toModel()
		changed = true
		return err
	})
	return chat, changed, err
}

func (s *PostgresStorage) ListMessages(ctx context.Context, chatID string, fromSeq int64, limit int) ([]models.Message, error) {
	if _, err := s.Chat(ctx, chatID); err != nil {
		return nil, err
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id=$1 AND seq >= $2 ORDER BY seq ASC`
	args := []any{chatID, fromSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	var rows []pgMessage
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toModel())
	}
	return msgs, nil
}

func (s *PostgresStorage) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
