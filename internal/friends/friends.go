// Package friends manages friend requests and the symmetric friend relation.
package friends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatcore/internal/models"
)

type Store interface {
	User(ctx context.Context, id string) (models.User, error)
	Friends(ctx context.Context, userID string) ([]string, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	AcceptFriendRequest(ctx context.Context, fromID, toID string, now int64) error
	RemoveFriendship(ctx context.Context, a, b string) error
	UpsertFriendRequest(ctx context.Context, req models.FriendRequest) error
	FriendRequest(ctx context.Context, fromID, toID string) (models.FriendRequest, error)
	DeleteFriendRequest(ctx context.Context, fromID, toID string) error
	IncomingFriendRequests(ctx context.Context, toID string) ([]models.FriendRequest, error)
}

type Service struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// Friends returns ids of userID's friends. Reads always hit the store so a
// removed friendship takes effect on the next check.
func (s *Service) Friends(ctx context.Context, userID string) ([]string, error) {
	return s.store.Friends(ctx, userID)
}

func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	return s.store.AreFriends(ctx, a, b)
}

// FriendUsers resolves the friend list into user records, skipping ids
// the identity provider no longer knows.
func (s *Service) FriendUsers(ctx context.Context, userID string) ([]models.User, error) {
	ids, err := s.store.Friends(ctx, userID)
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.store.User(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *Service) IncomingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	return s.store.IncomingFriendRequests(ctx, userID)
}

// SendRequest files a request from fromID to toID. When toID already asked
// fromID, the pending request is accepted instead and accepted is true.
func (s *Service) SendRequest(ctx context.Context, fromID, toID string) (accepted bool, err error) {
	if fromID == "" || toID == "" {
		return false, fmt.Errorf("both users are required: %w", models.ErrInvalidInput)
	}
	if fromID == toID {
		return false, fmt.Errorf("cannot befriend yourself: %w", models.ErrInvalidInput)
	}
	if _, err := s.store.User(ctx, toID); err != nil {
		return false, err
	}

	already, err := s.store.AreFriends(ctx, fromID, toID)
	if err != nil {
		return false, err
	}
	if already {
		return false, fmt.Errorf("%s and %s are already friends: %w", fromID, toID, models.ErrInvalidState)
	}

	_, err = s.store.FriendRequest(ctx, toID, fromID)
	switch {
	case err == nil:
		if err := s.store.AcceptFriendRequest(ctx, toID, fromID, s.now().UnixMilli()); err != nil {
			return false, err
		}
		s.log.Info("crossed friend requests accepted", "user_id", fromID, "friend_id", toID)
		return true, nil
	case !errors.Is(err, models.ErrNotFound):
		return false, err
	}

	req := models.FriendRequest{
		FromID:    fromID,
		ToID:      toID,
		Status:    models.FriendRequestPending,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.store.UpsertFriendRequest(ctx, req); err != nil {
		return false, err
	}
	s.log.Info("friend request sent", "user_id", fromID, "friend_id", toID)
	return false, nil
}

// Accept is called by the recipient userID for the request sent by fromID.
func (s *Service) Accept(ctx context.Context, userID, fromID string) error {
	if err := s.store.AcceptFriendRequest(ctx, fromID, userID, s.now().UnixMilli()); err != nil {
		return err
	}
	s.log.Info("friend request accepted", "user_id", userID, "friend_id", fromID)
	return nil
}

func (s *Service) Decline(ctx context.Context, userID, fromID string) error {
	if err := s.store.DeleteFriendRequest(ctx, fromID, userID); err != nil {
		return err
	}
	s.log.Info("friend request declined", "user_id", userID, "friend_id", fromID)
	return nil
}

func (s *Service) Remove(ctx context.Context, userID, friendID string) error {
	if err := s.store.RemoveFriendship(ctx, userID, friendID); err != nil {
		return err
	}
	s.log.Info("friend removed", "user_id", userID, "friend_id", friendID)
	return nil
}
