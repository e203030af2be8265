package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"chatcore/internal/models"
)

type FriendshipStatus string

const (
	FriendshipNone            FriendshipStatus = "none"
	FriendshipFriends         FriendshipStatus = "friends"
	FriendshipRequestSent     FriendshipStatus = "requestSent"
	FriendshipRequestReceived FriendshipStatus = "requestReceived"
)

// UserView is a user as seen by the caller.
type UserView struct {
	models.User
	FriendshipStatus FriendshipStatus `json:"friendshipStatus"`
	Online           bool             `json:"online"`
}

// GetAllUsers lists everyone except the caller for the explore screen.
// ?q= filters by user name or display name.
func (a *API) GetAllUsers(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(userIDKey)
	q := strings.ToLower(strings.TrimSpace(c.Query("q")))

	users, err := a.store.ListUsers(ctx)
	if err != nil {
		a.fail(c, "failed to load users", err)
		return
	}

	friendIDs, incoming, err := a.relations(ctx, userID)
	if err != nil {
		a.fail(c, "failed to load friendships", err)
		return
	}

	views := make([]UserView, 0, len(users))
	for _, u := range users {
		if u.ID == userID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(u.UserName), q) && !strings.Contains(strings.ToLower(u.DisplayName), q) {
			continue
		}

		var status FriendshipStatus
		switch {
		case friendIDs[u.ID]:
			status = FriendshipFriends
		case incoming[u.ID]:
			status = FriendshipRequestReceived
		default:
			status, err = a.sentStatus(ctx, userID, u.ID)
			if err != nil {
				a.fail(c, "failed to load friendships", err)
				return
			}
		}
		views = append(views, UserView{User: u, FriendshipStatus: status, Online: a.presence.IsOnline(u.ID)})
	}

	slices.SortFunc(views, func(x, y UserView) int { return strings.Compare(x.UserName, y.UserName) })
	c.JSON(http.StatusOK, gin.H{"users": views})
}

// ViewUser returns another user's profile. The id comes from the path or ?id=.
func (a *API) ViewUser(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		id = c.Query("id")
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	ctx := c.Request.Context()
	user, err := a.store.User(ctx, id)
	if err != nil {
		a.fail(c, "failed to load user", err)
		return
	}

	status, err := a.friendshipStatus(ctx, c.GetString(userIDKey), id)
	if err != nil {
		a.fail(c, "failed to load friendship", err)
		return
	}
	c.JSON(http.StatusOK, UserView{User: user, FriendshipStatus: status, Online: a.presence.IsOnline(id)})
}

// UserDetails returns the caller's own profile with friend and request counts.
func (a *API) UserDetails(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(userIDKey)

	user, err := a.store.User(ctx, userID)
	if err != nil {
		a.fail(c, "failed to load user", err)
		return
	}
	friendIDs, incoming, err := a.relations(ctx, userID)
	if err != nil {
		a.fail(c, "failed to load friendships", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":         user,
		"friendCount":  len(friendIDs),
		"requestCount": len(incoming),
	})
}

// relations returns the caller's friends and the senders of pending requests to them.
func (a *API) relations(ctx context.Context, userID string) (friends, incoming map[string]bool, err error) {
	users, err := a.friends.FriendUsers(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	reqs, err := a.friends.IncomingRequests(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	friends = make(map[string]bool, len(users))
	for _, u := range users {
		friends[u.ID] = true
	}
	incoming = make(map[string]bool, len(reqs))
	for _, r := range reqs {
		incoming[r.FromID] = true
	}
	return friends, incoming, nil
}

func (a *API) friendshipStatus(ctx context.Context, userID, otherID string) (FriendshipStatus, error) {
	if userID == otherID {
		return FriendshipNone, nil
	}
	ok, err := a.friends.AreFriends(ctx, userID, otherID)
	if err != nil {
		return "", err
	}
	if ok {
		return FriendshipFriends, nil
	}

	_, err = a.store.FriendRequest(ctx, otherID, userID)
	switch {
	case err == nil:
		return FriendshipRequestReceived, nil
	case !errors.Is(err, models.ErrNotFound):
		return "", err
	}
	return a.sentStatus(ctx, userID, otherID)
}

func (a *API) sentStatus(ctx context.Context, userID, otherID string) (FriendshipStatus, error) {
	_, err := a.store.FriendRequest(ctx, userID, otherID)
	switch {
	case err == nil:
		return FriendshipRequestSent, nil
	case errors.Is(err, models.ErrNotFound):
		return FriendshipNone, nil
	}
	return "", err
}
