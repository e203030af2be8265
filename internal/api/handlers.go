package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chatcore/internal/auth"
	"chatcore/internal/models"
	"chatcore/internal/pipeline"
)

const (
	userIDKey = "userID"

	defaultPageSize = 50
	maxPageSize     = 200
)

type Authenticator interface {
	GetUserID(token string) (string, error)
	Logoff(token string) error
}

type ChatStore interface {
	User(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	FriendRequest(ctx context.Context, fromID, toID string) (models.FriendRequest, error)
	CreateChat(ctx context.Context, a, b string, now int64) (models.Chat, bool, error)
	Chat(ctx context.Context, id string) (models.Chat, error)
	ListChats(ctx context.Context, userID string) ([]models.Chat, error)
	ListMessages(ctx context.Context, chatID string, fromSeq int64, limit int) ([]models.Message, error)
}

type Friends interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
	FriendUsers(ctx context.Context, userID string) ([]models.User, error)
	IncomingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error)
	SendRequest(ctx context.Context, fromID, toID string) (bool, error)
	Accept(ctx context.Context, userID, fromID string) error
	Decline(ctx context.Context, userID, fromID string) error
	Remove(ctx context.Context, userID, friendID string) error
}

type Submitter interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (models.Message, error)
}

type Presence interface {
	IsOnline(userID string) bool
}

// API serves the REST side of the chat: friends, chats and the legacy send path.
type API struct {
	auth     Authenticator
	store    ChatStore
	friends  Friends
	messages Submitter
	presence Presence
	log      *slog.Logger
	now      func() time.Time
}

func New(auth Authenticator, store ChatStore, friends Friends, messages Submitter, presence Presence, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		auth:     auth,
		store:    store,
		friends:  friends,
		messages: messages,
		presence: presence,
		log:      log,
		now:      time.Now,
	}
}

// Register mounts every endpoint under /api.
func (a *API) Register(r gin.IRouter) {
	g := r.Group("/api", a.RequireAuth())

	g.GET("/friend/getFriends", a.GetFriends)
	g.GET("/friend/getFriendRequests", a.GetFriendRequests)
	g.POST("/friend/addFriend", a.AddFriend)
	g.POST("/friend/acceptRequest", a.AcceptRequest)
	g.POST("/friend/declineRequest", a.DeclineRequest)
	g.DELETE("/friend/remove/:id", a.RemoveFriend)

	g.GET("/chats", a.ListChats)
	g.POST("/chats", a.CreateChat)
	g.GET("/chats/:id", a.GetChat)

	g.POST("/sendMessage", a.SendMessage)
	g.GET("/users/:id/online", a.UserOnline)

	g.GET("/user/getAllUsers", a.GetAllUsers)
	g.GET("/user/viewUser", a.ViewUser)
	g.GET("/user/viewUser/:id", a.ViewUser)
	g.GET("/user/userDetails", a.UserDetails)

	g.POST("/auth/logout", a.Logout)
}

// RequireAuth resolves the bearer token into the caller's user id.
func (a *API) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.auth.GetUserID(auth.TokenFromRequest(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func (a *API) GetFriends(c *gin.Context) {
	users, err := a.friends.FriendUsers(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		a.fail(c, "failed to load friends", err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	c.JSON(http.StatusOK, gin.H{"friends": users})
}

func (a *API) GetFriendRequests(c *gin.Context) {
	reqs, err := a.friends.IncomingRequests(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		a.fail(c, "failed to load friend requests", err)
		return
	}
	if reqs == nil {
		reqs = []models.FriendRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

func (a *API) AddFriend(c *gin.Context) {
	var req struct {
		FriendID string `json:"friendId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted, err := a.friends.SendRequest(c.Request.Context(), c.GetString(userIDKey), req.FriendID)
	if err != nil {
		a.fail(c, "failed to send friend request", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

type requestAction struct {
	// RequestID is the id of the user who sent the request.
	RequestID string `json:"requestId" binding:"required"`
}

func (a *API) AcceptRequest(c *gin.Context) {
	var req requestAction
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.friends.Accept(c.Request.Context(), c.GetString(userIDKey), req.RequestID); err != nil {
		a.fail(c, "failed to accept friend request", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) DeclineRequest(c *gin.Context) {
	var req requestAction
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.friends.Decline(c.Request.Context(), c.GetString(userIDKey), req.RequestID); err != nil {
		a.fail(c, "failed to decline friend request", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) RemoveFriend(c *gin.Context) {
	if err := a.friends.Remove(c.Request.Context(), c.GetString(userIDKey), c.Param("id")); err != nil {
		a.fail(c, "failed to remove friend", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) ListChats(c *gin.Context) {
	chats, err := a.store.ListChats(c.Request.Context(), c.GetString(userIDKey))
	if err != nil {
		a.fail(c, "failed to load chats", err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// CreateChat creates or returns the chat with a friend.
func (a *API) CreateChat(c *gin.Context) {
	var req struct {
		FriendID string `json:"friendId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	userID := c.GetString(userIDKey)
	if userID == req.FriendID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}

	friends, err := a.friends.AreFriends(ctx, userID, req.FriendID)
	if err != nil {
		a.fail(c, "failed to validate friendship", err)
		return
	}
	if !friends {
		c.JSON(http.StatusForbidden, gin.H{"error": "users are not friends"})
		return
	}

	chat, created, err := a.store.CreateChat(ctx, userID, req.FriendID, a.now().UnixMilli())
	if err != nil {
		a.fail(c, "could not create chat", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, chat)
}

// GetChat returns the chat and a page of its messages starting at ?from=.
func (a *API) GetChat(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	limit = min(limit, maxPageSize)

	ctx := c.Request.Context()
	chat, err := a.store.Chat(ctx, c.Param("id"))
	if err != nil {
		a.fail(c, "failed to load chat", err)
		return
	}
	if !chat.HasParticipant(c.GetString(userIDKey)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	msgs, err := a.store.ListMessages(ctx, chat.ID, from, limit)
	if err != nil {
		a.fail(c, "failed to load messages", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat, "messages": msgs})
}

// SendMessage is the REST fallback for clients without a socket. It runs the
// same pipeline as the websocket sendMessage event.
func (a *API) SendMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString(userIDKey)
	if req.SenderID != "" && req.SenderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "senderId does not match the token"})
		return
	}

	msg, err := a.messages.Submit(c.Request.Context(), pipeline.SubmitRequest{
		SenderID: userID,
		ChatID:   req.ChatID,
		Type:     req.MessageType,
		Body:     req.Message,
		ImageURL: req.ImageURL,
		ClientID: req.ClientID,
	})
	if err != nil {
		a.fail(c, "failed to send message", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// Logout revokes the caller's token for the rest of its lifetime.
func (a *API) Logout(c *gin.Context) {
	if err := a.auth.Logoff(auth.TokenFromRequest(c.Request)); err != nil {
		a.fail(c, "failed to log out", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) UserOnline(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"userId": id, "online": a.presence.IsOnline(id)})
}

// fail maps domain errors onto HTTP statuses. Unknown errors are logged and
// hidden behind msg.
func (a *API) fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error(msg, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": models.ErrorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransientIO):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
