package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatcore/internal/content"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
)

type UserStore interface {
	UpsertUser(ctx context.Context, user models.User) error
	User(ctx context.Context, id string) (models.User, error)
}

type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

type OnlineLister interface {
	OnlineUserIDs() []string
}

// AdminHandler serves the operator endpoints. It is meant to listen on a
// private address only.
type AdminHandler struct {
	users  UserStore
	tokens TokenIssuer
	online OnlineLister
	log    *slog.Logger
}

func NewAdminHandler(users UserStore, tokens TokenIssuer, online OnlineLister, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{users: users, tokens: tokens, online: online, log: log}
}

func (h *AdminHandler) Register(r gin.IRouter) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	g := r.Group("/admin")
	g.POST("/users", h.AddUser)
	g.POST("/tokens", h.IssueToken)
	g.GET("/online", h.Online)
}

type AddUserRequest struct {
	// ID is the identity provider's id. A new one is generated when empty.
	ID          string `json:"id,omitempty"`
	Username    string `json:"username" binding:"required"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type TokenResponse struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AddUser seeds a user and returns a token for it.
func (h *AdminHandler) AddUser(c *gin.Context) {
	var req AddUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := models.User{
		ID:          req.ID,
		UserName:    req.Username,
		DisplayName: content.Sanitize(req.DisplayName),
		AvatarURL:   req.AvatarURL,
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.DisplayName == "" {
		user.DisplayName = user.UserName
	}

	if err := h.users.UpsertUser(c.Request.Context(), user); err != nil {
		h.log.Error("failed to store user", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	token, exp, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.log.Error("failed to issue token", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	h.log.Info("user added", "user_id", user.ID, "username", user.UserName)
	c.JSON(http.StatusOK, TokenResponse{UserID: user.ID, Username: user.UserName, Token: token, ExpiresAt: exp})
}

// IssueToken mints a development token for an existing user.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.User(c.Request.Context(), req.UserID)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		h.log.Error("failed to load user", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}

	token, exp, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.log.Error("failed to issue token", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{UserID: user.ID, Username: user.UserName, Token: token, ExpiresAt: exp})
}

func (h *AdminHandler) Online(c *gin.Context) {
	ids := h.online.OnlineUserIDs()
	slices.Sort(ids)
	c.JSON(http.StatusOK, gin.H{"userIds": ids})
}
