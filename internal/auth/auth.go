package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"

	"chatcore/internal/models"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	issuer             = "chatcore"
)

type Config struct {
	// Secret is the base64 encoded HS256 key shared with the identity provider.
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}
	if len(c.secretBytes) < 16 {
		return errors.New("auth secret must be at least 16 bytes")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type cachedToken struct {
	userID    string
	expiresAt time.Time
}

// AuthService validates identity provider tokens. Tokens that passed
// signature checks are cached until they expire or are revoked.
type AuthService struct {
	Config
	validated geche.Geche[string, cachedToken]
	revoked   geche.Geche[string, struct{}]
	now       func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:    config,
		validated: geche.NewMapTTLCache[string, cachedToken](ctx, config.TokenExpiry, time.Minute),
		revoked:   geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		now:       time.Now,
	}, nil
}

// Issue mints a token for userID. The identity provider normally does this;
// the admin API uses it for development and seeding.
func (as *AuthService) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("user id is required: %w", models.ErrInvalidInput)
	}
	now := as.now()
	exp := now.Add(as.TokenExpiry)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(as.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, exp, nil
}

// GetUserID returns the user a token was issued to.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("missing token: %w", models.ErrNotAuthorized)
	}
	if _, err := as.revoked.Get(token); err == nil {
		return "", fmt.Errorf("token revoked: %w", models.ErrNotAuthorized)
	}

	now := as.now()
	if cached, err := as.validated.Get(token); err == nil {
		if now.Before(cached.expiresAt) {
			return cached.userID, nil
		}
		_ = as.validated.Del(token)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return as.secretBytes, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %v: %w", err, models.ErrNotAuthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token without subject: %w", models.ErrNotAuthorized)
	}

	as.validated.Set(token, cachedToken{userID: claims.Subject, expiresAt: claims.ExpiresAt.Time})
	return claims.Subject, nil
}

// Logoff revokes a token for the rest of its lifetime.
func (as *AuthService) Logoff(token string) error {
	if token == "" {
		return fmt.Errorf("missing token: %w", models.ErrInvalidInput)
	}
	as.revoked.Set(token, struct{}{})
	if err := as.validated.Del(token); err != nil && !errors.Is(err, geche.ErrNotFound) {
		return err
	}
	return nil
}

// TokenFromRequest reads a bearer token from the Authorization header or the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
