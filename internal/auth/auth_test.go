package auth

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatcore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*AuthService, *time.Time) {
	t.Helper()
	cfg := Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret-0123456789")),
		TokenExpiry: time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc, err := NewAuthService(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	// Mock time
	currentTime := time.Unix(1700000000, 0)
	svc.now = func() time.Time {
		return currentTime
	}
	return svc, &currentTime
}

func TestAuthService_IssueAndValidate(t *testing.T) {
	svc, _ := newTestService(t)

	token, exp, err := svc.Issue("u1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).Add(time.Hour), exp)

	userID, err := svc.GetUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	// Second call is answered from cache.
	userID, err = svc.GetUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestAuthService_Expiry(t *testing.T) {
	svc, now := newTestService(t)

	token, _, err := svc.Issue("u1")
	require.NoError(t, err)
	_, err = svc.GetUserID(token)
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	_, err = svc.GetUserID(token)
	assert.ErrorIs(t, err, models.ErrNotAuthorized)
}

func TestAuthService_Rejects(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetUserID("")
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = svc.GetUserID("not-a-jwt")
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Unix(1700003600, 0)),
	}).SignedString([]byte("some-other-secret-value"))
	require.NoError(t, err)
	_, err = svc.GetUserID(forged)
	assert.ErrorIs(t, err, models.ErrNotAuthorized, "wrong key")

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "u1",
		Issuer:  issuer,
	}).SignedString(svc.secretBytes)
	require.NoError(t, err)
	_, err = svc.GetUserID(noExp)
	assert.ErrorIs(t, err, models.ErrNotAuthorized, "expiry is required")

	_, _, err = svc.Issue("")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestAuthService_Logoff(t *testing.T) {
	svc, _ := newTestService(t)

	token, _, err := svc.Issue("u1")
	require.NoError(t, err)
	_, err = svc.GetUserID(token)
	require.NoError(t, err)

	require.NoError(t, svc.Logoff(token))
	_, err = svc.GetUserID(token)
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	// A token that was never validated can still be revoked.
	fresh, _, err := svc.Issue("u2")
	require.NoError(t, err)
	require.NoError(t, svc.Logoff(fresh))
	_, err = svc.GetUserID(fresh)
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	assert.ErrorIs(t, svc.Logoff(""), models.ErrInvalidInput)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{Secret: "%%%"}
	assert.Error(t, cfg.Validate())

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("short"))}
	assert.Error(t, cfg.Validate())

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("long-enough-secret"))}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultTokenExpiry, cfg.TokenExpiry)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	assert.Equal(t, "query-token", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(r))
}
