package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestGuard(t *testing.T) (*Guard, *MemoryRevocationList) {
	t.Helper()
	revoked := NewMemoryRevocationList()
	guard := NewGuard(Config{JWTSecret: testSecret, RoleCacheTTL: time.Minute}, revoked,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return guard, revoked
}

func issueTestToken(t *testing.T, roles []string, ttl time.Duration) string {
	t.Helper()
	token, err := IssueToken(testSecret, User{
		ID:    "user-1",
		Email: "user@example.com",
		Roles: roles,
	}, ttl)
	require.NoError(t, err)
	return token
}

func TestAuthorizeValidToken(t *testing.T) {
	guard, _ := newTestGuard(t)
	token := issueTestToken(t, []string{"payment:read"}, time.Hour)

	user, err := guard.Authorize(context.Background(), token, "payment:read")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "user@example.com", user.Email)
	assert.True(t, user.HasRole("payment:read"))
}

func TestAuthorizeMissingToken(t *testing.T) {
	guard, _ := newTestGuard(t)

	_, err := guard.Authorize(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeInvalidSignature(t *testing.T) {
	guard, _ := newTestGuard(t)
	token, err := IssueToken("wrong-secret", User{ID: "user-1"}, time.Hour)
	require.NoError(t, err)

	_, err = guard.Authorize(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeExpiredToken(t *testing.T) {
	guard, _ := newTestGuard(t)
	token := issueTestToken(t, nil, -time.Minute)

	_, err := guard.Authorize(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorizeInsufficientRole(t *testing.T) {
	guard, _ := newTestGuard(t)
	token := issueTestToken(t, []string{"payment:read"}, time.Hour)

	_, err := guard.Authorize(context.Background(), token, "refund:write")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorizeAnyOfRequiredRoles(t *testing.T) {
	guard, _ := newTestGuard(t)
	token := issueTestToken(t, []string{"refund:read"}, time.Hour)

	_, err := guard.Authorize(context.Background(), token, "admin", "refund:read")
	assert.NoError(t, err)
}

func TestRevokedTokenRejectedImmediately(t *testing.T) {
	guard, _ := newTestGuard(t)
	token := issueTestToken(t, []string{"payment:read"}, time.Hour)

	// Valid before revocation, including a cached authorization.
	_, err := guard.Authorize(context.Background(), token, "payment:read")
	require.NoError(t, err)

	require.NoError(t, guard.Revoke(context.Background(), token))

	_, err = guard.Authorize(context.Background(), token, "payment:read")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMemoryRevocationListExpiry(t *testing.T) {
	list := NewMemoryRevocationList()
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	list.now = func() time.Time { return current }

	list.Revoke("jti-1", current.Add(time.Minute))
	assert.True(t, list.IsRevoked("jti-1"))

	current = current.Add(2 * time.Minute)
	assert.False(t, list.IsRevoked("jti-1"))
}
