// Package auth verifies bearer tokens and enforces role checks.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors mapped to 401/403 at the HTTP layer.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Config holds auth configuration.
type Config struct {
	JWTSecret    string        `envconfig:"AUTH_JWT_SECRET" required:"true"`
	RoleCacheTTL time.Duration `envconfig:"AUTH_ROLE_CACHE_TTL" default:"5m"`
}

// User is the authenticated principal derived from a verified token.
// It is never persisted; it is recomputed from the token claims.
type User struct {
	ID          string
	Email       string
	Roles       []string
	Permissions []string
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims are the JWT claims recognized by the guard.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Guard verifies bearer tokens and enforces role requirements.
type Guard struct {
	secret  []byte
	revoked RevocationList
	logger  *slog.Logger

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	user      User
	expiresAt time.Time
}

// NewGuard creates a new auth guard.
func NewGuard(cfg Config, revoked RevocationList, logger *slog.Logger) *Guard {
	ttl := cfg.RoleCacheTTL
	if ttl <= 0 || ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return &Guard{
		secret:   []byte(cfg.JWTSecret),
		revoked:  revoked,
		logger:   logger,
		cacheTTL: ttl,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// Authorize verifies the token and checks that the caller holds at least
// one of the required roles. An empty requiredRoles slice means any valid
// token is sufficient.
func (g *Guard) Authorize(_ context.Context, token string, requiredRoles ...string) (*User, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}

	claims, key, err := g.verify(token)
	if err != nil {
		return nil, err
	}

	// Revocation is checked on every call so a revoke is visible
	// immediately, independent of the role cache.
	if g.revoked != nil && g.revoked.IsRevoked(key) {
		return nil, fmt.Errorf("token revoked: %w", ErrUnauthorized)
	}

	user := g.cachedUser(key, claims)

	if len(requiredRoles) > 0 {
		allowed := false
		for _, role := range requiredRoles {
			if user.HasRole(role) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("missing required role: %w", ErrForbidden)
		}
	}

	return user, nil
}

// Revoke registers the token in the deny-list until the token's own expiry.
func (g *Guard) Revoke(_ context.Context, token string) error {
	if g.revoked == nil {
		return errors.New("no revocation list configured")
	}

	claims, key, err := g.verify(token)
	if err != nil {
		return err
	}

	until := g.now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	g.revoked.Revoke(key, until)

	g.logger.Info("token revoked", "subject", claims.Subject, "until", until)
	return nil
}

func (g *Guard) verify(token string) (*Claims, string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, "", fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}

	return claims, revocationKey(claims, token), nil
}

// cachedUser returns the cached principal for the token, re-deriving it
// from verified claims on a miss. A miss never defaults to open permissions.
func (g *Guard) cachedUser(key string, claims *Claims) *User {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if entry, ok := g.cache[key]; ok && now.Before(entry.expiresAt) {
		u := entry.user
		return &u
	}

	user := User{
		ID:          claims.Subject,
		Email:       claims.Email,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}

	ttl := g.cacheTTL
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Time.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		g.cache[key] = cacheEntry{user: user, expiresAt: now.Add(ttl)}
	}

	u := user
	return &u
}

// revocationKey identifies a token in the deny-list: the jti claim when
// present, else a digest of the raw token.
func revocationKey(claims *Claims, token string) string {
	if claims.ID != "" {
		return claims.ID
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IssueToken mints an HMAC-signed token for the given principal. Used by
// operational tooling and tests; production tokens normally come from the
// identity provider sharing the same secret.
func IssueToken(secret string, user User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:       user.Email,
		Roles:       user.Roles,
		Permissions: user.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%x", sha256.Sum256([]byte(user.ID+now.String()))),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
