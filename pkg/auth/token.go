package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
)

// issuedToken is an entry in the in-memory token store
type issuedToken struct {
	User        string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// tokenAuthenticator checks bearer tokens against the static allow-list,
// then the issued-token store, then (when configured) the JWT signature.
type tokenAuthenticator struct {
	m *Manager
}

func (a *tokenAuthenticator) Method() string { return MethodToken }

func (a *tokenAuthenticator) Authenticate(_ context.Context, creds Credentials) (*Principal, error) {
	token := creds.Token
	if token == "" {
		token = bearerToken(creds.Authorization)
	}
	if token == "" {
		return nil, ErrMissingCredentials
	}
	return a.m.ValidateToken(token)
}

// bearerToken extracts the token from an "Authorization: Bearer" value.
func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// matchStatic compares token against every allow-listed token without
// stopping at the first match.
func matchStatic(allowed [][]byte, token string) bool {
	candidate := []byte(token)
	found := 0
	for _, t := range allowed {
		found |= subtle.ConstantTimeCompare(t, candidate)
	}
	return found == 1
}

// ValidateToken resolves token to a principal. Revoked tokens always fail.
func (m *Manager) ValidateToken(token string) (*Principal, error) {
	m.mu.RLock()
	_, revoked := m.revoked[token]
	issued, isIssued := m.issued[token]
	m.mu.RUnlock()

	if revoked {
		return nil, ErrTokenRevoked
	}

	if matchStatic(m.staticTokens, token) {
		return &Principal{
			User:        "token-user",
			Method:      MethodToken,
			Permissions: []string{WildcardPermission},
			Token:       token,
		}, nil
	}

	if isIssued {
		if m.now().After(issued.ExpiresAt) {
			return nil, ErrTokenExpired
		}
		return &Principal{
			User:        issued.User,
			Method:      MethodToken,
			Permissions: append([]string(nil), issued.Permissions...),
			Token:       token,
			ExpiresAt:   issued.ExpiresAt,
		}, nil
	}

	if m.signer != nil {
		return m.signer.verify(token)
	}
	return nil, ErrTokenInvalid
}

// CreateToken issues a token for user with the given permissions. A zero
// ttl uses the configured default.
func (m *Manager) CreateToken(user string, permissions []string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = m.config.TokenTTL
	}
	now := m.now()
	expiresAt := now.Add(ttl)

	var (
		token string
		err   error
	)
	if m.signer != nil {
		token, err = m.signer.sign(user, permissions, now, expiresAt)
	} else {
		token, err = randomToken(32)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}

	m.mu.Lock()
	m.issued[token] = &issuedToken{
		User:        user,
		Permissions: append([]string(nil), permissions...),
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}
	m.mu.Unlock()

	m.logger.Debug("Issued token", logging.String("user", user), logging.Time("expires_at", expiresAt))
	return token, expiresAt, nil
}

// RevokeToken invalidates token. Revocation is remembered even for tokens
// the store never issued, such as allow-listed or foreign JWTs.
func (m *Manager) RevokeToken(token string) {
	m.mu.Lock()
	expiresAt := m.now().Add(m.config.TokenTTL)
	if issued, ok := m.issued[token]; ok {
		expiresAt = issued.ExpiresAt
		delete(m.issued, token)
	}
	m.revoked[token] = expiresAt
	m.mu.Unlock()

	m.logger.Info("Token revoked")
}

// IsRevoked reports whether token has been revoked.
func (m *Manager) IsRevoked(token string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[token]
	return ok
}

// CleanupExpiredTokens drops expired issued tokens and revocation entries
// that can no longer be presented successfully. It returns how many entries
// were removed.
func (m *Manager) CleanupExpiredTokens() int {
	now := m.now()
	removed := 0

	m.mu.Lock()
	for token, info := range m.issued {
		if now.After(info.ExpiresAt) {
			delete(m.issued, token)
			removed++
		}
	}
	for token, until := range m.revoked {
		if now.After(until) && !matchStatic(m.staticTokens, token) {
			delete(m.revoked, token)
			removed++
		}
	}
	m.mu.Unlock()

	return removed
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// jwtSigner issues and verifies HS256 tokens carrying the permission set.
type jwtSigner struct {
	secret []byte
}

func (s *jwtSigner) sign(user string, permissions []string, issuedAt, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":   user,
		"perms": permissions,
		"iat":   issuedAt.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   mustRandom(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *jwtSigner) verify(tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrTokenInvalid)
	}

	var perms []string
	if raw, ok := claims["perms"].([]interface{}); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				perms = append(perms, s)
			}
		}
	}

	p := &Principal{User: sub, Method: MethodToken, Permissions: perms, Token: tokenString}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}
	return p, nil
}

func mustRandom() string {
	s, err := randomToken(12)
	if err != nil {
		return ""
	}
	return s
}
