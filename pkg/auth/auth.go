// Package auth implements the Auth Manager. It authenticates sessions with a
// pluggable strategy (token, basic or oauth), issues and revokes tokens, and
// authorizes operations against permission sets with wildcard matching.
package auth

import (
	"context"
	"errors"
	"time"
)

// Authentication methods
const (
	MethodToken = "token"
	MethodBasic = "basic"
	MethodOAuth = "oauth"
)

// Sentinel failures returned by authenticators. The manager wraps them in an
// authentication error so callers can still match them with errors.Is.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("credentials required")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrUnsupportedMethod  = errors.New("unsupported authentication method")
	ErrNotImplemented     = errors.New("authentication method not implemented")
)

// Credentials are presented by a client. Which fields matter depends on the
// method: token uses Token or an "Authorization: Bearer" value, basic uses
// Username/Password or an "Authorization: Basic" value.
type Credentials struct {
	Token         string
	Authorization string
	Username      string
	Password      string
}

// Principal is the authenticated identity attached to a session.
type Principal struct {
	User        string    `json:"user"`
	Method      string    `json:"method"`
	Permissions []string  `json:"permissions,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Token       string    `json:"-"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// Authenticator is one authentication strategy.
type Authenticator interface {
	// Method returns the name used to select this strategy
	Method() string

	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
}

// User is a configured account for basic authentication. Either Password or
// PasswordHash (bcrypt) must be set; plain passwords are hashed on load.
type User struct {
	Username     string
	Password     string
	PasswordHash string
	Permissions  []string
	Roles        []string
}

// Config configures the Auth Manager
type Config struct {
	Enabled bool
	Method  string

	// Tokens is the static allow-list for the token method. A matching
	// token grants every permission.
	Tokens []string

	Users []User

	// Roles extends the built-in role table
	Roles []Role

	// TokenTTL is the default lifetime of issued tokens
	TokenTTL time.Duration

	// JWTSecret, when set, makes issued tokens HS256 JWTs
	JWTSecret string

	// CleanupInterval controls the expired-token sweep
	CleanupInterval time.Duration
}

// DefaultConfig returns a disabled token configuration.
func DefaultConfig() Config {
	return Config{
		Method:          MethodToken,
		TokenTTL:        time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}
