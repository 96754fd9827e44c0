package auth

import (
	"context"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the user does not exist so that unknown
// and known usernames take the same time to reject.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3mTUfjbnzxT.tSDgcO8xD6e")

type userRecord struct {
	hash        []byte
	permissions []string
	roles       []string
}

// HashPassword returns a salted bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares password with a bcrypt hash in constant time.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type basicAuthenticator struct {
	m *Manager
}

func (a *basicAuthenticator) Method() string { return MethodBasic }

func (a *basicAuthenticator) Authenticate(_ context.Context, creds Credentials) (*Principal, error) {
	username, password := creds.Username, creds.Password
	if username == "" && creds.Authorization != "" {
		username, password = parseBasicHeader(creds.Authorization)
	}
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	a.m.mu.RLock()
	user, ok := a.m.users[username]
	a.m.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(user.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &Principal{
		User:        username,
		Method:      MethodBasic,
		Permissions: mergePermissions(user.permissions, a.m.roles.Expand(user.roles)),
		Roles:       append([]string(nil), user.roles...),
	}, nil
}

// parseBasicHeader decodes an "Authorization: Basic" value.
func parseBasicHeader(header string) (string, string) {
	const prefix = "basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ""
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", ""
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", ""
	}
	return username, password
}

// oauthAuthenticator is a placeholder that rejects every request.
type oauthAuthenticator struct{}

func (oauthAuthenticator) Method() string { return MethodOAuth }

func (oauthAuthenticator) Authenticate(context.Context, Credentials) (*Principal, error) {
	return nil, ErrNotImplemented
}
