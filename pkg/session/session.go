// Package session implements the Session Manager: it creates, tracks,
// initializes, authenticates and expires client sessions.
package session

import (
	"time"

	"github.com/ajitpratap0/mcp-control-plane/pkg/auth"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

// TransportKind identifies how a session's client is connected.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// Session is a snapshot of a client session. The manager owns the live
// state; values returned to callers are copies.
type Session struct {
	ID              string                `json:"id"`
	Transport       TransportKind         `json:"transport"`
	ClientInfo      protocol.ClientInfo   `json:"clientInfo"`
	ProtocolVersion protocol.Version      `json:"protocolVersion"`
	Capabilities    protocol.Capabilities `json:"capabilities"`
	IsInitialized   bool                  `json:"isInitialized"`
	Authenticated   bool                  `json:"authenticated"`
	AuthData        *auth.Principal       `json:"authData,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	LastActivity    time.Time             `json:"lastActivity"`
}

// Permissions returns the permissions granted to the session, or nil when
// it has not authenticated.
func (s *Session) Permissions() []string {
	if s == nil || s.AuthData == nil {
		return nil
	}
	return s.AuthData.Permissions
}

func (s *Session) expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActivity) > timeout
}

func (s *Session) clone() *Session {
	c := *s
	if s.AuthData != nil {
		a := *s.AuthData
		a.Permissions = append([]string(nil), s.AuthData.Permissions...)
		a.Roles = append([]string(nil), s.AuthData.Roles...)
		c.AuthData = &a
	}
	return &c
}

// Stats summarizes the session table.
type Stats struct {
	Total          int                   `json:"total"`
	Initialized    int                   `json:"initialized"`
	Authenticated  int                   `json:"authenticated"`
	ByTransport    map[TransportKind]int `json:"byTransport"`
	OldestActivity time.Time             `json:"oldestActivity,omitempty"`
}
