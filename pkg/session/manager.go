package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/mcp-control-plane/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

// Config configures the Session Manager
type Config struct {
	// SessionTimeout is the idle time after which a session expires
	SessionTimeout time.Duration

	// MaxSessions bounds concurrently tracked sessions
	MaxSessions int

	// CleanupInterval is the period of the background expiry sweep
	CleanupInterval time.Duration
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:  time.Hour,
		MaxSessions:     100,
		CleanupInterval: time.Minute,
	}
}

// VersionChecker decides whether a protocol version can be used by a
// session. *protocol.Manager satisfies it.
type VersionChecker interface {
	IsVersionSupported(v protocol.Version) bool
}

// Manager is the Session Manager
type Manager struct {
	config   Config
	auth     *auth.Manager
	versions VersionChecker
	logger   logging.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager's logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithAuth sets the Auth Manager used by AuthenticateSession.
func WithAuth(a *auth.Manager) Option {
	return func(m *Manager) { m.auth = a }
}

// WithVersionChecker sets the source of supported protocol versions.
func WithVersionChecker(v VersionChecker) Option {
	return func(m *Manager) { m.versions = v }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Session Manager. Zero config fields take defaults.
func NewManager(cfg Config, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaults.SessionTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaults.MaxSessions
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	m := &Manager{
		config:   cfg,
		logger:   logging.Nop(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logging.Component("sessions"))
	return m
}

// CreateSession registers a new session. When the table is full, expired
// sessions are swept first; if it is still full the call fails.
func (m *Manager) CreateSession(kind TransportKind) (*Session, error) {
	now := m.now()

	m.mu.Lock()
	if len(m.sessions) >= m.config.MaxSessions {
		m.sweepLocked(now)
	}
	if len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		m.logger.Warn("Session limit reached", logging.Int("max_sessions", m.config.MaxSessions))
		return nil, mcperrors.SessionLimitReached(m.config.MaxSessions)
	}

	s := &Session{
		ID:           uuid.New().String(),
		Transport:    kind,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[s.ID] = s
	out := s.clone()
	m.mu.Unlock()

	m.logger.Info("Session created", logging.SessionID(s.ID), logging.String("transport", string(kind)))
	return out, nil
}

// GetSession returns a copy of the session. Expired sessions are never
// returned, even before the sweep removes them.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.expired(m.now(), m.config.SessionTimeout) {
		return nil, false
	}
	return s.clone(), true
}

// live returns the stored session for mutation. Caller holds m.mu.
func (m *Manager) live(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok || s.expired(m.now(), m.config.SessionTimeout) {
		return nil, mcperrors.SessionNotFound(id)
	}
	return s, nil
}

// InitializeSession records the handshake result on the session. The
// version must be one the server supports.
func (m *Manager) InitializeSession(id string, params *protocol.InitializeParams) error {
	if m.versions != nil && !m.versions.IsVersionSupported(params.ProtocolVersion) {
		return mcperrors.UnsupportedVersion(params.ProtocolVersion, nil, nil)
	}

	m.mu.Lock()
	s, err := m.live(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s.ClientInfo = params.ClientInfo
	s.ProtocolVersion = params.ProtocolVersion
	s.Capabilities = params.Capabilities
	s.IsInitialized = true
	s.LastActivity = m.now()
	m.mu.Unlock()

	m.logger.Info("Session initialized",
		logging.SessionID(id),
		logging.String("client", params.ClientInfo.Name),
		logging.String("client_version", params.ClientInfo.Version),
		logging.String("protocol_version", params.ProtocolVersion.String()),
	)
	return nil
}

// AuthenticateSession runs the Auth Manager against creds and marks the
// session authenticated on success. With authentication disabled the
// session is marked authenticated with every permission.
func (m *Manager) AuthenticateSession(ctx context.Context, id string, creds auth.Credentials) (*auth.Principal, error) {
	var (
		principal *auth.Principal
		err       error
	)
	if m.auth == nil || !m.auth.Enabled() {
		principal = &auth.Principal{User: "anonymous", Method: "none", Permissions: []string{auth.WildcardPermission}}
	} else if principal, err = m.auth.Authenticate(ctx, creds); err != nil {
		return nil, err
	}

	m.mu.Lock()
	s, err := m.live(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s.Authenticated = true
	s.AuthData = principal
	s.LastActivity = m.now()
	m.mu.Unlock()

	m.logger.Info("Session authenticated",
		logging.SessionID(id),
		logging.String("user", principal.User),
		logging.String("method", principal.Method),
	)
	return principal, nil
}

// AuthorizeSession reports whether the session holds permission.
func (m *Manager) AuthorizeSession(id string, permission string) bool {
	s, ok := m.GetSession(id)
	if !ok {
		return false
	}
	if m.auth == nil {
		return true
	}
	return m.auth.Authorize(s.AuthData, permission)
}

// UpdateActivity touches the session. It reports false for unknown or
// expired sessions.
func (m *Manager) UpdateActivity(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.live(id)
	if err != nil {
		return false
	}
	s.LastActivity = m.now()
	return true
}

// RemoveSession deletes the session. Removing an unknown id is a no-op.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		m.logger.Info("Session removed",
			logging.SessionID(id),
			logging.Duration("age", m.now().Sub(s.CreatedAt)),
		)
	}
}

// GetActiveSessions returns copies of every non-expired session, oldest
// first.
func (m *Manager) GetActiveSessions() []*Session {
	now := m.now()

	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.expired(now, m.config.SessionTimeout) {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	return len(m.GetActiveSessions())
}

// CleanupExpired removes expired sessions and returns how many were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	removed := m.sweepLocked(m.now())
	m.mu.Unlock()

	for _, id := range removed {
		m.logger.Info("Session expired", logging.SessionID(id))
	}
	return len(removed)
}

func (m *Manager) sweepLocked(now time.Time) []string {
	var removed []string
	for id, s := range m.sessions {
		if s.expired(now, m.config.SessionTimeout) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Stats summarizes active sessions.
func (m *Manager) Stats() Stats {
	stats := Stats{ByTransport: make(map[TransportKind]int)}
	for _, s := range m.GetActiveSessions() {
		stats.Total++
		stats.ByTransport[s.Transport]++
		if s.IsInitialized {
			stats.Initialized++
		}
		if s.Authenticated {
			stats.Authenticated++
		}
		if stats.OldestActivity.IsZero() || s.LastActivity.Before(stats.OldestActivity) {
			stats.OldestActivity = s.LastActivity
		}
	}
	return stats
}

// Start launches the background expiry sweep. Calling Start twice is a
// no-op.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.CleanupExpired(); n > 0 {
					m.logger.Debug("Expired sessions swept", logging.Int("count", n))
				}
			}
		}
	}(m.done)
}

// Stop ends the sweep and waits for it. Sessions are kept.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
