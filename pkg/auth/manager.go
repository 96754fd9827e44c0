package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
)

// Manager is the Auth Manager
type Manager struct {
	config Config
	logger logging.Logger
	roles  *RoleTable
	signer *jwtSigner
	now    func() time.Time

	staticTokens [][]byte

	mu             sync.RWMutex
	users          map[string]*userRecord
	issued         map[string]*issuedToken
	revoked        map[string]time.Time
	authenticators map[string]Authenticator

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager's logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager builds an Auth Manager. Plain-text user passwords are hashed
// with bcrypt here and never retained.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	defaults := DefaultConfig()
	if cfg.Method == "" {
		cfg.Method = defaults.Method
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	m := &Manager{
		config:         cfg,
		logger:         logging.Nop(),
		roles:          NewRoleTable(cfg.Roles...),
		now:            time.Now,
		users:          make(map[string]*userRecord),
		issued:         make(map[string]*issuedToken),
		revoked:        make(map[string]time.Time),
		authenticators: make(map[string]Authenticator),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logging.Component("auth"))

	for _, t := range cfg.Tokens {
		if t == "" {
			continue
		}
		m.staticTokens = append(m.staticTokens, []byte(t))
	}

	for _, u := range cfg.Users {
		if u.Username == "" {
			return nil, mcperrors.ValidationError("auth user without username")
		}
		hash := u.PasswordHash
		if hash == "" {
			if u.Password == "" {
				return nil, mcperrors.ValidationError("auth user %s has no password", u.Username)
			}
			var err error
			if hash, err = HashPassword(u.Password); err != nil {
				return nil, fmt.Errorf("hash password for %s: %w", u.Username, err)
			}
		}
		m.users[u.Username] = &userRecord{
			hash:        []byte(hash),
			permissions: append([]string(nil), u.Permissions...),
			roles:       append([]string(nil), u.Roles...),
		}
	}

	if cfg.JWTSecret != "" {
		m.signer = &jwtSigner{secret: []byte(cfg.JWTSecret)}
	}

	m.RegisterAuthenticator(&tokenAuthenticator{m: m})
	m.RegisterAuthenticator(&basicAuthenticator{m: m})
	m.RegisterAuthenticator(oauthAuthenticator{})

	return m, nil
}

// Enabled reports whether authentication is enforced.
func (m *Manager) Enabled() bool {
	return m.config.Enabled
}

// Method returns the configured authentication method.
func (m *Manager) Method() string {
	return m.config.Method
}

// Roles returns the role table.
func (m *Manager) Roles() *RoleTable {
	return m.roles
}

// RegisterAuthenticator adds or replaces the strategy for a.Method().
func (m *Manager) RegisterAuthenticator(a Authenticator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticators[a.Method()] = a
}

// Authenticate runs the configured strategy. Failures are returned as
// authentication errors wrapping the strategy's reason.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	m.mu.RLock()
	a, ok := m.authenticators[m.config.Method]
	m.mu.RUnlock()

	if !ok {
		return nil, authFailure(m.config.Method, ErrUnsupportedMethod)
	}

	principal, err := a.Authenticate(ctx, creds)
	if err != nil {
		m.logger.Warn("Authentication failed",
			logging.String("method", m.config.Method),
			logging.ErrorField(err),
		)
		return nil, authFailure(m.config.Method, err)
	}

	m.logger.Debug("Authenticated",
		logging.String("method", m.config.Method),
		logging.String("user", principal.User),
	)
	return principal, nil
}

func authFailure(method string, err error) error {
	return mcperrors.WrapError(err, mcperrors.CodeAuthenticationFailed, "Authentication failed").
		WithDetail(err.Error()).
		WithData(&mcperrors.AuthErrorData{Method: method, Reason: err.Error()})
}

// Authorize reports whether principal holds permission. Everything is
// allowed when authentication is disabled.
func (m *Manager) Authorize(principal *Principal, permission string) bool {
	if !m.config.Enabled {
		return true
	}
	if principal == nil {
		return false
	}
	return HasPermission(principal.Permissions, permission)
}

// Start launches the periodic expired-token sweep.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if n := m.CleanupExpiredTokens(); n > 0 {
					m.logger.Debug("Cleaned up expired tokens", logging.Int("count", n))
				}
			}
		}
	}()
}

// Stop ends the sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	stop, done := m.stop, m.done
	m.mu.RUnlock()
	if stop == nil {
		return
	}
	m.stopOnce.Do(func() { close(stop) })
	<-done
}
