package protocol

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
)

// VersionInfo describes a protocol version known to the server.
type VersionInfo struct {
	Version         Version
	Name            string
	ReleaseDate     time.Time
	Features        []string
	Deprecated      bool
	DeprecationDate time.Time
	BreakingChanges []string
	MigrationGuide  string
}

// HasFeature reports whether the version supports feature.
func (vi VersionInfo) HasFeature(feature string) bool {
	for _, f := range vi.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// DefaultVersions is the registry used when no other is configured.
func DefaultVersions() []VersionInfo {
	return []VersionInfo{
		{
			Version:         Version{Major: 2024, Minor: 11, Patch: 3},
			Name:            "MCP 2024.11.3",
			ReleaseDate:     time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC),
			Features:        []string{FeatureTools, FeaturePrompts, FeatureResources},
			Deprecated:      true,
			DeprecationDate: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
			MigrationGuide:  "Upgrade to 2024.11.5 for logging and notifications",
		},
		{
			Version:     Version{Major: 2024, Minor: 11, Patch: 4},
			Name:        "MCP 2024.11.4",
			ReleaseDate: time.Date(2024, 11, 4, 0, 0, 0, 0, time.UTC),
			Features:    []string{FeatureTools, FeaturePrompts, FeatureResources, FeatureLogging},
		},
		{
			Version:     Version{Major: 2024, Minor: 11, Patch: 5},
			Name:        "MCP 2024.11.5",
			ReleaseDate: time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC),
			Features: []string{
				FeatureTools, FeaturePrompts, FeatureResources, FeatureLogging,
				FeatureNotifications, FeatureResourceSubscriptions,
			},
		},
	}
}

// DefaultServerCapabilities is what the server offers before negotiation.
func DefaultServerCapabilities() Capabilities {
	return Capabilities{
		Logging: &LoggingCapability{Level: LogLevelInfo},
		Tools:   &ListChangedCapability{ListChanged: true},
	}
}

// NegotiationResult is the outcome of a successful negotiation.
type NegotiationResult struct {
	AgreedVersion      Version
	AgreedCapabilities Capabilities
	Warnings           []string
	Limitations        []string
}

// CompatibilityReport is a non-failing assessment of a client version.
type CompatibilityReport struct {
	Compatible         bool
	Errors             []string
	Warnings           []string
	RecommendedVersion *Version
}

// Manager holds the version registry and negotiates with clients.
type Manager struct {
	mu           sync.RWMutex
	versions     map[Version]VersionInfo
	current      Version
	capabilities Capabilities
	logger       logging.Logger
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithVersions replaces the registry. current must be among infos.
func WithVersions(current Version, infos ...VersionInfo) ManagerOption {
	return func(m *Manager) {
		m.versions = make(map[Version]VersionInfo, len(infos))
		for _, info := range infos {
			m.versions[info.Version] = info
		}
		m.current = current
	}
}

// WithServerCapabilities sets the capabilities offered to clients.
func WithServerCapabilities(caps Capabilities) ManagerOption {
	return func(m *Manager) {
		m.capabilities = caps
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager with the default registry unless overridden.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		versions:     make(map[Version]VersionInfo),
		capabilities: DefaultServerCapabilities(),
		logger:       logging.Nop(),
	}
	defaults := DefaultVersions()
	for _, info := range defaults {
		m.versions[info.Version] = info
	}
	m.current = defaults[len(defaults)-1].Version

	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logging.Component("protocol"))
	return m
}

// CurrentVersion returns the server's version.
func (m *Manager) CurrentVersion() Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ServerCapabilities returns the capabilities offered before negotiation.
func (m *Manager) ServerCapabilities() Capabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.capabilities
}

// SupportedVersions returns every known version, newest first.
func (m *Manager) SupportedVersions() []Version {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Version, 0, len(m.versions))
	for v := range m.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Less(out[i]) })
	return out
}

// IsVersionSupported reports whether v is in the registry.
func (m *Manager) IsVersionSupported(v Version) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.versions[v]
	return ok
}

// GetVersionInfo returns the registry entry for v.
func (m *Manager) GetVersionInfo(v Version) (VersionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.versions[v]
	return info, ok
}

// RegisterVersion adds or replaces a registry entry.
func (m *Manager) RegisterVersion(info VersionInfo) {
	m.mu.Lock()
	m.versions[info.Version] = info
	m.mu.Unlock()

	m.logger.Debug("Registered protocol version", logging.String("version", info.Version.String()))
}

// CheckCompatibility reports on v without failing.
func (m *Manager) CheckCompatibility(v Version) CompatibilityReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkLocked(v)
}

func (m *Manager) checkLocked(v Version) CompatibilityReport {
	report := CompatibilityReport{Compatible: true}
	current := m.current

	info, known := m.versions[v]
	if !known {
		report.Compatible = false
		report.Errors = append(report.Errors, fmt.Sprintf("Unsupported protocol version %s", v))
		report.RecommendedVersion = &current
		return report
	}

	if !v.SameMajor(current) {
		report.Compatible = false
		report.Errors = append(report.Errors,
			fmt.Sprintf("Major version mismatch: client %d, server %d", v.Major, current.Major))
	} else if current.Less(v) {
		report.Compatible = false
		report.Errors = append(report.Errors,
			fmt.Sprintf("Client version %s is newer than server version %s", v, current))
	}

	if info.Deprecated {
		report.Warnings = append(report.Warnings, deprecationWarning(info))
		report.RecommendedVersion = &current
	}
	return report
}

func deprecationWarning(info VersionInfo) string {
	msg := fmt.Sprintf("Protocol version %s is deprecated", info.Version)
	if !info.DeprecationDate.IsZero() {
		msg += " since " + info.DeprecationDate.Format("2006-01-02")
	}
	if info.MigrationGuide != "" {
		msg += ": " + info.MigrationGuide
	}
	return msg
}

// Negotiate agrees a version and capability set with a client. Deprecation
// and missing features never fail the negotiation.
func (m *Manager) Negotiate(params *InitializeParams) (*NegotiationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requested := params.ProtocolVersion
	current := m.current

	if _, known := m.versions[requested]; !known {
		supported := make([]interface{}, 0, len(m.versions))
		for v := range m.versions {
			supported = append(supported, v)
		}
		return nil, mcperrors.UnsupportedVersion(requested, current, supported)
	}

	report := m.checkLocked(requested)
	if !report.Compatible {
		return nil, mcperrors.IncompatibleVersion(requested, current, report.Errors[0])
	}

	agreedInfo := m.versions[requested]
	caps := IntersectCapabilities(m.capabilities, params.Capabilities)
	caps = FilterCapabilities(caps, agreedInfo.Features)

	result := &NegotiationResult{
		AgreedVersion:      requested,
		AgreedCapabilities: caps,
		Warnings:           report.Warnings,
	}

	if latest, ok := m.versions[current]; ok {
		for _, feature := range latest.Features {
			if !agreedInfo.HasFeature(feature) {
				result.Limitations = append(result.Limitations,
					fmt.Sprintf("Feature '%s' is not available in protocol version %s", feature, requested))
			}
		}
	}

	m.logger.Info("Protocol negotiated",
		logging.String("client", params.ClientInfo.Name),
		logging.String("version", requested.String()),
		logging.Int("warnings", len(result.Warnings)),
		logging.Int("limitations", len(result.Limitations)),
	)

	return result, nil
}
