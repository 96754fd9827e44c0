package protocol

// LogLevel is a logging capability level.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

var logLevelRank = map[LogLevel]int{
	LogLevelDebug:   0,
	LogLevelInfo:    1,
	LogLevelWarning: 2,
	LogLevelError:   3,
}

// Rank orders levels by severity. Unknown levels rank as info.
func (l LogLevel) Rank() int {
	if r, ok := logLevelRank[l]; ok {
		return r
	}
	return logLevelRank[LogLevelInfo]
}

// MaxLogLevel returns the more severe of a and b.
func MaxLogLevel(a, b LogLevel) LogLevel {
	if a == "" {
		return b
	}
	if b == "" || a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Features a protocol version may support.
const (
	FeatureTools                 = "tools"
	FeaturePrompts               = "prompts"
	FeatureResources             = "resources"
	FeatureLogging               = "logging"
	FeatureNotifications         = "notifications"
	FeatureResourceSubscriptions = "resource_subscriptions"
)

// LoggingCapability declares log message support.
type LoggingCapability struct {
	Level LogLevel `json:"level,omitempty"`
}

// ListChangedCapability declares list support with optional change
// notifications.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability declares resource support.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// Capabilities is the capability set exchanged during initialize. A nil
// member means the capability is absent.
type Capabilities struct {
	Logging      *LoggingCapability     `json:"logging,omitempty"`
	Tools        *ListChangedCapability `json:"tools,omitempty"`
	Prompts      *ListChangedCapability `json:"prompts,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

// IntersectCapabilities keeps the capabilities both sides declare. Logging
// takes the more severe level; flags are kept only when both sides set them.
func IntersectCapabilities(server, client Capabilities) Capabilities {
	var out Capabilities

	if server.Logging != nil && client.Logging != nil {
		out.Logging = &LoggingCapability{Level: MaxLogLevel(server.Logging.Level, client.Logging.Level)}
	}
	if server.Tools != nil && client.Tools != nil {
		out.Tools = &ListChangedCapability{ListChanged: server.Tools.ListChanged && client.Tools.ListChanged}
	}
	if server.Prompts != nil && client.Prompts != nil {
		out.Prompts = &ListChangedCapability{ListChanged: server.Prompts.ListChanged && client.Prompts.ListChanged}
	}
	if server.Resources != nil && client.Resources != nil {
		out.Resources = &ResourcesCapability{
			ListChanged: server.Resources.ListChanged && client.Resources.ListChanged,
			Subscribe:   server.Resources.Subscribe && client.Resources.Subscribe,
		}
	}
	if len(server.Experimental) > 0 && len(client.Experimental) > 0 {
		out.Experimental = make(map[string]interface{})
		for k, v := range server.Experimental {
			if _, ok := client.Experimental[k]; ok {
				out.Experimental[k] = v
			}
		}
	}

	return out
}

// FilterCapabilities drops whatever the feature set does not support.
func FilterCapabilities(caps Capabilities, features []string) Capabilities {
	has := make(map[string]bool, len(features))
	for _, f := range features {
		has[f] = true
	}
	notify := has[FeatureNotifications]

	var out Capabilities
	if caps.Logging != nil && has[FeatureLogging] {
		c := *caps.Logging
		out.Logging = &c
	}
	if caps.Tools != nil && has[FeatureTools] {
		out.Tools = &ListChangedCapability{ListChanged: caps.Tools.ListChanged && notify}
	}
	if caps.Prompts != nil && has[FeaturePrompts] {
		out.Prompts = &ListChangedCapability{ListChanged: caps.Prompts.ListChanged && notify}
	}
	if caps.Resources != nil && has[FeatureResources] {
		out.Resources = &ResourcesCapability{
			ListChanged: caps.Resources.ListChanged && notify,
			Subscribe:   caps.Resources.Subscribe && has[FeatureResourceSubscriptions],
		}
	}
	out.Experimental = caps.Experimental
	return out
}
