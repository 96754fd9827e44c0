package protocol

// Lifecycle methods
const (
	MethodInitialize = "initialize"

	// Clients send one of these after a successful initialize; both are
	// accepted as no-op notifications.
	MethodInitialized              = "initialized"
	MethodNotificationsInitialized = "notifications/initialized"
)

// ClientInfo identifies the client software.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies the server software.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Credentials may accompany initialize. Which fields matter depends on the
// server's authentication method.
type Credentials struct {
	Token         string `json:"token,omitempty"`
	Authorization string `json:"authorization,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
}

// IsEmpty reports whether no credential was supplied.
func (c *Credentials) IsEmpty() bool {
	return c == nil || (c.Token == "" && c.Authorization == "" && c.Username == "" && c.Password == "")
}

// InitializeParams are the params of the initialize request.
type InitializeParams struct {
	ProtocolVersion Version      `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
	Credentials     *Credentials `json:"credentials,omitempty"`
}

// InitializeResult is the result of a successful initialize.
type InitializeResult struct {
	ProtocolVersion Version      `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
	SessionID       string       `json:"sessionId,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
	Limitations     []string     `json:"limitations,omitempty"`
}
