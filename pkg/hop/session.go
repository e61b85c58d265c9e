package hop

import "time"

// LocalContextID identifies the implicit workspace session. It always
// exists, is always connected and can never be disconnected.
const LocalContextID = "local"

// Status is the lifecycle state of a hop session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Quality is the most recent health probe verdict for a session.
type Quality string

const (
	QualityUnknown  Quality = "unknown"
	QualityGood     Quality = "good"
	QualityDegraded Quality = "degraded"
	QualityPoor     Quality = "poor"
)

// Session is the externally visible state of one hop context. The
// service hands out copies; callers never see the live struct.
type Session struct {
	ContextID        string    `json:"contextId"`
	Status           Status    `json:"status"`
	Host             string    `json:"host,omitempty"`
	Port             int       `json:"port,omitempty"`
	Username         string    `json:"username,omitempty"`
	CredentialID     string    `json:"credentialId,omitempty"`
	CredentialName   string    `json:"credentialName,omitempty"`
	Cwd              string    `json:"cwd,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	ReconnectAttempt int       `json:"reconnectAttempt,omitempty"`
	Quality          Quality   `json:"connectionQuality"`
	SFTPAvailable    bool      `json:"sftpAvailable"`
	ConnectedAt      time.Time `json:"connectedAt,omitzero"`
	Active           bool      `json:"active"`
}

// Topics published by the hop service.
const (
	TopicStatus             = "hop.status"
	TopicSessions           = "hop.sessions"
	TopicContextChanged     = "hop.context_changed"
	TopicSendFilesCompleted = "hop.send_files.completed"
	TopicCredentialCreated  = "hop.credentials.created"
	TopicCredentialUpdated  = "hop.credentials.updated"
	TopicCredentialDeleted  = "hop.credentials.deleted"
)
