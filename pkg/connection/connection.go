package connection

import (
	"context"
	"time"
)

// Kind identifies how a connection reached the server.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindHTTP      Kind = "http"
	KindCLI       Kind = "cli"
)

// State is the lifecycle state of a tracked connection.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// Transport abstracts the kind-specific handle. WebSocket connections wrap
// a live socket; HTTP and CLI connections have no push channel and use
// NoTransport.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// NoTransport is the Transport for request-scoped (HTTP, CLI) connections.
type NoTransport struct{}

func (NoTransport) Send(context.Context, []byte) error { return ErrNotSendable }
func (NoTransport) Ping(context.Context) error         { return nil }
func (NoTransport) Close(string) error                 { return nil }

// Connection is one tracked client connection. All fields are mutated
// under the owning Manager's lock; callers outside the package observe it
// through Info snapshots.
type Connection struct {
	id        string
	kind      Kind
	state     State
	sessionID string
	userID    string
	createdAt time.Time

	lastActivity time.Time
	transport    Transport

	pingFailures int
	sent         uint64
}

// Info is an immutable snapshot of a Connection.
type Info struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	State        State     `json:"state"`
	SessionID    string    `json:"session_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Sent         uint64    `json:"sent"`
}

func (c *Connection) info() Info {
	return Info{
		ID:           c.id,
		Kind:         c.kind,
		State:        c.state,
		SessionID:    c.sessionID,
		UserID:       c.userID,
		CreatedAt:    c.createdAt,
		LastActivity: c.lastActivity,
		Sent:         c.sent,
	}
}

// sendable reports whether the connection accepts outbound payloads.
func (c *Connection) sendable() bool {
	return c.state == StateConnected || c.state == StateAuthenticated
}
