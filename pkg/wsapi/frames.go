package wsapi

import (
	"encoding/json"
	"strings"
	"time"
)

// Outbound frame types.
const (
	frameWelcome       = "welcome"
	framePong          = "pong"
	frameSubscribed    = "subscribed"
	frameUnsubscribed  = "unsubscribed"
	frameAuthenticated = "authenticated"
	frameRPCResponse   = "jsonrpc_response"
	frameReplay        = "message_replay"
	frameHeartbeat     = "heartbeat"
	frameError         = "error"
)

// inbound is the superset of client frame shapes; Type discriminates.
type inbound struct {
	Type      string          `json:"type"`
	Topics    []string        `json:"topics,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   map[string]any  `json:"payload,omitempty"`
}

func now() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }

// eventFrameType maps a topic's first segment to the forwarded frame
// type: fs.file_created travels as a "filesystem_event" frame.
func eventFrameType(topic string) string {
	scope := topic
	if i := strings.IndexByte(topic, '.'); i > 0 {
		scope = topic[:i]
	}
	switch scope {
	case "fs":
		return "filesystem_event"
	case "agents":
		return "agent_event"
	default:
		return scope + "_event"
	}
}
