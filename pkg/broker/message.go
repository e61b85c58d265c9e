package broker

import (
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates broker messages.
type MessageType string

const (
	TypeNotification MessageType = "notification"
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeError        MessageType = "error"
)

// Message is the broker's delivery unit. Payload is opaque to the broker:
// known topic families carry typed structs, third-party topics pass through
// whatever the publisher supplied.
type Message struct {
	ID            string      `json:"id"`
	Type          MessageType `json:"type"`
	Topic         string      `json:"topic"`
	Payload       any         `json:"payload"`
	Timestamp     time.Time   `json:"timestamp"`
	Sender        string      `json:"sender,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	TTL           time.Duration `json:"ttl,omitempty"`
}

// Expired reports whether the message's TTL elapsed before now.
// Messages without a TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.Sub(m.Timestamp) > m.TTL
}

func newMessage(topic string, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      TypeNotification,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// PublishOption customises a published message.
type PublishOption func(*Message)

// WithType overrides the default notification type.
func WithType(t MessageType) PublishOption {
	return func(m *Message) { m.Type = t }
}

// WithSender records the publishing component.
func WithSender(sender string) PublishOption {
	return func(m *Message) { m.Sender = sender }
}

// WithTTL discards the message if not delivered within d.
func WithTTL(d time.Duration) PublishOption {
	return func(m *Message) { m.TTL = d }
}

// WithCorrelationID ties a response to its request.
func WithCorrelationID(id string) PublishOption {
	return func(m *Message) { m.CorrelationID = id }
}

// WithReplyTo names the private subtopic a responder should answer on.
func WithReplyTo(topic string) PublishOption {
	return func(m *Message) { m.ReplyTo = topic }
}
