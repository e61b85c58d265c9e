package broadcast

import (
	"time"

	"github.com/icotes/icotes/pkg/broker"
)

// Priority orders event delivery. Each priority level is drained by its
// own worker; there is no ordering guarantee across priorities.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// DeliveryMode selects the target set of an event.
type DeliveryMode string

const (
	ModeBroadcast DeliveryMode = "broadcast" // all connected clients
	ModeTargeted  DeliveryMode = "targeted"  // exactly the given set
	ModeUnicast   DeliveryMode = "unicast"   // first element of the given set
	ModeFiltered  DeliveryMode = "filtered"  // filter config AND client interests
)

// Interest is a client-declared filter used by filtered delivery and
// replay. A client may hold several interests; an event matches if any
// interest matches.
type Interest struct {
	ClientID      string
	TopicPatterns []string
	EventTypes    []string // empty means any message type
	Metadata      map[string]any
	CreatedAt     time.Time
	LastUpdated   time.Time
}

// matches reports whether the interest applies to msg.
func (i *Interest) matches(msg *broker.Message) bool {
	matched := false
	for _, p := range i.TopicPatterns {
		if broker.TopicMatchesSymmetric(p, msg.Topic) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if len(i.EventTypes) == 0 {
		return true
	}
	for _, t := range i.EventTypes {
		if t == string(msg.Type) {
			return true
		}
	}
	return false
}

// FilterConfig narrows the target set of a filtered event. Composition:
// exclude beats include; a non-empty include list is restrictive; kind and
// permission sets are intersective; topic patterns are a disjunction; the
// predicate is the final gate.
type FilterConfig struct {
	IncludeClients []string
	ExcludeClients []string
	ClientKinds    []string
	Permissions    []string
	TopicPatterns  []string
	Predicate      func(clientID string, msg *broker.Message) bool
}

// Event is one unit of fan-out work plus its delivery record.
type Event struct {
	ID            string          `json:"event_id"`
	Seq           uint64          `json:"seq"`
	Message       *broker.Message `json:"message"`
	Priority      Priority        `json:"priority"`
	Mode          DeliveryMode    `json:"delivery_mode"`
	Filter        *FilterConfig   `json:"-"`
	TargetClients []string        `json:"target_clients,omitempty"`
	RetryCount    int             `json:"retry_count"`
	DeliveredTo   []string        `json:"delivered_to,omitempty"`
	FailedClients []string        `json:"failed_clients,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
