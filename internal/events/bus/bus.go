// Package bus relays orchestration events to subscribers in this process or, through
// NATS, in other processes. Subjects are dot-separated tokens; subscriptions may use *
// for one token and > for the remaining ones.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// Event is a message on the event bus.
type Event struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Source         string                 `json:"source"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Data           map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewConversationEvent creates an event scoped to one conversation.
func NewConversationEvent(eventType, source, conversationID string, data map[string]interface{}) *Event {
	e := NewEvent(eventType, source, data)
	e.ConversationID = conversationID
	return e
}

// EventHandler handles an event. Errors are logged by the bus.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the in-memory and NATS buses. Each subscription receives
// events in the order they were published.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// subjectPattern is a parsed subscription subject.
type subjectPattern []string

func parsePattern(subject string) subjectPattern {
	return strings.Split(subject, ".")
}

// Match reports whether subject is covered by the pattern. > must match at least one
// token.
func (p subjectPattern) Match(subject string) bool {
	tokens := strings.Split(subject, ".")
	for i, want := range p {
		if want == ">" {
			return i < len(tokens)
		}
		if i >= len(tokens) {
			return false
		}
		if want != "*" && want != tokens[i] {
			return false
		}
	}
	return len(p) == len(tokens)
}
