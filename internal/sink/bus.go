package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blissfulldev/devops-ai-sub001/internal/events"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
)

// BusSink publishes every event of one conversation on the event bus under
// conversation.<id>.<kind>.
type BusSink struct {
	bus            bus.EventBus
	conversationID string
	source         string
}

// NewBusSink creates a sink relaying conversationID's events.
func NewBusSink(eventBus bus.EventBus, conversationID, source string) *BusSink {
	return &BusSink{bus: eventBus, conversationID: conversationID, source: source}
}

// Write publishes e.
func (s *BusSink) Write(ctx context.Context, e Event) error {
	payload, err := toMap(e)
	if err != nil {
		return err
	}
	data := map[string]interface{}{
		"kind":    string(e.Kind()),
		"payload": payload,
	}
	event := bus.NewConversationEvent(events.SinkEventPublished, s.source, s.conversationID, data)
	subject := events.BuildConversationSubject(s.conversationID, string(e.Kind()))
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind(), err)
	}
	return nil
}

// FromBusEvent decodes an event published by BusSink.
func FromBusEvent(e *bus.Event) (Event, error) {
	kind, _ := e.Data["kind"].(string)
	payload, err := json.Marshal(e.Data["payload"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return Envelope{Kind: Kind(kind), Payload: payload}.Unwrap()
}

func toMap(e Event) (map[string]interface{}, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	return out, nil
}
