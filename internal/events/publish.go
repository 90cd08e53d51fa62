package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
)

// Publish sends a conversation-scoped event on the subject named by its type. A nil bus
// is a no-op and publish failures are logged, never returned: state changes are already
// committed by the time events go out.
func Publish(ctx context.Context, eventBus bus.EventBus, log *logger.Logger, eventType, source, conversationID string, data map[string]interface{}) {
	if eventBus == nil {
		return
	}
	event := bus.NewConversationEvent(eventType, source, conversationID, data)
	if err := eventBus.Publish(ctx, eventType, event); err != nil {
		log.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}
