package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
)

// Provide returns the NATS bus when a URL is configured and the in-memory bus otherwise.
// Closing the returned bus drains it.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		log.Info("event bus: in-memory; sink output stays in this process")
		return bus.NewMemoryEventBus(log), nil
	}
	natsBus, err := bus.NewNATSEventBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	log.Info("event bus: NATS", zap.String("subject_prefix", cfg.SubjectPrefix))
	return natsBus, nil
}
