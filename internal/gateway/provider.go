package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

// Provide builds the configured gateway, wrapped for tracing.
func Provide(ctx context.Context, cfg config.GatewayConfig, log *logger.Logger) (Gateway, error) {
	switch cfg.Provider {
	case "", "none":
		log.Warn("no generation provider configured; clarifications run without enrichment or validation")
		return NewTraced(Disabled{}), nil
	case "genai":
		gw, err := NewGenAIGateway(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		log.Info("generation gateway ready", zap.String("provider", cfg.Provider), zap.String("model", gw.model))
		return NewTraced(gw), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}
