package orchestrator

import (
	"context"
	"time"

	"github.com/blissfulldev/devops-ai-sub001/internal/actions"
	"github.com/blissfulldev/devops-ai-sub001/internal/clarification"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/delegator"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/preferences"
	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

// Build constructs every service around store. def may be nil for the built-in
// definition and eventBus may be nil.
func Build(store *conversation.Store, gw gateway.Gateway, eventBus bus.EventBus, cfg *config.Config, def *workflow.Definition, log *logger.Logger) (*Service, error) {
	wf, err := workflow.New(store, def, eventBus, log)
	if err != nil {
		return nil, err
	}
	clarifier := clarification.NewManager(store, gw, eventBus, cfg.Clarification, log)
	del := delegator.New(store, clarifier, wf, gw, log, delegator.WithMaxSteps(cfg.Workflow.MaxAgentSteps))
	exec := actions.NewExecutor(store, wf, gw, eventBus, log)
	prefs := preferences.NewManager(store, eventBus, log)
	return NewService(store, clarifier, wf, del, exec, prefs, log), nil
}

// RunAutoAdvance moves idle conversations on each interval until ctx is done.
func (s *Service) RunAutoAdvance(ctx context.Context, interval time.Duration) {
	s.actions.RunAutoAdvance(ctx, interval)
}

// WatchDefinition reloads the workflow definition at path when it changes.
func (s *Service) WatchDefinition(ctx context.Context, path string) (<-chan struct{}, error) {
	return s.workflow.WatchDefinition(ctx, path)
}
