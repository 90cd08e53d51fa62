package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/events"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

const eventSource = "actions"

// Executor evaluates and runs user actions.
type Executor struct {
	store    *conversation.Store
	workflow *workflow.Orchestrator
	gateway  gateway.Gateway
	bus      bus.EventBus
	logger   *logger.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor. eventBus may be nil.
func NewExecutor(store *conversation.Store, wf *workflow.Orchestrator, gw gateway.Gateway, eventBus bus.EventBus, log *logger.Logger) *Executor {
	return &Executor{
		store:    store,
		workflow: wf,
		gateway:  gw,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "action-executor")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetAvailableActions returns every action with its enabled flag for the current state.
func (e *Executor) GetAvailableActions(_ context.Context, conversationID, _ string) []UserAction {
	s := e.store.Get(conversationID)
	out := make([]UserAction, 0, len(AllActions))
	for _, t := range AllActions {
		reason := disabledReason(s, t)
		out = append(out, UserAction{
			Type:           t,
			Label:          labels[t][0],
			Description:    labels[t][1],
			Enabled:        reason == "",
			DisabledReason: reason,
		})
	}
	return out
}

// disabledReason returns why t cannot run against s, or "" when it can.
func disabledReason(s conversation.State, t ActionType) string {
	switch t {
	case ActionContinue:
		if len(s.WorkflowSteps) > 0 && !workflow.InProgress(s) {
			return "the workflow has already completed"
		}
		if s.HasCriticalPending() {
			return "a critical clarification is waiting for an answer"
		}
		if s.EffectivePreferences().AutoAdvancePreference == conversation.AutoAdvanceNever {
			return "advancing is disabled by your preferences"
		}
	case ActionSkip:
		idx := s.ActiveStep()
		if idx < 0 || !s.WorkflowSteps[idx].IsOptional {
			return "the current step is not optional"
		}
	case ActionModify:
		if !workflow.InProgress(s) {
			return "no workflow is in progress"
		}
	case ActionRestart, ActionHelp:
	default:
		return "unknown action"
	}
	return ""
}

// ExecuteAction runs req. Every failure, including a disabled action, is reported in the
// result; the state is unchanged when the action fails.
func (e *Executor) ExecuteAction(ctx context.Context, conversationID string, req ActionRequest, modelID string, out sink.Sink) ActionResult {
	log := e.logger.WithConversationID(conversationID).WithFields(zap.String("action", string(req.Type)))
	ctx = logger.ContextWithConversationID(ctx, conversationID)

	var (
		res ActionResult
		err error
	)
	if req.Type == ActionHelp {
		res, err = e.help(ctx, log, conversationID, modelID, out)
	} else {
		res, err = e.apply(ctx, conversationID, req)
	}
	res.ActionType = req.Type
	if res.StateChanges == nil {
		res.StateChanges = []string{}
	}
	if res.NextSteps == nil {
		res.NextSteps = []string{}
	}
	if err != nil {
		log.Info("action failed", zap.Error(err))
		return ActionResult{
			Success:      false,
			ActionType:   req.Type,
			StateChanges: []string{},
			NextSteps:    []string{},
			Error:        err.Error(),
			Err:          err,
		}
	}

	res.Success = true
	log.Info("action executed", zap.Strings("state_changes", res.StateChanges))
	events.Publish(ctx, e.bus, log, events.ActionExecuted, eventSource, conversationID, map[string]interface{}{
		"action":        string(req.Type),
		"state_changes": res.StateChanges,
	})
	return res
}

func unavailable(conversationID string, t ActionType, detail string) error {
	return &conversation.Error{
		Kind:           conversation.ErrActionUnavailable,
		Op:             "execute action",
		ConversationID: conversationID,
		ID:             string(t),
		Detail:         detail,
	}
}

// apply runs every state-changing action inside one update, re-checking that the action
// is enabled against the state it mutates.
func (e *Executor) apply(ctx context.Context, conversationID string, req ActionRequest) (ActionResult, error) {
	if !req.Type.Valid() {
		return ActionResult{}, unavailable(conversationID, req.Type, "unknown action")
	}

	var (
		res     ActionResult
		tr      *workflow.Transition
		retired []string
	)
	_, err := e.store.Update(ctx, conversationID, func(s *conversation.State) error {
		res = ActionResult{}
		tr, retired = nil, nil
		if reason := disabledReason(*s, req.Type); reason != "" {
			return unavailable(conversationID, req.Type, reason)
		}
		now := e.now()

		switch req.Type {
		case ActionContinue:
			if e.workflow.ApplyStart(s) {
				res.StateChanges = append(res.StateChanges, "workflow started at "+s.CurrentAgent)
				break
			}
			s.Log(conversation.TransitionLogEntry{
				Type:      conversation.TransitionManualAdvance,
				Reason:    "user chose to continue",
				Timestamp: now,
				AgentName: s.CurrentAgent,
			})
			t, err := e.workflow.ApplyAdvance(s, "manual advance")
			if err != nil {
				return err
			}
			tr = &t
			res.StateChanges = append(res.StateChanges, describe(t))

		case ActionSkip:
			t, err := e.workflow.ApplySkip(s, "skipped by user")
			if err != nil {
				return err
			}
			tr = &t
			res.StateChanges = append(res.StateChanges, "skipped "+t.FromAgent, describe(t))

		case ActionRestart:
			retired = e.workflow.ApplyRestart(s, "restarted by user")
			res.StateChanges = append(res.StateChanges,
				fmt.Sprintf("cleared %d pending clarifications", len(retired)),
				"workflow reset to phase "+s.WorkflowPhase)

		case ActionModify:
			instructions := strings.TrimSpace(req.Instructions)
			if instructions == "" {
				return unavailable(conversationID, req.Type, "modify needs instructions")
			}
			s.PendingModification = instructions
			s.Log(conversation.TransitionLogEntry{
				Type:      conversation.TransitionWorkflowModify,
				Reason:    instructions,
				Timestamp: now,
				AgentName: s.CurrentAgent,
			})
			s.Touch(now)
			res.StateChanges = append(res.StateChanges, "modification requested for "+s.CurrentAgent)
		}

		res.NextSteps = nextSteps(*s)
		return nil
	})
	if err != nil {
		return ActionResult{}, err
	}

	if tr != nil {
		e.workflow.PublishTransition(ctx, conversationID, *tr, string(req.Type))
	}
	if req.Type == ActionRestart {
		e.workflow.PublishRestart(ctx, conversationID, retired)
	}
	return res, nil
}

func describe(tr workflow.Transition) string {
	if tr.Completed {
		return "workflow completed"
	}
	return fmt.Sprintf("moved from %s to %s (phase %s)", tr.FromAgent, tr.ToAgent, tr.ToPhase)
}

func nextSteps(s conversation.State) []string {
	switch {
	case s.IsWaitingForClarification():
		return []string{fmt.Sprintf("answer the %d pending clarifications", len(s.PendingClarifications))}
	case s.WorkflowPhase == workflow.PhaseCompleted:
		return []string{"review the generated artifacts"}
	case s.CurrentAgent != "":
		return []string{"resume the conversation to run " + s.CurrentAgent}
	default:
		return []string{"send a message to start the workflow"}
	}
}

// help asks the gateway for guidance on the current step. Only a log entry is written.
func (e *Executor) help(ctx context.Context, log *logger.Logger, conversationID, modelID string, out sink.Sink) (ActionResult, error) {
	s := e.store.Get(conversationID)
	payload := gateway.HelpPayload{
		Phase:     s.WorkflowPhase,
		Agent:     s.CurrentAgent,
		Verbosity: string(s.EffectivePreferences().VerbosityLevel),
	}
	if idx := s.ActiveStep(); idx >= 0 {
		payload.Step = s.WorkflowSteps[idx].Name
	}
	if idx := s.LastFailedStep(); idx >= 0 {
		failed := s.WorkflowSteps[idx]
		payload.Step = failed.Name
		payload.Agent = failed.Agent
		payload.LastError = failed.Error
	}

	help, err := gateway.Analyze[gateway.HelpResult](ctx, e.gateway, gateway.KindHelp, payload)
	if err != nil {
		log.Warn("help generation unavailable; using static guidance", zap.String("model", modelID), zap.Error(err))
		help = staticHelp(s, payload)
	}

	if _, err := e.store.Update(ctx, conversationID, func(st *conversation.State) error {
		st.Log(conversation.TransitionLogEntry{
			Type:      conversation.TransitionHelpRequested,
			Reason:    payload.Step,
			Timestamp: e.now(),
			AgentName: payload.Agent,
		})
		return nil
	}); err != nil {
		return ActionResult{}, err
	}

	if err := sink.Emit(ctx, out, sink.StatusNotice{Agent: payload.Agent, Text: help.Summary}); err != nil {
		log.Warn("failed to emit help", zap.Error(err))
	}
	return ActionResult{NextSteps: append(help.Steps, help.Links...)}, nil
}

func staticHelp(s conversation.State, p gateway.HelpPayload) gateway.HelpResult {
	switch {
	case p.LastError != "":
		return gateway.HelpResult{
			Summary: fmt.Sprintf("The %s step failed: %s", p.Agent, p.LastError),
			Steps:   []string{"restart the workflow", "or modify your request and try again"},
		}
	case s.IsWaitingForClarification():
		return gateway.HelpResult{
			Summary: fmt.Sprintf("%s is waiting for %d answers before it can go on.", p.Agent, len(s.PendingClarifications)),
			Steps:   []string{"answer the pending clarifications", "then resume the conversation"},
		}
	case p.Agent != "":
		return gateway.HelpResult{
			Summary: fmt.Sprintf("%s is working on the %s phase.", p.Agent, p.Phase),
			Steps:   []string{"continue to move on", "modify to change the work in progress"},
		}
	default:
		return gateway.HelpResult{
			Summary: "No workflow is running yet.",
			Steps:   []string{"describe what you want to build to get started"},
		}
	}
}
