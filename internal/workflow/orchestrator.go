package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/events"
	"github.com/blissfulldev/devops-ai-sub001/internal/events/bus"
)

const eventSource = "workflow"

// Recognised transition events besides "<agent>_complete".
const (
	EventStepComplete = "step_complete"
	EventStepSkipped  = "step_skipped"

	completeSuffix = "_complete"
)

// Transition describes one move of the state machine.
type Transition struct {
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent,omitempty"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	// Completed is true when the last step finished.
	Completed bool `json:"completed"`
}

// Orchestrator moves conversations through the phases of a Definition. The Apply*
// methods mutate a state inside a caller's store update; the other methods run their
// own update.
type Orchestrator struct {
	def    atomic.Pointer[Definition]
	store  *conversation.Store
	bus    bus.EventBus
	logger *logger.Logger
	now    func() time.Time
}

// New creates an orchestrator. A nil def selects DefaultDefinition; eventBus may be nil.
func New(store *conversation.Store, def *Definition, eventBus bus.EventBus, log *logger.Logger) (*Orchestrator, error) {
	if def == nil {
		def = DefaultDefinition()
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "workflow-orchestrator")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	o.def.Store(def)
	return o, nil
}

// Definition returns the definition used for new and restarted workflows.
func (o *Orchestrator) Definition() *Definition {
	return o.def.Load()
}

// SetDefinition swaps the definition. Conversations already started keep their steps.
func (o *Orchestrator) SetDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.def.Store(def)
	return nil
}

// Start seeds the workflow steps of a conversation that has none.
func (o *Orchestrator) Start(ctx context.Context, conversationID string) (conversation.State, error) {
	var started bool
	s, err := o.store.Update(ctx, conversationID, func(s *conversation.State) error {
		started = o.ApplyStart(s)
		return nil
	})
	if err != nil {
		return conversation.State{}, err
	}
	if started {
		log := o.logger.WithConversationID(conversationID)
		log.Info("workflow started", zap.String("phase", s.WorkflowPhase), zap.String("agent", s.CurrentAgent))
		events.Publish(ctx, o.bus, log, events.WorkflowStarted, eventSource, conversationID, map[string]interface{}{
			"phase": s.WorkflowPhase,
			"agent": s.CurrentAgent,
		})
	}
	return s, nil
}

// ApplyStart seeds steps and activates the first one. It reports whether it did anything.
func (o *Orchestrator) ApplyStart(s *conversation.State) bool {
	if len(s.WorkflowSteps) > 0 {
		return false
	}
	now := o.now()
	o.seed(s, now)
	s.Log(conversation.TransitionLogEntry{
		Type:      conversation.TransitionWorkflowStart,
		Reason:    "workflow started",
		Timestamp: now,
		AgentName: s.CurrentAgent,
		To:        s.CurrentAgent,
	})
	return true
}

func (o *Orchestrator) seed(s *conversation.State, now time.Time) {
	s.WorkflowSteps = o.Definition().Steps()
	activate(s, 0, now)
}

// InProgress reports whether s has started steps and has not completed.
func InProgress(s conversation.State) bool {
	return len(s.WorkflowSteps) > 0 && s.WorkflowPhase != PhaseCompleted
}

// DetermineNextAgent completes currentAgent's step on event and activates the next
// step. Unknown agents or events fail with ErrUnknownTransition and change nothing.
func (o *Orchestrator) DetermineNextAgent(ctx context.Context, conversationID, currentAgent, event string) (Transition, error) {
	var tr Transition
	_, err := o.store.Update(ctx, conversationID, func(s *conversation.State) error {
		var err error
		tr, err = o.ApplyEvent(s, currentAgent, event)
		return err
	})
	if err != nil {
		o.logger.WithConversationID(conversationID).Debug("transition rejected",
			zap.String("agent", currentAgent), zap.String("event", event), zap.Error(err))
		return Transition{}, err
	}
	o.PublishTransition(ctx, conversationID, tr, event)
	return tr, nil
}

// ApplyEvent is DetermineNextAgent inside an existing update.
func (o *Orchestrator) ApplyEvent(s *conversation.State, currentAgent, event string) (Transition, error) {
	o.ApplyStart(s)

	reject := func(detail string) (Transition, error) {
		return Transition{}, conversation.UnknownTransition(s.ConversationID, currentAgent, event, detail)
	}
	if s.WorkflowPhase == PhaseCompleted {
		return reject("workflow already completed")
	}
	idx := s.StepForAgent(currentAgent)
	if idx < 0 {
		return reject("agent is not part of the workflow")
	}
	if s.CurrentAgent != currentAgent {
		return reject(fmt.Sprintf("current agent is %q", s.CurrentAgent))
	}
	step := s.WorkflowSteps[idx]
	if step.Status != conversation.StepActive {
		return reject(fmt.Sprintf("step is %s", step.Status))
	}

	var status conversation.StepStatus
	switch {
	case event == EventStepComplete || event == currentAgent+completeSuffix:
		status = conversation.StepCompleted
	case event == EventStepSkipped:
		if !step.IsOptional {
			return reject("step is not optional")
		}
		status = conversation.StepSkipped
	case strings.HasSuffix(event, completeSuffix):
		return reject("completion event names another agent")
	default:
		return reject("unrecognised event")
	}
	return o.advance(s, idx, status, event), nil
}

// ApplySkip skips the active step when it is optional.
func (o *Orchestrator) ApplySkip(s *conversation.State, reason string) (Transition, error) {
	idx := s.ActiveStep()
	if idx < 0 {
		return Transition{}, conversation.UnknownTransition(s.ConversationID, s.CurrentAgent, EventStepSkipped, "no active step")
	}
	step := s.WorkflowSteps[idx]
	if !step.IsOptional {
		return Transition{}, conversation.UnknownTransition(s.ConversationID, step.Agent, EventStepSkipped, "step is not optional")
	}
	s.Log(conversation.TransitionLogEntry{
		Type:      conversation.TransitionStepSkipped,
		Reason:    reason,
		Timestamp: o.now(),
		AgentName: step.Agent,
		From:      step.ID,
	})
	return o.advance(s, idx, conversation.StepSkipped, reason), nil
}

// ApplyAdvance completes the active step and moves on.
func (o *Orchestrator) ApplyAdvance(s *conversation.State, reason string) (Transition, error) {
	idx := s.ActiveStep()
	if idx < 0 {
		return Transition{}, conversation.UnknownTransition(s.ConversationID, s.CurrentAgent, EventStepComplete, "no active step")
	}
	return o.advance(s, idx, conversation.StepCompleted, reason), nil
}

// advance closes step idx with status and activates the next pending step.
func (o *Orchestrator) advance(s *conversation.State, idx int, status conversation.StepStatus, reason string) Transition {
	now := o.now()
	step := &s.WorkflowSteps[idx]
	step.Status = status
	step.CompletedAt = &now

	tr := Transition{FromAgent: step.Agent, FromPhase: step.Phase}
	next := -1
	for j := idx + 1; j < len(s.WorkflowSteps); j++ {
		if s.WorkflowSteps[j].Status == conversation.StepPending {
			next = j
			break
		}
	}
	to := PhaseCompleted
	if next < 0 {
		s.WorkflowPhase = PhaseCompleted
		s.CurrentAgent = ""
		tr.ToPhase = PhaseCompleted
		tr.Completed = true
	} else {
		activate(s, next, now)
		tr.ToAgent = s.CurrentAgent
		tr.ToPhase = s.WorkflowPhase
		to = tr.ToAgent
	}

	s.Log(conversation.TransitionLogEntry{
		Type:      conversation.TransitionAgent,
		Reason:    reason,
		Timestamp: now,
		AgentName: tr.FromAgent,
		From:      tr.FromAgent,
		To:        to,
	})
	s.Touch(now)
	return tr
}

func activate(s *conversation.State, idx int, now time.Time) {
	step := &s.WorkflowSteps[idx]
	step.Status = conversation.StepActive
	step.StartedAt = &now
	s.CurrentAgent = step.Agent
	s.WorkflowPhase = step.Phase
	s.Touch(now)
}

// Skip skips the active optional step.
func (o *Orchestrator) Skip(ctx context.Context, conversationID, reason string) (Transition, error) {
	var tr Transition
	_, err := o.store.Update(ctx, conversationID, func(s *conversation.State) error {
		var err error
		tr, err = o.ApplySkip(s, reason)
		return err
	})
	if err != nil {
		return Transition{}, err
	}
	o.PublishTransition(ctx, conversationID, tr, EventStepSkipped)
	return tr, nil
}

// FailStep marks agent's active step failed. An empty agent selects the active step.
func (o *Orchestrator) FailStep(ctx context.Context, conversationID, agent, reason string) error {
	var failed conversation.WorkflowStep
	_, err := o.store.Update(ctx, conversationID, func(s *conversation.State) error {
		var err error
		failed, err = o.ApplyFail(s, agent, reason)
		return err
	})
	if err != nil {
		return err
	}
	log := o.logger.WithConversationID(conversationID).WithAgent(failed.Agent)
	log.Warn("workflow step failed", zap.String("step", failed.ID), zap.String("reason", reason))
	events.Publish(ctx, o.bus, log, events.WorkflowStepFailed, eventSource, conversationID, map[string]interface{}{
		"step":   failed.ID,
		"agent":  failed.Agent,
		"reason": reason,
	})
	return nil
}

// ApplyFail is FailStep inside an existing update.
func (o *Orchestrator) ApplyFail(s *conversation.State, agent, reason string) (conversation.WorkflowStep, error) {
	idx := s.ActiveStep()
	if agent != "" {
		idx = s.StepForAgent(agent)
	}
	if idx < 0 || !s.WorkflowSteps[idx].Status.CanTransition(conversation.StepFailed) {
		return conversation.WorkflowStep{}, conversation.UnknownTransition(s.ConversationID, agent, "step_failed", "no active step to fail")
	}
	now := o.now()
	step := &s.WorkflowSteps[idx]
	step.Status = conversation.StepFailed
	step.Error = reason
	step.CompletedAt = &now
	s.Log(conversation.TransitionLogEntry{
		Type:      conversation.TransitionStepFailed,
		Reason:    reason,
		Timestamp: now,
		AgentName: step.Agent,
		From:      step.ID,
	})
	s.Touch(now)
	return *step, nil
}

// Restart retires every pending clarification and resets the steps to the first phase.
// Question history and preferences survive.
func (o *Orchestrator) Restart(ctx context.Context, conversationID, reason string) ([]string, error) {
	var retired []string
	_, err := o.store.Update(ctx, conversationID, func(s *conversation.State) error {
		retired = o.ApplyRestart(s, reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.PublishRestart(ctx, conversationID, retired)
	return retired, nil
}

// ApplyRestart is Restart inside an existing update. It returns the retired request ids.
func (o *Orchestrator) ApplyRestart(s *conversation.State, reason string) []string {
	now := o.now()
	retired := make([]string, 0, len(s.PendingClarifications))
	for id := range s.PendingClarifications {
		s.ClearedRequests[id] = now
		retired = append(retired, id)
	}
	s.PendingClarifications = map[string]conversation.EnrichedQuestion{}
	s.PendingModification = ""

	from := s.CurrentAgent
	o.seed(s, now)
	s.Log(conversation.TransitionLogEntry{
		Type:      conversation.TransitionWorkflowRestart,
		Reason:    reason,
		Timestamp: now,
		AgentName: from,
		From:      from,
		To:        s.CurrentAgent,
	})
	return retired
}

// PublishTransition logs and publishes a committed transition.
func (o *Orchestrator) PublishTransition(ctx context.Context, conversationID string, tr Transition, reason string) {
	log := o.logger.WithConversationID(conversationID)
	log.Info("agent transition",
		zap.String("from_agent", tr.FromAgent),
		zap.String("to_agent", tr.ToAgent),
		zap.String("to_phase", tr.ToPhase),
		zap.String("reason", reason))
	events.Publish(ctx, o.bus, log, events.WorkflowTransition, eventSource, conversationID, map[string]interface{}{
		"from_agent": tr.FromAgent,
		"to_agent":   tr.ToAgent,
		"from_phase": tr.FromPhase,
		"to_phase":   tr.ToPhase,
		"completed":  tr.Completed,
		"reason":     reason,
	})
}

// PublishRestart logs and publishes a committed restart.
func (o *Orchestrator) PublishRestart(ctx context.Context, conversationID string, retired []string) {
	log := o.logger.WithConversationID(conversationID)
	log.Info("workflow restarted", zap.Int("retired_requests", len(retired)))
	events.Publish(ctx, o.bus, log, events.WorkflowRestarted, eventSource, conversationID, map[string]interface{}{
		"retired_requests": retired,
	})
}
