// Package delegator runs agent turns: it streams generations from the gateway, forwards
// their output to a sink and carries out the tool calls agents make.
package delegator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/clarification"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
	"github.com/blissfulldev/devops-ai-sub001/internal/sysprompt"
	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

// DefaultMaxSteps bounds the generation iterations of one turn.
const DefaultMaxSteps = 10

// Outcome says why a turn stopped.
type Outcome string

const (
	// OutcomeIdle means the agent answered without calling a tool and waits for the user.
	OutcomeIdle Outcome = "idle"
	// OutcomeAwaitingClarification means the agent asked questions that must be answered
	// before Resume.
	OutcomeAwaitingClarification Outcome = "awaiting_clarification"
	// OutcomeCompleted means the workflow reached its last step.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the agent stream failed and its step was marked failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeStepLimit means the turn used all of its generation iterations.
	OutcomeStepLimit Outcome = "step_limit"
)

// TurnResult summarizes one HandleUserMessage or Resume call.
type TurnResult struct {
	Outcome     Outcome               `json:"outcome"`
	Agent       string                `json:"agent"`
	Steps       int                   `json:"steps"`
	Transitions []workflow.Transition `json:"transitions"`
	Pending     int                   `json:"pending_clarifications"`
}

// Delegator runs the agents of a conversation.
type Delegator struct {
	store     *conversation.Store
	clarifier *clarification.Manager
	workflow  *workflow.Orchestrator
	gateway   gateway.Gateway
	maxSteps  int
	maxTasks  int
	logger    *logger.Logger
	now       func() time.Time
}

// Option configures a Delegator.
type Option func(*Delegator)

// WithMaxSteps bounds the generation iterations of one turn.
func WithMaxSteps(n int) Option {
	return func(d *Delegator) {
		if n > 0 {
			d.maxSteps = n
		}
	}
}

// WithMaxParallelDelegates bounds how many delegates run at once.
func WithMaxParallelDelegates(n int) Option {
	return func(d *Delegator) {
		if n > 0 {
			d.maxTasks = n
		}
	}
}

// New creates a Delegator.
func New(store *conversation.Store, clarifier *clarification.Manager, wf *workflow.Orchestrator, gw gateway.Gateway, log *logger.Logger, opts ...Option) *Delegator {
	d := &Delegator{
		store:     store,
		clarifier: clarifier,
		workflow:  wf,
		gateway:   gw,
		maxSteps:  DefaultMaxSteps,
		maxTasks:  4,
		logger:    log.WithFields(zap.String("component", "agent-delegator")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func awaiting(op, conversationID string, pending int) error {
	return &conversation.Error{
		Kind:           conversation.ErrAwaitingClarification,
		Op:             op,
		ConversationID: conversationID,
		Detail:         fmt.Sprintf("%d clarification(s) still waiting for an answer", pending),
	}
}

// HandleUserMessage records text and runs the current agent. Messages are refused with
// ErrAwaitingClarification while clarifications are pending; answer them instead.
func (d *Delegator) HandleUserMessage(ctx context.Context, conversationID, text, modelID string, out sink.Sink) (TurnResult, error) {
	const op = "handle user message"
	if _, err := d.workflow.Start(ctx, conversationID); err != nil {
		return TurnResult{}, err
	}

	var pending int
	s, err := d.store.Update(ctx, conversationID, func(s *conversation.State) error {
		if s.IsWaitingForClarification() {
			pending = len(s.PendingClarifications)
			return awaiting(op, conversationID, pending)
		}
		content := text
		if s.PendingModification != "" {
			content = sysprompt.InjectModification(s.PendingModification, text)
			s.PendingModification = ""
		}
		s.Transcript = append(s.Transcript, conversation.TranscriptEntry{
			Role:      string(gateway.RoleUser),
			Agent:     s.CurrentAgent,
			Content:   content,
			Timestamp: d.now(),
		})
		s.Touch(d.now())
		return nil
	})
	if err != nil {
		return TurnResult{Outcome: OutcomeAwaitingClarification, Pending: pending}, err
	}
	return d.run(ctx, conversationID, s.CurrentAgent, modelID, out)
}

// Resume continues the current agent after its clarifications were answered. The answers
// recorded since the agent last spoke are fed back to it.
func (d *Delegator) Resume(ctx context.Context, conversationID, modelID string, out sink.Sink) (TurnResult, error) {
	const op = "resume"
	var pending int
	s, err := d.store.Update(ctx, conversationID, func(s *conversation.State) error {
		if s.IsWaitingForClarification() {
			pending = len(s.PendingClarifications)
			return awaiting(op, conversationID, pending)
		}
		if !workflow.InProgress(*s) {
			return conversation.NotFound(op, conversationID, conversationID, "no workflow in progress")
		}
		now := d.now()
		if answers := answersSince(*s, lastAgentActivity(*s)); len(answers) > 0 {
			s.Transcript = append(s.Transcript, conversation.TranscriptEntry{
				Role:      string(gateway.RoleUser),
				Agent:     s.CurrentAgent,
				Content:   sysprompt.Wrap(sysprompt.FormatAnswers(answers)),
				Timestamp: now,
			})
		}
		if s.PendingModification != "" {
			s.Transcript = append(s.Transcript, conversation.TranscriptEntry{
				Role:      string(gateway.RoleUser),
				Agent:     s.CurrentAgent,
				Content:   sysprompt.InjectModification(s.PendingModification, ""),
				Timestamp: now,
			})
			s.PendingModification = ""
		}
		s.Log(conversation.TransitionLogEntry{
			Type:      conversation.TransitionWorkflowResume,
			Reason:    "resumed by host",
			Timestamp: now,
			AgentName: s.CurrentAgent,
		})
		s.Touch(now)
		return nil
	})
	if err != nil {
		return TurnResult{Outcome: OutcomeAwaitingClarification, Pending: pending}, err
	}
	d.logger.WithConversationID(conversationID).Info("workflow resumed", zap.String("agent", s.CurrentAgent))
	return d.run(ctx, conversationID, s.CurrentAgent, modelID, out)
}

// lastAgentActivity is the time of the latest transcript entry written by an agent turn.
func lastAgentActivity(s conversation.State) time.Time {
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		if e := s.Transcript[i]; e.Role != string(gateway.RoleUser) {
			return e.Timestamp
		}
	}
	return time.Time{}
}

// answersSince lists answers recorded after since, oldest first, by server time.
func answersSince(s conversation.State, since time.Time) []sysprompt.Answer {
	type answered struct {
		at time.Time
		sysprompt.Answer
	}
	var list []answered
	for _, e := range s.QuestionHistory {
		if e.Answer == nil || !e.Answer.AnsweredAt.After(since) {
			continue
		}
		list = append(list, answered{at: e.Answer.AnsweredAt, Answer: sysprompt.Answer{
			Question: e.Question.Question,
			Answer:   e.Answer.Answer,
		}})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].at.Before(list[j].at) })
	out := make([]sysprompt.Answer, len(list))
	for i, a := range list {
		out[i] = a.Answer
	}
	return out
}

// run drives agents from agent onwards until one stops for the user or the step budget
// is spent. A completed step hands over to the next agent within the same budget.
func (d *Delegator) run(ctx context.Context, conversationID, agent, modelID string, out sink.Sink) (TurnResult, error) {
	ctx = logger.ContextWithConversationID(ctx, conversationID)
	res := TurnResult{Agent: agent, Transitions: []workflow.Transition{}}
	if agent == "" {
		res.Outcome = OutcomeCompleted
	}

	budget := newStepBudget(d.maxSteps)

	for agent != "" {
		t, err := d.turn(ctx, conversationID, agent, modelID, out, budget)
		res.Agent = agent
		if err != nil {
			res.Steps = budget.used()
			return res, err
		}
		if t.transition == nil {
			res.Outcome = t.outcome
			break
		}
		res.Transitions = append(res.Transitions, *t.transition)
		if t.transition.Completed {
			res.Outcome = OutcomeCompleted
			break
		}
		agent = t.transition.ToAgent
		if budget.spent() {
			res.Outcome = OutcomeStepLimit
			break
		}
	}
	res.Steps = budget.used()
	res.Pending = len(d.store.Get(conversationID).PendingClarifications)
	return res, nil
}
