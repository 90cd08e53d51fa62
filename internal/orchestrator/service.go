// Package orchestrator is the inbound facade of the orchestration core. Transport adapters
// call it; it coordinates the clarification, workflow, delegation, action and preference
// services that share one conversation store.
package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/actions"
	"github.com/blissfulldev/devops-ai-sub001/internal/clarification"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/delegator"
	"github.com/blissfulldev/devops-ai-sub001/internal/preferences"
	"github.com/blissfulldev/devops-ai-sub001/internal/sink"
	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

// Service is the inbound facade.
type Service struct {
	store       *conversation.Store
	clarifier   *clarification.Manager
	workflow    *workflow.Orchestrator
	delegator   *delegator.Delegator
	actions     *actions.Executor
	preferences *preferences.Manager
	logger      *logger.Logger
}

// NewService creates the facade over already constructed services.
func NewService(
	store *conversation.Store,
	clarifier *clarification.Manager,
	wf *workflow.Orchestrator,
	del *delegator.Delegator,
	exec *actions.Executor,
	prefs *preferences.Manager,
	log *logger.Logger,
) *Service {
	return &Service{
		store:       store,
		clarifier:   clarifier,
		workflow:    wf,
		delegator:   del,
		actions:     exec,
		preferences: prefs,
		logger:      log.WithFields(zap.String("component", "orchestrator")),
	}
}

// AnswerOutcome is the result of one submitted clarification response.
type AnswerOutcome struct {
	RequestID  string                         `json:"request_id"`
	Accepted   bool                           `json:"accepted"`
	Validation clarification.ValidationResult `json:"validation"`
	// Remaining counts the clarifications still pending after this response.
	Remaining int `json:"remaining"`
	// ReadyToResume is true once nothing is pending and the workflow is in progress.
	ReadyToResume bool   `json:"ready_to_resume"`
	Error         string `json:"error,omitempty"`
	Err           error  `json:"-"`
}

// SubmitUserMessage hands text to the current agent.
func (s *Service) SubmitUserMessage(ctx context.Context, conversationID, text, modelID string, out sink.Sink) (delegator.TurnResult, error) {
	return s.delegator.HandleUserMessage(ctx, conversationID, text, modelID, out)
}

// SubmitClarificationResponse validates and records one answer. Invalid answers leave
// the question pending and are reported through Validation, not as an error.
func (s *Service) SubmitClarificationResponse(ctx context.Context, conversationID string, response conversation.ClarificationResponse, modelID string, out sink.Sink) (AnswerOutcome, error) {
	if response.RequestID == "" {
		return AnswerOutcome{}, conversation.NotFound("submit clarification response", conversationID, "", "request_id is required")
	}
	result, err := s.clarifier.ValidateAnswer(ctx, conversationID, response.RequestID, response, modelID, out)
	if err != nil {
		return AnswerOutcome{RequestID: response.RequestID}, err
	}
	state := s.store.Get(conversationID)
	outcome := AnswerOutcome{
		RequestID:     response.RequestID,
		Accepted:      result.IsValid,
		Validation:    result,
		Remaining:     len(state.PendingClarifications),
		ReadyToResume: !state.IsWaitingForClarification() && workflow.InProgress(state),
	}
	if outcome.ReadyToResume {
		s.logger.WithConversationID(conversationID).Info("all clarifications answered")
	}
	return outcome, nil
}

// SubmitClarificationResponses records responses in order. Each item succeeds or fails
// on its own; a failed item never rolls back the ones before it.
func (s *Service) SubmitClarificationResponses(ctx context.Context, conversationID string, responses []conversation.ClarificationResponse, modelID string, out sink.Sink) []AnswerOutcome {
	outcomes := make([]AnswerOutcome, 0, len(responses))
	for _, r := range responses {
		outcome, err := s.SubmitClarificationResponse(ctx, conversationID, r, modelID, out)
		if err != nil {
			outcome.RequestID = r.RequestID
			outcome.Error = err.Error()
			outcome.Err = err
			outcome.Remaining = len(s.store.Get(conversationID).PendingClarifications)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// GetPendingClarifications lists pending questions, most urgent first.
func (s *Service) GetPendingClarifications(conversationID string) []conversation.EnrichedQuestion {
	return s.clarifier.Pending(conversationID)
}

// IsWaitingForClarification reports whether any question is pending.
func (s *Service) IsWaitingForClarification(conversationID string) bool {
	return s.store.Get(conversationID).IsWaitingForClarification()
}

// Resume continues the workflow once every clarification is answered.
func (s *Service) Resume(ctx context.Context, conversationID, modelID string, out sink.Sink) (delegator.TurnResult, error) {
	return s.delegator.Resume(ctx, conversationID, modelID, out)
}

// FollowUpQuestions proposes follow-ups for an answered question without registering them.
func (s *Service) FollowUpQuestions(ctx context.Context, conversationID, requestID, modelID string) ([]conversation.ClarificationRequest, error) {
	return s.clarifier.GenerateFollowUpQuestions(ctx, conversationID, requestID, modelID)
}

// AskFollowUps registers follow-ups chosen by the host as new questions.
func (s *Service) AskFollowUps(ctx context.Context, conversationID string, requests []conversation.ClarificationRequest, modelID string, out sink.Sink) ([]clarification.ProcessResult, error) {
	results := make([]clarification.ProcessResult, 0, len(requests))
	var errs []error
	for _, req := range requests {
		res, err := s.clarifier.ProcessQuestion(ctx, conversationID, req, modelID, out, s.clarifier.DefaultOptions())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// State returns a snapshot of the conversation.
func (s *Service) State(conversationID string) (conversation.State, bool) {
	return s.store.Snapshot(conversationID)
}

// DeleteConversation drops a conversation and everything recorded for it.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.store.Delete(ctx, conversationID)
}

// AvailableActions lists the user actions and whether each is enabled.
func (s *Service) AvailableActions(ctx context.Context, conversationID, modelID string) []actions.UserAction {
	return s.actions.GetAvailableActions(ctx, conversationID, modelID)
}

// ExecuteAction runs a user action.
func (s *Service) ExecuteAction(ctx context.Context, conversationID string, req actions.ActionRequest, modelID string, out sink.Sink) actions.ActionResult {
	return s.actions.ExecuteAction(ctx, conversationID, req, modelID, out)
}

// Preferences returns the effective preferences.
func (s *Service) Preferences(conversationID string) conversation.UserPreferences {
	return s.preferences.Get(conversationID)
}

// SetPreferences applies patch.
func (s *Service) SetPreferences(ctx context.Context, conversationID string, patch preferences.Patch) (conversation.UserPreferences, error) {
	return s.preferences.Set(ctx, conversationID, patch)
}

// ResetPreferences restores the defaults.
func (s *Service) ResetPreferences(ctx context.Context, conversationID string) (conversation.UserPreferences, error) {
	return s.preferences.Reset(ctx, conversationID)
}

// ExportPreferences encodes the preferences for a later import.
func (s *Service) ExportPreferences(conversationID string) ([]byte, error) {
	return s.preferences.Export(conversationID)
}

// ImportPreferences replaces the preferences with an export.
func (s *Service) ImportPreferences(ctx context.Context, conversationID string, data []byte) (conversation.UserPreferences, error) {
	return s.preferences.Import(ctx, conversationID, data)
}

// Recommendations suggests preference changes from observed behaviour.
func (s *Service) Recommendations(conversationID string) []preferences.Recommendation {
	return s.preferences.Recommendations(conversationID)
}
