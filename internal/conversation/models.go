// Package conversation holds per-conversation orchestration state and the store that
// serializes every mutation of it.
package conversation

import (
	"time"
)

// Priority ranks how urgently a clarification blocks the workflow.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a recognised priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities, critical first when sorting descending.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ClarificationRequest is a question raised by an agent. It is never mutated after creation.
type ClarificationRequest struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agent_name"`
	Question  string    `json:"question"`
	Context   string    `json:"context,omitempty"` // why the agent is asking
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Options   []string  `json:"options,omitempty"`
}

// HasOption reports whether option is one of the offered options.
func (r ClarificationRequest) HasOption(option string) bool {
	for _, o := range r.Options {
		if o == option {
			return true
		}
	}
	return false
}

// ContextualHelp explains a question to the user.
type ContextualHelp struct {
	Explanation        string   `json:"explanation"`
	WhyAsked           string   `json:"why_asked"`
	HowUsed            string   `json:"how_used"`
	RelatedConcepts    []string `json:"related_concepts,omitempty"`
	DocumentationLinks []string `json:"documentation_links,omitempty"`
}

// EnrichedQuestion is a request plus the enrichment produced for it. Every enrichment
// field may be empty when enrichment was disabled or failed.
type EnrichedQuestion struct {
	ClarificationRequest

	Fingerprint      string          `json:"fingerprint"`
	ContextualHelp   *ContextualHelp `json:"contextual_help,omitempty"`
	Examples         []string        `json:"examples,omitempty"`
	ValidationRules  []string        `json:"validation_rules,omitempty"`
	Dependencies     []string        `json:"dependencies,omitempty"`
	RelatedQuestions []string        `json:"related_questions,omitempty"`
	FollowUpActions  []string        `json:"follow_up_actions,omitempty"`
}

// IsEnriched reports whether any enrichment was attached.
func (q EnrichedQuestion) IsEnriched() bool {
	return q.ContextualHelp != nil || len(q.Examples) > 0 || len(q.ValidationRules) > 0
}

// ClarificationResponse is the user's answer to one request. Immutable once recorded.
type ClarificationResponse struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	Answer         string    `json:"answer"`
	SelectedOption string    `json:"selected_option,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	// AnsweredAt is set from the server clock when the answer is recorded.
	AnsweredAt     time.Time `json:"answered_at"`
}

// QuestionHistoryEntry remembers an asked question, keyed by fingerprint.
type QuestionHistoryEntry struct {
	Fingerprint string                 `json:"fingerprint"`
	RequestID   string                 `json:"request_id"`
	AgentName   string                 `json:"agent_name"`
	Question    EnrichedQuestion       `json:"question"`
	AskedAt     time.Time              `json:"asked_at"`
	Answer      *ClarificationResponse `json:"answer,omitempty"`
}

// Answered reports whether an answer has been attached.
func (e QuestionHistoryEntry) Answered() bool {
	return e.Answer != nil
}

// StepStatus is the lifecycle status of a workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// CanTransition reports whether a step may move from s to next. Transitions only move
// forward; failed steps come back to pending through a workflow restart.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepActive || next == StepSkipped
	case StepActive:
		return next == StepCompleted || next == StepFailed || next == StepSkipped
	default:
		return false
	}
}

// WorkflowStep is one agent's unit of work within a phase.
type WorkflowStep struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Phase       string     `json:"phase"`
	Agent       string     `json:"agent"`
	Status      StepStatus `json:"status"`
	IsOptional  bool       `json:"is_optional"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransitionType classifies entries of the state transition log.
type TransitionType string

const (
	TransitionAgent                  TransitionType = "agent_transition"
	TransitionWorkflowStart          TransitionType = "workflow_start"
	TransitionWorkflowRestart        TransitionType = "workflow_restart"
	TransitionWorkflowResume         TransitionType = "workflow_resume"
	TransitionWorkflowModify         TransitionType = "workflow_modify"
	TransitionManualAdvance          TransitionType = "manual_advance"
	TransitionAutoAdvance            TransitionType = "auto_advance"
	TransitionStepSkipped            TransitionType = "step_skipped"
	TransitionStepFailed             TransitionType = "step_failed"
	TransitionHelpRequested          TransitionType = "help_requested"
	TransitionClarificationRequested TransitionType = "clarification_requested"
	TransitionClarificationAnswered  TransitionType = "clarification_answered"
	TransitionPreferencesUpdated     TransitionType = "preferences_updated"
)

// TransitionLogEntry is one append-only record of something that moved the workflow.
type TransitionLogEntry struct {
	Type      TransitionType `json:"type"`
	Reason    string         `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
	AgentName string         `json:"agent_name,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
}

// TranscriptEntry is one message exchanged with the agents of a conversation.
type TranscriptEntry struct {
	Role      string    `json:"role"` // user, agent or tool
	Agent     string    `json:"agent,omitempty"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PerformanceMetrics aggregates counters about the conversation.
type PerformanceMetrics struct {
	QuestionsAsked        int           `json:"questions_asked"`
	QuestionsReused       int           `json:"questions_reused"`
	QuestionsDeduplicated int           `json:"questions_deduplicated"`
	ResponsesRecorded     int           `json:"responses_recorded"`
	ValidationFailures    int           `json:"validation_failures"`
	GatewayFailures       int           `json:"gateway_failures"`
	TotalResponseTime     time.Duration `json:"total_response_time"`
	AverageResponseTime   time.Duration `json:"average_response_time"`
}

// RecordResponse folds one answer latency into the running average.
func (m *PerformanceMetrics) RecordResponse(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	m.ResponsesRecorded++
	m.TotalResponseTime += latency
	m.AverageResponseTime = m.TotalResponseTime / time.Duration(m.ResponsesRecorded)
}

// State is everything the core knows about one conversation.
type State struct {
	ConversationID string `json:"conversation_id"`

	PendingClarifications map[string]EnrichedQuestion     `json:"pending_clarifications"`
	QuestionHistory       map[string]QuestionHistoryEntry `json:"question_history"`
	// ClearedRequests holds ids retired by a restart so late references can be told apart
	// from ids that never existed.
	ClearedRequests map[string]time.Time `json:"cleared_requests,omitempty"`

	WorkflowPhase       string               `json:"workflow_phase"`
	CurrentAgent        string               `json:"current_agent"`
	WorkflowSteps       []WorkflowStep       `json:"workflow_steps"`
	StateTransitionLog  []TransitionLogEntry `json:"state_transition_log"`
	Transcript          []TranscriptEntry    `json:"transcript"`
	PerformanceMetrics  PerformanceMetrics   `json:"performance_metrics"`
	Preferences         *UserPreferences     `json:"preferences,omitempty"`
	PendingModification string               `json:"pending_modification,omitempty"`

	// LastActivityAt is bumped whenever the workflow moves or a question is asked or
	// answered; the auto-advance policy measures idleness from it.
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewState returns the default state for a conversation.
func NewState(conversationID string) State {
	now := time.Now().UTC()
	return State{
		ConversationID:        conversationID,
		PendingClarifications: map[string]EnrichedQuestion{},
		QuestionHistory:       map[string]QuestionHistoryEntry{},
		ClearedRequests:       map[string]time.Time{},
		WorkflowSteps:         []WorkflowStep{},
		StateTransitionLog:    []TransitionLogEntry{},
		Transcript:            []TranscriptEntry{},
		LastActivityAt:        now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// IsWaitingForClarification is true iff at least one clarification is pending.
func (s State) IsWaitingForClarification() bool {
	return len(s.PendingClarifications) > 0
}

// HasCriticalPending reports whether a critical clarification is pending.
func (s State) HasCriticalPending() bool {
	for _, q := range s.PendingClarifications {
		if q.Priority == PriorityCritical {
			return true
		}
	}
	return false
}

// ActiveStep returns the index of the active step, or -1.
func (s State) ActiveStep() int {
	for i, step := range s.WorkflowSteps {
		if step.Status == StepActive {
			return i
		}
	}
	return -1
}

// StepForAgent returns the index of the step owned by agent, or -1.
func (s State) StepForAgent(agent string) int {
	for i, step := range s.WorkflowSteps {
		if step.Agent == agent {
			return i
		}
	}
	return -1
}

// LastFailedStep returns the index of the most recently failed step, or -1.
func (s State) LastFailedStep() int {
	for i := len(s.WorkflowSteps) - 1; i >= 0; i-- {
		if s.WorkflowSteps[i].Status == StepFailed {
			return i
		}
	}
	return -1
}

// HistoryByRequestID finds the history entry created for requestID.
func (s State) HistoryByRequestID(requestID string) (QuestionHistoryEntry, bool) {
	for _, entry := range s.QuestionHistory {
		if entry.RequestID == requestID {
			return entry, true
		}
	}
	return QuestionHistoryEntry{}, false
}

// AnsweredRequest reports whether requestID was answered, either as the entry's own
// request or as a duplicate whose response was recorded against the entry.
func (s State) AnsweredRequest(requestID string) bool {
	for _, entry := range s.QuestionHistory {
		if entry.Answer == nil {
			continue
		}
		if entry.RequestID == requestID || entry.Answer.RequestID == requestID {
			return true
		}
	}
	return false
}

// Log appends a transition log entry stamped with the current time.
func (s *State) Log(entry TransitionLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.StateTransitionLog = append(s.StateTransitionLog, entry)
}

// CountTransitions counts log entries of type t.
func (s State) CountTransitions(t TransitionType) int {
	n := 0
	for _, e := range s.StateTransitionLog {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Touch records activity at now.
func (s *State) Touch(now time.Time) {
	s.LastActivityAt = now
}

// Clone returns a deep copy of the mutable parts of s. Requests, responses and enrichment
// slices are immutable and shared.
func (s State) Clone() State {
	out := s

	out.PendingClarifications = make(map[string]EnrichedQuestion, len(s.PendingClarifications))
	for k, v := range s.PendingClarifications {
		out.PendingClarifications[k] = v
	}
	out.QuestionHistory = make(map[string]QuestionHistoryEntry, len(s.QuestionHistory))
	for k, v := range s.QuestionHistory {
		out.QuestionHistory[k] = v
	}
	out.ClearedRequests = make(map[string]time.Time, len(s.ClearedRequests))
	for k, v := range s.ClearedRequests {
		out.ClearedRequests[k] = v
	}
	out.WorkflowSteps = append([]WorkflowStep(nil), s.WorkflowSteps...)
	if out.WorkflowSteps == nil {
		out.WorkflowSteps = []WorkflowStep{}
	}
	out.StateTransitionLog = append([]TransitionLogEntry(nil), s.StateTransitionLog...)
	if out.StateTransitionLog == nil {
		out.StateTransitionLog = []TransitionLogEntry{}
	}
	out.Transcript = append([]TranscriptEntry(nil), s.Transcript...)
	if out.Transcript == nil {
		out.Transcript = []TranscriptEntry{}
	}
	if s.Preferences != nil {
		p := *s.Preferences
		out.Preferences = &p
	}
	return out
}

// normalize fills nil maps after a snapshot has been decoded.
func (s *State) normalize() {
	if s.PendingClarifications == nil {
		s.PendingClarifications = map[string]EnrichedQuestion{}
	}
	if s.QuestionHistory == nil {
		s.QuestionHistory = map[string]QuestionHistoryEntry{}
	}
	if s.ClearedRequests == nil {
		s.ClearedRequests = map[string]time.Time{}
	}
	if s.WorkflowSteps == nil {
		s.WorkflowSteps = []WorkflowStep{}
	}
	if s.StateTransitionLog == nil {
		s.StateTransitionLog = []TransitionLogEntry{}
	}
	if s.Transcript == nil {
		s.Transcript = []TranscriptEntry{}
	}
}
