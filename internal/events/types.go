// Package events provides event types and subject helpers for the orchestration event bus.
package events

import (
	"strings"
	"unicode"
)

// Event types for clarifications
const (
	ClarificationRequested = "clarification.requested"
	ClarificationAnswered  = "clarification.answered"
	ClarificationReused    = "clarification.reused"
)

// Event types for the workflow state machine
const (
	WorkflowStarted    = "workflow.started"
	WorkflowTransition = "workflow.transition"
	WorkflowRestarted  = "workflow.restarted"
	WorkflowStepFailed = "workflow.step_failed"
)

// Event types for user actions
const (
	ActionExecuted = "action.executed"
)

// Event types for preferences
const (
	PreferencesUpdated = "preferences.updated"
)

// Event types for sink output relayed to other processes
const (
	SinkEventPublished = "sink.event"
)

// SubjectToken maps a conversation id onto a single subject token. Separators,
// wildcards and whitespace become underscores.
func SubjectToken(conversationID string) string {
	if conversationID == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>' || unicode.IsSpace(r):
			return '_'
		default:
			return r
		}
	}, conversationID)
}

// BuildConversationSubject returns the subject carrying one kind of sink output for a conversation.
func BuildConversationSubject(conversationID, kind string) string {
	return "conversation." + SubjectToken(conversationID) + "." + kind
}

// BuildConversationWildcardSubject matches every sink output of a conversation.
func BuildConversationWildcardSubject(conversationID string) string {
	return "conversation." + SubjectToken(conversationID) + ".>"
}

// BuildAllConversationsSubject matches sink output for every conversation.
func BuildAllConversationsSubject() string {
	return "conversation.>"
}
