package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Compare with errors.Is.
var (
	ErrInvalidPreference     = errors.New("invalid preference")
	ErrNotFound              = errors.New("not found")
	ErrStaleRequest          = errors.New("stale request")
	ErrUnknownTransition     = errors.New("unknown transition")
	ErrGatewayUnavailable    = errors.New("gateway unavailable")
	ErrAwaitingClarification = errors.New("awaiting clarification")
	ErrActionUnavailable     = errors.New("action unavailable")
)

// Error carries enough detail for a caller to react: which operation, which
// conversation, which id and which field.
type Error struct {
	Kind           error
	Op             string
	ConversationID string
	ID             string
	Field          string
	Detail         string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %s)", e.Field)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, " (id %s)", e.ID)
	}
	if e.ConversationID != "" {
		fmt.Fprintf(&b, " (conversation %s)", e.ConversationID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Unwrap returns the error kind so errors.Is matches the sentinels above.
func (e *Error) Unwrap() error {
	return e.Kind
}

// NotFound builds an ErrNotFound for id.
func NotFound(op, conversationID, id, detail string) error {
	return &Error{Kind: ErrNotFound, Op: op, ConversationID: conversationID, ID: id, Detail: detail}
}

// StaleRequest builds an ErrStaleRequest for id.
func StaleRequest(op, conversationID, id string) error {
	return &Error{
		Kind:           ErrStaleRequest,
		Op:             op,
		ConversationID: conversationID,
		ID:             id,
		Detail:         "request is no longer pending",
	}
}

// InvalidPreference builds an ErrInvalidPreference for field.
func InvalidPreference(field, detail string) error {
	return &Error{Kind: ErrInvalidPreference, Op: "set preferences", Field: field, Detail: detail}
}

// UnknownTransition builds an ErrUnknownTransition.
func UnknownTransition(conversationID, agent, event, detail string) error {
	return &Error{
		Kind:           ErrUnknownTransition,
		Op:             "determine next agent",
		ConversationID: conversationID,
		ID:             agent + "/" + event,
		Detail:         detail,
	}
}

// LookupPending resolves requestID against s: pending ids return the question, ids
// retired by restart yield ErrStaleRequest, anything else ErrNotFound.
func LookupPending(s State, op, requestID string) (EnrichedQuestion, error) {
	if q, ok := s.PendingClarifications[requestID]; ok {
		return q, nil
	}
	if _, ok := s.ClearedRequests[requestID]; ok {
		return EnrichedQuestion{}, StaleRequest(op, s.ConversationID, requestID)
	}
	if s.AnsweredRequest(requestID) {
		return EnrichedQuestion{}, NotFound(op, s.ConversationID, requestID, "request already answered")
	}
	return EnrichedQuestion{}, NotFound(op, s.ConversationID, requestID, "no such pending request")
}
