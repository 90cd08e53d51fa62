// Package sink defines the closed set of events the orchestration core emits to its host
// and the writers that deliver them.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// Kind names an event variant.
type Kind string

const (
	KindClarificationRequest Kind = "clarification_request"
	KindAgentTextDelta       Kind = "agent_text_delta"
	KindFileArtifact         Kind = "file_artifact"
	KindStatusNotice         Kind = "status_notice"
)

// ErrInvalidEvent is returned when an event's payload is incomplete.
var ErrInvalidEvent = errors.New("invalid sink event")

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	Validate() error
	sealed()
}

// ClarificationRequest asks the user a question on behalf of an agent.
type ClarificationRequest struct {
	Question conversation.EnrichedQuestion `json:"question"`
}

// AgentTextDelta is a chunk of generated text from one agent.
type AgentTextDelta struct {
	Agent string `json:"agent"`
	Delta string `json:"delta"`
}

// FileArtifact announces a file produced by an agent.
type FileArtifact struct {
	Agent       string `json:"agent,omitempty"`
	Path        string `json:"path"`
	MediaType   string `json:"media_type"`
	Description string `json:"description,omitempty"`
}

// StatusNotice is an informational message for the user.
type StatusNotice struct {
	Agent string `json:"agent,omitempty"`
	Text  string `json:"text"`
}

func (ClarificationRequest) Kind() Kind { return KindClarificationRequest }
func (AgentTextDelta) Kind() Kind       { return KindAgentTextDelta }
func (FileArtifact) Kind() Kind         { return KindFileArtifact }
func (StatusNotice) Kind() Kind         { return KindStatusNotice }

func (ClarificationRequest) sealed() {}
func (AgentTextDelta) sealed()       {}
func (FileArtifact) sealed()         {}
func (StatusNotice) sealed()         {}

// Validate requires an id and question text.
func (e ClarificationRequest) Validate() error {
	if e.Question.ID == "" {
		return invalid(e.Kind(), "question id is required")
	}
	if strings.TrimSpace(e.Question.Question) == "" {
		return invalid(e.Kind(), "question text is required")
	}
	return nil
}

// Validate requires the producing agent.
func (e AgentTextDelta) Validate() error {
	if e.Agent == "" {
		return invalid(e.Kind(), "agent is required")
	}
	return nil
}

// Validate requires a path and media type.
func (e FileArtifact) Validate() error {
	if strings.TrimSpace(e.Path) == "" {
		return invalid(e.Kind(), "path is required")
	}
	if !strings.Contains(e.MediaType, "/") {
		return invalid(e.Kind(), fmt.Sprintf("media type %q is not a type/subtype pair", e.MediaType))
	}
	return nil
}

// Validate requires text.
func (e StatusNotice) Validate() error {
	if strings.TrimSpace(e.Text) == "" {
		return invalid(e.Kind(), "text is required")
	}
	return nil
}

func invalid(kind Kind, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidEvent, kind, detail)
}

// Envelope is the wire form of an event.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Wrap encodes e into an Envelope.
func Wrap(e Event) (Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	return Envelope{Kind: e.Kind(), Payload: payload}, nil
}

// Unwrap decodes an Envelope back into its variant. Unknown kinds and unknown payload
// fields are rejected.
func (env Envelope) Unwrap() (Event, error) {
	var (
		e   Event
		err error
	)
	switch env.Kind {
	case KindClarificationRequest:
		var v ClarificationRequest
		err = decodeStrict(env.Payload, &v)
		e = v
	case KindAgentTextDelta:
		var v AgentTextDelta
		err = decodeStrict(env.Payload, &v)
		e = v
	case KindFileArtifact:
		var v FileArtifact
		err = decodeStrict(env.Payload, &v)
		e = v
	case KindStatusNotice:
		var v StatusNotice
		err = decodeStrict(env.Payload, &v)
		e = v
	default:
		return nil, invalid(env.Kind, "unknown kind")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, env.Kind, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
