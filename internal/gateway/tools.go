package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// ToolName identifies a tool agents may call.
type ToolName string

const (
	ToolAskClarification ToolName = "ask_clarification"
	ToolEmitArtifact     ToolName = "emit_artifact"
	ToolCompleteStep     ToolName = "complete_step"
	ToolDelegate         ToolName = "delegate"
)

// AllTools lists every tool in declaration order.
var AllTools = []ToolName{ToolAskClarification, ToolEmitArtifact, ToolCompleteStep, ToolDelegate}

// ErrMalformedToolCall is returned for tool calls that are unknown or whose arguments do
// not match the tool's schema. Such calls are rejected, never coerced.
var ErrMalformedToolCall = errors.New("malformed tool call")

// ToolCall is a decoded, validated tool invocation.
type ToolCall interface {
	Tool() ToolName
	validate() error
}

// AskClarification raises a question for the user.
type AskClarification struct {
	Question string                `json:"question"`
	Context  string                `json:"context"`
	Priority conversation.Priority `json:"priority"`
	Options  []string              `json:"options,omitempty"`
}

// EmitArtifact announces a generated file.
type EmitArtifact struct {
	Path        string `json:"path"`
	MediaType   string `json:"media_type"`
	Description string `json:"description,omitempty"`
}

// CompleteStep reports that the calling agent finished its step.
type CompleteStep struct {
	Summary string `json:"summary"`
}

// DelegateTask is one subtask handed to a specialist agent.
type DelegateTask struct {
	Agent        string `json:"agent"`
	Instructions string `json:"instructions"`
}

// Delegate hands subtasks to specialist agents that run concurrently.
type Delegate struct {
	Tasks []DelegateTask `json:"tasks"`
}

func (AskClarification) Tool() ToolName { return ToolAskClarification }
func (EmitArtifact) Tool() ToolName     { return ToolEmitArtifact }
func (CompleteStep) Tool() ToolName     { return ToolCompleteStep }
func (Delegate) Tool() ToolName         { return ToolDelegate }

func (a AskClarification) validate() error {
	if strings.TrimSpace(a.Question) == "" {
		return errors.New("question is required")
	}
	if a.Priority == "" {
		return errors.New("priority is required")
	}
	if !a.Priority.Valid() {
		return fmt.Errorf("priority %q is not recognised", a.Priority)
	}
	seen := make(map[string]bool, len(a.Options))
	for _, o := range a.Options {
		if strings.TrimSpace(o) == "" {
			return errors.New("options must not be blank")
		}
		if seen[o] {
			return fmt.Errorf("option %q is repeated", o)
		}
		seen[o] = true
	}
	return nil
}

func (e EmitArtifact) validate() error {
	if strings.TrimSpace(e.Path) == "" {
		return errors.New("path is required")
	}
	if !strings.Contains(e.MediaType, "/") {
		return fmt.Errorf("media_type %q is not a type/subtype pair", e.MediaType)
	}
	return nil
}

func (CompleteStep) validate() error { return nil }

func (d Delegate) validate() error {
	if len(d.Tasks) == 0 {
		return errors.New("tasks must not be empty")
	}
	for i, t := range d.Tasks {
		if t.Agent == "" {
			return fmt.Errorf("tasks[%d].agent is required", i)
		}
		if strings.TrimSpace(t.Instructions) == "" {
			return fmt.Errorf("tasks[%d].instructions is required", i)
		}
	}
	return nil
}

// ParseToolCall decodes raw into its typed form. Arguments must be a JSON object whose
// fields have exactly the declared types; unknown tools and unknown fields are rejected.
func ParseToolCall(raw RawToolCall) (ToolCall, error) {
	var call ToolCall
	var err error
	switch ToolName(raw.Name) {
	case ToolAskClarification:
		var v AskClarification
		err = decodeArgs(raw.Args, &v)
		call = v
	case ToolEmitArtifact:
		var v EmitArtifact
		err = decodeArgs(raw.Args, &v)
		call = v
	case ToolCompleteStep:
		var v CompleteStep
		err = decodeArgs(raw.Args, &v)
		call = v
	case ToolDelegate:
		var v Delegate
		err = decodeArgs(raw.Args, &v)
		call = v
	default:
		return nil, fmt.Errorf("%w: unknown tool %q", ErrMalformedToolCall, raw.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedToolCall, raw.Name, err)
	}
	if err := call.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedToolCall, raw.Name, err)
	}
	return call, nil
}

func decodeArgs(args json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("arguments must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after arguments")
	}
	return nil
}
