// Package gateway is the boundary to the language model service. Callers see structured
// analyses and typed agent streams; transport failures and malformed output both surface
// as conversation.ErrGatewayUnavailable.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// PromptKind selects which structured analysis is requested.
type PromptKind string

const (
	KindEnrichment PromptKind = "enrichment"
	KindSimilarity PromptKind = "similarity"
	KindValidation PromptKind = "validation"
	KindFollowUps  PromptKind = "follow_ups"
	KindHelp       PromptKind = "help"
)

// Valid reports whether k is a known prompt kind.
func (k PromptKind) Valid() bool {
	switch k {
	case KindEnrichment, KindSimilarity, KindValidation, KindFollowUps, KindHelp:
		return true
	}
	return false
}

// Role identifies the author of a message in an agent transcript.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Message is one entry of an agent transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolName is set on RoleTool messages carrying a tool result.
	ToolName string `json:"tool_name,omitempty"`
}

// AgentConfig describes the agent a stream is generated for.
type AgentConfig struct {
	Name         string
	ModelID      string
	SystemPrompt string
	Tools        []ToolName
	Temperature  float32
}

// Gateway is the generation service used by the core.
type Gateway interface {
	// GenerateStructuredAnalysis returns a JSON object for kind. Decode it with Analyze.
	GenerateStructuredAnalysis(ctx context.Context, kind PromptKind, payload any) (json.RawMessage, error)
	// StreamGeneration starts an agent turn. The channel is closed after a ChunkDone or
	// ChunkError, or when ctx is cancelled.
	StreamGeneration(ctx context.Context, agent AgentConfig, messages []Message) (<-chan Chunk, error)
}

// Result is implemented by every structured analysis result.
type Result interface {
	Validate() error
}

// Analyze requests kind from gw and decodes the answer into T. Unknown fields, missing
// required fields and out-of-range values are all reported as ErrGatewayUnavailable.
func Analyze[T Result](ctx context.Context, gw Gateway, kind PromptKind, payload any) (T, error) {
	var zero T
	if gw == nil {
		return zero, Unavailable(string(kind), errors.New("no gateway configured"))
	}
	raw, err := gw.GenerateStructuredAnalysis(ctx, kind, payload)
	if err != nil {
		return zero, Unavailable(string(kind), err)
	}

	var out T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return zero, Unavailable(string(kind), fmt.Errorf("decode result: %w", err))
	}
	if err := out.Validate(); err != nil {
		return zero, Unavailable(string(kind), err)
	}
	return out, nil
}

// Unavailable wraps err so errors.Is(err, conversation.ErrGatewayUnavailable) holds.
// Errors already carrying that kind are returned unchanged.
func Unavailable(op string, err error) error {
	if errors.Is(err, conversation.ErrGatewayUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", conversation.ErrGatewayUnavailable, op, err)
}
