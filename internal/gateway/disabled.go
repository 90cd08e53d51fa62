package gateway

import (
	"context"
	"encoding/json"
	"errors"
)

// errDisabled is reported by Disabled for every call.
var errDisabled = errors.New("generation service is disabled")

// Disabled is the gateway used when no provider is configured. Every call fails with
// ErrGatewayUnavailable, so the core runs on its conservative defaults.
type Disabled struct{}

// GenerateStructuredAnalysis implements Gateway.
func (Disabled) GenerateStructuredAnalysis(context.Context, PromptKind, any) (json.RawMessage, error) {
	return nil, Unavailable("analyze", errDisabled)
}

// StreamGeneration implements Gateway.
func (Disabled) StreamGeneration(context.Context, AgentConfig, []Message) (<-chan Chunk, error) {
	return nil, Unavailable("stream", errDisabled)
}
