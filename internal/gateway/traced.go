package gateway

import (
	"context"
	"encoding/json"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/tracing"
)

// Traced wraps a Gateway with one span per call. Stream spans end when the stream does.
type Traced struct {
	next Gateway
}

// NewTraced wraps next.
func NewTraced(next Gateway) *Traced {
	return &Traced{next: next}
}

// GenerateStructuredAnalysis implements Gateway.
func (t *Traced) GenerateStructuredAnalysis(ctx context.Context, kind PromptKind, payload any) (json.RawMessage, error) {
	ctx, span := tracing.TraceGatewayCall(ctx, "analyze", string(kind), logger.ConversationIDFromContext(ctx))
	raw, err := t.next.GenerateStructuredAnalysis(ctx, kind, payload)
	tracing.EndSpan(span, err)
	return raw, err
}

// StreamGeneration implements Gateway.
func (t *Traced) StreamGeneration(ctx context.Context, agent AgentConfig, messages []Message) (<-chan Chunk, error) {
	ctx, span := tracing.TraceGatewayCall(ctx, "stream", agent.Name, logger.ConversationIDFromContext(ctx))
	in, err := t.next.StreamGeneration(ctx, agent, messages)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		var streamErr error
		defer func() { tracing.EndSpan(span, streamErr) }()
		for c := range in {
			if c.Kind == ChunkError {
				streamErr = c.Err
			}
			if !send(ctx, out, c) {
				streamErr = ctx.Err()
				// Let the producer observe cancellation and close its channel.
				for range in {
				}
				return
			}
		}
	}()
	return out, nil
}
