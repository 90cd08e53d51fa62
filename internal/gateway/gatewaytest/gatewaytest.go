// Package gatewaytest provides a scripted gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
)

// AnalysisFunc computes an analysis answer from the request payload.
type AnalysisFunc func(payload any) (string, error)

// AnalysisCall records one structured analysis request.
type AnalysisCall struct {
	Kind    gateway.PromptKind
	Payload any
}

// StreamCall records one agent turn.
type StreamCall struct {
	Agent    gateway.AgentConfig
	Messages []gateway.Message
}

type script struct {
	chunks []gateway.Chunk
	err    error
}

// Gateway answers from scripts registered by the test. Unscripted analyses fail with
// ErrGatewayUnavailable; unscripted stream turns end immediately.
type Gateway struct {
	mu       sync.Mutex
	once     map[gateway.PromptKind][]AnalysisFunc
	always   map[gateway.PromptKind]AnalysisFunc
	streams  map[string][]script
	analyses []AnalysisCall
	turns    []StreamCall
}

// New returns a gateway with nothing scripted.
func New() *Gateway {
	return &Gateway{
		once:    map[gateway.PromptKind][]AnalysisFunc{},
		always:  map[gateway.PromptKind]AnalysisFunc{},
		streams: map[string][]script{},
	}
}

// OnAnalysis answers every kind request with body.
func (g *Gateway) OnAnalysis(kind gateway.PromptKind, body string) *Gateway {
	return g.HandleAnalysis(kind, func(any) (string, error) { return body, nil })
}

// OnAnalysisValue answers every kind request with v encoded as JSON.
func (g *Gateway) OnAnalysisValue(kind gateway.PromptKind, v any) *Gateway {
	body, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gatewaytest: encode %s answer: %v", kind, err))
	}
	return g.OnAnalysis(kind, string(body))
}

// HandleAnalysis answers every kind request with fn.
func (g *Gateway) HandleAnalysis(kind gateway.PromptKind, fn AnalysisFunc) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.always[kind] = fn
	return g
}

// QueueAnalysis answers the next kind request with body, ahead of any OnAnalysis answer.
func (g *Gateway) QueueAnalysis(kind gateway.PromptKind, body string) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.once[kind] = append(g.once[kind], func(any) (string, error) { return body, nil })
	return g
}

// FailAnalysis makes every kind request fail with err.
func (g *Gateway) FailAnalysis(kind gateway.PromptKind, err error) *Gateway {
	return g.HandleAnalysis(kind, func(any) (string, error) { return "", err })
}

// OnStream queues the chunks of agent's next turn. A ChunkDone is appended unless the
// script already ends the stream.
func (g *Gateway) OnStream(agent string, chunks ...gateway.Chunk) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streams[agent] = append(g.streams[agent], script{chunks: chunks})
	return g
}

// FailStream makes agent's next turn fail to start.
func (g *Gateway) FailStream(agent string, err error) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streams[agent] = append(g.streams[agent], script{err: err})
	return g
}

// AnalysisCalls returns the recorded analysis requests of kind.
func (g *Gateway) AnalysisCalls(kind gateway.PromptKind) []AnalysisCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []AnalysisCall
	for _, c := range g.analyses {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// StreamCalls returns the recorded turns of agent.
func (g *Gateway) StreamCalls(agent string) []StreamCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []StreamCall
	for _, c := range g.turns {
		if c.Agent.Name == agent {
			out = append(out, c)
		}
	}
	return out
}

// GenerateStructuredAnalysis implements gateway.Gateway.
func (g *Gateway) GenerateStructuredAnalysis(ctx context.Context, kind gateway.PromptKind, payload any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.analyses = append(g.analyses, AnalysisCall{Kind: kind, Payload: payload})
	var fn AnalysisFunc
	if queued := g.once[kind]; len(queued) > 0 {
		fn = queued[0]
		g.once[kind] = queued[1:]
	} else {
		fn = g.always[kind]
	}
	g.mu.Unlock()

	if fn == nil {
		return nil, gateway.Unavailable(string(kind), errors.New("no scripted answer"))
	}
	body, err := fn(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// StreamGeneration implements gateway.Gateway.
func (g *Gateway) StreamGeneration(ctx context.Context, agent gateway.AgentConfig, messages []gateway.Message) (<-chan gateway.Chunk, error) {
	g.mu.Lock()
	g.turns = append(g.turns, StreamCall{Agent: agent, Messages: append([]gateway.Message(nil), messages...)})
	var s script
	if queued := g.streams[agent.Name]; len(queued) > 0 {
		s = queued[0]
		g.streams[agent.Name] = queued[1:]
	}
	g.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	chunks := s.chunks
	if n := len(chunks); n == 0 || (chunks[n-1].Kind != gateway.ChunkDone && chunks[n-1].Kind != gateway.ChunkError) {
		chunks = append(append([]gateway.Chunk(nil), chunks...), gateway.DoneChunk())
	}

	out := make(chan gateway.Chunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ToolCall builds a tool call chunk with args encoded as JSON.
func ToolCall(name gateway.ToolName, args any) gateway.Chunk {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("gatewaytest: encode %s args: %v", name, err))
	}
	return gateway.ToolCallChunk(gateway.RawToolCall{Name: string(name), Args: raw})
}
