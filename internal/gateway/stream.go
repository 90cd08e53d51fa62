package gateway

import (
	"context"
	"encoding/json"
)

// ChunkKind is the variant of a stream chunk.
type ChunkKind string

const (
	ChunkText     ChunkKind = "text"
	ChunkToolCall ChunkKind = "tool_call"
	ChunkDone     ChunkKind = "done"
	ChunkError    ChunkKind = "error"
)

// RawToolCall is a tool invocation exactly as the model produced it.
type RawToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Chunk is one element of an agent stream. Exactly the field matching Kind is set.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *RawToolCall
	Err      error
}

// TextChunk builds a text delta chunk.
func TextChunk(text string) Chunk { return Chunk{Kind: ChunkText, Text: text} }

// ToolCallChunk builds a tool call chunk.
func ToolCallChunk(call RawToolCall) Chunk { return Chunk{Kind: ChunkToolCall, ToolCall: &call} }

// DoneChunk ends a stream.
func DoneChunk() Chunk { return Chunk{Kind: ChunkDone} }

// ErrorChunk ends a stream with a failure.
func ErrorChunk(err error) Chunk { return Chunk{Kind: ChunkError, Err: err} }

// send delivers c unless ctx is done first.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
