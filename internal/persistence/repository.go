// Package persistence keeps conversation snapshots outside the process so a restarted
// service can rehydrate its store.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// Repository stores one snapshot per conversation.
type Repository interface {
	// Save replaces the snapshot of state.ConversationID.
	Save(ctx context.Context, state conversation.State) error
	// Load returns a snapshot, or conversation.ErrNotFound.
	Load(ctx context.Context, conversationID string) (conversation.State, error)
	// Delete removes a snapshot. Missing snapshots are not an error.
	Delete(ctx context.Context, conversationID string) error
	// List returns the ids of every stored snapshot, sorted.
	List(ctx context.Context) ([]string, error)
	Close() error
}

func encodeState(state conversation.State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation %s: %w", state.ConversationID, err)
	}
	return data, nil
}

func decodeState(conversationID string, data []byte) (conversation.State, error) {
	var state conversation.State
	if err := json.Unmarshal(data, &state); err != nil {
		return conversation.State{}, fmt.Errorf("failed to decode conversation %s: %w", conversationID, err)
	}
	return state, nil
}

func notFound(conversationID string) error {
	return conversation.NotFound("load snapshot", conversationID, conversationID, "no snapshot stored")
}
