package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

const snapshotExt = ".json"

// FileRepository keeps one JSON file per conversation in a directory. Files are
// replaced atomically.
type FileRepository struct {
	dir string
}

// NewFileRepository creates dir if needed.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileRepository{dir: dir}, nil
}

func (r *FileRepository) path(conversationID string) string {
	return filepath.Join(r.dir, url.PathEscape(conversationID)+snapshotExt)
}

// Save implements Repository.
func (r *FileRepository) Save(_ context.Context, state conversation.State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := atomicWriteFile(r.path(state.ConversationID), data, 0o644); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", state.ConversationID, err)
	}
	return nil
}

// Load implements Repository.
func (r *FileRepository) Load(_ context.Context, conversationID string) (conversation.State, error) {
	data, err := os.ReadFile(r.path(conversationID))
	if errors.Is(err, fs.ErrNotExist) {
		return conversation.State{}, notFound(conversationID)
	}
	if err != nil {
		return conversation.State{}, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	return decodeState(conversationID, data)
}

// Delete implements Repository.
func (r *FileRepository) Delete(_ context.Context, conversationID string) error {
	err := os.Remove(r.path(conversationID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return nil
}

// List implements Repository.
func (r *FileRepository) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, snapshotExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Repository.
func (r *FileRepository) Close() error { return nil }
