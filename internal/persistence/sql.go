package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_snapshots (
	conversation_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLRepository stores snapshots in a conversation_snapshots table. It works with both
// SQLite and PostgreSQL.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository creates the schema in db and wraps it.
func NewSQLRepository(ctx context.Context, db *sqlx.DB) (*SQLRepository, error) {
	r := &SQLRepository{db: db}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}
	return r, nil
}

// Save implements Repository.
func (r *SQLRepository) Save(ctx context.Context, state conversation.State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	query := r.db.Rebind(`
		INSERT INTO conversation_snapshots (conversation_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`)
	if _, err := r.db.ExecContext(ctx, query, state.ConversationID, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", state.ConversationID, err)
	}
	return nil
}

// Load implements Repository.
func (r *SQLRepository) Load(ctx context.Context, conversationID string) (conversation.State, error) {
	var data string
	err := r.db.GetContext(ctx, &data, r.db.Rebind(`SELECT state FROM conversation_snapshots WHERE conversation_id = ?`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.State{}, notFound(conversationID)
	}
	if err != nil {
		return conversation.State{}, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	return decodeState(conversationID, []byte(data))
}

// Delete implements Repository.
func (r *SQLRepository) Delete(ctx context.Context, conversationID string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM conversation_snapshots WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return nil
}

// List implements Repository.
func (r *SQLRepository) List(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, `SELECT conversation_id FROM conversation_snapshots ORDER BY conversation_id`); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return ids, nil
}

// Close closes the database.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
