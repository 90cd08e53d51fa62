package persistence

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
)

// sqlitePragmas are applied to every SQLite connection: WAL so snapshot reads never
// block the writer, and a busy timeout in milliseconds.
var sqlitePragmas = url.Values{
	"_busy_timeout": {"5000"},
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	"_mode":         {"rwc"},
}

// OpenSQLite opens (creating if needed) the SQLite database at path. Snapshots are
// written by a single goroutine, so one connection is enough.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	if path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("invalid sqlite path %q: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		path = abs
	}

	db, err := sqlx.ConnectContext(ctx, DriverSQLite, "file:"+path+"?"+sqlitePragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite snapshot database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// OpenPostgres connects through the pgx database/sql driver and checks the connection.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, DriverPostgres, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres at %s: %w", cfg.Host, err)
	}
	db.SetMaxOpenConns(max(cfg.MaxConns, 1))
	db.SetMaxIdleConns(max(cfg.MinConns, 1))
	return db, nil
}
