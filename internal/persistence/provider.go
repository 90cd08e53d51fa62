package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/config"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

// Provide opens the configured repository. The none driver returns a nil repository:
// conversations then live in memory only.
func Provide(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (Repository, error) {
	switch cfg.Driver {
	case "", "none":
		log.Info("conversation snapshots disabled")
		return nil, nil
	case "sqlite":
		db, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		repo, err := NewSQLRepository(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("conversation snapshots in sqlite", zap.String("path", cfg.Path))
		return repo, nil
	case "postgres":
		db, err := OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		repo, err := NewSQLRepository(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("conversation snapshots in postgres", zap.String("host", cfg.Host), zap.String("db", cfg.DBName))
		return repo, nil
	case "file":
		repo, err := NewFileRepository(cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Info("conversation snapshots in files", zap.String("dir", cfg.Path))
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
