package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
)

// shutdownSaveTimeout bounds the final save when the snapshot loop stops.
const shutdownSaveTimeout = 10 * time.Second

// Snapshotter copies the conversation store to a Repository and back.
type Snapshotter struct {
	store  *conversation.Store
	repo   Repository
	logger *logger.Logger

	mu    sync.Mutex
	saved map[string]time.Time // UpdatedAt of the last saved snapshot per conversation
}

// NewSnapshotter creates a Snapshotter.
func NewSnapshotter(store *conversation.Store, repo Repository, log *logger.Logger) *Snapshotter {
	return &Snapshotter{
		store:  store,
		repo:   repo,
		logger: log.WithFields(zap.String("component", "snapshotter")),
		saved:  map[string]time.Time{},
	}
}

// Rehydrate loads every stored snapshot into the store. Snapshots that fail to load are
// logged and skipped. It returns how many conversations were restored.
func (s *Snapshotter) Rehydrate(ctx context.Context) (int, error) {
	ids, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, id := range ids {
		state, err := s.repo.Load(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		if err := s.store.Restore(ctx, id, state); err != nil {
			return restored, err
		}
		if current, ok := s.store.Snapshot(id); ok {
			s.mark(id, current.UpdatedAt)
		}
		restored++
	}
	s.logger.Info("conversations rehydrated", zap.Int("count", restored))
	return restored, nil
}

func (s *Snapshotter) mark(id string, at time.Time) {
	s.mu.Lock()
	s.saved[id] = at
	s.mu.Unlock()
}

// SaveAll writes every conversation changed since its last save and removes snapshots
// of conversations the store no longer holds.
func (s *Snapshotter) SaveAll(ctx context.Context) error {
	live := map[string]bool{}
	var errs []error
	saved := 0
	for _, id := range s.store.IDs() {
		state, ok := s.store.Snapshot(id)
		if !ok {
			continue
		}
		live[id] = true

		s.mu.Lock()
		last, seen := s.saved[id]
		s.mu.Unlock()
		if seen && !state.UpdatedAt.After(last) {
			continue
		}
		if err := s.repo.Save(ctx, state); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mark(id, state.UpdatedAt)
		saved++
	}

	stored, err := s.repo.List(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range stored {
		if live[id] {
			continue
		}
		if err := s.repo.Delete(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		delete(s.saved, id)
		s.mu.Unlock()
	}

	if saved > 0 {
		s.logger.Debug("conversations snapshotted", zap.Int("count", saved))
	}
	return errors.Join(errs...)
}

// Run saves every interval until ctx is done, then saves once more. A zero interval
// saves only on shutdown.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), shutdownSaveTimeout)
			if err := s.SaveAll(saveCtx); err != nil {
				s.logger.Error("final snapshot failed", zap.Error(err))
			}
			cancel()
			return
		case <-tick:
			if err := s.SaveAll(ctx); err != nil {
				s.logger.Warn("snapshot failed", zap.Error(err))
			}
		}
	}
}
