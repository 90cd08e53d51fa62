package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
)

// reloadDebounce batches the bursts of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// WatchDefinition reloads the definition at path whenever it changes, until ctx is done.
// Invalid files are logged and the previous definition stays in use. The returned
// channel is closed once the watcher has stopped.
func (o *Orchestrator) WatchDefinition(ctx context.Context, path string) (<-chan struct{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workflow definition path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	log := o.logger.WithFields(zap.String("path", abs))
	log.Info("watching workflow definition")

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = watcher.Close() }()

		timer := time.NewTimer(reloadDebounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("workflow definition watcher error", zap.Error(err))
			case <-timer.C:
				o.reload(abs, log)
			}
		}
	}()
	return done, nil
}

func (o *Orchestrator) reload(path string, log *logger.Logger) {
	def, err := LoadDefinition(path)
	if err != nil {
		log.Warn("keeping previous workflow definition", zap.Error(err))
		return
	}
	if err := o.SetDefinition(def); err != nil {
		log.Warn("keeping previous workflow definition", zap.Error(err))
		return
	}
	log.Info("workflow definition reloaded", zap.Int("phases", len(def.Phases)))
}
