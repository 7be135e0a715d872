package ml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watch reloads the bundle whenever its feature manifest is rewritten, which is
// how bundles trained by cmd/train_model reach a running server. It returns once
// the watcher is installed; the watch loop stops when ctx is done.
func (m *TrafficModel) Watch(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create model watcher: %w", err)
	}
	// Watch the directory: atomic renames replace the manifest's inode.
	if err := watcher.Add(m.cfg.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.cfg.Dir, err)
	}
	m.logger.Info("Watching model directory for new bundles", zap.String("dir", m.cfg.Dir))
	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *TrafficModel) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	manifest := filepath.Clean(BundlePaths(m.cfg.Dir, m.cfg.Prefix).Manifest)

	debounce := time.NewTimer(0)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != manifest {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				m.logger.Debug("Feature manifest changed",
					zap.String("file", event.Name),
					zap.String("operation", event.Op.String()))
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Model watcher error", zap.Error(err))

		case <-debounce.C:
			published, err := m.Reload()
			if err != nil {
				m.logger.Warn("Keeping current bundle, reload failed", zap.Error(err))
				continue
			}
			if !published {
				m.logger.Debug("Bundle on disk is already live")
			}
		}
	}
}
