package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/pkg/safego"
)

// debounceWindow coalesces the write bursts editors and orchestration
// tools produce when rewriting a file.
const debounceWindow = 500 * time.Millisecond

// Watch re-reads the config file on change and hands the parsed result to
// onChange. A file that fails to load or validate is ignored; the previous
// configuration stays active.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: atomic-rename writers replace the
	// inode and a file watch would go stale after the first change.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	log := logger.With(zap.String("component", "config-watcher"), zap.String("path", path))

	safego.Go(log, "config-watch", func() {
		defer watcher.Close()

		var timer *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceWindow, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})

			case <-fire:
				cfg, err := Load(path)
				if err != nil {
					log.Warn("Config reload failed, keeping previous configuration", zap.Error(err))
					continue
				}
				log.Info("Config reloaded")
				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Config watcher error", zap.Error(err))
			}
		}
	})

	return nil
}
