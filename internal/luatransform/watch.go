package luatransform

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 300 * time.Millisecond

// Watch reloads the script whenever its file is written or replaced, until
// ctx is done. Editors that save by rename are handled by watching the
// parent directory.
func (t *Transformer) Watch(ctx context.Context) error {
	if t.path == "" {
		return fmt.Errorf("%s: not loaded from a file", t.name)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return err
	}

	go t.watchLoop(ctx, watcher)

	t.logger.Info().Str("file", t.path).Msg("watching transform script")
	return nil
}

func (t *Transformer) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(t.path)
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			if err := t.Reload(); err != nil {
				t.logger.Error().Err(err).Msg("failed to reload transform script, keeping previous version")
			} else {
				t.logger.Info().Msg("reloaded transform script")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error().Err(err).Msg("watcher error")
		}
	}
}
