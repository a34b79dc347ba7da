package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// WatchForChanges watches path and logs a warning whenever it changes.
// Config in this gateway is loaded once at startup and handed to
// immutable domain structs — there is no hot-reload path, since an
// EngineManager's running slot was sized against the config that was
// live when it started. Grounded on the teacher's plugin.Loader, which
// uses the same fsnotify.Watcher for its own hot-reload; here the watcher
// only ever informs, it never reloads.
func WatchForChanges(path string, logger *zap.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	l := logger.With(zap.String("component", "config-watcher"))
	safego.Go(l, "config-watcher", func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					l.Warn("Config file changed on disk; restart the gateway to apply it",
						zap.String("path", path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.Warn("Config watcher error", zap.Error(err))
			}
		}
	})

	return watcher, nil
}
