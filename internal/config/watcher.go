package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch re-loads the config file on write/create events and invokes onChange
// with the fresh Config. Environment variables still win, so only file-backed
// settings (typically router weights and log level) change at runtime.
// Returns a stop function; the zero-value stop is returned on watcher errors
// so callers need no special casing.
func Watch(path string, onChange func(*Config)) func() {
	if path == "" {
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("config watcher unavailable")
		return func() {}
	}

	// Watch the directory: editors replace files on save, which drops the
	// watch when it is attached to the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		log.WithError(err).Warnf("cannot watch %s", dir)
		_ = watcher.Close()
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				log.Infof("config file %s changed, reloading", path)
				onChange(Load(path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}
}
