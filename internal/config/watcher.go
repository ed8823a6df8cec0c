package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors config.yaml for changes using fsnotify and re-loads it,
// handing the new Config to a callback. `auditchain serve` uses this to
// apply a new rotation threshold and retention count without a restart;
// settings that shape the chain (directory, key, index backend) are read
// once at startup.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	onChange  func(*Config)
	done      chan struct{}
}

// NewWatcher watches the directory holding path (editors often replace the
// file by rename, which a watch on the file itself would miss).
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		path:      path,
		onChange:  onChange,
		done:      make(chan struct{}),
	}
	go w.processEvents()

	slog.Info("config watcher started", "path", path)
	return w, nil
}

func (w *Watcher) processEvents() {
	want := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != want {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				// Keep running with the previous config.
				slog.Error("config reload failed", "path", w.path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the fsnotify watcher.
// Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
