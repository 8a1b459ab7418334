package risk

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ScalesWatcher reloads a rating-scale file when it changes on disk.
//
// # Description
//
// Watches the directory containing the scales file (watching the file
// itself breaks on editors that replace via rename) and reparses it
// after a short debounce. Parse failures keep the previous scales in
// effect; a broken edit never takes down a running service.
//
// # Thread Safety
//
// The onChange callback is invoked from a single goroutine. Callers
// are responsible for publishing the new *Scales safely (e.g. via an
// atomic pointer).
type ScalesWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Scales)
	done     chan struct{}
}

// scalesDebounce batches rapid successive writes into one reload.
const scalesDebounce = 250 * time.Millisecond

// WatchScales starts watching path and invokes onChange with each
// successfully parsed revision. Close the returned watcher to stop.
func WatchScales(path string, onChange func(*Scales)) (*ScalesWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create scales watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("watch scales directory: %w", err)
	}

	w := &ScalesWatcher{
		path:     path,
		watcher:  fsWatcher,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *ScalesWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *ScalesWatcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(scalesDebounce)
				timerC = timer.C
			} else {
				timer.Reset(scalesDebounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("scales watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			scales, err := LoadScales(w.path)
			if err != nil {
				slog.Warn("rating scales reload failed, keeping previous scales",
					"path", w.path, "error", err)
				continue
			}
			slog.Info("rating scales reloaded", "path", w.path)
			w.onChange(scales)
		}
	}
}
