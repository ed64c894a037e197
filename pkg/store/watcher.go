package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mcpmesh/mcpmesh/pkg/logging"
)

// Watcher is the fsnotify fast-path of spec §4.4/§10.1: it watches the
// backing file's parent directory (so atomic-rename saves from editors are
// not missed) and invokes onChange after a debounce window. The caller's
// mcp.Manager.WatchDescriptors periodic tick remains the system of record;
// this only shortens the latency between an out-of-band edit and the next
// reload, it never replaces the tick.
type Watcher struct {
	path     string
	onChange func()
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a directory watcher for the file at path. onChange is
// invoked (not necessarily on a dedicated goroutine per call) after the
// debounce window following the last observed write/create/rename event.
func NewWatcher(path string, onChange func()) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logging.NewDiscardLogger(),
		debounce: 300 * time.Millisecond,
	}
}

// SetLogger installs a logger for watch events; nil is ignored.
func (w *Watcher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// Watch blocks, forwarding debounced change notifications for path, until
// ctx is cancelled. A missing parent directory is a startup error; the
// caller decides whether to run without the fast-path (the 2s tick alone is
// sufficient per spec §4.4).
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	filename := filepath.Base(w.path)

	if err := fw.Add(dir); err != nil {
		return err
	}

	w.logger.Info("watching descriptor store for changes", "path", w.path)

	var debounceTimer *time.Timer
	var debounceChan <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("descriptor store changed", "event", event.Op.String())
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceChan = debounceTimer.C

		case <-debounceChan:
			debounceChan = nil
			w.onChange()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("descriptor store watch error", "error", err)
		}
	}
}
