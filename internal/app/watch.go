package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/calvinalkan/dpi-conntrack/internal/logging"
)

// DebounceDelay is how long Watch waits for events to settle before reloading.
const DebounceDelay = 250 * time.Millisecond

// Watch calls reload whenever the file at path is written or replaced, until
// ctx is done. Bursts of events within delay produce one reload. The parent
// directory is watched so editors that rename over the file are seen.
// Reload errors are logged and watching continues.
func Watch(ctx context.Context, path string, delay time.Duration, log logr.Logger, reload func(context.Context) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %q: %w", path, err)
	}

	log = log.WithName("watch").WithValues("path", path)
	trace := log.V(logging.TRACE)

	debounce := time.NewTimer(delay)
	debounce.Stop()

	defer debounce.Stop()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			trace.Info("config event", "event", ev.String())

			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			debounce.Reset(delay)

		case <-debounce.C:
			if err := reload(ctx); err != nil {
				log.Error(err, "reloading config")

				continue
			}

			log.V(logging.DEFAULT).Info("config reloaded")

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			log.Error(err, "config watcher failed")

		case <-ctx.Done():
			return nil
		}
	}
}
