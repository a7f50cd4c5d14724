package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches the editor write/rename/chmod flurry into one
// reload.
const watchDebounce = 2 * time.Second

// WatchConfig watches the config file for external edits and feeds changed
// content through the runtime's validate-then-swap path. It blocks until
// ctx is cancelled. The parent directory is watched rather than the file
// itself so atomic-rename saves keep working.
func (r *Runtime) WatchConfig(ctx context.Context, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(r.configPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	logger.Info("watching config file", "path", r.configPath)

	debounce := newDebouncer(watchDebounce)
	target := filepath.Clean(r.configPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounce.trigger(func() {
				raw, err := os.ReadFile(target)
				if err != nil {
					logger.Warn("config file unreadable after change", "error", err)
					return
				}
				r.ReloadFromDisk(raw)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}

// debouncer delays a callback until events stop arriving for the configured
// duration; a new trigger resets the timer.
type debouncer struct {
	mu       stdsync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay}
}

func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
