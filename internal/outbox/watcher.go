package outbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// outboxDirPerm is the permission mode for the outbox directory when
	// ensuring it exists before starting the watcher.
	outboxDirPerm = fs.FileMode(0o700)

	// watcherDebounceInterval is how often pending events are checked, so
	// an editor's burst of writes queues the file once.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherSettleTime is how long a file must be quiet before it is read.
	watcherSettleTime = 300 * time.Millisecond
)

// Watch queues existing files, then follows the directory until ctx is
// done. Only top-level .md files are considered.
func (o *Outbox) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(o.cfg.Dir, outboxDirPerm); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}

	if err := watcher.Add(o.cfg.Dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	o.logger.Info("outbox watcher started", slog.String("dir", o.cfg.Dir))

	if err := o.Scan(ctx); err != nil {
		return err
	}

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if o.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)

				if err := o.Forget(event.Name); err != nil {
					o.logger.Warn("failed to forget outbox file",
						slog.String("path", event.Name),
						slog.String("error", err.Error()),
					)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			o.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			o.retryDeferred(ctx)

			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < watcherSettleTime {
					continue
				}

				delete(pending, path)
				o.handle(ctx, path)
			}
		}
	}
}

// Scan queues every draft file currently in the directory.
func (o *Outbox) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(o.cfg.Dir)
	if err != nil {
		return fmt.Errorf("listing outbox dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		path := filepath.Join(o.cfg.Dir, e.Name())
		if o.shouldIgnore(path) {
			continue
		}

		o.handle(ctx, path)
	}

	return nil
}

// handle queues one file and logs the outcome. Files whose conversation
// still has a draft in flight are deferred.
func (o *Outbox) handle(ctx context.Context, path string) {
	delete(o.deferred, path)

	_, err := o.Queue(ctx, path)

	switch {
	case err == nil:
	case errors.Is(err, ErrDraftBusy):
		o.deferred[path] = struct{}{}
		o.logger.Debug("outbox file deferred", slog.String("path", path))
	case errors.Is(err, fs.ErrNotExist):
		// Removed between the event and the read.
	default:
		o.logger.Warn("failed to queue outbox file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Outbox) retryDeferred(ctx context.Context) {
	if len(o.deferred) == 0 {
		return
	}

	// Snapshot keys; handle re-adds paths that are still busy.
	paths := make([]string, 0, len(o.deferred))
	for p := range o.deferred {
		paths = append(paths, p)
	}

	for _, p := range paths {
		o.handle(ctx, p)
	}
}

// shouldIgnore returns true for anything that is not a top-level markdown
// draft.
func (o *Outbox) shouldIgnore(path string) bool {
	if filepath.Dir(path) != o.cfg.Dir {
		return true
	}

	name := filepath.Base(path)

	// Hidden files and editor temp files.
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return true
	}

	return !strings.EqualFold(filepath.Ext(name), ".md")
}
