package auth

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/drivedav/internal/tokenfile"
)

const (
	watchErrInitBackoff = time.Second
	watchErrMaxBackoff  = 30 * time.Second
)

// WatchTokenFile reloads m whenever the token file at path is replaced by
// another process. The parent directory is watched because tokenfile.Save
// renames a temp file into place, which replaces the inode. Blocks until ctx
// is done.
func WatchTokenFile(ctx context.Context, path string, m *Manager, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("auth: creating token file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("auth: watching %s: %w", dir, err)
	}

	logger.Debug("watching token file", slog.String("path", path))

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}

			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}

			reloadFromDisk(path, m, logger)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("token file watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errBackoff):
			}

			errBackoff = min(errBackoff*2, watchErrMaxBackoff)
		}
	}
}

func reloadFromDisk(path string, m *Manager, logger *slog.Logger) {
	tok, meta, err := tokenfile.Load(path)
	if err != nil {
		// A partially visible write; the rename that follows triggers another event.
		logger.Debug("token file not loadable yet",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	if tok == nil {
		logger.Warn("token file removed; keeping current credential until it is rejected",
			slog.String("path", path),
		)

		return
	}

	m.Reload(tok, meta)
}
