package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher error backoff bounds.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// Watch runs a pass, then re-runs after local changes settle for the
// debounce window. Each finished pass is passed to onReport. Watch returns
// nil when ctx is canceled.
func (e *Engine) Watch(ctx context.Context, onReport func(*Report)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mirror: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := e.addWatches(watcher, e.local); err != nil {
		return err
	}

	if err := e.runAndReport(ctx, onReport); err != nil {
		return err
	}

	timer := time.NewTimer(e.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !e.relevant(ev) {
				continue
			}

			if ev.Has(fsnotify.Create) {
				if info, statErr := os.Lstat(ev.Name); statErr == nil && info.IsDir() {
					if err := e.addWatches(watcher, ev.Name); err != nil {
						e.logger.Warn("watching new directory", slog.String("path", ev.Name), slog.String("error", err.Error()))
					}
				}
			}

			timer.Reset(e.opts.Debounce)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			e.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errBackoff):
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-timer.C:
			if err := e.runAndReport(ctx, onReport); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) runAndReport(ctx context.Context, onReport func(*Report)) error {
	rep, err := e.Run(ctx)

	switch {
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return err
	}

	if onReport != nil {
		onReport(rep)
	}

	return nil
}

// relevant filters out pure attribute changes and, when dotfiles are
// skipped, events on dotfiles.
func (e *Engine) relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}

	if e.opts.SkipDotfiles && filepath.Base(ev.Name)[0] == '.' {
		return false
	}

	return true
}

// addWatches registers root and every directory below it.
func (e *Engine) addWatches(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished between the event and the walk.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if !d.IsDir() {
			return nil
		}

		if p != e.local && e.opts.SkipDotfiles && d.Name()[0] == '.' {
			return filepath.SkipDir
		}

		if err := w.Add(p); err != nil {
			return fmt.Errorf("mirror: watching %s: %w", p, err)
		}

		return nil
	})
}
