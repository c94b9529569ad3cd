package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tasknotify/pkg/logx"
)

// debounceDelay collapses the burst of events one save produces.
const debounceDelay = 250 * time.Millisecond

var errWatcherClosed = errors.New("config watcher closed")

// Watch reloads the config when its file changes, until ctx ends. The parent
// directory is watched so editors that save by rename are seen. A broken
// watcher is returned as an error for the caller to restart.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	timer := time.NewTimer(debounceDelay)
	timer.Stop()
	defer timer.Stop()
	arm := func() { timer.Reset(debounceDelay) }

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			m.reload(ctx)

		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == name && !ev.Has(fsnotify.Chmod) {
				arm()
			}

		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				arm()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
