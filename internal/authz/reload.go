package authz

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloadable is anything backed by a file that can be re-read.
type Reloadable interface {
	Path() string
	Reload() error
}

// Reloader watches grant files and reloads them after writes settle.
// Directories are watched rather than files so editors that replace the
// file by rename are still seen.
type Reloader struct {
	watcher  *fsnotify.Watcher
	targets  map[string]Reloadable
	Debounce time.Duration
	Logger   *slog.Logger
	// OnReload, if set, is called after every reload attempt.
	OnReload func(path string, err error)
}

// NewReloader creates a watcher for the given targets.
func NewReloader(targets ...Reloadable) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	r := &Reloader{
		watcher:  watcher,
		targets:  make(map[string]Reloadable),
		Debounce: 500 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	dirs := make(map[string]bool)
	for _, t := range targets {
		if t.Path() == "" {
			continue
		}
		abs, err := filepath.Abs(t.Path())
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("resolve %q: %w", t.Path(), err)
		}
		r.targets[abs] = t
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}
	return r, nil
}

// Run watches for changes until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			target, ok := r.targets[abs]
			if !ok {
				continue
			}
			if t := pending[abs]; t != nil {
				t.Stop()
			}
			pending[abs] = time.AfterFunc(r.Debounce, func() { r.reload(abs, target) })

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.Logger.Warn("file watcher error", "error", err)
		}
	}
}

func (r *Reloader) reload(path string, target Reloadable) {
	err := target.Reload()
	if err != nil {
		r.Logger.Warn("hot-reload failed", "path", path, "error", err)
	} else {
		r.Logger.Info("hot-reload: grants reloaded", "path", path)
	}
	if r.OnReload != nil {
		r.OnReload(path, err)
	}
}
