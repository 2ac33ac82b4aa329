// Package watcher implements the experimental watch mode: filesystem
// notifications debounced into batches that trigger a re-run of the same
// sync diff the CLI uses. Gated by OSGREP_ENABLE_WATCH.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceWindow is the quiet period before a batch is emitted.
const DefaultDebounceWindow = 500 * time.Millisecond

// Watcher watches a project tree recursively and emits debounced batches.
type Watcher struct {
	root      string
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
}

// New creates a Watcher over root, registering every existing directory.
func New(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:      root,
		fsw:       fsw,
		debouncer: NewDebouncer(DefaultDebounceWindow),
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == ".osgrep" {
				return filepath.SkipDir
			}
			if werr := fsw.Add(path); werr != nil {
				slog.Warn("watch_add_failed",
					slog.String("path", path), slog.String("error", werr.Error()))
			}
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events returns debounced event batches.
func (w *Watcher) Events() <-chan []Event {
	return w.debouncer.Events()
}

// Run pumps fsnotify events into the debouncer until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.debouncer.Stop()
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if op, relevant := mapOp(ev.Op); relevant {
				// New directories need watching for events beneath them.
				if ev.Op.Has(fsnotify.Create) {
					_ = w.fsw.Add(ev.Name)
				}
				w.debouncer.Add(Event{Path: ev.Name, Op: op})
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

func mapOp(op fsnotify.Op) (Op, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpDelete, true
	default:
		return 0, false
	}
}
