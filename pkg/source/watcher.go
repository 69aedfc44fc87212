package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"depotboard/pkg/metrics"

	"github.com/fsnotify/fsnotify"
)

// Watcher signals when a local source file changes. It watches the parent
// directories so that editors replacing the file by rename are noticed.
type Watcher struct {
	fsw     *fsnotify.Watcher
	files   map[string]bool
	changes chan string
}

// NewWatcher watches the local entries among locations. Remote locations are
// ignored; with none local the watcher never fires.
func NewWatcher(locations ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		fsw:     fsw,
		files:   make(map[string]bool),
		changes: make(chan string, 1),
	}

	dirs := make(map[string]bool)
	for _, loc := range locations {
		if loc == "" || IsRemote(loc) {
			continue
		}
		abs, err := filepath.Abs(LocalPath(loc))
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to resolve %s: %w", loc, err)
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	return w, nil
}

// Changes delivers the path of a changed file. Bursts are coalesced: while a
// notification is pending further changes are dropped.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Run forwards file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			path, err := filepath.Abs(ev.Name)
			if err != nil || !w.files[path] {
				continue
			}
			metrics.SourceChangeEvents.Add(ctx, 1)
			slog.Debug("Source file changed", "path", path, "op", ev.Op.String())
			select {
			case w.changes <- path:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
