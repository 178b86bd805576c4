package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/persist"
)

// watchLoop reloads the whole project state when entity files change on disk
// outside the daemon (for example a human editing a task file). Events are
// debounced so a burst of writes triggers a single reload, and writes made
// by the daemon itself are ignored.
func (d *Daemon) watchLoop(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Error("failed to create file watcher", "error", err)
		return
	}
	defer watcher.Close()

	dirs := []string{
		d.files.Dir(),
		filepath.Join(d.files.Dir(), persist.KindEpics),
		filepath.Join(d.files.Dir(), persist.KindTasks),
		filepath.Join(d.files.Dir(), persist.KindWorkers),
		filepath.Join(d.files.Dir(), persist.KindTeams),
		filepath.Join(d.files.Dir(), persist.KindProposals),
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logging.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if d.files.WasSelfWrite(event.Name) {
				continue
			}
			logging.Debug("external file change", "file", event.Name, "op", event.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(d.cfg.Daemon.WatchDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(d.cfg.Daemon.WatchDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			d.reloadState()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("file watcher error", "error", err)
		}
	}
}

// reloadState re-reads every entity file and atomically replaces the
// in-memory state, then rebroadcasts a full snapshot.
func (d *Daemon) reloadState() {
	snap, err := d.files.LoadAll()
	if err != nil {
		logging.Error("state reload failed", "error", err)
		return
	}
	d.store.ReplaceAll(snap)
	logging.Info("state reloaded from disk",
		"tasks", len(snap.Tasks), "epics", len(snap.Epics), "workers", len(snap.Workers))
}
