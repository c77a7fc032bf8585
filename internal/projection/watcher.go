package projection

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-pulse/internal/statedb"
)

// watchDebounce coalesces bursts of database writes into one refresh.
// Hooks commit several statements per event, and WAL activity shows up as
// multiple fsnotify events.
const watchDebounce = 250 * time.Millisecond

// Watcher keeps the projection file in sync with the database by watching
// the database directory for mutations.
type Watcher struct {
	store    *statedb.Store
	dbPath   string
	stateDir string
	log      *slog.Logger
}

func NewWatcher(store *statedb.Store, dbPath, stateDir string, log *slog.Logger) *Watcher {
	return &Watcher{store: store, dbPath: dbPath, stateDir: stateDir, log: log}
}

// Run blocks until ctx is cancelled, refreshing the projection after every
// debounced burst of database activity. An initial refresh happens before
// the first event.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("projection: watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory, not the file: SQLite rotates -wal and -shm
	// siblings, and watching a path that gets renamed loses the watch.
	dir := filepath.Dir(w.dbPath)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("projection: watch %s: %w", dir, err)
	}

	if err := Refresh(w.store, w.stateDir); err != nil {
		w.log.Warn("initial projection refresh failed", "error", err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := Refresh(w.store, w.stateDir); err != nil {
				w.log.Warn("projection refresh failed", "error", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// relevant reports whether a changed path belongs to the database.
func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(w.dbPath)
	got := filepath.Base(name)
	return got == base || got == base+"-wal" || got == base+"-shm"
}
