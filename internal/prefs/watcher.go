package prefs

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/tablock/internal/logger"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports modifications of a store's database file made by other
// processes, such as the CLI editing the pattern list while the daemon
// runs.
type Watcher struct {
	watcher  *fsnotify.Watcher
	names    map[string]bool
	debounce time.Duration
	log      *logger.Logger
}

// NewWatcher watches the database at path. The directory is watched rather
// than the file so that SQLite's WAL and journal files are seen too.
func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	base := filepath.Base(path)
	return &Watcher{
		watcher: fw,
		names: map[string]bool{
			base:              true,
			base + "-wal":     true,
			base + "-journal": true,
		},
		debounce: debounce,
		log:      logger.Named("prefs"),
	}, nil
}

// Run calls onChange once per burst of modifications until ctx is done.
// The watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.watcher.Close()

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C
	pending := false

	for {
		select {
		case <-ctx.Done():
			debounceTimer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !w.names[filepath.Base(event.Name)] {
				continue
			}
			if pending && !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			pending = true
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			pending = false
			onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Store watcher error: %v", err)
		}
	}
}

// Close stops watching. Run closes the watcher itself; Close is for a
// watcher that is never run.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
