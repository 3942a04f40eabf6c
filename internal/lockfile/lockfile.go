// Package lockfile keeps a single daemon per data directory. The lock file
// holds the owner's PID and start time; a file whose PID is no longer
// running is taken over.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrLocked = errors.New("daemon is already running")

// Lockfile is a PID file created exclusively.
type Lockfile struct {
	path   string
	file   *os.File
	pid    int
	locked bool
}

func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire creates the lock file. It fails with ErrLocked while another
// live process holds it.
func (l *Lockfile) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := create(l.path)
	if errors.Is(err, os.ErrExist) {
		owner, running := Owner(l.path)
		if running {
			return fmt.Errorf("%w (pid %d)", ErrLocked, owner)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lockfile: %w", err)
		}
		file, err = create(l.path)
	}
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost the race for a stale file.
			return ErrLocked
		}
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339))
	if _, err := l.file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
}

// Owner reads the PID recorded in the lock file at path and reports whether
// that process is running. A missing or unreadable file yields (0, false).
func Owner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}

// Release closes and removes the lock file. Releasing an unheld lock is a
// no-op.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, fmt.Errorf("failed to remove lockfile: %w", removeErr))
	}

	l.locked = false
	return err
}

func (l *Lockfile) PID() int {
	return l.pid
}

func (l *Lockfile) Locked() bool {
	return l.locked
}

func (l *Lockfile) Path() string {
	return l.path
}
