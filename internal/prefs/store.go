// Package prefs persists the locked-pattern list and the global lock flag.
//
// Both values live in a single SQLite key/value table under the keys
// lockedUrls (a JSON array) and isLocked (a JSON boolean). They are always
// read together and written together in one transaction so readers never
// see one without the other.
package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/tablock/internal/matcher"
)

const (
	keyPatterns = "lockedUrls"
	keyEnabled  = "isLocked"
)

var (
	// ErrInvalidPattern is returned when a pattern is not a usable URL or
	// hostname.
	ErrInvalidPattern = errors.New("invalid URL")
	// ErrDuplicatePattern is returned when adding a pattern already stored.
	ErrDuplicatePattern = errors.New("URL is already locked")
	// ErrPatternNotFound is returned when removing an unknown pattern.
	ErrPatternNotFound = errors.New("URL is not locked")
)

// Prefs is the stored lock configuration.
type Prefs struct {
	Patterns []string `json:"lockedUrls"`
	Enabled  bool     `json:"isLocked"`
}

// Active reports whether locking should happen: the flag is set and there
// is something to lock. Both are checked because the two keys may be
// written by older tools that do not keep them in step.
func (p Prefs) Active() bool {
	return p.Enabled && len(p.Patterns) > 0
}

// Store is the SQLite-backed preference store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path. A new store starts with no
// patterns and locking disabled.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return s, nil
}

// dsn builds a SQLite URI for path. The path is percent-escaped so that
// '?' and '#' in directory names do not end it early.
func dsn(path string) string {
	escaped := (&url.URL{Path: filepath.ToSlash(path)}).EscapedPath()
	return "file:" + escaped + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prefs (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	INSERT OR IGNORE INTO prefs (key, value) VALUES ('lockedUrls', '[]');
	INSERT OR IGNORE INTO prefs (key, value) VALUES ('isLocked', 'false');
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load reads both keys in one transaction.
func (s *Store) Load(ctx context.Context) (Prefs, error) {
	var p Prefs
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = readPrefs(ctx, tx)
		return err
	})
	return p, err
}

// Save writes both keys. Enabled is derived from the pattern list; the
// value in p is ignored.
func (s *Store) Save(ctx context.Context, p Prefs) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return writePrefs(ctx, tx, p.Patterns)
	})
}

// Add validates pattern and appends it. The pattern is stored trimmed but
// otherwise as entered.
func (s *Store) Add(ctx context.Context, pattern string) (Prefs, error) {
	pattern = strings.TrimSpace(pattern)
	if err := matcher.Validate(pattern); err != nil {
		return Prefs{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return s.update(ctx, func(patterns []string) ([]string, error) {
		if slices.Contains(patterns, pattern) {
			return nil, fmt.Errorf("%q: %w", pattern, ErrDuplicatePattern)
		}
		return append(patterns, pattern), nil
	})
}

// Remove deletes pattern from the list.
func (s *Store) Remove(ctx context.Context, pattern string) (Prefs, error) {
	pattern = strings.TrimSpace(pattern)
	return s.update(ctx, func(patterns []string) ([]string, error) {
		i := slices.Index(patterns, pattern)
		if i < 0 {
			return nil, fmt.Errorf("%q: %w", pattern, ErrPatternNotFound)
		}
		return slices.Delete(patterns, i, i+1), nil
	})
}

// RemoveAt deletes the pattern at position index.
func (s *Store) RemoveAt(ctx context.Context, index int) (Prefs, error) {
	return s.update(ctx, func(patterns []string) ([]string, error) {
		if index < 0 || index >= len(patterns) {
			return nil, fmt.Errorf("index %d out of range [0,%d): %w", index, len(patterns), ErrPatternNotFound)
		}
		return slices.Delete(patterns, index, index+1), nil
	})
}

// Clear removes every pattern, which also disables locking.
func (s *Store) Clear(ctx context.Context) (Prefs, error) {
	return s.update(ctx, func([]string) ([]string, error) {
		return []string{}, nil
	})
}

func (s *Store) update(ctx context.Context, fn func([]string) ([]string, error)) (Prefs, error) {
	var out Prefs
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := readPrefs(ctx, tx)
		if err != nil {
			return err
		}
		next, err := fn(cur.Patterns)
		if err != nil {
			return err
		}
		if err := writePrefs(ctx, tx, next); err != nil {
			return err
		}
		out = Prefs{Patterns: next, Enabled: len(next) > 0}
		return nil
	})
	return out, err
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func readPrefs(ctx context.Context, tx *sql.Tx) (Prefs, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM prefs WHERE key IN (?, ?)`, keyPatterns, keyEnabled)
	if err != nil {
		return Prefs{}, fmt.Errorf("failed to read prefs: %w", err)
	}
	defer rows.Close()

	p := Prefs{Patterns: []string{}}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Prefs{}, fmt.Errorf("failed to scan prefs: %w", err)
		}
		switch key {
		case keyPatterns:
			if err := json.Unmarshal([]byte(value), &p.Patterns); err != nil {
				return Prefs{}, fmt.Errorf("corrupt %s: %w", keyPatterns, err)
			}
			if p.Patterns == nil {
				p.Patterns = []string{}
			}
		case keyEnabled:
			if err := json.Unmarshal([]byte(value), &p.Enabled); err != nil {
				return Prefs{}, fmt.Errorf("corrupt %s: %w", keyEnabled, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return Prefs{}, fmt.Errorf("failed to read prefs: %w", err)
	}
	return p, nil
}

func writePrefs(ctx context.Context, tx *sql.Tx, patterns []string) error {
	if patterns == nil {
		patterns = []string{}
	}
	list, err := json.Marshal(patterns)
	if err != nil {
		return err
	}
	enabled, err := json.Marshal(len(patterns) > 0)
	if err != nil {
		return err
	}

	const upsert = `INSERT INTO prefs (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, upsert, keyPatterns, string(list)); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyPatterns, err)
	}
	if _, err := tx.ExecContext(ctx, upsert, keyEnabled, string(enabled)); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyEnabled, err)
	}
	return nil
}

// Label is the lock status line shown to the user.
func (p Prefs) Label() string {
	if p.Active() {
		return "Tabs locked"
	}
	return "Tabs unlocked"
}
