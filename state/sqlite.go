package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS processed_messages (
	id           TEXT PRIMARY KEY,
	processed_at TIMESTAMP NOT NULL
);
INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// SQLiteTracker keeps processed message ids in a SQLite database. The whole set is
// cached in memory on open; writes go straight to the database when persisting.
type SQLiteTracker struct {
	*MemoryTracker
	db      *sqlx.DB
	persist bool
}

func NewSQLiteTracker(dbPath string, persist bool) (*SQLiteTracker, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("state database path is empty")
	}

	switch {
	case dbPath == memoryPath:
	case !persist:
		// A dry run must not create the database.
		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			dbPath = memoryPath
		}
	default:
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	t := &SQLiteTracker{
		MemoryTracker: NewMemoryTracker(),
		db:            db,
		persist:       persist,
	}
	if err := t.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := t.load(); err != nil {
		db.Close()
		return nil, err
	}

	return t, nil
}

func (t *SQLiteTracker) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := t.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = t.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := t.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

func (t *SQLiteTracker) load() error {
	var ids []string
	if err := t.db.Select(&ids, "SELECT id FROM processed_messages"); err != nil {
		return fmt.Errorf("loading processed messages: %w", err)
	}

	t.mu.Lock()
	for _, id := range ids {
		t.processed[id] = struct{}{}
	}
	t.mu.Unlock()
	return nil
}

func (t *SQLiteTracker) MarkProcessed(id string) error {
	if id == "" {
		return nil
	}
	if t.AlreadyProcessed(id) {
		return nil
	}

	if t.persist {
		_, err := t.db.ExecContext(context.Background(),
			"INSERT OR IGNORE INTO processed_messages (id, processed_at) VALUES (?, ?)",
			id, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("recording processed message %s: %w", id, err)
		}
	}

	return t.MemoryTracker.MarkProcessed(id)
}

// Flush is a no-op; every MarkProcessed is committed immediately.
func (t *SQLiteTracker) Flush() error {
	return nil
}

// Close closes the underlying database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
