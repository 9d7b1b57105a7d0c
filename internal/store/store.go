// Package store persists tokens, calendar links, events and sync metadata
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	appLog "github.com/bobuk/calsync/internal/log"
)

const schemaName = "calsync"

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date. driver is "sqlite3" (cgo) or "sqlite" (pure Go).
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open %s database %s: %w", driver, path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes
	// writers the way SQLite wants anyway.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s database %s: %w", driver, path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var migrations = []string{
	// 1
	`CREATE TABLE IF NOT EXISTS tokens (
		account_name TEXT PRIMARY KEY,
		token TEXT);
	CREATE TABLE IF NOT EXISTS calendars (
		account_name TEXT,
		calendar_id TEXT,
		provider_type TEXT NOT NULL DEFAULT 'google',
		provider_config TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (account_name, calendar_id));`,
	// 2
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		start_time TEXT NOT NULL DEFAULT '',
		end_time TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		remote_id TEXT NOT NULL DEFAULT '',
		remote_calendar_id TEXT NOT NULL DEFAULT '',
		etag TEXT NOT NULL DEFAULT '',
		last_synced_at TEXT,
		sync_status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL);
	CREATE INDEX IF NOT EXISTS events_user_updated ON events (user_id, updated_at);
	CREATE UNIQUE INDEX IF NOT EXISTS events_user_remote ON events (user_id, remote_id) WHERE remote_id != '';`,
	// 3
	`CREATE TABLE IF NOT EXISTS sync_metadata (
		user_id TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		last_full_sync_at TEXT,
		last_incremental_sync_at TEXT);
	CREATE TABLE IF NOT EXISTS event_mappings (
		user_id TEXT NOT NULL,
		local_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		remote_calendar_id TEXT NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		last_synced_at TEXT NOT NULL,
		PRIMARY KEY (user_id, local_id));`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS db_version (
		name TEXT PRIMARY KEY,
		version INTEGER)`); err != nil {
		return fmt.Errorf("create db_version table: %w", err)
	}
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM db_version WHERE name = ?`, schemaName).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO db_version (name, version) VALUES (?, 0)`, schemaName); err != nil {
			return fmt.Errorf("initialize db_version table: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read db_version: %w", err)
	}

	for version < len(migrations) {
		next := version + 1
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[version]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `UPDATE db_version SET version = ? WHERE name = ?`, next, schemaName)
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate to version %d: %w", next, err)
		}
		appLog.Debug("database migrated", "version", next)
		version = next
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
