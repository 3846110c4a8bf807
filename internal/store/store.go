package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrSchemaTooNew means the database was written by a newer hermetic.
var ErrSchemaTooNew = errors.New("cache database schema is newer than this binary")

// migration upgrades a database from version-1 to version. Statements must
// be idempotent: schema.sql already creates the latest shape for new files.
type migration struct {
	version int
	stmt    string
}

var migrations = []migration{
	{1, `CREATE INDEX IF NOT EXISTS idx_cache_entries_weak_seq ON cache_entries(weak_fp, seq DESC)`},
	{2, `CREATE INDEX IF NOT EXISTS idx_builds_started ON builds(started_at DESC)`},
}

// schemaVersion is the user_version a fully migrated database carries.
var schemaVersion = migrations[len(migrations)-1].version

// Store is the durable half of the memoization cache plus the build log.
// SQLite in WAL mode: one writer, readers never block it.
type Store struct {
	db *sql.DB
}

// dsn carries the pragmas as connection parameters so every pooled
// connection gets them, not just the first.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "1")
	return "file:" + path + "?" + q.Encode()
}

// Open creates or opens the database at path and brings its schema up to
// date. Opening the same path repeatedly is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// migrate applies schema.sql and every pending migration in one
// transaction, then stamps user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: version %d, expected at most %d", ErrSchemaTooNew, version, schemaVersion)
	}
	if version == schemaVersion {
		// Tables may still be missing if someone stamped an empty file.
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Stats summarizes what the store holds.
type Stats struct {
	Entries  int `json:"entries"`
	Families int `json:"families"`
	Builds   int `json:"builds"`
}

// Stats counts entries, distinct weak fingerprints and builds.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM cache_entries),
			(SELECT COUNT(DISTINCT weak_fp) FROM cache_entries),
			(SELECT COUNT(*) FROM builds)
	`).Scan(&st.Entries, &st.Families, &st.Builds)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}
	return value, nil
}
