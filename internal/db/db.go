// Package db opens the local SQLite database that keeps debug request
// history across runs.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB is an open history database.
type DB struct {
	path string
	conn *sql.DB
}

// pragmas apply to the single pooled connection.
var pragmas = []string{
	"journal_mode=WAL",
	"busy_timeout=5000",
	"foreign_keys=ON",
}

// walSuffixes are the files SQLite keeps next to the database in WAL mode.
var walSuffixes = []string{"-wal", "-shm"}

// OpenAt opens or creates the database at path and migrates it. A file
// SQLite cannot read is quarantined next to path and replaced.
func OpenAt(path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history db path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create history db dir: %w", err)
	}

	conn, err := connect(path)
	if err != nil && unreadable(err) {
		if qErr := quarantine(path, time.Now()); qErr != nil {
			return nil, fmt.Errorf("history db unreadable (%v): %w", err, qErr)
		}
		conn, err = connect(path)
	}
	if err != nil {
		return nil, err
	}
	return &DB{path: path, conn: conn}, nil
}

// Close closes the connection. Closing a nil DB is a no-op.
func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Checkpoint flushes the WAL into the main file and truncates it.
func (d *DB) Checkpoint() error {
	if d == nil || d.conn == nil {
		return fmt.Errorf("history db is closed")
	}
	if _, err := d.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint %s: %w", d.path, err)
	}
	return nil
}

// Conn exposes the pooled connection for queries.
func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.conn
}

// Path is the database file location.
func (d *DB) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// DefaultPath is $SASJS_HOME/history.db, else under the XDG data directory.
func DefaultPath() string {
	const name = "history.db"
	if home := os.Getenv("SASJS_HOME"); home != "" {
		return filepath.Join(home, name)
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "sasjs", name)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "share", "sasjs", name)
	}
	return filepath.Join(".sasjs", name)
}

// connect opens path, applies pragmas and runs migrations.
func connect(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", "file:"+filepath.ToSlash(path)+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// Pragmas are per connection, so the pool is pinned to one.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := prepare(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func prepare(conn *sql.DB) error {
	if err := conn.Ping(); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec("PRAGMA " + p); err != nil {
			return fmt.Errorf("pragma %s: %w", p, err)
		}
	}
	return migrate(conn)
}

// unreadable reports whether err means the file is not a usable database.
func unreadable(err error) bool {
	if errors.Is(err, os.ErrInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed")
}

// quarantine renames path and its WAL files to path.corrupt.<timestamp>.
func quarantine(path string, now time.Time) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	dest := path + ".corrupt." + now.UTC().Format("20060102T150405Z")
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("quarantine %s: %w", path, err)
	}
	return moveWALFiles(path, dest)
}

func moveWALFiles(from, to string) error {
	for _, suffix := range walSuffixes {
		err := os.Rename(from+suffix, to+suffix)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("move %s: %w", from+suffix, err)
		}
	}
	return nil
}
