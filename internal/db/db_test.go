package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	d, err := OpenAt(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenAt_CreatesParentDirAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "history.db")
	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	defer d.Close()

	if d.Path() != path {
		t.Errorf("Path() = %q, want %q", d.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing: %v", err)
	}

	v, err := SchemaVersion(d.Conn())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}

	_, err = d.Conn().Exec(`INSERT INTO job_requests (id, server_url, job_path, requested_at, duration_ms)
		VALUES ('a', 'u', '/p', 1767225600000, 5)`)
	if err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}
}

func TestOpenAt_ReopenKeepsDataAndVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	if _, err := d.Conn().Exec(`INSERT INTO job_requests (id, server_url, job_path, requested_at) VALUES ('k', 'u', '/p', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	d, err = OpenAt(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer d.Close()

	var n int
	if err := d.Conn().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != len(migrations) {
		t.Errorf("recorded migrations = %d, want %d", n, len(migrations))
	}
	if err := d.Conn().QueryRow(`SELECT COUNT(*) FROM job_requests`).Scan(&n); err != nil || n != 1 {
		t.Errorf("rows after reopen = %d, %v", n, err)
	}
}

func TestOpenAt_WALJournal(t *testing.T) {
	d := openTemp(t)

	var mode string
	if err := d.Conn().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpenAt_QuarantinesUnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	if err := os.WriteFile(path, []byte("definitely not sqlite, just some bytes"), 0600); err != nil {
		t.Fatal(err)
	}

	d, err := OpenAt(path)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	defer d.Close()

	moved, _ := filepath.Glob(path + ".corrupt.*")
	if len(moved) != 1 {
		t.Fatalf("quarantined files = %v, want one", moved)
	}
	if v, err := SchemaVersion(d.Conn()); err != nil || v != len(migrations) {
		t.Errorf("fresh db version = %d, %v", v, err)
	}
}

func TestOpenAt_EmptyPath(t *testing.T) {
	if _, err := OpenAt("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCheckpoint(t *testing.T) {
	d := openTemp(t)

	if _, err := d.Conn().Exec(`PRAGMA wal_autocheckpoint=0`); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Conn().Exec(`INSERT INTO job_requests (id, server_url, job_path, requested_at) VALUES ('x', 'u', '/p', 1)`); err != nil {
		t.Fatal(err)
	}

	wal := d.Path() + "-wal"
	if info, err := os.Stat(wal); err != nil || info.Size() == 0 {
		t.Fatalf("expected a non-empty WAL before checkpoint: %v", err)
	}
	if err := d.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	if info, err := os.Stat(wal); err == nil && info.Size() != 0 {
		t.Errorf("WAL size after checkpoint = %d, want 0", info.Size())
	}

	var closed *DB
	if err := closed.Checkpoint(); err == nil {
		t.Error("Checkpoint on nil DB should fail")
	}
	if err := closed.Close(); err != nil {
		t.Errorf("Close on nil DB = %v", err)
	}
}

func TestQuarantineMovesWALFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	for _, name := range []string{"", "-wal"} {
		if err := os.WriteFile(path+name, []byte("x"+name), 0600); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if err := quarantine(path, now); err != nil {
		t.Fatalf("quarantine() error = %v", err)
	}

	dest := path + ".corrupt.20260304T050607Z"
	for _, name := range []string{"", "-wal"} {
		data, err := os.ReadFile(dest + name)
		if err != nil || string(data) != "x"+name {
			t.Errorf("%q moved content = %q, %v", name, data, err)
		}
	}
	if _, err := os.Stat(dest + "-shm"); !os.IsNotExist(err) {
		t.Errorf("unexpected -shm at destination: %v", err)
	}

	if err := quarantine(filepath.Join(t.TempDir(), "missing.db"), now); err != nil {
		t.Errorf("quarantine of a missing file = %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("SASJS_HOME", "/opt/sasjs")
	if got, want := DefaultPath(), filepath.Join("/opt/sasjs", "history.db"); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}

	t.Setenv("SASJS_HOME", "")
	t.Setenv("XDG_DATA_HOME", "/xdg")
	if got, want := DefaultPath(), filepath.Join("/xdg", "sasjs", "history.db"); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}
