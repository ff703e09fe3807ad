// Package history records debug-mode job requests: the most recent ones in
// memory, and optionally all of them in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/sasjs/internal/db"
)

// DefaultLimit is the number of entries kept in memory.
const DefaultLimit = 20

// Entry is one recorded request.
type Entry struct {
	ID            string
	JobPath       string
	Timestamp     time.Time
	Duration      time.Duration
	Log           string
	SourceCode    string
	GeneratedCode string
	Work          []byte
}

// Ring keeps the newest entries up to a fixed limit.
type Ring struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// NewRing creates a ring holding at most limit entries. A non-positive limit
// uses DefaultLimit.
func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Ring{limit: limit}
}

// Add prepends e, dropping the oldest entry when full. A missing ID or
// timestamp is filled in.
func (r *Ring) Add(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append([]Entry{e}, r.entries...)
	if len(r.entries) > r.limit {
		r.entries = r.entries[:r.limit]
	}
	return e
}

// Entries returns a copy, newest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Clear drops every entry.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Store persists entries for one server.
type Store struct {
	db        *db.DB
	serverURL string
}

// NewStore binds d to serverURL.
func NewStore(d *db.DB, serverURL string) (*Store, error) {
	if d == nil || d.Conn() == nil {
		return nil, fmt.Errorf("history store requires an open database")
	}
	return &Store{db: d, serverURL: serverURL}, nil
}

// Save writes e.
func (s *Store) Save(ctx context.Context, e Entry) error {
	_, err := s.db.Conn().ExecContext(ctx, `
INSERT INTO job_requests (id, server_url, job_path, requested_at, duration_ms, log, source_code, generated_code, work)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    log = excluded.log,
    source_code = excluded.source_code,
    generated_code = excluded.generated_code,
    work = excluded.work,
    duration_ms = excluded.duration_ms`,
		e.ID, s.serverURL, e.JobPath, e.Timestamp.UnixMilli(), e.Duration.Milliseconds(),
		e.Log, e.SourceCode, e.GeneratedCode, nullableBytes(e.Work))
	if err != nil {
		return fmt.Errorf("save history entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.Conn().QueryContext(ctx, `
SELECT id, job_path, requested_at, duration_ms, log, source_code, generated_code, work
FROM job_requests
WHERE server_url = ?
ORDER BY requested_at DESC, rowid DESC
LIMIT ?`, s.serverURL, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			requested int64
			duration  int64
			work      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.JobPath, &requested, &duration, &e.Log, &e.SourceCode, &e.GeneratedCode, &work); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Timestamp = time.UnixMilli(requested)
		e.Duration = time.Duration(duration) * time.Millisecond
		if work.Valid {
			e.Work = []byte(work.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear deletes this server's entries and compacts the WAL.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM job_requests WHERE server_url = ?`, s.serverURL)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := s.db.Checkpoint(); err != nil {
		return n, err
	}
	return n, nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Recorder writes to a ring and, when configured, to a store.
type Recorder struct {
	ring  *Ring
	store *Store
}

// NewRecorder creates a Recorder. store may be nil.
func NewRecorder(limit int, store *Store) *Recorder {
	return &Recorder{ring: NewRing(limit), store: store}
}

// Record adds e to memory and persists it. The entry is kept in memory even
// when persisting fails.
func (r *Recorder) Record(ctx context.Context, e Entry) (Entry, error) {
	e = r.ring.Add(e)
	if r.store == nil {
		return e, nil
	}
	return e, r.store.Save(ctx, e)
}

// Entries returns the in-memory entries, newest first.
func (r *Recorder) Entries() []Entry {
	return r.ring.Entries()
}

// Load returns persisted entries when a store is configured, else the
// in-memory ones.
func (r *Recorder) Load(ctx context.Context, limit int) ([]Entry, error) {
	if r.store == nil {
		return r.ring.Entries(), nil
	}
	return r.store.Recent(ctx, limit)
}

// Clear empties memory and the store.
func (r *Recorder) Clear(ctx context.Context) error {
	r.ring.Clear()
	if r.store == nil {
		return nil
	}
	_, err := r.store.Clear(ctx)
	return err
}

// ErrNoStore is returned by operations that need persistence.
var ErrNoStore = errors.New("history persistence is not configured")

// Store returns the persistent store, or ErrNoStore.
func (r *Recorder) Store() (*Store, error) {
	if r.store == nil {
		return nil, ErrNoStore
	}
	return r.store, nil
}
