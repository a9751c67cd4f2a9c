package storage

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/crashkit/internal/archive"
	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
)

//go:embed migrations/001_reports.sql
var migrationV1 string

const (
	sqliteOpTimeout = 10 * time.Second

	// claimStaleAfter lets a claim left by a crashed process expire.
	claimStaleAfter = 10 * time.Minute
)

// SQLiteBackend queues reports as blobs in a SQLite database. A read claims
// the row so other processes sharing the database skip it until the claim is
// released or goes stale.
type SQLiteBackend struct {
	path  string
	db    *sql.DB
	opts  options
	owner string
	slots slots
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string, opts ...Option) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, core.ErrStorage("creating database directory").WithCause(err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, core.ErrStorage("opening database").WithCause(err)
	}
	b := &SQLiteBackend{
		path:  path,
		db:    db,
		opts:  buildOptions("sqlite", opts),
		owner: uuid.NewString(),
	}
	if err := b.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, cerr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	var version int
	if err := b.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := b.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sqliteOpTimeout)
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

// Count implements Backend.
func (b *SQLiteBackend) Count() (int, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&n); err != nil {
		return 0, core.ErrStorage("counting reports").WithCause(err)
	}
	return n, nil
}

// Truncate implements Backend.
func (b *SQLiteBackend) Truncate(maxQueued int) error {
	if maxQueued < 0 {
		return nil
	}
	n, err := b.Count()
	if err != nil {
		return err
	}
	if n <= maxQueued {
		return nil
	}
	b.opts.logger.Debug("truncating report rows", slog.Int("count", n-maxQueued), slog.Int("max_queued", maxQueued))

	ctx, cancel := b.ctx()
	defer cancel()
	_, err = b.db.ExecContext(ctx,
		"DELETE FROM reports WHERE name IN (SELECT name FROM reports ORDER BY name LIMIT ?)", n-maxQueued)
	if err != nil {
		return core.ErrStorage("truncating reports").WithCause(err)
	}
	return nil
}

// Create implements Backend. The archive is buffered in memory and inserted
// when the stream is closed. Streams still open count toward maxQueued.
func (b *SQLiteBackend) Create(maxQueued int) (WriteStream, string, error) {
	if err := b.slots.reserve(maxQueued, b.Count); err != nil {
		return nil, "", err
	}
	ws, name, err := b.create()
	if err != nil {
		b.slots.release()
		return nil, "", err
	}
	return b.slots.hold(ws), name, nil
}

func (b *SQLiteBackend) create() (WriteStream, string, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	for {
		name := EntryName(nextStamp(b.opts.now()))
		var exists int
		err := b.db.QueryRowContext(ctx, "SELECT 1 FROM reports WHERE name = ?", name).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			b.opts.logger.Debug("creating report row", slog.String("name", name))
			return &sqliteStream{Buffer: archive.NewBuffer(nil), backend: b, name: name}, name, nil
		}
		if err != nil {
			return nil, "", core.ErrStorage("checking report name").WithCause(err)
		}
	}
}

func (b *SQLiteBackend) insert(name string, data []byte) error {
	ctx, cancel := b.ctx()
	defer cancel()
	_, err := b.db.ExecContext(ctx,
		"INSERT INTO reports (name, data, created_at) VALUES (?, ?, ?)",
		name, data, b.opts.now().UTC().Unix())
	if err != nil {
		return core.ErrStorage(fmt.Sprintf("inserting %s", name)).WithCause(err)
	}
	return nil
}

// Oldest implements Backend.
func (b *SQLiteBackend) Oldest() (io.ReadSeekCloser, string, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	var name string
	err := b.db.QueryRowContext(ctx, "SELECT name FROM reports ORDER BY name LIMIT 1").Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", core.ErrStorage("finding oldest report").WithCause(err)
	}

	now := time.Now().UTC().Unix()
	res, err := b.db.ExecContext(ctx,
		`UPDATE reports SET claimed_by = ?, claimed_at = ?
		 WHERE name = ? AND (claimed_by IS NULL OR claimed_at < ?)`,
		b.owner, now, name, now-int64(claimStaleAfter/time.Second))
	if err != nil {
		return nil, "", core.ErrStorage(fmt.Sprintf("claiming %s", name)).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		b.opts.logger.Info("report entry is held by another instance", slog.String("name", name))
		return nil, "", nil
	}

	var data []byte
	if err := b.db.QueryRowContext(ctx, "SELECT data FROM reports WHERE name = ?", name).Scan(&data); err != nil {
		b.release(name)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", core.ErrStorage(fmt.Sprintf("reading %s", name)).WithCause(err)
	}
	return &claimedBlob{Reader: bytes.NewReader(data), backend: b, name: name}, name, nil
}

// List implements Browser.
func (b *SQLiteBackend) List() ([]string, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	rows, err := b.db.QueryContext(ctx, "SELECT name FROM reports ORDER BY name")
	if err != nil {
		return nil, core.ErrStorage("listing reports").WithCause(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, core.ErrStorage("listing reports").WithCause(err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, core.ErrStorage("listing reports").WithCause(err)
	}
	return names, nil
}

// Open implements Browser. Reading does not claim the row.
func (b *SQLiteBackend) Open(name string) (io.ReadSeekCloser, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	var data []byte
	err := b.db.QueryRowContext(ctx, "SELECT data FROM reports WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("report", name)
	}
	if err != nil {
		return nil, core.ErrStorage(fmt.Sprintf("reading %s", name)).WithCause(err)
	}
	return nopCloser{bytes.NewReader(data)}, nil
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

func (b *SQLiteBackend) release(name string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	_, err := b.db.ExecContext(ctx,
		"UPDATE reports SET claimed_by = NULL, claimed_at = NULL WHERE name = ? AND claimed_by = ?",
		name, b.owner)
	return err
}

// Remove implements Backend.
func (b *SQLiteBackend) Remove(name string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	res, err := b.db.ExecContext(ctx, "DELETE FROM reports WHERE name = ?", name)
	if err != nil {
		return core.ErrStorage(fmt.Sprintf("removing %s", name)).WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("report", name)
	}
	b.opts.logger.Debug("deleted report row", slog.String("name", name))
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	if err != nil {
		b.opts.logger.Warn("closing report database", slog.String("error", err.Error()))
	}
	return nil
}

// sqliteStream buffers an archive until Close inserts it.
type sqliteStream struct {
	*archive.Buffer
	backend *SQLiteBackend
	name    string
	done    bool
}

func (s *sqliteStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.backend.insert(s.name, s.Bytes())
}

func (s *sqliteStream) Abort() error {
	s.done = true
	return nil
}

// claimedBlob is a claimed row. Close releases the claim.
type claimedBlob struct {
	*bytes.Reader
	backend *SQLiteBackend
	name    string
}

func (c *claimedBlob) Close() error {
	return c.backend.release(c.name)
}

var (
	_ Backend = (*SQLiteBackend)(nil)
	_ Browser = (*SQLiteBackend)(nil)
)
