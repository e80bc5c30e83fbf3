package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultSQLiteReaderConns is the number of concurrent read connections.
	// SQLite WAL mode allows many readers alongside a single writer; 4 is a
	// reasonable default for a daemon workload.
	defaultSQLiteReaderConns = 4
)

// MemoryPath selects an ephemeral in-memory database.
const MemoryPath = ":memory:"

// Pool pairs the single-connection writer with a read-only pool. WAL lets
// the readers run against a snapshot while the writer holds its lock; for
// in-memory databases both sides are the same connection, since a second
// connection would see a different empty database.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps already-opened writer and reader connections; most callers
// want Open instead.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the mutation side: INSERT/UPDATE/DELETE and every transaction.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the SELECT side.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, once when they are shared.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rerr := p.reader.Close(); err == nil {
		err = rerr
	}
	return err
}

// IsMemoryPath reports whether the path names the in-memory database.
func IsMemoryPath(path string) bool {
	return path == MemoryPath || strings.HasPrefix(path, "file::memory:")
}

// Open opens a writer/reader Pool for the given database path.
//
// For a file-backed database the writer is a single connection and the reader
// is a read-only pool. For ":memory:" the reader is the writer: a separate
// read-only pool would see a different empty database.
func Open(path string) (*Pool, error) {
	writer, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if IsMemoryPath(path) {
		return NewPool(writer, writer), nil
	}
	reader, err := OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(writer, reader), nil
}

// OpenSQLite opens a SQLite database configured for writes (single connection).
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	var dsn string
	if IsMemoryPath(dbPath) {
		// In-memory: one connection IS the database. busy_timeout still set
		// so competing transactions inside the process wait rather than fail.
		dsn = fmt.Sprintf(
			"file::memory:?_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
			int(defaultBusyTimeout/time.Millisecond),
		)
	} else {
		normalizedPath := normalizeSQLitePath(dbPath)
		if err := ensureSQLiteDir(normalizedPath); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		if err := ensureSQLiteFile(normalizedPath); err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}

		// Writer DSN settings:
		// - foreign_keys=on: enforce FK constraints consistently.
		// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
		// - journal_mode=WAL: better read concurrency with a single writer.
		// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
		// - txlock=immediate: write transactions take the reserved lock up front,
		//   so multi-row writes never upgrade mid-transaction.
		dsn = fmt.Sprintf(
			"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
			normalizedPath,
			int(defaultBusyTimeout/time.Millisecond),
		)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// OpenSQLiteReader opens a read-only SQLite connection pool with multiple
// concurrent connections. Combined with WAL mode, this allows readers to
// proceed without blocking on (or being blocked by) writes.
func OpenSQLiteReader(dbPath string) (*sqlx.DB, error) {
	normalizedPath := normalizeSQLitePath(dbPath)

	// Reader DSN: read-only mode, FK enforcement.
	// journal_mode and synchronous are database-level (set by the writer).
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	db.SetMaxOpenConns(defaultSQLiteReaderConns)
	db.SetMaxIdleConns(defaultSQLiteReaderConns)

	return db, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
