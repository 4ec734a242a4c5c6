package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/brokerhq/chatkernel/internal/corelog"
	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

// writeRetry bounds the BEGIN IMMEDIATE backoff: base delay, cap, and
// attempt count (nextDelay doubles the delay after each busy attempt). Grounded on connection_manager.py's exponential
// backoff-with-jitter retry loop around the writer lock.
const (
	writeRetryAttempts = 6
	writeRetryBase     = 20 * time.Millisecond
	writeRetryCap      = 1 * time.Second
)

// Engine is the single durable-state component: one write connection, one
// read connection, a process-wide writer lock, and lazy double-checked
// initialization, as specified in spec.md §4.1 "Connection model".
type Engine struct {
	path string

	initOnce sync.Once
	initErr  error
	writeDB  *sql.DB
	readDB   *sql.DB

	writeMu sync.Mutex // serializes logical write transactions

	shutdownMu sync.RWMutex
	shutdown   bool

	log *corelog.Logger

	watchCtx    context.Context
	watchCancel context.CancelFunc

	storesMu sync.RWMutex
	stores   map[string]Schema // name -> schema, cached from _stores
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the Engine's logger (default corelog.Default()).
func WithLogger(l *corelog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine opens (creating if absent) the database file at path and
// prepares, but does not yet run, schema initialization: initialization is
// lazy and guarded by double-checked locking in ensureInit, matching
// connection_manager.py's lazy-init contract.
func NewEngine(path string, opts ...Option) (*Engine, error) {
	if path == "" {
		return nil, kernelerr.New(kernelerr.Validation, "store.NewEngine", "path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, kernelerr.Wrap(kernelerr.Validation, "store.NewEngine", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		path:        path,
		log:         corelog.Default().With("store"),
		watchCtx:    ctx,
		watchCancel: cancel,
		stores:      make(map[string]Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// dsn builds the modernc.org/sqlite connection string with WAL mode,
// foreign keys, and a busy timeout, the same pragmas internal/core/db.go
// uses.
func dsn(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
}

// ensureInit performs lazy, double-checked-locking initialization: opens
// both connections and creates the _stores metadata table exactly once.
func (e *Engine) ensureInit() error {
	e.initOnce.Do(func() {
		writeDB, err := sql.Open("sqlite", dsn(e.path))
		if err != nil {
			e.initErr = kernelerr.Wrap(kernelerr.Validation, "store.ensureInit", err)
			return
		}
		writeDB.SetMaxOpenConns(1) // single write connection
		if err := writeDB.Ping(); err != nil {
			e.initErr = kernelerr.Wrap(kernelerr.Validation, "store.ensureInit", err)
			return
		}

		readDB, err := sql.Open("sqlite", dsn(e.path))
		if err != nil {
			e.initErr = kernelerr.Wrap(kernelerr.Validation, "store.ensureInit", err)
			return
		}
		if err := readDB.Ping(); err != nil {
			e.initErr = kernelerr.Wrap(kernelerr.Validation, "store.ensureInit", err)
			return
		}

		e.writeDB = writeDB
		e.readDB = readDB

		if _, err := writeDB.Exec(`
			CREATE TABLE IF NOT EXISTS _stores (
				name TEXT PRIMARY KEY,
				schema_json TEXT NOT NULL,
				cacheable INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`); err != nil {
			e.initErr = kernelerr.Wrap(kernelerr.Validation, "store.ensureInit", err)
			return
		}
	})
	return e.initErr
}

// refusedIfShuttingDown returns a ShuttingDown error if shutdown has begun.
func (e *Engine) refusedIfShuttingDown(op string) error {
	e.shutdownMu.RLock()
	defer e.shutdownMu.RUnlock()
	if e.shutdown {
		return kernelerr.New(kernelerr.ShuttingDown, op, "store is shutting down")
	}
	return nil
}

// writeConn is the subset of *sql.Conn a write transaction body needs.
// fn statements run against the single dedicated write connection so that
// "BEGIN IMMEDIATE" issued as a raw statement (database/sql's sql.Tx has no
// portable way to request immediate locking) takes effect for the whole
// transaction body.
type writeConn struct {
	conn *sql.Conn
}

func (c *writeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *writeConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *writeConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// withWriteTx runs fn inside a BEGIN IMMEDIATE transaction, retrying with
// exponential backoff and jitter if the writer lock is busy, and commits on
// success or rolls back on error. This is the sole durability boundary for
// every multi-step write operation (spec.md §4.1 "Write transactions").
//
// The write *sql.DB is pinned to a single connection (SetMaxOpenConns(1)),
// so grabbing a *sql.Conn and issuing "BEGIN IMMEDIATE"/"COMMIT"/"ROLLBACK"
// as plain statements on it behaves like a real immediate-mode transaction
// without needing driver-specific sql.TxOptions support.
func (e *Engine) withWriteTx(ctx context.Context, op string, fn func(tx *writeConn) error) error {
	if err := e.refusedIfShuttingDown(op); err != nil {
		return err
	}
	if err := e.ensureInit(); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	conn, err := e.writeDB.Conn(ctx)
	if err != nil {
		return kernelerr.Wrap(kernelerr.WriteLock, op, err)
	}
	defer conn.Close()

	var lastErr error
	delay := writeRetryBase
	for attempt := 0; attempt < writeRetryAttempts; attempt++ {
		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			lastErr = err
			if isBusy(err) {
				time.Sleep(jitter(delay))
				delay = nextDelay(delay)
				continue
			}
			return kernelerr.Wrap(kernelerr.WriteLock, op, err)
		}

		if err := fn(&writeConn{conn: conn}); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			return err
		}
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			lastErr = err
			if isBusy(err) {
				time.Sleep(jitter(delay))
				delay = nextDelay(delay)
				continue
			}
			return kernelerr.Wrap(kernelerr.WriteLock, op, err)
		}
		return nil
	}
	return kernelerr.Wrap(kernelerr.WriteLock, op, fmt.Errorf("writer lock contention exceeded %d attempts: %w", writeRetryAttempts, lastErr))
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > writeRetryCap {
		d = writeRetryCap
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	// up to +/-25% jitter
	n := int64(d) / 4
	if n <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*n)-n)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "busy") || contains(msg, "locked")
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// withRead runs fn against the dedicated read connection. Reads never take
// the writer lock and may proceed concurrently with each other.
func (e *Engine) withRead(ctx context.Context, op string, fn func(db *sql.DB) error) error {
	if err := e.refusedIfShuttingDown(op); err != nil {
		return err
	}
	if err := e.ensureInit(); err != nil {
		return err
	}
	return fn(e.readDB)
}

// WatchFile watches an external file (e.g. a system-prompt or plugin
// priority file) for writes and invokes callback, the same contract as
// internal/core/db.go's WatchFile, reused here for the store's exposed
// config-reload surface (SPEC_FULL.md §1.2).
func (e *Engine) WatchFile(path string, callback func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-e.watchCtx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Write == fsnotify.Write {
					callback()
				}
			case <-watcher.Errors:
			}
		}
	}()
	return watcher.Add(path)
}

// Close refuses new work, flushes the WAL, and closes both connections with
// a bounded wait, force-closing on timeout per spec.md §4.1's shutdown
// contract.
func (e *Engine) Close() error {
	e.shutdownMu.Lock()
	e.shutdown = true
	e.shutdownMu.Unlock()

	e.watchCancel()

	done := make(chan error, 1)
	go func() {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		if e.writeDB != nil {
			_, _ = e.writeDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		}
		var err error
		if e.writeDB != nil {
			err = e.writeDB.Close()
		}
		if e.readDB != nil {
			if rerr := e.readDB.Close(); err == nil {
				err = rerr
			}
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		// force-close on timeout: best effort, ignore further errors
		if e.writeDB != nil {
			_ = e.writeDB.Close()
		}
		if e.readDB != nil {
			_ = e.readDB.Close()
		}
		return kernelerr.New(kernelerr.ShuttingDown, "store.Close", "timed out waiting for graceful shutdown")
	}
}
