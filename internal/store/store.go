// Package store is the SQLite persistence layer. Reads go straight to the
// pool; writes are funneled through a single writer goroutine so concurrent
// sessions, EPG ingest and admin edits never contend for the write lock.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: conflict")
	ErrProfileInUse  = errors.New("store: profile in use")
	ErrSystemProfile = errors.New("store: system profile is immutable")
	ErrClosed        = errors.New("store: closed")
)

// Domain names a cache invalidation domain.
type Domain int

const (
	DomainLineup Domain = iota // channels, streams
	DomainEPG                  // sources, channels, programs, aliases
	numDomains
)

type writeOp struct {
	ctx  context.Context
	fn   func(tx *sql.Tx) error
	done chan error
}

// Store wraps the database handle and the writer queue.
type Store struct {
	db   *sql.DB
	path string

	writes chan writeOp
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	gens [numDomains]atomic.Uint64
}

const pragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-65536)" +
	"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newStore(db, path)
}

// OpenMemory opens a private in-memory database. A single connection keeps
// every query on the same in-memory instance.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, ":memory:")
}

func newStore(db *sql.DB, path string) (*Store, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{db: db, path: path, writes: make(chan writeOp, 64), quit: make(chan struct{})}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Path is the database file path, or ":memory:".
func (s *Store) Path() string { return s.path }

// DB exposes the read pool for ad-hoc diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close drains the writer queue and closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.quit)
	s.wg.Wait()
	return s.db.Close()
}

// Gen returns the write generation of d; it changes after every committed
// write touching that domain.
func (s *Store) Gen(d Domain) uint64 { return s.gens[d].Load() }

func (s *Store) bump(ds ...Domain) {
	for _, d := range ds {
		s.gens[d].Add(1)
	}
}

// Write runs fn in a transaction on the writer goroutine. Busy errors are
// retried briefly before being returned.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	op := writeOp{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case s.writes <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		// The op still runs; its result is dropped.
		return ctx.Err()
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			op.done <- s.runWrite(op)
		case <-s.quit:
			for {
				select {
				case op := <-s.writes:
					op.done <- s.runWrite(op)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) runWrite(op writeOp) error {
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*50) * time.Millisecond)
		}
		err = s.runTx(op)
		if err == nil || !isBusy(err) {
			return err
		}
		log.Printf("store: write busy attempt=%d err=%v", attempt+1, err)
	}
	return err
}

func (s *Store) runTx(op writeOp) (err error) {
	ctx := op.ctx
	if ctx.Err() != nil {
		return ctx.Err()
	}
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("store: panic in write: %v", p)
		}
	}()
	if err = op.fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// NewID returns a fresh opaque identifier.
func NewID() string { return uuid.NewString() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZeroMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
