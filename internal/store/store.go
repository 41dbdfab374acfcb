// Package store keeps the node state in a single sqlite database: a key
// value table (used for the sealed identity key) and the peer event log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type (
	txclock struct {
		ts   time.Time
		trid int64
	}

	Store struct {
		db   *sql.DB
		trid int64
		now  func() time.Time
	}

	ops struct {
		err        error
		tx         *sql.Tx
		clock      txclock
		autocommit bool
		closed     bool
	}

	Ops interface {
		Err() error
		ExecContext(context.Context, string, ...any) (sql.Result, error)
		QueryContext(context.Context, string, ...any) (*sql.Rows, error)
		QueryRowContext(context.Context, string, ...any) *sql.Row
		KV() KVOps
		Peers() PeerOps
		Commit() error
		Rollback() error
		Close() error
		Fail(error)
	}
)

const busyTimeout = 5000

func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("unable to create database file: %w", err)
	}
	return newStore(db)
}

// Open the database under dir/db, creating the directory when needed.
func Open(dir string) (*Store, error) {
	var err error
	dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	mainfile := filepath.Join(dir, "db", "main.sqlite")
	err = os.MkdirAll(filepath.Dir(mainfile), 0755)
	if err != nil {
		return nil, fmt.Errorf("unable to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%v?_pragma=busy_timeout(%v)&_pragma=journal_mode(WAL)", mainfile, busyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create database file: %w", err)
	}
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	// a single connection keeps :memory: databases alive and serializes
	// writers
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: time.Now}
	if err := s.openDB(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Ops starts a transaction. With autocommit the transaction is committed by
// Close unless it failed, otherwise Close rolls it back.
//
// Only one Ops can be open at a time, a second call blocks until the first
// is closed.
func (s *Store) Ops(autocommit bool) Ops {
	tx, err := s.db.Begin()
	if err != nil {
		return &ops{err: err, closed: true}
	}
	return &ops{
		tx:         tx,
		autocommit: autocommit,
		clock: txclock{
			ts:   s.now(),
			trid: atomic.AddInt64(&s.trid, 1),
		},
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) openDB() error {
	err := initDB(s.db)
	if err != nil {
		return fmt.Errorf("unable to initialize database: %w", err)
	}
	return nil
}
