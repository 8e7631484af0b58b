package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// DataFile is the sqlite file name used inside every generation directory.
const DataFile = "history.db"

// DB is the durable tier: a sqlite database (modernc.org/sqlite driver,
// CGO-free) holding every logical table in one physical table keyed by
// (tbl, key).
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the sqlite database at path and ensures the
// schema. The file is restricted to the owner.
func Open(path string) (*DB, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing database without taking write locks. It is
// used by offline inspection.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return open(path, true)
}

func open(path string, readOnly bool) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	dsn := p
	if readOnly {
		dsn = "file:" + p + "?mode=ro"
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite works best with a single connection; pragmas are per connection
	d.SetMaxOpenConns(1)

	s := &DB{db: d, path: p}
	pragmas := []string{
		"PRAGMA busy_timeout=3000;",
		"PRAGMA synchronous=FULL;",
	}
	if !readOnly {
		pragmas = append(pragmas, "PRAGMA journal_mode=DELETE;")
	}
	for _, q := range pragmas {
		if _, err := d.Exec(q); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", q, err)
		}
	}
	if !readOnly {
		if err := s.ensureSchema(context.Background()); err != nil {
			_ = d.Close()
			return nil, err
		}
		_ = os.Chmod(p, 0o600)
	}
	return s, nil
}

func (s *DB) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS entries(
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		val BLOB NOT NULL,
		PRIMARY KEY(tbl, key)
	) WITHOUT ROWID;`)
	if err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *DB) Path() string { return s.path }

// Close closes the database.
func (s *DB) Close() error { return s.db.Close() }

// Begin starts a write transaction. Either every change made through the
// returned Txn reaches disk on Commit or none does.
func (s *DB) Begin(ctx context.Context) (*Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Txn{tx: tx, ctx: ctx}, nil
}

// Load returns every row of the named table.
func (s *DB) Load(ctx context.Context, table string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, val FROM entries WHERE tbl=?;`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Get returns a single row; ok is false when the row is absent.
func (s *DB) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT val FROM entries WHERE tbl=? AND key=?;`, table, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Tables lists the table names that currently hold at least one row.
func (s *DB) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tbl FROM entries;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// Txn is a durable write transaction.
type Txn struct {
	tx  *sql.Tx
	ctx context.Context
}

// Put writes or replaces a row.
func (t *Txn) Put(table, key string, val []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO entries(tbl, key, val) VALUES(?, ?, ?)
		ON CONFLICT(tbl, key) DO UPDATE SET val=excluded.val;`, table, key, val)
	return err
}

// Delete removes a row; deleting an absent row is not an error.
func (t *Txn) Delete(table, key string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE tbl=? AND key=?;`, table, key)
	return err
}

// Clear removes every row of the named table.
func (t *Txn) Clear(table string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM entries WHERE tbl=?;`, table)
	return err
}

// Commit makes the transaction durable.
func (t *Txn) Commit() error { return t.tx.Commit() }

// Rollback abandons the transaction.
func (t *Txn) Rollback() error { return t.tx.Rollback() }
