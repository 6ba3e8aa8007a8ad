// Package store provides a WAL-mode SQLite-backed persistent key/value store
// organized into named sub-trees, mirroring the sled::Tree model the
// dispatcher and program registry persist their state to. Durability is
// synchronous: Put does not return until the row is committed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// ErrNotFound is returned by Tree.Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrCorrupt wraps errors surfaced while decoding a stored value, so callers
// can distinguish "never written" from "written but unreadable".
type ErrCorrupt struct {
	Tree string
	Key  string
	Err  error
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("store: corrupt value for tree %q key %q: %v", e.Tree, e.Key, e.Err)
}

func (e *ErrCorrupt) Unwrap() error { return e.Err }

// Store is a WAL-mode SQLite-backed key/value store. It is safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; the Command Loop already
	// serializes all mutation through a single goroutine, but Store is
	// documented as safe for concurrent use, so a single connection avoids
	// "database is locked" errors rather than relying on caller discipline.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS bpfd_kv (
    tree  TEXT NOT NULL,
    key   TEXT NOT NULL,
    value BLOB NOT NULL,
    PRIMARY KEY (tree, key)
);
`

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tree returns a handle scoped to the named sub-tree. Trees need not be
// created in advance; they come into existence on the first Put.
func (s *Store) Tree(name string) *Tree {
	return &Tree{db: s.db, name: name}
}

// Tree is a named sub-tree of key/value pairs within a Store.
type Tree struct {
	db   *sql.DB
	name string
}

// Put writes value under key, replacing any existing value. It returns only
// after the write is committed.
func (t *Tree) Put(ctx context.Context, key string, value []byte) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO bpfd_kv (tree, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tree, key) DO UPDATE SET value = excluded.value`,
		t.name, key, value,
	)
	if err != nil {
		return fmt.Errorf("store: put tree %q key %q: %w", t.name, key, err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound if it does not
// exist.
func (t *Tree) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.db.QueryRowContext(ctx,
		`SELECT value FROM bpfd_kv WHERE tree = ? AND key = ?`, t.name, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tree %q key %q: %w", t.name, key, err)
	}
	return value, nil
}

// Delete removes key from the tree. Deleting a key that does not exist is
// not an error.
func (t *Tree) Delete(ctx context.Context, key string) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM bpfd_kv WHERE tree = ? AND key = ?`, t.name, key)
	if err != nil {
		return fmt.Errorf("store: delete tree %q key %q: %w", t.name, key, err)
	}
	return nil
}

// List returns every key currently stored in the tree, in lexical order.
func (t *Tree) List(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT key FROM bpfd_kv WHERE tree = ? ORDER BY key`, t.name)
	if err != nil {
		return nil, fmt.Errorf("store: list tree %q: %w", t.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: list tree %q scan: %w", t.name, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Each invokes fn for every key/value pair in the tree, in lexical key
// order. Iteration stops early if fn returns an error, and that error is
// returned to the caller.
func (t *Tree) Each(ctx context.Context, fn func(key string, value []byte) error) error {
	rows, err := t.db.QueryContext(ctx,
		`SELECT key, value FROM bpfd_kv WHERE tree = ? ORDER BY key`, t.name)
	if err != nil {
		return fmt.Errorf("store: each tree %q: %w", t.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("store: each tree %q scan: %w", t.name, err)
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Drop removes every key in the tree. It implements the Dispatcher Engine's
// retirement of a superseded revision's tree (spec.md §4.E.1 step 9).
func (t *Tree) Drop(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM bpfd_kv WHERE tree = ?`, t.name)
	if err != nil {
		return fmt.Errorf("store: drop tree %q: %w", t.name, err)
	}
	return nil
}

// ListTrees returns the distinct tree names currently present, in lexical
// order. Used by the Program Registry's rebuild-on-restart path (spec.md
// §4.D, Invariant 5) to enumerate everything the store knows about.
func (s *Store) ListTrees(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tree FROM bpfd_kv ORDER BY tree`)
	if err != nil {
		return nil, fmt.Errorf("store: list trees: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("store: list trees scan: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
