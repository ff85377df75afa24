// Package sqlite provides a state.Backend stored in SQLite.
// Uses modernc.org/sqlite, a pure-Go driver (no CGO required).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// Register the modernc sqlite driver under the name "sqlite"
	_ "modernc.org/sqlite"

	"github.com/wippyai/wasm-executor/state"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID`

// Backend is a state.Backend over a single SQLite table.
type Backend struct {
	db *sql.DB
}

var _ state.Backend = (*Backend)(nil)

// Open opens (or creates) the database at path and prepares the schema:
//   - WAL journal mode (readers do not block the committing writer)
//   - 5-second busy timeout
//   - Synchronous=NORMAL
//
// Use ":memory:" as path for tests. The parent directory must exist.
func Open(path string) (*Backend, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, fmt.Errorf("sqlite.Open: parent directory %q does not exist", dir)
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: open %q: %w", path, err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.Open: ping %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.Open: create schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// Get implements state.Backend.
func (b *Backend) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

// Put implements state.Backend.
func (b *Backend) Put(ctx context.Context, key, value []byte) error {
	if _, err := b.db.ExecContext(ctx, upsert, key, nonNil(value)); err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Delete implements state.Backend.
func (b *Backend) Delete(ctx context.Context, key []byte) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Scan implements state.Backend. Keys sort as BLOBs, i.e. bytewise.
func (b *Backend) Scan(ctx context.Context, prefix []byte) ([]state.KV, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != nil {
		rows, err = b.db.QueryContext(ctx,
			`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, nonNil(prefix), end)
	} else {
		rows, err = b.db.QueryContext(ctx,
			`SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, nonNil(prefix))
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite scan: %w", err)
	}
	defer rows.Close()

	var out []state.KV
	for rows.Next() {
		var kv state.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		if kv.Value == nil {
			kv.Value = []byte{}
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite scan: %w", err)
	}
	return out, nil
}

// Apply implements state.Backend in a single SQL transaction.
func (b *Backend) Apply(ctx context.Context, ops []state.Op) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite apply: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, op := range ops {
		switch op.Kind {
		case state.OpPut:
			_, err = tx.ExecContext(ctx, upsert, op.Key, nonNil(op.Value))
		case state.OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, op.Key)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("sqlite apply: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite apply: commit: %w", err)
	}
	return nil
}

// Close implements state.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}

const upsert = `INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`

// prefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists (empty or all 0xFF prefix).
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
