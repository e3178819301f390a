// Package sqlitekv implements kvstore.Store on a single local SQLite file.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// Every write is fsynced (synchronous=FULL) before commit returns.
const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_seq (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	seq INTEGER NOT NULL
);

INSERT OR IGNORE INTO kv_seq (id, seq) VALUES (1, 0);
`

// Store is a kvstore.Store backed by one SQLite database file. Revisions come
// from a single sequence so they never repeat, even across deletes.
type Store struct {
	db   *sql.DB
	path string
}

var _ kvstore.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Get(ctx context.Context, key string) (kvstore.Entry, error) {
	e := kvstore.Entry{Key: key}
	err := s.db.QueryRowContext(ctx, `SELECT value, revision FROM kv WHERE key = ?`, key).Scan(&e.Value, &e.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return kvstore.Entry{}, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return kvstore.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.write(ctx, key, func(tx *sql.Tx, rev uint64) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, revision) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = excluded.revision`,
			key, value, rev)
	})
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (uint64, error) {
	if expected == 0 {
		return s.write(ctx, key, func(tx *sql.Tx, rev uint64) (sql.Result, error) {
			return tx.ExecContext(ctx,
				`INSERT INTO kv (key, value, revision) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
				key, value, rev)
		})
	}
	return s.write(ctx, key, func(tx *sql.Tx, rev uint64) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`UPDATE kv SET value = ?, revision = ? WHERE key = ? AND revision = ?`,
			value, rev, key, expected)
	})
}

// write allocates the next revision and runs stmt in one transaction. A
// statement that touches no row is a lost compare-and-swap.
func (s *Store) write(ctx context.Context, key string, stmt func(*sql.Tx, uint64) (sql.Result, error)) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var rev uint64
	if err := tx.QueryRowContext(ctx, `UPDATE kv_seq SET seq = seq + 1 WHERE id = 1 RETURNING seq`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("next revision: %w", err)
	}
	res, err := stmt(tx, rev)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("write %s: %w", key, domain.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", key, err)
	}
	return rev, nil
}

func (s *Store) Delete(ctx context.Context, key string, expected uint64) error {
	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND revision = ?`, key, expected)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, domain.ErrNotFound)
	}
	return fmt.Errorf("delete %s: %w", key, domain.ErrConflict)
}

func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]kvstore.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, revision FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []kvstore.Entry
	for rows.Next() {
		var e kvstore.Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.Revision); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
