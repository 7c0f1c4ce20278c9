// Package sqlite provides a storage medium on SQLite through database/sql
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/mindflow/mindflow/internal/core/storage"
)

// Medium implements storage.Medium with one SQL transaction per handle
type Medium struct {
	db        *sql.DB
	tableName string
}

// Open opens a SQLite file with immediate transactions and a single
// connection, so handles queue instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, path string) (*Medium, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	db.SetMaxOpenConns(1)

	m := NewMedium(db)
	if err := m.CreateTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// NewMedium wraps an open database. Call CreateTables before use.
func NewMedium(db *sql.DB) *Medium {
	return &Medium{db: db, tableName: "records"}
}

// WithTableName allows overriding the default table name with validation.
// Only alphanumeric and underscore are permitted to prevent SQL injection via identifiers.
func (m *Medium) WithTableName(name string) *Medium {
	if isSafeIdent(name) {
		m.tableName = name
	}
	return m
}

func isSafeIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			continue
		}
		return false
	}
	return true
}

// CreateTables creates the record table
func (m *Medium) CreateTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`, m.tableName)
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, "failed to create tables")
	}
	return nil
}

// Name identifies the medium
func (m *Medium) Name() string { return "sqlite" }

// Acquire begins a transaction
func (m *Medium) Acquire(ctx context.Context) (storage.Handle, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin sqlite transaction")
	}
	return &handle{tx: tx, table: m.tableName}, nil
}

// Close closes the database connection
func (m *Medium) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

type handle struct {
	tx    *sql.Tx
	table string
	done  bool
}

func (h *handle) check(key string) error {
	if h.done {
		return storage.ErrHandleClosed
	}
	return storage.ValidateKey(key)
}

func (h *handle) Get(ctx context.Context, key string) (*storage.Record, error) {
	if err := h.check(key); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT data, version, updated_at FROM %s WHERE key = ?", h.table)

	var rec storage.Record
	var nanos int64
	err := h.tx.QueryRowContext(ctx, query, key).Scan(&rec.Data, &rec.Version, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", key)
	}
	if nanos != 0 {
		rec.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	return &rec, nil
}

func (h *handle) Put(ctx context.Context, key string, rec storage.Record) error {
	if err := h.check(key); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, data, version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, h.table)

	var nanos int64
	if !rec.UpdatedAt.IsZero() {
		nanos = rec.UpdatedAt.UnixNano()
	}
	if _, err := h.tx.ExecContext(ctx, query, key, rec.Data, rec.Version, nanos); err != nil {
		return errors.Wrapf(err, "failed to save %s", key)
	}
	return nil
}

func (h *handle) Delete(ctx context.Context, key string) error {
	if err := h.check(key); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", h.table)
	if _, err := h.tx.ExecContext(ctx, query, key); err != nil {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

func (h *handle) Keys(ctx context.Context, prefix string) ([]string, error) {
	if h.done {
		return nil, storage.ErrHandleClosed
	}
	// instr avoids LIKE, which is case-insensitive and treats % and _ specially
	query := fmt.Sprintf("SELECT key FROM %s WHERE instr(key, ?) = 1 ORDER BY key", h.table)
	rows, err := h.tx.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan key row")
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "failed to list keys")
}

func (h *handle) Commit(_ context.Context) error {
	if h.done {
		return storage.ErrHandleClosed
	}
	h.done = true
	return errors.Wrap(h.tx.Commit(), "commit sqlite transaction")
}

func (h *handle) Close() error {
	if h.done {
		return nil
	}
	h.done = true
	if err := h.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "rollback sqlite transaction")
	}
	return nil
}
