// Package postgres provides a storage medium on PostgreSQL through pgx
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindflow/mindflow/internal/core/storage"
)

// ErrNotConnected is returned when the medium has no pool
var ErrNotConnected = errors.New("postgres pool is not configured")

// Medium implements storage.Medium with one transaction per handle. Reads
// take a transaction-scoped advisory lock on the key so concurrent writers
// of the same record queue, including for records that do not exist yet.
type Medium struct {
	pool      *pgxpool.Pool
	tableName string
}

// Connect opens a pool for dsn and creates the record table
func Connect(ctx context.Context, dsn string) (*Medium, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	m := NewMedium(pool)
	if err := m.CreateTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return m, nil
}

// NewMedium wraps an existing pool
func NewMedium(pool *pgxpool.Pool) *Medium {
	return &Medium{pool: pool, tableName: "records"}
}

// WithTableName overrides the table name; unsafe identifiers are ignored
func (m *Medium) WithTableName(name string) *Medium {
	if (pgx.Identifier{name}).Sanitize() == `"`+name+`"` && name != "" {
		m.tableName = name
	}
	return m
}

func (m *Medium) table() string {
	return pgx.Identifier{m.tableName}.Sanitize()
}

// CreateTables creates the record table
func (m *Medium) CreateTables(ctx context.Context) error {
	if m.pool == nil {
		return ErrNotConnected
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			version BIGINT NOT NULL,
			updated_at TIMESTAMPTZ
		)
	`, m.table())
	if _, err := m.pool.Exec(ctx, query); err != nil {
		return errors.Wrap(err, "failed to create tables")
	}
	return nil
}

// Name identifies the medium
func (m *Medium) Name() string { return "postgres" }

// Acquire begins a transaction on a pooled connection
func (m *Medium) Acquire(ctx context.Context) (storage.Handle, error) {
	if m.pool == nil {
		return nil, ErrNotConnected
	}
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin postgres transaction")
	}
	return &handle{tx: tx, table: m.table()}, nil
}

// Close closes the pool
func (m *Medium) Close() error {
	if m.pool != nil {
		m.pool.Close()
	}
	return nil
}

type handle struct {
	tx    pgx.Tx
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
	if _, err := h.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return nil, errors.Wrapf(err, "lock %s", key)
	}

	query := fmt.Sprintf("SELECT data, version, updated_at FROM %s WHERE key = $1 FOR UPDATE", h.table)
	var rec storage.Record
	var updated *time.Time
	err := h.tx.QueryRow(ctx, query, key).Scan(&rec.Data, &rec.Version, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", key)
	}
	if updated != nil {
		rec.UpdatedAt = updated.UTC()
	}
	return &rec, nil
}

func (h *handle) Put(ctx context.Context, key string, rec storage.Record) error {
	if err := h.check(key); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, data, version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			data = EXCLUDED.data,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`, h.table)

	var updated *time.Time
	if !rec.UpdatedAt.IsZero() {
		ts := rec.UpdatedAt.UTC()
		updated = &ts
	}
	if _, err := h.tx.Exec(ctx, query, key, rec.Data, rec.Version, updated); err != nil {
		return errors.Wrapf(err, "failed to save %s", key)
	}
	return nil
}

func (h *handle) Delete(ctx context.Context, key string) error {
	if err := h.check(key); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", h.table)
	if _, err := h.tx.Exec(ctx, query, key); err != nil {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

func (h *handle) Keys(ctx context.Context, prefix string) ([]string, error) {
	if h.done {
		return nil, storage.ErrHandleClosed
	}
	query := fmt.Sprintf("SELECT key FROM %s WHERE starts_with(key, $1) ORDER BY key COLLATE \"C\"", h.table)
	rows, err := h.tx.Query(ctx, query, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan key rows")
	}
	return keys, nil
}

func (h *handle) Commit(ctx context.Context) error {
	if h.done {
		return storage.ErrHandleClosed
	}
	h.done = true
	return errors.Wrap(h.tx.Commit(ctx), "commit postgres transaction")
}

func (h *handle) Close() error {
	if h.done {
		return nil
	}
	h.done = true
	// Rollback must run even when the caller's context is already canceled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Wrap(err, "rollback postgres transaction")
	}
	return nil
}
