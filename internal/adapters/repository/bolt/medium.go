// Package bolt provides a single-file storage medium on boltdb
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cockroachdb/errors"

	"github.com/mindflow/mindflow/internal/core/storage"
)

const headerSize = 16 // version int64 + updated_at unix nanos

var defaultBucket = []byte("records")

// Medium implements storage.Medium over a bolt database file. Each handle
// owns bolt's single writable transaction until it commits or closes.
type Medium struct {
	db     *bolt.DB
	bucket []byte
}

// Config holds bolt settings
type Config struct {
	Path        string
	Bucket      string
	LockTimeout time.Duration // wait for the file lock held by another process
}

// Open opens (possibly creating) the database file and its bucket
func Open(config Config) (*Medium, error) {
	if config.LockTimeout == 0 {
		config.LockTimeout = time.Second
	}
	bucket := defaultBucket
	if config.Bucket != "" {
		bucket = []byte(config.Bucket)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: config.LockTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt file %s", config.Path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bolt bucket")
	}
	return &Medium{db: db, bucket: bucket}, nil
}

// Name identifies the medium
func (m *Medium) Name() string { return "bolt" }

// Acquire begins a writable transaction
func (m *Medium) Acquire(ctx context.Context) (storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "acquire bolt medium")
	}
	tx, err := m.db.Begin(true)
	if err != nil {
		return nil, errors.Wrap(err, "begin bolt transaction")
	}
	return &handle{tx: tx, bucket: tx.Bucket(m.bucket)}, nil
}

// Close closes the database file
func (m *Medium) Close() error {
	return m.db.Close()
}

type handle struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
	done   bool
}

func (h *handle) check(key string) error {
	if h.done {
		return storage.ErrHandleClosed
	}
	return storage.ValidateKey(key)
}

func (h *handle) Get(_ context.Context, key string) (*storage.Record, error) {
	if err := h.check(key); err != nil {
		return nil, err
	}
	raw := h.bucket.Get([]byte(key))
	if raw == nil {
		return nil, storage.ErrKeyNotFound
	}
	return decodeRecord(raw)
}

func (h *handle) Put(_ context.Context, key string, rec storage.Record) error {
	if err := h.check(key); err != nil {
		return err
	}
	err := h.bucket.Put([]byte(key), encodeRecord(rec))
	switch {
	case errors.Is(err, bolt.ErrValueTooLarge):
		return errors.Wrapf(storage.ErrRecordTooLarge, "%s: %v", key, err)
	case errors.Is(err, bolt.ErrKeyTooLarge):
		return errors.Wrapf(storage.ErrInvalidKey, "%s: %v", key, err)
	case err != nil:
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}

func (h *handle) Delete(_ context.Context, key string) error {
	if err := h.check(key); err != nil {
		return err
	}
	return errors.Wrapf(h.bucket.Delete([]byte(key)), "delete %s", key)
}

func (h *handle) Keys(_ context.Context, prefix string) ([]string, error) {
	if h.done {
		return nil, storage.ErrHandleClosed
	}
	var keys []string
	p := []byte(prefix)
	c := h.bucket.Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys, nil
}

func (h *handle) Commit(_ context.Context) error {
	if h.done {
		return storage.ErrHandleClosed
	}
	h.done = true
	if err := h.tx.Commit(); err != nil {
		return errors.Wrap(err, "commit bolt transaction")
	}
	return nil
}

func (h *handle) Close() error {
	if h.done {
		return nil
	}
	h.done = true
	return errors.Wrap(h.tx.Rollback(), "rollback bolt transaction")
}

func encodeRecord(rec storage.Record) []byte {
	buf := make([]byte, headerSize+len(rec.Data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.Version))
	var nanos int64
	if !rec.UpdatedAt.IsZero() {
		nanos = rec.UpdatedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[8:16], uint64(nanos))
	copy(buf[headerSize:], rec.Data)
	return buf
}

// decodeRecord copies out of bolt's mmap, which is only valid inside the tx
func decodeRecord(raw []byte) (*storage.Record, error) {
	if len(raw) < headerSize {
		return nil, errors.Newf("corrupt bolt record: %d bytes", len(raw))
	}
	rec := &storage.Record{
		Version: int64(binary.BigEndian.Uint64(raw[0:8])),
		Data:    append([]byte(nil), raw[headerSize:]...),
	}
	if nanos := int64(binary.BigEndian.Uint64(raw[8:16])); nanos != 0 {
		rec.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	return rec, nil
}
