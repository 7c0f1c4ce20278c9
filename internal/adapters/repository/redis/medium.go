// Package redis provides a storage medium on Redis with optimistic
// WATCH/MULTI transactions
package redis

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	goredis "github.com/go-redis/redis"

	"github.com/mindflow/mindflow/internal/core/storage"
)

const (
	fieldData      = "data"
	fieldVersion   = "version"
	fieldUpdatedAt = "updated_at"
)

// Medium implements storage.Medium over Redis hashes. A set holds the key
// index so Keys never needs SCAN.
//
// Handles do not lock. Commit watches every written key and fails with
// storage.ErrConcurrentWrite if another client changed one since this
// handle read it.
type Medium struct {
	client    *goredis.Client
	namespace string
}

// Config holds Redis settings
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // prepended to every key, default "mindflow:"
}

// Open connects and pings the server
func Open(config Config) (*Medium, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", config.Addr)
	}
	return NewMedium(client, config.Namespace), nil
}

// NewMedium wraps an existing client
func NewMedium(client *goredis.Client, namespace string) *Medium {
	if namespace == "" {
		namespace = "mindflow:"
	}
	return &Medium{client: client, namespace: namespace}
}

// Name identifies the medium
func (m *Medium) Name() string { return "redis" }

// Acquire opens a handle bound to ctx
func (m *Medium) Acquire(ctx context.Context) (storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "acquire redis medium")
	}
	return &handle{
		m:      m,
		client: m.client.WithContext(ctx),
		seen:   make(map[string]int64),
		staged: make(map[string]*storage.Record),
	}, nil
}

// Close closes the client
func (m *Medium) Close() error {
	return m.client.Close()
}

func (m *Medium) recordKey(key string) string { return m.namespace + "record:" + key }
func (m *Medium) indexKey() string            { return m.namespace + "keys" }

type handle struct {
	m      *Medium
	client *goredis.Client
	seen   map[string]int64           // version observed by Get, 0 when absent
	staged map[string]*storage.Record // nil value stages a delete
	closed bool
}

func (h *handle) check(key string) error {
	if h.closed {
		return storage.ErrHandleClosed
	}
	return storage.ValidateKey(key)
}

func (h *handle) Get(_ context.Context, key string) (*storage.Record, error) {
	if err := h.check(key); err != nil {
		return nil, err
	}
	fields, err := h.client.HGetAll(h.m.recordKey(key)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", key)
	}
	if len(fields) == 0 {
		h.seen[key] = 0
		return nil, storage.ErrKeyNotFound
	}
	rec, err := decodeRecord(fields)
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt record %s", key)
	}
	h.seen[key] = rec.Version
	return rec, nil
}

func (h *handle) Put(_ context.Context, key string, rec storage.Record) error {
	if err := h.check(key); err != nil {
		return err
	}
	rec.Data = append([]byte(nil), rec.Data...)
	h.staged[key] = &rec
	return nil
}

func (h *handle) Delete(_ context.Context, key string) error {
	if err := h.check(key); err != nil {
		return err
	}
	h.staged[key] = nil
	return nil
}

func (h *handle) Keys(_ context.Context, prefix string) ([]string, error) {
	if h.closed {
		return nil, storage.ErrHandleClosed
	}
	members, err := h.client.SMembers(h.m.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}
	var keys []string
	for _, k := range members {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (h *handle) Commit(_ context.Context) error {
	if h.closed {
		return storage.ErrHandleClosed
	}
	defer h.release()
	if len(h.staged) == 0 {
		return nil
	}

	keys := make([]string, 0, len(h.staged))
	watched := make([]string, 0, len(h.staged))
	for key := range h.staged {
		keys = append(keys, key)
		watched = append(watched, h.m.recordKey(key))
	}
	sort.Strings(keys)

	err := h.client.Watch(func(tx *goredis.Tx) error {
		for _, key := range keys {
			want, read := h.seen[key]
			if !read {
				continue
			}
			current, err := tx.HGet(h.m.recordKey(key), fieldVersion).Int64()
			if err == goredis.Nil {
				current = 0
			} else if err != nil {
				return err
			}
			if current != want {
				return errors.Wrapf(storage.ErrConcurrentWrite, "%s is at version %d, read %d", key, current, want)
			}
		}

		_, err := tx.Pipelined(func(pipe goredis.Pipeliner) error {
			for _, key := range keys {
				rec := h.staged[key]
				if rec == nil {
					pipe.Del(h.m.recordKey(key))
					pipe.SRem(h.m.indexKey(), key)
					continue
				}
				pipe.Del(h.m.recordKey(key))
				pipe.HMSet(h.m.recordKey(key), encodeRecord(*rec))
				pipe.SAdd(h.m.indexKey(), key)
			}
			return nil
		})
		return err
	}, watched...)

	if err == goredis.TxFailedErr {
		return errors.Wrap(storage.ErrConcurrentWrite, "redis transaction aborted")
	}
	if err != nil && !errors.Is(err, storage.ErrConcurrentWrite) {
		return errors.Wrap(err, "commit redis transaction")
	}
	return err
}

func (h *handle) Close() error {
	if !h.closed {
		h.release()
	}
	return nil
}

func (h *handle) release() {
	h.closed = true
	h.staged = nil
	h.seen = nil
}

func encodeRecord(rec storage.Record) map[string]interface{} {
	var nanos int64
	if !rec.UpdatedAt.IsZero() {
		nanos = rec.UpdatedAt.UnixNano()
	}
	return map[string]interface{}{
		fieldData:      rec.Data,
		fieldVersion:   rec.Version,
		fieldUpdatedAt: nanos,
	}
}

func decodeRecord(fields map[string]string) (*storage.Record, error) {
	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "version")
	}
	nanos, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "updated_at")
	}
	rec := &storage.Record{Data: []byte(fields[fieldData]), Version: version}
	if nanos != 0 {
		rec.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	return rec, nil
}
