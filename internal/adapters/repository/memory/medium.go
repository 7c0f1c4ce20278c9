// Package memory provides an in-process storage medium
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mindflow/mindflow/internal/core/storage"
)

// Medium implements storage.Medium over a map guarded by a single-slot
// semaphore. A handle holds the slot from Acquire until Close, so handles
// are fully serialized.
// PRINCIPLES:
// - KISS: one map, one lock, no background goroutines
// - DIP: implements storage.Medium
type Medium struct {
	sem chan struct{}

	mu      sync.RWMutex // guards records for Stats
	records map[string]storage.Record
	size    int64

	maxRecordBytes int
	maxTotalBytes  int64
}

// Config holds limits for Medium. Zero means unlimited.
type Config struct {
	MaxRecordBytes int   // largest single record
	MaxTotalBytes  int64 // total bytes across all records
}

// Stats summarises medium usage
type Stats struct {
	Records    int   `json:"records"`
	TotalBytes int64 `json:"total_bytes"`
}

// New creates an empty in-memory medium
func New(config Config) *Medium {
	return &Medium{
		sem:            make(chan struct{}, 1),
		records:        make(map[string]storage.Record),
		maxRecordBytes: config.MaxRecordBytes,
		maxTotalBytes:  config.MaxTotalBytes,
	}
}

// Name identifies the medium
func (m *Medium) Name() string { return "memory" }

// Acquire waits for exclusive access or for ctx to end
func (m *Medium) Acquire(ctx context.Context) (storage.Handle, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "acquire memory medium")
	}
	return &handle{m: m, staged: make(map[string]*storage.Record)}, nil
}

// Close drops all records
func (m *Medium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]storage.Record)
	m.size = 0
	return nil
}

// Stats reports the number of records and their combined size
func (m *Medium) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Records: len(m.records), TotalBytes: m.size}
}

type handle struct {
	m      *Medium
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
	h.m.mu.RLock()
	rec, ok := h.m.records[key]
	h.m.mu.RUnlock()
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return copyRecord(rec), nil
}

func (h *handle) Put(_ context.Context, key string, rec storage.Record) error {
	if err := h.check(key); err != nil {
		return err
	}
	if h.m.maxRecordBytes > 0 && len(rec.Data) > h.m.maxRecordBytes {
		return errors.Wrapf(storage.ErrRecordTooLarge, "%s is %d bytes, limit %d", key, len(rec.Data), h.m.maxRecordBytes)
	}
	h.staged[key] = copyRecord(rec)
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
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	var keys []string
	for k := range h.m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Commit applies staged writes all at once or not at all
func (h *handle) Commit(_ context.Context) error {
	if h.closed {
		return storage.ErrHandleClosed
	}
	defer h.release()

	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	size := h.m.size
	for key, rec := range h.staged {
		if old, ok := h.m.records[key]; ok {
			size -= int64(len(old.Data))
		}
		if rec != nil {
			size += int64(len(rec.Data))
		}
	}
	if h.m.maxTotalBytes > 0 && size > h.m.maxTotalBytes {
		return errors.Wrapf(storage.ErrRecordTooLarge, "medium would hold %d bytes, limit %d", size, h.m.maxTotalBytes)
	}

	for key, rec := range h.staged {
		if rec == nil {
			delete(h.m.records, key)
			continue
		}
		h.m.records[key] = *rec
	}
	h.m.size = size
	return nil
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
	<-h.m.sem
}

func copyRecord(rec storage.Record) *storage.Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return &rec
}
