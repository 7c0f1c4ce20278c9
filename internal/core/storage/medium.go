// Package storage provides the persistence medium contract the flow store
// writes through, with zero external dependencies.
package storage

import (
	"context"
	"strings"
	"time"
)

// Record is one stored value together with the version it was written at
type Record struct {
	Data      []byte    `json:"data"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Medium is a key/value persistence backend
// PRINCIPLES:
// - DIP: the store depends on this interface, backends implement it
// - Scoped access: all reads and writes go through a Handle
type Medium interface {
	// Name identifies the backend in logs and metrics
	Name() string

	// Acquire opens a handle. Callers must Close it on every path.
	Acquire(ctx context.Context) (Handle, error)

	// Close releases the medium's own resources
	Close() error
}

// Handle is a transactional view of a medium. Mediums that cannot lock
// report a competing commit from Commit as ErrConcurrentWrite.
//
// Writes are staged until Commit. Close without Commit discards them and is
// safe to call more than once. A failed Put or Commit leaves the previously
// committed value intact.
type Handle interface {
	// Get returns the committed record for key or ErrKeyNotFound
	Get(ctx context.Context, key string) (*Record, error)

	// Put stages a write of rec under key
	Put(ctx context.Context, key string, rec Record) error

	// Delete stages the removal of key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists committed keys with the given prefix in ascending order
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Commit makes staged writes durable and ends the handle. Later calls
	// other than Close return ErrHandleClosed.
	Commit(ctx context.Context) error

	// Close releases the handle
	Close() error
}

// ValidateKey rejects keys no medium can store
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) != key || strings.ContainsAny(key, "\x00\n") {
		return ErrInvalidKey
	}
	return nil
}

// With acquires a handle, runs fn and closes the handle whatever fn returns.
// The handle is not committed; fn calls Commit when it has writes to keep.
func With(ctx context.Context, m Medium, fn func(h Handle) error) (err error) {
	h, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return fn(h)
}
