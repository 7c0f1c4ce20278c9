// Package flowstore persists flows as serialized documents on a storage
// medium, one key per flow.
package flowstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/core/flow"
	"github.com/mindflow/mindflow/internal/core/storage"
	"github.com/mindflow/mindflow/internal/infrastructure/metrics"
	"github.com/mindflow/mindflow/pkg/serialization"
)

const keyPrefix = "flow/"

var (
	// ErrNotFound is returned when no flow is stored under an id
	ErrNotFound = errors.New("flow not found")

	// ErrVersionConflict is returned when the stored version is not the
	// version the caller last saw. The caller must reload and reapply.
	ErrVersionConflict = errors.New("flow version conflict")
)

// StoreError is a failure of the underlying medium. The in-memory flow and
// the stored value are both left as they were.
type StoreError struct {
	Op     string
	FlowID string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("flowstore: %s %q: %v", e.Op, e.FlowID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Ack confirms a committed save
type Ack struct {
	FlowID  string    `json:"flow_id"`
	Version int64     `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Bytes   int       `json:"bytes"`
	Medium  string    `json:"medium"`
	Format  string    `json:"format"`
}

// Summary describes a stored flow without its graph
type Summary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Version         int64     `json:"version"`
	NodeCount       int       `json:"node_count"`
	ConnectionCount int       `json:"connection_count"`
	IsReadOnly      bool      `json:"is_readonly"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store saves and loads flows
// PRINCIPLES:
// - SRP: versioning and keys here, bytes in serialization, I/O in the medium
// - Scoped access: every handle is closed on every path
type Store struct {
	medium  storage.Medium
	codec   *serialization.FlowSerializer
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithSerializer sets the document format. The default is plain JSON.
func WithSerializer(s *serialization.Serializer) Option {
	return func(st *Store) { st.codec = serialization.NewFlowSerializer(s) }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.logger = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(st *Store) { st.metrics = c }
}

// WithClock replaces the save timestamp source
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// New creates a store over m
func New(m storage.Medium, opts ...Option) *Store {
	s := &Store{
		medium: m,
		codec:  serialization.NewFlowSerializer(nil),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Medium returns the underlying medium
func (s *Store) Medium() storage.Medium { return s.medium }

// Format describes the document pipeline, e.g. "json" or "msgpack+zstd"
func (s *Store) Format() string { return s.codec.Format() }

// Key returns the medium key for a flow id
func Key(flowID string) string { return keyPrefix + flowID }

// Save writes a snapshot of f. The stored version must equal f.Version; the
// snapshot is written at the next version, except for the first save which
// keeps f.Version. f.Version and f.UpdatedAt change only once the write has
// committed.
func (s *Store) Save(ctx context.Context, f *flow.Flow) (ack Ack, err error) {
	if f == nil {
		return Ack{}, errors.New("flowstore: cannot save a nil flow")
	}
	start := time.Now()
	defer func() { s.metrics.ObserveStore("save", s.medium.Name(), start, err) }()

	key := Key(f.ID)
	if err := storage.ValidateKey(key); err != nil {
		return Ack{}, errors.Wrapf(err, "flowstore: flow id %q", f.ID)
	}
	if err := f.Validate(); err != nil {
		return Ack{}, errors.Wrapf(err, "flowstore: refusing to save invalid flow %q", f.ID)
	}

	snapshot := f.Clone()
	savedAt := s.now().UTC()
	var data []byte

	err = storage.With(ctx, s.medium, func(h storage.Handle) error {
		next := f.Version
		current, err := h.Get(ctx, key)
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
		case err != nil:
			return err
		case current.Version != f.Version:
			return errors.Wrapf(ErrVersionConflict, "flow %q: stored version %d, caller has %d", f.ID, current.Version, f.Version)
		default:
			next = current.Version + 1
		}

		snapshot.Version = next
		snapshot.UpdatedAt = savedAt
		data, err = s.codec.Encode(snapshot)
		if err != nil {
			return err
		}
		if err := h.Put(ctx, key, storage.Record{Data: data, Version: next, UpdatedAt: savedAt}); err != nil {
			return err
		}
		return h.Commit(ctx)
	})
	if err != nil {
		if errors.Is(err, storage.ErrConcurrentWrite) {
			err = errors.Mark(err, ErrVersionConflict)
		}
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.IncVersionConflicts()
			s.logger.Info("flow save rejected", zap.String("flow_id", f.ID), zap.Int64("version", f.Version), zap.Error(err))
			return Ack{}, err
		}
		s.logger.Error("flow save failed", zap.String("flow_id", f.ID), zap.String("medium", s.medium.Name()), zap.Error(err))
		return Ack{}, &StoreError{Op: "save", FlowID: f.ID, Err: err}
	}

	f.Version = snapshot.Version
	f.UpdatedAt = savedAt
	s.metrics.ObserveDocument(s.codec.Format(), len(data))
	s.logger.Debug("flow saved", zap.String("flow_id", f.ID), zap.Int64("version", f.Version), zap.Int("bytes", len(data)))

	return Ack{
		FlowID:  f.ID,
		Version: f.Version,
		SavedAt: savedAt,
		Bytes:   len(data),
		Medium:  s.medium.Name(),
		Format:  s.codec.Format(),
	}, nil
}

// Load reads the flow stored under id. A stored document that no longer
// decodes is reported as a *serialization.DeserializationError.
func (s *Store) Load(ctx context.Context, id string) (f *flow.Flow, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStore("load", s.medium.Name(), start, err) }()

	key := Key(id)
	if err := storage.ValidateKey(key); err != nil {
		return nil, errors.Wrapf(err, "flowstore: flow id %q", id)
	}

	var rec *storage.Record
	err = storage.With(ctx, s.medium, func(h storage.Handle) error {
		var err error
		rec, err = h.Get(ctx, key)
		return err
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "flow %q", id)
	}
	if err != nil {
		return nil, &StoreError{Op: "load", FlowID: id, Err: err}
	}
	return s.decode(id, rec)
}

func (s *Store) decode(id string, rec *storage.Record) (*flow.Flow, error) {
	f, err := s.codec.Decode(rec.Data)
	if err != nil {
		s.logger.Warn("stored flow does not decode", zap.String("flow_id", id), zap.Error(err))
		return nil, errors.Wrapf(err, "flowstore: decode %q", id)
	}
	if f.ID != id {
		return nil, &StoreError{Op: "load", FlowID: id, Err: errors.Newf("record holds flow %q", f.ID)}
	}
	if f.Version != rec.Version {
		return nil, &StoreError{Op: "load", FlowID: id, Err: errors.Newf("record version %d disagrees with document version %d", rec.Version, f.Version)}
	}
	return f, nil
}

// Delete removes the flow stored under id
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.remove(ctx, id, nil)
}

// DeleteIfVersion removes a stored flow only while it is still at version.
// The check and the delete share one handle, so a save landing in between
// surfaces as ErrVersionConflict instead of being deleted.
func (s *Store) DeleteIfVersion(ctx context.Context, id string, version int64) error {
	return s.remove(ctx, id, &version)
}

func (s *Store) remove(ctx context.Context, id string, version *int64) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStore("delete", s.medium.Name(), start, err) }()

	key := Key(id)
	if err := storage.ValidateKey(key); err != nil {
		return errors.Wrapf(err, "flowstore: flow id %q", id)
	}
	err = storage.With(ctx, s.medium, func(h storage.Handle) error {
		current, err := h.Get(ctx, key)
		if err != nil {
			return err
		}
		if version != nil && current.Version != *version {
			return errors.Wrapf(ErrVersionConflict, "flow %q: stored version %d, caller has %d", id, current.Version, *version)
		}
		if err := h.Delete(ctx, key); err != nil {
			return err
		}
		return h.Commit(ctx)
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return errors.Wrapf(ErrNotFound, "flow %q", id)
	}
	if errors.Is(err, storage.ErrConcurrentWrite) {
		err = errors.Mark(err, ErrVersionConflict)
	}
	if errors.Is(err, ErrVersionConflict) {
		s.metrics.IncVersionConflicts()
		s.logger.Info("flow delete rejected", zap.String("flow_id", id), zap.Error(err))
		return err
	}
	if err != nil {
		return &StoreError{Op: "delete", FlowID: id, Err: err}
	}
	s.logger.Info("flow deleted", zap.String("flow_id", id))
	return nil
}

// List summarizes every stored flow in id order. Documents that fail to
// decode are logged and skipped.
func (s *Store) List(ctx context.Context) (out []Summary, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStore("list", s.medium.Name(), start, err) }()

	out = []Summary{}
	err = storage.With(ctx, s.medium, func(h storage.Handle) error {
		keys, err := h.Keys(ctx, keyPrefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			rec, err := h.Get(ctx, key)
			if errors.Is(err, storage.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			f, err := s.decode(strings.TrimPrefix(key, keyPrefix), rec)
			if err != nil {
				continue
			}
			out = append(out, Summarize(f))
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return out, nil
}

// Summarize describes f
func Summarize(f *flow.Flow) Summary {
	nodes, conns := f.Stats()
	return Summary{
		ID:              f.ID,
		Name:            f.Name,
		Description:     f.Description,
		Version:         f.Version,
		NodeCount:       nodes,
		ConnectionCount: conns,
		IsReadOnly:      f.IsReadOnly,
		UpdatedAt:       f.UpdatedAt,
	}
}
