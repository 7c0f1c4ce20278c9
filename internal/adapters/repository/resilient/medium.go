// Package resilient wraps a storage medium in a circuit breaker so a failing
// backend is shed quickly instead of stalling every caller
package resilient

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/core/storage"
)

// ErrUnavailable is returned while the breaker is open
var ErrUnavailable = errors.New("storage medium unavailable")

// Config holds circuit breaker settings
type Config struct {
	MaxRequests      uint32        // requests allowed while half-open
	Interval         time.Duration // closed-state window after which counts reset
	Timeout          time.Duration // open-state duration before probing
	FailureThreshold float64       // failure ratio that trips the breaker
	MinRequests      uint32        // requests needed before the ratio is evaluated
}

// DefaultConfig returns the breaker settings used by the server
func DefaultConfig() Config {
	return Config{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Medium decorates another medium. Outcomes that describe the data rather
// than the backend (missing keys, conflicts, bad keys) never trip it.
type Medium struct {
	inner   storage.Medium
	breaker *gobreaker.CircuitBreaker
}

// Wrap decorates inner with a circuit breaker
func Wrap(inner storage.Medium, config Config, logger *zap.Logger) *Medium {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit breaker state changed",
				zap.String("medium", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: isSuccessful,
	})
	return &Medium{inner: inner, breaker: breaker}
}

func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, storage.ErrKeyNotFound) ||
		errors.Is(err, storage.ErrConcurrentWrite) ||
		errors.Is(err, storage.ErrInvalidKey) ||
		errors.Is(err, storage.ErrRecordTooLarge) ||
		errors.Is(err, storage.ErrHandleClosed) ||
		errors.Is(err, context.Canceled)
}

// State reports the breaker state, e.g. "closed" or "open"
func (m *Medium) State() string { return m.breaker.State().String() }

// Name reports the wrapped medium's name
func (m *Medium) Name() string { return m.inner.Name() }

// Acquire acquires from the wrapped medium through the breaker
func (m *Medium) Acquire(ctx context.Context) (storage.Handle, error) {
	h, err := m.execute(func() (interface{}, error) { return m.inner.Acquire(ctx) })
	if err != nil {
		return nil, err
	}
	return &handle{inner: h.(storage.Handle), m: m}, nil
}

// Close closes the wrapped medium
func (m *Medium) Close() error { return m.inner.Close() }

func (m *Medium) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := m.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrapf(ErrUnavailable, "%s: %v", m.inner.Name(), err)
	}
	return v, err
}

func (m *Medium) run(fn func() error) error {
	_, err := m.execute(func() (interface{}, error) { return nil, fn() })
	return err
}

type handle struct {
	inner storage.Handle
	m     *Medium
}

func (h *handle) Get(ctx context.Context, key string) (*storage.Record, error) {
	v, err := h.m.execute(func() (interface{}, error) { return h.inner.Get(ctx, key) })
	if err != nil {
		return nil, err
	}
	return v.(*storage.Record), nil
}

func (h *handle) Put(ctx context.Context, key string, rec storage.Record) error {
	return h.m.run(func() error { return h.inner.Put(ctx, key, rec) })
}

func (h *handle) Delete(ctx context.Context, key string) error {
	return h.m.run(func() error { return h.inner.Delete(ctx, key) })
}

func (h *handle) Keys(ctx context.Context, prefix string) ([]string, error) {
	v, err := h.m.execute(func() (interface{}, error) { return h.inner.Keys(ctx, prefix) })
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (h *handle) Commit(ctx context.Context) error {
	return h.m.run(func() error { return h.inner.Commit(ctx) })
}

// Close always reaches the wrapped handle so an open breaker never leaks it
func (h *handle) Close() error { return h.inner.Close() }
