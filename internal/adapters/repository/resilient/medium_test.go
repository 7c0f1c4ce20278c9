package resilient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mindflow/mindflow/internal/adapters/repository/memory"
	"github.com/mindflow/mindflow/internal/core/storage"
	"github.com/mindflow/mindflow/internal/core/storage/storagetest"
)

// flaky fails Acquire while down is set
type flaky struct {
	storage.Medium
	down     bool
	acquires int
}

func (f *flaky) Acquire(ctx context.Context) (storage.Handle, error) {
	f.acquires++
	if f.down {
		return nil, assert.AnError
	}
	return f.Medium.Acquire(ctx)
}

func testConfig() Config {
	return Config{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 0.5, MinRequests: 2}
}

func TestMedium_Contract(t *testing.T) {
	storagetest.Run(t, Wrap(memory.New(memory.Config{}), DefaultConfig(), nil))
}

func TestMedium_TripsOnBackendFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flaky{Medium: memory.New(memory.Config{}), down: true}
	m := Wrap(inner, testConfig(), nil)

	for i := 0; i < 2; i++ {
		_, err := m.Acquire(ctx)
		assert.ErrorIs(t, err, assert.AnError)
	}
	assert.Equal(t, "open", m.State())

	_, err := m.Acquire(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, inner.acquires, "open breaker must not reach the backend")
}

func TestMedium_DataOutcomesDoNotTrip(t *testing.T) {
	ctx := context.Background()
	m := Wrap(memory.New(memory.Config{}), testConfig(), nil)

	for i := 0; i < 5; i++ {
		err := storage.With(ctx, m, func(h storage.Handle) error {
			_, err := h.Get(ctx, "flow/missing")
			return err
		})
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	}
	assert.Equal(t, "closed", m.State())
	assert.Equal(t, "memory", m.Name())
}
