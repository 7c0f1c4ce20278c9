package flowstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindflow/mindflow/internal/adapters/repository/memory"
	"github.com/mindflow/mindflow/internal/core/flow"
	"github.com/mindflow/mindflow/internal/core/storage"
	"github.com/mindflow/mindflow/internal/infrastructure/metrics"
	"github.com/mindflow/mindflow/pkg/serialization"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// tracking counts acquisitions and releases and can fail commits
type tracking struct {
	storage.Medium
	mu         sync.Mutex
	acquired   int
	released   int
	failCommit error
}

func (m *tracking) Acquire(ctx context.Context) (storage.Handle, error) {
	h, err := m.Medium.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.acquired++
	m.mu.Unlock()
	return &trackingHandle{Handle: h, m: m}, nil
}

func (m *tracking) balanced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired == m.released
}

type trackingHandle struct {
	storage.Handle
	m      *tracking
	closed bool
}

func (h *trackingHandle) Commit(ctx context.Context) error {
	if h.m.failCommit != nil {
		return h.m.failCommit
	}
	return h.Handle.Commit(ctx)
}

func (h *trackingHandle) Close() error {
	if !h.closed {
		h.closed = true
		h.m.mu.Lock()
		h.m.released++
		h.m.mu.Unlock()
	}
	return h.Handle.Close()
}

func newStore(t *testing.T, opts ...Option) (*Store, *tracking) {
	t.Helper()
	m := &tracking{Medium: memory.New(memory.Config{})}
	t.Cleanup(func() { assert.True(t, m.balanced(), "every handle must be released") })
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(m, opts...), m
}

func sampleFlow(t *testing.T) *flow.Flow {
	t.Helper()
	f := flow.New("f1", "Sample")
	require.NoError(t, f.AddNode(&flow.Node{ID: "n1", Type: "input", Outputs: []flow.OutputSlot{{Name: "out", Type: "number"}}}))
	require.NoError(t, f.AddNode(&flow.Node{ID: "n2", Type: "output", Inputs: []flow.InputSlot{{Name: "in", Type: "number", Required: true}}}))
	_, err := f.Connect(&flow.Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"})
	require.NoError(t, err)
	return f
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	f := sampleFlow(t)

	ack, err := s.Save(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "f1", ack.FlowID)
	assert.Equal(t, int64(1), ack.Version, "first save keeps the version")
	assert.Equal(t, fixedNow, ack.SavedAt)
	assert.Equal(t, "memory", ack.Medium)
	assert.Equal(t, "json", ack.Format)
	assert.Positive(t, ack.Bytes)
	assert.Equal(t, fixedNow, f.UpdatedAt)

	loaded, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, f, loaded)
}

func TestStore_SaveIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	f := sampleFlow(t)

	for want := int64(1); want <= 3; want++ {
		ack, err := s.Save(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, want, ack.Version)
		assert.Equal(t, want, f.Version)
	}

	loaded, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.Version)
}

func TestStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector("test")
	s, _ := newStore(t, WithMetrics(collector))
	_, err := s.Save(ctx, sampleFlow(t))
	require.NoError(t, err)

	a, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	b, err := s.Load(ctx, "f1")
	require.NoError(t, err)

	require.NoError(t, a.Update(flow.FlowUpdate{Name: ptr("from a")}))
	_, err = s.Save(ctx, a)
	require.NoError(t, err)

	require.NoError(t, b.Update(flow.FlowUpdate{Name: ptr("from b")}))
	_, err = s.Save(ctx, b)
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(1), b.Version, "rejected flow keeps its version")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.VersionConflicts))

	stored, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "from a", stored.Name)
	assert.Equal(t, int64(2), stored.Version)
}

func TestStore_ConcurrentWriteIsVersionConflict(t *testing.T) {
	s, m := newStore(t)
	m.failCommit = storage.ErrConcurrentWrite

	_, err := s.Save(context.Background(), sampleFlow(t))
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.ErrorIs(t, err, storage.ErrConcurrentWrite)
}

func TestStore_FailedWriteLeavesPreviousValue(t *testing.T) {
	ctx := context.Background()
	m := &tracking{Medium: memory.New(memory.Config{MaxRecordBytes: 2048})}
	s := New(m)
	f := sampleFlow(t)
	_, err := s.Save(ctx, f)
	require.NoError(t, err)
	savedAt := f.UpdatedAt

	big := make([]flow.Value, 0, 200)
	for i := 0; i < 200; i++ {
		big = append(big, flow.String("padding padding padding"))
	}
	require.NoError(t, f.Update(flow.FlowUpdate{Metadata: map[string]flow.Value{"big": flow.Array(big...)}}))

	_, err = s.Save(ctx, f)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "save", storeErr.Op)
	assert.ErrorIs(t, err, storage.ErrRecordTooLarge)
	assert.Equal(t, int64(1), f.Version)
	assert.Contains(t, f.Metadata, "big", "in-memory flow is never lost")

	stored, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.NotContains(t, stored.Metadata, "big")
	assert.Equal(t, savedAt, stored.UpdatedAt)
	assert.True(t, m.balanced())
}

func TestStore_CommitFailure(t *testing.T) {
	ctx := context.Background()
	s, m := newStore(t)
	_, err := s.Save(ctx, sampleFlow(t))
	require.NoError(t, err)

	m.failCommit = errors.New("disk full")
	f, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	require.NoError(t, f.Update(flow.FlowUpdate{Name: ptr("renamed")}))
	_, err = s.Save(ctx, f)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, int64(1), f.Version)

	m.failCommit = nil
	stored, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "Sample", stored.Name)
}

func TestStore_SaveRejectsInvalid(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Save(context.Background(), nil)
	assert.Error(t, err)

	_, err = s.Save(context.Background(), flow.New("", "nameless"))
	assert.ErrorIs(t, err, storage.ErrInvalidKey)

	f := sampleFlow(t)
	f.Connections["c2"] = &flow.Connection{ID: "c2", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "ghost", TargetInput: "in", FlowID: "f1"}
	_, err = s.Save(context.Background(), f)
	var integrity *flow.IntegrityError
	assert.ErrorAs(t, err, &integrity)
}

func TestStore_ReadOnlyFlowsCanBeSaved(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	f := sampleFlow(t)
	f.SetReadOnly(true)

	_, err := s.Save(ctx, f)
	require.NoError(t, err)
	loaded, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, loaded.IsReadOnly)
}

func TestStore_LoadNotFound(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadCorrupt(t *testing.T) {
	ctx := context.Background()
	s, m := newStore(t)
	require.NoError(t, storage.With(ctx, m, func(h storage.Handle) error {
		require.NoError(t, h.Put(ctx, Key("bad"), storage.Record{Data: []byte(`{"id":`), Version: 1}))
		return h.Commit(ctx)
	}))

	_, err := s.Load(ctx, "bad")
	var derr *serialization.DeserializationError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, serialization.KindMalformedDocument, derr.Kind)
}

func TestStore_LoadRecordMismatch(t *testing.T) {
	ctx := context.Background()
	s, m := newStore(t)
	data, err := serialization.SerializeFlow(sampleFlow(t))
	require.NoError(t, err)
	require.NoError(t, storage.With(ctx, m, func(h storage.Handle) error {
		require.NoError(t, h.Put(ctx, Key("other"), storage.Record{Data: data, Version: 1}))
		require.NoError(t, h.Put(ctx, Key("f1"), storage.Record{Data: data, Version: 9}))
		return h.Commit(ctx)
	}))

	_, err = s.Load(ctx, "other")
	assert.ErrorContains(t, err, `record holds flow "f1"`)
	_, err = s.Load(ctx, "f1")
	assert.ErrorContains(t, err, "record version 9 disagrees")
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, err := s.Save(ctx, sampleFlow(t))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "f1"))
	_, err = s.Load(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "f1"), ErrNotFound)
}

func TestStore_DeleteIfVersion(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector("test")
	s, m := newStore(t, WithMetrics(collector))

	f := sampleFlow(t)
	_, err := s.Save(ctx, f)
	require.NoError(t, err)
	stale := f.Version
	_, err = s.Save(ctx, f)
	require.NoError(t, err)
	require.Equal(t, stale+1, f.Version)

	before := m.acquired
	err = s.DeleteIfVersion(ctx, "f1", stale)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, before+1, m.acquired, "check and delete share one handle")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.VersionConflicts))

	loaded, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, f.Version, loaded.Version)

	require.NoError(t, s.DeleteIfVersion(ctx, "f1", f.Version))
	_, err = s.Load(ctx, "f1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteIfVersion(ctx, "f1", f.Version), ErrNotFound)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s, m := newStore(t)

	for _, id := range []string{"b", "a", "c"} {
		f := flow.New(id, "flow "+id)
		_, err := s.Save(ctx, f)
		require.NoError(t, err)
	}
	_, err := s.Save(ctx, sampleFlow(t))
	require.NoError(t, err)
	require.NoError(t, storage.With(ctx, m, func(h storage.Handle) error {
		require.NoError(t, h.Put(ctx, Key("corrupt"), storage.Record{Data: []byte("nope"), Version: 1}))
		require.NoError(t, h.Put(ctx, "settings/theme", storage.Record{Data: []byte("dark"), Version: 1}))
		return h.Commit(ctx)
	}))

	list, err := s.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, sum := range list {
		ids = append(ids, sum.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "f1"}, ids)
	assert.Equal(t, 2, list[3].NodeCount)
	assert.Equal(t, 1, list[3].ConnectionCount)
}

func TestStore_ListEmpty(t *testing.T) {
	s, _ := newStore(t)
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)
}

func TestStore_CompactFormat(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, WithSerializer(serialization.CompactSerializer()))
	assert.Equal(t, "msgpack+zstd", s.Format())
	f := sampleFlow(t)
	_, err := s.Save(ctx, f)
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, f, loaded)
}

func TestStore_CanceledContext(t *testing.T) {
	m := memory.New(memory.Config{})
	s := New(m)
	ctx := context.Background()

	// hold the medium so Acquire has to wait
	h, err := m.Acquire(ctx)
	require.NoError(t, err)
	defer h.Close()

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Save(canceled, sampleFlow(t))
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func ptr[T any](v T) *T { return &v }
