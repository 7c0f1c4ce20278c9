package mindflow

import (
	"context"

	"github.com/mindflow/mindflow/internal/adapters/repository/flowstore"
	"github.com/mindflow/mindflow/internal/adapters/repository/memory"
	"github.com/mindflow/mindflow/internal/core/flow"
	"github.com/mindflow/mindflow/internal/core/storage"
	"github.com/mindflow/mindflow/pkg/serialization"
)

// Re-export core flow types for convenience
type (
	Flow            = flow.Flow
	Node            = flow.Node
	Connection      = flow.Connection
	InputSlot       = flow.InputSlot
	OutputSlot      = flow.OutputSlot
	Position        = flow.Position
	Value           = flow.Value
	ValidationError = flow.ValidationError
	IntegrityError  = flow.IntegrityError
	Summary         = flowstore.Summary
	Ack             = flowstore.Ack
)

// Errors callers commonly match on
var (
	ErrNotFound        = flowstore.ErrNotFound
	ErrVersionConflict = flowstore.ErrVersionConflict
	ErrReadOnly        = flow.ErrReadOnly
)

// NewFlow returns an empty flow at version 1
func NewFlow(id, name string) *Flow { return flow.New(id, name) }

// CheckConnection reports whether c may be added to f, and which existing
// connection it would replace
func CheckConnection(f *Flow, c *Connection) (displaced *Connection, err error) {
	return flow.CheckConnection(f, c)
}

// Encode writes f as a JSON flow document
func Encode(f *Flow) ([]byte, error) { return serialization.SerializeFlow(f) }

// Decode reads a JSON flow document and checks its integrity
func Decode(data []byte) (*Flow, error) { return serialization.DeserializeFlow(data) }

// Workspace persists flows on a storage medium. The zero configuration
// from NewWorkspace keeps everything in memory and suits local use and
// tests.
type Workspace struct {
	medium storage.Medium
	store  *flowstore.Store
}

// NewWorkspace constructs an in-memory workspace
func NewWorkspace() *Workspace {
	m := memory.New(memory.Config{})
	return &Workspace{medium: m, store: flowstore.New(m)}
}

// Save persists f. The flow's version must match the stored one; on
// success f carries the new version.
func (w *Workspace) Save(ctx context.Context, f *Flow) (Ack, error) {
	return w.store.Save(ctx, f)
}

// Load reads a flow by id
func (w *Workspace) Load(ctx context.Context, id string) (*Flow, error) {
	return w.store.Load(ctx, id)
}

// Delete removes a flow
func (w *Workspace) Delete(ctx context.Context, id string) error {
	return w.store.Delete(ctx, id)
}

// List summarizes every stored flow in id order
func (w *Workspace) List(ctx context.Context) ([]Summary, error) {
	return w.store.List(ctx)
}

// Close releases the underlying medium
func (w *Workspace) Close() error {
	return w.medium.Close()
}
