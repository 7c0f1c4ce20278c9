package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConnection(t *testing.T) {
	base := func() *Flow {
		f := New("f1", "flow")
		_ = f.AddNode(sourceNode("n1"))
		_ = f.AddNode(sinkNode("n2"))
		_ = f.AddNode(addNode("n3"))
		return f
	}

	tests := []struct {
		name       string
		conn       *Connection
		wantErr    error
		wantReason Reason
	}{
		{
			name: "valid connection",
			conn: &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"},
		},
		{
			name:    "nil connection",
			wantErr: ErrNilConnection,
		},
		{
			name:    "missing id",
			conn:    &Connection{SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"},
			wantErr: ErrInvalidConnectionID,
		},
		{
			name:    "missing target input",
			conn:    &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2"},
			wantErr: ErrIncompleteEndpoint,
		},
		{
			name:       "unknown source node",
			conn:       &Connection{ID: "c1", SourceNodeID: "ghost", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"},
			wantErr:    ErrUnknownSourceNode,
			wantReason: ReasonUnknownSourceNode,
		},
		{
			name:       "unknown target node",
			conn:       &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "ghost", TargetInput: "in"},
			wantErr:    ErrUnknownTargetNode,
			wantReason: ReasonUnknownTargetNode,
		},
		{
			name:       "both nodes unknown reports source first",
			conn:       &Connection{ID: "c1", SourceNodeID: "ghost1", SourceOutput: "out", TargetNodeID: "ghost2", TargetInput: "in"},
			wantErr:    ErrUnknownSourceNode,
			wantReason: ReasonUnknownSourceNode,
		},
		{
			name:       "self loop",
			conn:       &Connection{ID: "c1", SourceNodeID: "n3", SourceOutput: "sum", TargetNodeID: "n3", TargetInput: "a"},
			wantErr:    ErrSelfLoop,
			wantReason: ReasonSelfLoopNotPermitted,
		},
		{
			name:       "unknown source output",
			conn:       &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "sum", TargetNodeID: "n2", TargetInput: "in"},
			wantErr:    ErrUnknownSourceOutput,
			wantReason: ReasonUnknownSourceOutput,
		},
		{
			name:       "output used as input",
			conn:       &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n3", TargetInput: "sum"},
			wantErr:    ErrUnknownTargetInput,
			wantReason: ReasonUnknownTargetInput,
		},
		{
			name:       "foreign flow",
			conn:       &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in", FlowID: "f2"},
			wantErr:    ErrForeignFlow,
			wantReason: ReasonForeignFlow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			before := f.Clone()

			displaced, err := CheckConnection(f, tt.conn)
			assert.Nil(t, displaced)
			assert.Equal(t, before, f, "validator must not mutate the flow")

			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantReason != "" {
				var ve *ValidationError
				require.True(t, errors.As(err, &ve))
				assert.Equal(t, tt.wantReason, ve.Reason)
				assert.Equal(t, tt.conn.ID, ve.ConnectionID)
			}
		})
	}
}

func TestCheckConnection_OccupiedInputReportsDisplaced(t *testing.T) {
	f := New("f1", "flow")
	require.NoError(t, f.AddNode(sourceNode("n1")))
	require.NoError(t, f.AddNode(sourceNode("n2")))
	require.NoError(t, f.AddNode(addNode("n3")))
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n3", TargetInput: "a"})
	require.NoError(t, err)

	displaced, err := CheckConnection(f, &Connection{ID: "c2", SourceNodeID: "n2", SourceOutput: "out", TargetNodeID: "n3", TargetInput: "a"})
	require.NoError(t, err)
	require.NotNil(t, displaced)
	assert.Equal(t, "c1", displaced.ID)

	displaced, err = CheckConnection(f, &Connection{ID: "c3", SourceNodeID: "n2", SourceOutput: "out", TargetNodeID: "n3", TargetInput: "b"})
	require.NoError(t, err)
	assert.Nil(t, displaced, "a different input on the same node is free")
}

func TestCheckConnection_DuplicateID(t *testing.T) {
	f := New("f1", "flow")
	require.NoError(t, f.AddNode(sourceNode("n1")))
	require.NoError(t, f.AddNode(addNode("n2")))
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "a"})
	require.NoError(t, err)

	_, err = CheckConnection(f, &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "b"})
	assert.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestCheckConnection_SameEndpointsNewIDReplaces(t *testing.T) {
	f := New("f1", "flow")
	require.NoError(t, f.AddNode(sourceNode("n1")))
	require.NoError(t, f.AddNode(addNode("n2")))
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "a"})
	require.NoError(t, err)

	displaced, err := f.Connect(&Connection{ID: "c2", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "a"})
	require.NoError(t, err)
	require.NotNil(t, displaced)
	assert.Equal(t, "c1", displaced.ID)
	assert.Len(t, f.Connections, 1)
	assert.Contains(t, f.Connections, "c2")
}

func TestCheckConnection_CyclesThroughOtherNodesAllowed(t *testing.T) {
	f := New("f1", "flow")
	require.NoError(t, f.AddNode(addNode("a")))
	require.NoError(t, f.AddNode(addNode("b")))
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "a", SourceOutput: "sum", TargetNodeID: "b", TargetInput: "a"})
	require.NoError(t, err)
	_, err = f.Connect(&Connection{ID: "c2", SourceNodeID: "b", SourceOutput: "sum", TargetNodeID: "a", TargetInput: "a"})
	assert.NoError(t, err)
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{ConnectionID: "c1", Reason: ReasonSelfLoopNotPermitted, Detail: "n1"}
	assert.Equal(t, `connection "c1" rejected: SelfLoopNotPermitted (n1)`, err.Error())
	assert.ErrorIs(t, err, ErrSelfLoop)
}
