package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceNode(id string) *Node {
	return &Node{
		ID:      id,
		Type:    "input",
		Title:   "Source " + id,
		Outputs: []OutputSlot{{Name: "out", Type: "number"}},
	}
}

func sinkNode(id string) *Node {
	return &Node{
		ID:     id,
		Type:   "output",
		Title:  "Sink " + id,
		Inputs: []InputSlot{{Name: "in", Type: "number", Required: true}},
	}
}

func addNode(id string) *Node {
	return &Node{
		ID:      id,
		Type:    "math_add",
		Title:   "Add",
		Inputs:  []InputSlot{{Name: "a", Type: "number", Required: true}, {Name: "b", Type: "number", Required: true}},
		Outputs: []OutputSlot{{Name: "sum", Type: "number"}},
	}
}

func newTestFlow(t *testing.T) *Flow {
	t.Helper()
	f := New("f1", "test-flow")
	require.NoError(t, f.AddNode(sourceNode("n1")))
	require.NoError(t, f.AddNode(sinkNode("n2")))
	return f
}

func TestNew(t *testing.T) {
	f := New("f1", "My Flow")
	assert.Equal(t, "f1", f.ID)
	assert.Equal(t, int64(1), f.Version)
	assert.False(t, f.IsReadOnly)
	assert.NotNil(t, f.Nodes)
	assert.NotNil(t, f.Connections)
	assert.NotNil(t, f.Metadata)
	assert.Equal(t, f.CreatedAt, f.UpdatedAt)
	assert.Equal(t, time.UTC, f.CreatedAt.Location())
}

func TestFlow_Validate(t *testing.T) {
	tests := []struct {
		name    string
		flow    *Flow
		wantErr error
	}{
		{name: "valid empty flow", flow: New("f1", "flow")},
		{name: "missing id", flow: New("", "flow"), wantErr: ErrInvalidFlowID},
		{name: "missing name", flow: New("f1", ""), wantErr: ErrInvalidFlowName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flow.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFlow_Validate_ListsEveryViolation(t *testing.T) {
	f := newTestFlow(t)
	f.Connections["c1"] = &Connection{ID: "c1", SourceNodeID: "ghost", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"}
	f.Connections["c2"] = &Connection{ID: "c2", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "missing", TargetInput: "in"}
	f.Connections["c3"] = &Connection{ID: "c3", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"}
	f.Connections["c4"] = &Connection{ID: "c4", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"}

	err := f.Validate()
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, []string{"c1", "c2", "c4"}, integrity.ConnectionIDs())
	assert.Equal(t, ReasonUnknownSourceNode, integrity.Violations[0].Reason)
	assert.Equal(t, ReasonUnknownTargetNode, integrity.Violations[1].Reason)
	assert.Equal(t, ReasonDuplicateTargetInput, integrity.Violations[2].Reason)
}

func TestFlow_AddNode(t *testing.T) {
	f := New("f1", "flow")

	t.Run("add valid node", func(t *testing.T) {
		node := sourceNode("n1")
		require.NoError(t, f.AddNode(node))
		assert.Equal(t, node, f.Nodes["n1"])
		assert.Equal(t, "f1", node.FlowID)
		assert.NotNil(t, node.Properties)
		assert.NotNil(t, node.Inputs)
	})

	t.Run("add nil node", func(t *testing.T) {
		assert.ErrorIs(t, f.AddNode(nil), ErrNilNode)
	})

	t.Run("add node without id", func(t *testing.T) {
		assert.ErrorIs(t, f.AddNode(&Node{Type: "input"}), ErrInvalidNodeID)
	})

	t.Run("add untyped node", func(t *testing.T) {
		assert.NoError(t, f.AddNode(&Node{ID: "x"}))
	})

	t.Run("add duplicate node", func(t *testing.T) {
		assert.ErrorIs(t, f.AddNode(sourceNode("n1")), ErrDuplicateNode)
	})

	t.Run("add node with duplicate input names", func(t *testing.T) {
		node := &Node{ID: "dup", Type: "x", Inputs: []InputSlot{{Name: "a"}, {Name: "a"}}}
		assert.ErrorIs(t, f.AddNode(node), ErrDuplicateSlot)
	})

	t.Run("add node with unnamed output", func(t *testing.T) {
		node := &Node{ID: "unnamed", Type: "x", Outputs: []OutputSlot{{Type: "number"}}}
		assert.ErrorIs(t, f.AddNode(node), ErrInvalidSlotName)
	})

	t.Run("add node owned by another flow", func(t *testing.T) {
		node := sourceNode("n9")
		node.FlowID = "other"
		assert.ErrorIs(t, f.AddNode(node), ErrForeignFlow)
	})

	t.Run("same name allowed on input and output", func(t *testing.T) {
		node := &Node{ID: "pass", Type: "x", Inputs: []InputSlot{{Name: "v"}}, Outputs: []OutputSlot{{Name: "v"}}}
		assert.NoError(t, f.AddNode(node))
	})
}

func TestFlow_UpdateNode(t *testing.T) {
	f := newTestFlow(t)
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"})
	require.NoError(t, err)

	t.Run("partial update", func(t *testing.T) {
		title := "Renamed"
		pos := Position{X: 10, Y: 20}
		require.NoError(t, f.UpdateNode("n1", NodeUpdate{
			Title:      &title,
			Position:   &pos,
			Properties: map[string]Value{"value": Number(3)},
		}))
		n := f.Nodes["n1"]
		assert.Equal(t, "Renamed", n.Title)
		assert.Equal(t, pos, n.Position)
		assert.True(t, n.Properties["value"].Equal(Number(3)))
		assert.Equal(t, "input", n.Type)
	})

	t.Run("unknown node", func(t *testing.T) {
		assert.ErrorIs(t, f.UpdateNode("nope", NodeUpdate{}), ErrNodeNotFound)
	})

	t.Run("removing a connected slot is rejected", func(t *testing.T) {
		outputs := []OutputSlot{{Name: "other"}}
		err := f.UpdateNode("n1", NodeUpdate{Outputs: &outputs})
		assert.ErrorIs(t, err, ErrSlotInUse)
		_, ok := f.Nodes["n1"].Output("out")
		assert.True(t, ok, "node must be unchanged after a rejected update")
	})

	t.Run("adding slots is allowed", func(t *testing.T) {
		inputs := []InputSlot{{Name: "in", Type: "number", Required: true}, {Name: "extra", Type: "string"}}
		require.NoError(t, f.UpdateNode("n2", NodeUpdate{Inputs: &inputs}))
		assert.Len(t, f.Nodes["n2"].Inputs, 2)
	})

	t.Run("invalid slots are rejected", func(t *testing.T) {
		inputs := []InputSlot{{Name: "in"}, {Name: "in"}}
		assert.ErrorIs(t, f.UpdateNode("n2", NodeUpdate{Inputs: &inputs}), ErrDuplicateSlot)
	})
}

func TestFlow_RemoveNode(t *testing.T) {
	f := newTestFlow(t)
	require.NoError(t, f.AddNode(sinkNode("n3")))
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"})
	require.NoError(t, err)
	_, err = f.Connect(&Connection{ID: "c2", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n3", TargetInput: "in"})
	require.NoError(t, err)

	removed, err := f.RemoveNode("n1")
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "c1", removed[0].ID)
	assert.Equal(t, "c2", removed[1].ID)
	assert.Empty(t, f.Connections)
	assert.NotContains(t, f.Nodes, "n1")

	_, err = f.RemoveNode("n1")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestFlow_Connect(t *testing.T) {
	t.Run("connect valid slots", func(t *testing.T) {
		f := newTestFlow(t)
		c := &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"}
		displaced, err := f.Connect(c)
		require.NoError(t, err)
		assert.Nil(t, displaced)
		assert.Equal(t, "f1", c.FlowID)
		assert.Len(t, f.Connections, 1)
	})

	t.Run("second connection into occupied input replaces the first", func(t *testing.T) {
		f := newTestFlow(t)
		require.NoError(t, f.AddNode(sourceNode("n3")))
		first := &Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"}
		_, err := f.Connect(first)
		require.NoError(t, err)

		second := &Connection{ID: "c2", SourceNodeID: "n3", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"}
		displaced, err := f.Connect(second)
		require.NoError(t, err)
		assert.Equal(t, first, displaced)
		assert.Len(t, f.Connections, 1)
		assert.Contains(t, f.Connections, "c2")

		incoming, ok := f.IncomingConnection("n2", "in")
		require.True(t, ok)
		assert.Equal(t, "c2", incoming.ID)
	})

	t.Run("rejected connection leaves flow unchanged", func(t *testing.T) {
		f := newTestFlow(t)
		before := f.Clone()
		_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "nope", TargetNodeID: "n2", TargetInput: "in"})
		assert.ErrorIs(t, err, ErrUnknownSourceOutput)
		assert.Equal(t, before.Connections, f.Connections)
	})

	t.Run("output may fan out", func(t *testing.T) {
		f := newTestFlow(t)
		require.NoError(t, f.AddNode(sinkNode("n3")))
		_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"})
		require.NoError(t, err)
		_, err = f.Connect(&Connection{ID: "c2", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n3", TargetInput: "in"})
		require.NoError(t, err)
		assert.Len(t, f.Connections, 2)
	})
}

func TestFlow_Disconnect(t *testing.T) {
	f := newTestFlow(t)
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"})
	require.NoError(t, err)

	removed, err := f.Disconnect("c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", removed.ID)
	assert.Empty(t, f.Connections)

	_, err = f.Disconnect("c1")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestFlow_Update(t *testing.T) {
	f := New("f1", "flow")
	name := "renamed"
	desc := "a description"
	require.NoError(t, f.Update(FlowUpdate{Name: &name, Description: &desc, Metadata: map[string]Value{"owner": String("ada")}}))
	assert.Equal(t, "renamed", f.Name)
	assert.Equal(t, "a description", f.Description)
	assert.True(t, f.Metadata["owner"].Equal(String("ada")))

	empty := ""
	assert.ErrorIs(t, f.Update(FlowUpdate{Name: &empty}), ErrInvalidFlowName)
	assert.Equal(t, "renamed", f.Name)
}

func TestFlow_ReadOnly(t *testing.T) {
	f := newTestFlow(t)
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"})
	require.NoError(t, err)
	f.SetReadOnly(true)
	before := f.Clone()

	title := "x"
	name := "y"
	_, connectErr := f.Connect(&Connection{ID: "c2", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"})
	_, removeErr := f.RemoveNode("n1")
	_, disconnectErr := f.Disconnect("c1")

	for op, err := range map[string]error{
		"add node":    f.AddNode(sourceNode("n9")),
		"update node": f.UpdateNode("n1", NodeUpdate{Title: &title}),
		"remove node": removeErr,
		"connect":     connectErr,
		"disconnect":  disconnectErr,
		"update flow": f.Update(FlowUpdate{Name: &name}),
	} {
		assert.ErrorIs(t, err, ErrReadOnly, op)
	}
	assert.Equal(t, before, f)

	f.SetReadOnly(false)
	assert.NoError(t, f.AddNode(sourceNode("n9")))
}

func TestFlow_MutationTouchesUpdatedAt(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	restore := now
	now = func() time.Time { return clock }
	defer func() { now = restore }()

	f := New("f1", "flow")
	clock = clock.Add(time.Minute)
	require.NoError(t, f.AddNode(sourceNode("n1")))
	assert.Equal(t, clock, f.UpdatedAt)
	assert.True(t, f.UpdatedAt.After(f.CreatedAt))
	assert.Equal(t, int64(1), f.Version, "in-memory mutation never bumps version")
}

func TestFlow_Clone(t *testing.T) {
	f := newTestFlow(t)
	f.Metadata["tags"] = Array(String("a"))
	_, err := f.Connect(&Connection{ID: "c1", SourceNodeID: "n1", SourceOutput: "out", TargetNodeID: "n2", TargetInput: "in"})
	require.NoError(t, err)

	c := f.Clone()
	assert.Equal(t, f, c)

	c.Nodes["n1"].Title = "changed"
	c.Connections["c1"].TargetInput = "changed"
	delete(c.Nodes, "n2")
	assert.Equal(t, "Source n1", f.Nodes["n1"].Title)
	assert.Equal(t, "in", f.Connections["c1"].TargetInput)
	assert.Contains(t, f.Nodes, "n2")
}

func TestFlow_SortedAccessors(t *testing.T) {
	f := New("f1", "flow")
	for _, id := range []string{"b", "c", "a"} {
		require.NoError(t, f.AddNode(sourceNode(id)))
	}
	var ids []string
	for _, n := range f.SortedNodes() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
