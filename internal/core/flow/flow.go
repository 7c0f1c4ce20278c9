// Package flow provides the core flow graph domain entities: nodes with typed
// slots, connections between slots, and the flow document that owns them.
// It has zero external dependencies.
package flow

import (
	"fmt"
	"time"
)

// Flow is one complete graph document and the unit of save and load.
// The Nodes and Connections maps are the sole owners of their entries.
type Flow struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Nodes       map[string]*Node       `json:"nodes"`
	Connections map[string]*Connection `json:"connections"`
	Metadata    map[string]Value       `json:"metadata"`
	Version     int64                  `json:"version"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	IsReadOnly  bool                   `json:"is_readonly"`
}

// FlowUpdate holds a partial flow update. Nil fields are left unchanged.
type FlowUpdate struct {
	Name        *string
	Description *string
	Metadata    map[string]Value
}

// now is replaced in tests
var now = func() time.Time { return time.Now().UTC() }

// New creates an empty flow at version 1
func New(id, name string) *Flow {
	ts := now()
	return &Flow{
		ID:          id,
		Name:        name,
		Nodes:       map[string]*Node{},
		Connections: map[string]*Connection{},
		Metadata:    map[string]Value{},
		Version:     1,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

// Validate checks the flow header and every contained node and connection.
// Unlike the mutation methods it does not stop at the first problem: a
// non-header failure is an *IntegrityError listing all violations.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrInvalidFlowID
	}
	if f.Name == "" {
		return ErrInvalidFlowName
	}

	var violations []Violation
	for _, id := range sortedKeys(f.Nodes) {
		n := f.Nodes[id]
		if n == nil {
			violations = append(violations, Violation{Subject: SubjectNode, ID: id, Reason: ReasonInvalidNode, Detail: ErrNilNode.Error()})
			continue
		}
		if err := n.Validate(); err != nil {
			violations = append(violations, Violation{Subject: SubjectNode, ID: id, Reason: ReasonInvalidNode, Detail: err.Error()})
		} else if n.ID != id {
			violations = append(violations, Violation{Subject: SubjectNode, ID: id, Reason: ReasonInvalidNode, Detail: fmt.Sprintf("keyed as %q but has id %q", id, n.ID)})
		}
		if n.FlowID != "" && n.FlowID != f.ID {
			violations = append(violations, Violation{Subject: SubjectNode, ID: id, Reason: ReasonForeignFlow, Detail: n.FlowID})
		}
	}

	// Re-check every connection against a scratch flow so duplicates are
	// detected in id order.
	scratch := &Flow{ID: f.ID, Nodes: f.Nodes, Connections: map[string]*Connection{}}
	for _, id := range sortedKeys(f.Connections) {
		c := f.Connections[id]
		if c == nil || c.ID != id {
			violations = append(violations, Violation{Subject: SubjectConnection, ID: id, Reason: ReasonInvalidConnection, Detail: "connection id does not match its key"})
			continue
		}
		displaced, err := CheckConnection(scratch, c)
		if err != nil {
			violations = append(violations, violationFor(c, err))
			continue
		}
		if displaced != nil {
			violations = append(violations, Violation{
				Subject: SubjectConnection,
				ID:      c.ID,
				Reason:  ReasonDuplicateTargetInput,
				Detail:  fmt.Sprintf("%s.%s already fed by %q", c.TargetNodeID, c.TargetInput, displaced.ID),
			})
			continue
		}
		scratch.Connections[c.ID] = c
	}

	if len(violations) > 0 {
		return &IntegrityError{FlowID: f.ID, Violations: violations}
	}
	return nil
}

func violationFor(c *Connection, err error) Violation {
	if ve, ok := err.(*ValidationError); ok {
		return Violation{Subject: SubjectConnection, ID: c.ID, Reason: ve.Reason, Detail: ve.Detail}
	}
	return Violation{Subject: SubjectConnection, ID: c.ID, Reason: ReasonInvalidConnection, Detail: err.Error()}
}

// AddNode adds a node to the flow and takes ownership of it
func (f *Flow) AddNode(node *Node) error {
	if f.IsReadOnly {
		return ErrReadOnly
	}
	if node == nil {
		return ErrNilNode
	}
	if err := node.Validate(); err != nil {
		return err
	}
	if node.FlowID != "" && node.FlowID != f.ID {
		return fmt.Errorf("node %q: %w", node.ID, ErrForeignFlow)
	}
	if f.Nodes == nil {
		f.Nodes = make(map[string]*Node)
	}
	if _, exists := f.Nodes[node.ID]; exists {
		return ErrDuplicateNode
	}
	node.FlowID = f.ID
	node.normalize()
	f.Nodes[node.ID] = node
	f.touch()
	return nil
}

// UpdateNode applies a partial update to a node
func (f *Flow) UpdateNode(id string, u NodeUpdate) error {
	if f.IsReadOnly {
		return ErrReadOnly
	}
	node, ok := f.Nodes[id]
	if !ok {
		return ErrNodeNotFound
	}

	next := node.Clone()
	if u.Title != nil {
		next.Title = *u.Title
	}
	if u.Position != nil {
		next.Position = *u.Position
	}
	if u.Properties != nil {
		next.Properties = cloneValues(u.Properties)
	}
	if u.Inputs != nil {
		next.Inputs = append([]InputSlot{}, (*u.Inputs)...)
	}
	if u.Outputs != nil {
		next.Outputs = append([]OutputSlot{}, (*u.Outputs)...)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	// Slots still referenced by a connection must survive the update
	for _, c := range f.Connections {
		if c.SourceNodeID == id {
			if _, ok := next.Output(c.SourceOutput); !ok {
				return fmt.Errorf("output %q used by connection %q: %w", c.SourceOutput, c.ID, ErrSlotInUse)
			}
		}
		if c.TargetNodeID == id {
			if _, ok := next.Input(c.TargetInput); !ok {
				return fmt.Errorf("input %q used by connection %q: %w", c.TargetInput, c.ID, ErrSlotInUse)
			}
		}
	}

	*node = *next
	f.touch()
	return nil
}

// RemoveNode removes a node and every connection touching it. The removed
// connections are returned in id order.
func (f *Flow) RemoveNode(id string) ([]*Connection, error) {
	if f.IsReadOnly {
		return nil, ErrReadOnly
	}
	if _, ok := f.Nodes[id]; !ok {
		return nil, ErrNodeNotFound
	}
	var removed []*Connection
	for _, cid := range sortedKeys(f.Connections) {
		c := f.Connections[cid]
		if c.SourceNodeID == id || c.TargetNodeID == id {
			removed = append(removed, c)
			delete(f.Connections, cid)
		}
	}
	delete(f.Nodes, id)
	f.touch()
	return removed, nil
}

// Connect adds a connection. When the target input is already occupied the
// existing connection is removed and returned.
func (f *Flow) Connect(c *Connection) (*Connection, error) {
	if f.IsReadOnly {
		return nil, ErrReadOnly
	}
	displaced, err := CheckConnection(f, c)
	if err != nil {
		return nil, err
	}
	if f.Connections == nil {
		f.Connections = make(map[string]*Connection)
	}
	if displaced != nil {
		delete(f.Connections, displaced.ID)
	}
	c.FlowID = f.ID
	f.Connections[c.ID] = c
	f.touch()
	return displaced, nil
}

// Disconnect removes a connection by id
func (f *Flow) Disconnect(id string) (*Connection, error) {
	if f.IsReadOnly {
		return nil, ErrReadOnly
	}
	c, ok := f.Connections[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	delete(f.Connections, id)
	f.touch()
	return c, nil
}

// Update applies a partial update to the flow header
func (f *Flow) Update(u FlowUpdate) error {
	if f.IsReadOnly {
		return ErrReadOnly
	}
	if u.Name != nil {
		if *u.Name == "" {
			return ErrInvalidFlowName
		}
		f.Name = *u.Name
	}
	if u.Description != nil {
		f.Description = *u.Description
	}
	if u.Metadata != nil {
		f.Metadata = cloneValues(u.Metadata)
	}
	f.touch()
	return nil
}

// SetReadOnly locks or unlocks the flow. It is always permitted.
func (f *Flow) SetReadOnly(readOnly bool) {
	if f.IsReadOnly == readOnly {
		return
	}
	f.IsReadOnly = readOnly
	f.touch()
}

// Node looks up a node by id
func (f *Flow) Node(id string) (*Node, bool) {
	n, ok := f.Nodes[id]
	return n, ok
}

// Connection looks up a connection by id
func (f *Flow) Connection(id string) (*Connection, bool) {
	c, ok := f.Connections[id]
	return c, ok
}

// IncomingConnection returns the connection feeding a node's input slot
func (f *Flow) IncomingConnection(nodeID, input string) (*Connection, bool) {
	for _, c := range f.Connections {
		if c.TargetNodeID == nodeID && c.TargetInput == input {
			return c, true
		}
	}
	return nil, false
}

// SortedNodes returns the nodes ordered by id
func (f *Flow) SortedNodes() []*Node {
	out := make([]*Node, 0, len(f.Nodes))
	for _, id := range sortedKeys(f.Nodes) {
		out = append(out, f.Nodes[id])
	}
	return out
}

// SortedConnections returns the connections ordered by id
func (f *Flow) SortedConnections() []*Connection {
	out := make([]*Connection, 0, len(f.Connections))
	for _, id := range sortedKeys(f.Connections) {
		out = append(out, f.Connections[id])
	}
	return out
}

// Clone returns a deep copy of the flow
func (f *Flow) Clone() *Flow {
	c := *f
	c.Nodes = make(map[string]*Node, len(f.Nodes))
	for id, n := range f.Nodes {
		c.Nodes[id] = n.Clone()
	}
	c.Connections = make(map[string]*Connection, len(f.Connections))
	for id, conn := range f.Connections {
		c.Connections[id] = conn.Clone()
	}
	c.Metadata = cloneValues(f.Metadata)
	return &c
}

// Normalize replaces nil containers with empty ones and stamps ownership on
// every node and connection. Decoders call it before Validate.
func (f *Flow) Normalize() {
	if f.Nodes == nil {
		f.Nodes = map[string]*Node{}
	}
	if f.Connections == nil {
		f.Connections = map[string]*Connection{}
	}
	if f.Metadata == nil {
		f.Metadata = map[string]Value{}
	}
	for _, n := range f.Nodes {
		if n == nil {
			continue
		}
		n.normalize()
		if n.FlowID == "" {
			n.FlowID = f.ID
		}
	}
	for _, c := range f.Connections {
		if c != nil && c.FlowID == "" {
			c.FlowID = f.ID
		}
	}
}

// Stats summarises the flow's size
func (f *Flow) Stats() (nodes, connections int) {
	return len(f.Nodes), len(f.Connections)
}

func (f *Flow) touch() {
	f.UpdatedAt = now()
}
