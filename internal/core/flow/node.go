// Package flow provides node definitions
package flow

import "fmt"

// Position is a purely presentational canvas coordinate
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// InputSlot is a named, typed attachment point receiving one connection
type InputSlot struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// OutputSlot is a named, typed attachment point feeding any number of connections
type OutputSlot struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Node represents a vertex in the flow graph.
// FlowID is a lookup convenience; the owning Flow holds the node.
type Node struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Title      string           `json:"title"`
	Position   Position         `json:"position"`
	Properties map[string]Value `json:"properties"`
	Inputs     []InputSlot      `json:"inputs"`
	Outputs    []OutputSlot     `json:"outputs"`
	FlowID     string           `json:"flow_id"`
}

// NodeUpdate holds a partial node update. Nil fields are left unchanged.
type NodeUpdate struct {
	Title      *string
	Position   *Position
	Properties map[string]Value
	Inputs     *[]InputSlot
	Outputs    *[]OutputSlot
}

// Validate ensures node integrity. Type is descriptive and may be empty.
func (n *Node) Validate() error {
	if n.ID == "" {
		return ErrInvalidNodeID
	}
	if err := validateInputs(n.Inputs); err != nil {
		return fmt.Errorf("node %q inputs: %w", n.ID, err)
	}
	if err := validateOutputs(n.Outputs); err != nil {
		return fmt.Errorf("node %q outputs: %w", n.ID, err)
	}
	return nil
}

func validateInputs(slots []InputSlot) error {
	seen := make(map[string]struct{}, len(slots))
	for _, s := range slots {
		if s.Name == "" {
			return ErrInvalidSlotName
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSlot, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

func validateOutputs(slots []OutputSlot) error {
	seen := make(map[string]struct{}, len(slots))
	for _, s := range slots {
		if s.Name == "" {
			return ErrInvalidSlotName
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSlot, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Input looks up an input slot by name
func (n *Node) Input(name string) (InputSlot, bool) {
	for _, s := range n.Inputs {
		if s.Name == name {
			return s, true
		}
	}
	return InputSlot{}, false
}

// Output looks up an output slot by name
func (n *Node) Output(name string) (OutputSlot, bool) {
	for _, s := range n.Outputs {
		if s.Name == name {
			return s, true
		}
	}
	return OutputSlot{}, false
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	c := *n
	c.Properties = cloneValues(n.Properties)
	c.Inputs = append([]InputSlot{}, n.Inputs...)
	c.Outputs = append([]OutputSlot{}, n.Outputs...)
	return &c
}

// normalize replaces nil containers with empty ones so that decoded and
// constructed nodes compare equal
func (n *Node) normalize() {
	if n.Properties == nil {
		n.Properties = map[string]Value{}
	}
	if n.Inputs == nil {
		n.Inputs = []InputSlot{}
	}
	if n.Outputs == nil {
		n.Outputs = []OutputSlot{}
	}
}
