// Package flow provides connection definitions
package flow

// Connection is a directed edge from one node's output slot to another
// node's input slot
type Connection struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id"`
	SourceOutput string `json:"source_output"`
	TargetNodeID string `json:"target_node_id"`
	TargetInput  string `json:"target_input"`
	FlowID       string `json:"flow_id"`
}

// Validate checks the connection's own fields. Referential checks against a
// flow are done by CheckConnection.
func (c *Connection) Validate() error {
	if c.ID == "" {
		return ErrInvalidConnectionID
	}
	if c.SourceNodeID == "" || c.SourceOutput == "" || c.TargetNodeID == "" || c.TargetInput == "" {
		return ErrIncompleteEndpoint
	}
	return nil
}

// Clone returns a copy of the connection
func (c *Connection) Clone() *Connection {
	cp := *c
	return &cp
}

// SameEndpoints reports whether both connections link the same slots
func (c *Connection) SameEndpoints(o *Connection) bool {
	return c.SourceNodeID == o.SourceNodeID && c.SourceOutput == o.SourceOutput &&
		c.TargetNodeID == o.TargetNodeID && c.TargetInput == o.TargetInput
}
