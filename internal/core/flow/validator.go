package flow

import "fmt"

// CheckConnection decides whether c may be added to f. It does not modify
// either argument.
//
// A nil error with a non-nil displaced connection means c's target input is
// already occupied; adding c replaces that connection. Replacement is the
// only duplicate-target policy in this package.
func CheckConnection(f *Flow, c *Connection) (displaced *Connection, err error) {
	if c == nil {
		return nil, ErrNilConnection
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.FlowID != "" && c.FlowID != f.ID {
		return nil, reject(c, ReasonForeignFlow, fmt.Sprintf("flow %q", c.FlowID))
	}

	source, ok := f.Nodes[c.SourceNodeID]
	if !ok || source == nil {
		return nil, reject(c, ReasonUnknownSourceNode, c.SourceNodeID)
	}
	target, ok := f.Nodes[c.TargetNodeID]
	if !ok || target == nil {
		return nil, reject(c, ReasonUnknownTargetNode, c.TargetNodeID)
	}
	if c.SourceNodeID == c.TargetNodeID {
		return nil, reject(c, ReasonSelfLoopNotPermitted, c.SourceNodeID)
	}
	if _, ok := source.Output(c.SourceOutput); !ok {
		return nil, reject(c, ReasonUnknownSourceOutput, c.SourceNodeID+"."+c.SourceOutput)
	}
	if _, ok := target.Input(c.TargetInput); !ok {
		return nil, reject(c, ReasonUnknownTargetInput, c.TargetNodeID+"."+c.TargetInput)
	}

	if _, ok := f.Connections[c.ID]; ok {
		return nil, reject(c, ReasonDuplicateConnection, "")
	}
	if existing, ok := f.IncomingConnection(c.TargetNodeID, c.TargetInput); ok {
		displaced = existing
	}
	return displaced, nil
}

func reject(c *Connection, reason Reason, detail string) *ValidationError {
	return &ValidationError{ConnectionID: c.ID, Reason: reason, Detail: detail}
}
