package flow

// Instantiate creates a new flow from a template. Nodes and connections get
// fresh ids from newID; connections are rewired to the new node ids. The
// result is at version 1 and is never read-only.
func Instantiate(template *Flow, id, name string, newID func() string) *Flow {
	f := New(id, name)
	f.Description = template.Description
	f.Metadata = cloneValues(template.Metadata)

	nodeIDs := make(map[string]string, len(template.Nodes))
	for _, n := range template.SortedNodes() {
		clone := n.Clone()
		clone.ID = newID()
		clone.FlowID = f.ID
		clone.normalize()
		nodeIDs[n.ID] = clone.ID
		f.Nodes[clone.ID] = clone
	}
	for _, c := range template.SortedConnections() {
		src, okSrc := nodeIDs[c.SourceNodeID]
		dst, okDst := nodeIDs[c.TargetNodeID]
		if !okSrc || !okDst {
			continue
		}
		clone := c.Clone()
		clone.ID = newID()
		clone.SourceNodeID = src
		clone.TargetNodeID = dst
		clone.FlowID = f.ID
		f.Connections[clone.ID] = clone
	}
	return f
}
