package serialization

import (
	"errors"
	"fmt"
	"time"

	"github.com/mindflow/mindflow/internal/core/flow"
)

// Flow documents use pointer fields where absence has to be told apart from
// a zero value.

type flowDocument struct {
	ID          *string               `json:"id" yaml:"id" msgpack:"id"`
	Name        *string               `json:"name" yaml:"name" msgpack:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty" msgpack:"description,omitempty"`
	Version     *int64                `json:"version" yaml:"version" msgpack:"version"`
	CreatedAt   *time.Time            `json:"created_at,omitempty" yaml:"created_at,omitempty" msgpack:"created_at,omitempty"`
	UpdatedAt   *time.Time            `json:"updated_at,omitempty" yaml:"updated_at,omitempty" msgpack:"updated_at,omitempty"`
	IsReadOnly  bool                  `json:"is_readonly" yaml:"is_readonly" msgpack:"is_readonly"`
	Metadata    map[string]any        `json:"metadata" yaml:"metadata" msgpack:"metadata"`
	Nodes       *[]nodeDocument       `json:"nodes" yaml:"nodes" msgpack:"nodes"`
	Connections *[]connectionDocument `json:"connections" yaml:"connections" msgpack:"connections"`
}

type nodeDocument struct {
	ID         *string          `json:"id" yaml:"id" msgpack:"id"`
	Type       string           `json:"type" yaml:"type" msgpack:"type"`
	Title      string           `json:"title" yaml:"title" msgpack:"title"`
	Position   positionDocument `json:"position" yaml:"position" msgpack:"position"`
	Properties map[string]any   `json:"properties" yaml:"properties" msgpack:"properties"`
	Inputs     []inputDocument  `json:"inputs" yaml:"inputs" msgpack:"inputs"`
	Outputs    []outputDocument `json:"outputs" yaml:"outputs" msgpack:"outputs"`
	FlowID     string           `json:"flow_id,omitempty" yaml:"flow_id,omitempty" msgpack:"flow_id,omitempty"`
}

type positionDocument struct {
	X float64 `json:"x" yaml:"x" msgpack:"x"`
	Y float64 `json:"y" yaml:"y" msgpack:"y"`
}

type inputDocument struct {
	Name     string `json:"name" yaml:"name" msgpack:"name"`
	Type     string `json:"type" yaml:"type" msgpack:"type"`
	Required bool   `json:"required" yaml:"required" msgpack:"required"`
}

type outputDocument struct {
	Name string `json:"name" yaml:"name" msgpack:"name"`
	Type string `json:"type" yaml:"type" msgpack:"type"`
}

type connectionDocument struct {
	ID           *string `json:"id" yaml:"id" msgpack:"id"`
	SourceNodeID string  `json:"source_node_id" yaml:"source_node_id" msgpack:"source_node_id"`
	SourceOutput string  `json:"source_output" yaml:"source_output" msgpack:"source_output"`
	TargetNodeID string  `json:"target_node_id" yaml:"target_node_id" msgpack:"target_node_id"`
	TargetInput  string  `json:"target_input" yaml:"target_input" msgpack:"target_input"`
	FlowID       string  `json:"flow_id,omitempty" yaml:"flow_id,omitempty" msgpack:"flow_id,omitempty"`
}

// FlowSerializer converts flows to persisted documents and back
type FlowSerializer struct {
	s *Serializer
}

// NewFlowSerializer wraps a byte pipeline. A nil serializer means plain JSON.
func NewFlowSerializer(s *Serializer) *FlowSerializer {
	if s == nil {
		s = DefaultSerializer()
	}
	return &FlowSerializer{s: s}
}

// Format describes the underlying pipeline
func (fs *FlowSerializer) Format() string { return fs.s.String() }

// Encode writes every field of f exactly once. Nodes and connections are
// ordered by id so equal flows encode identically.
func (fs *FlowSerializer) Encode(f *flow.Flow) ([]byte, error) {
	if f == nil {
		return nil, errors.New("cannot serialize a nil flow")
	}
	data, err := fs.s.Serialize(toDocument(f))
	if err != nil {
		return nil, fmt.Errorf("serialize flow %q: %w", f.ID, err)
	}
	return data, nil
}

// Decode parses a document and re-validates every node and connection once
// the full node set is known. It returns either a valid flow or a
// *DeserializationError, never both.
func (fs *FlowSerializer) Decode(data []byte) (*flow.Flow, error) {
	var doc flowDocument
	if err := fs.s.Deserialize(data, &doc); err != nil {
		return nil, malformed("", err)
	}
	f, err := fromDocument(&doc)
	if err != nil {
		return nil, err
	}

	if err := f.Validate(); err != nil {
		var integrity *flow.IntegrityError
		if errors.As(err, &integrity) {
			return nil, &DeserializationError{Kind: KindIntegrityViolation, Violations: integrity.Violations, Err: err}
		}
		return nil, malformed("", err)
	}
	return f, nil
}

// SerializeFlow encodes f as plain JSON
func SerializeFlow(f *flow.Flow) ([]byte, error) {
	return NewFlowSerializer(nil).Encode(f)
}

// DeserializeFlow decodes a plain JSON flow document
func DeserializeFlow(data []byte) (*flow.Flow, error) {
	return NewFlowSerializer(nil).Decode(data)
}

func toDocument(f *flow.Flow) *flowDocument {
	id, name, version := f.ID, f.Name, f.Version
	created, updated := f.CreatedAt.UTC(), f.UpdatedAt.UTC()

	nodes := make([]nodeDocument, 0, len(f.Nodes))
	for _, n := range f.SortedNodes() {
		nodes = append(nodes, toNodeDocument(f.ID, n))
	}
	conns := make([]connectionDocument, 0, len(f.Connections))
	for _, c := range f.SortedConnections() {
		connID := c.ID
		doc := connectionDocument{
			ID:           &connID,
			SourceNodeID: c.SourceNodeID,
			SourceOutput: c.SourceOutput,
			TargetNodeID: c.TargetNodeID,
			TargetInput:  c.TargetInput,
		}
		if c.FlowID != f.ID {
			doc.FlowID = c.FlowID
		}
		conns = append(conns, doc)
	}

	return &flowDocument{
		ID:          &id,
		Name:        &name,
		Description: f.Description,
		Version:     &version,
		CreatedAt:   &created,
		UpdatedAt:   &updated,
		IsReadOnly:  f.IsReadOnly,
		Metadata:    flow.NativeValues(f.Metadata),
		Nodes:       &nodes,
		Connections: &conns,
	}
}

func toNodeDocument(flowID string, n *flow.Node) nodeDocument {
	id := n.ID
	doc := nodeDocument{
		ID:         &id,
		Type:       n.Type,
		Title:      n.Title,
		Position:   positionDocument{X: n.Position.X, Y: n.Position.Y},
		Properties: flow.NativeValues(n.Properties),
		Inputs:     make([]inputDocument, 0, len(n.Inputs)),
		Outputs:    make([]outputDocument, 0, len(n.Outputs)),
	}
	for _, s := range n.Inputs {
		doc.Inputs = append(doc.Inputs, inputDocument{Name: s.Name, Type: s.Type, Required: s.Required})
	}
	for _, s := range n.Outputs {
		doc.Outputs = append(doc.Outputs, outputDocument{Name: s.Name, Type: s.Type})
	}
	// flow_id is implied by containment; only a disagreeing owner is written
	if n.FlowID != flowID {
		doc.FlowID = n.FlowID
	}
	return doc
}

func fromDocument(doc *flowDocument) (*flow.Flow, error) {
	if doc.ID == nil || *doc.ID == "" {
		return nil, missing("id")
	}
	if doc.Name == nil || *doc.Name == "" {
		return nil, missing("name")
	}
	if doc.Nodes == nil {
		return nil, missing("nodes")
	}
	// an absent connection list is an unconnected flow
	var connections []connectionDocument
	if doc.Connections != nil {
		connections = *doc.Connections
	}

	f := &flow.Flow{
		ID:          *doc.ID,
		Name:        *doc.Name,
		Description: doc.Description,
		Nodes:       make(map[string]*flow.Node, len(*doc.Nodes)),
		Connections: make(map[string]*flow.Connection, len(connections)),
		Version:     1,
		IsReadOnly:  doc.IsReadOnly,
	}
	if doc.Version != nil {
		if *doc.Version < 1 {
			return nil, malformed("version", fmt.Errorf("version must be positive, got %d", *doc.Version))
		}
		f.Version = *doc.Version
	}
	if doc.CreatedAt != nil {
		f.CreatedAt = doc.CreatedAt.UTC()
	}
	if doc.UpdatedAt != nil {
		f.UpdatedAt = doc.UpdatedAt.UTC()
	}

	metadata, err := flow.ValuesOf(doc.Metadata)
	if err != nil {
		return nil, malformed("metadata", err)
	}
	f.Metadata = metadata

	// Duplicates cannot be represented in the maps, so they are reported
	// here and merged with whatever Validate finds.
	var duplicates []flow.Violation
	for i, nd := range *doc.Nodes {
		if nd.ID == nil || *nd.ID == "" {
			return nil, missing(fmt.Sprintf("nodes[%d].id", i))
		}
		props, err := flow.ValuesOf(nd.Properties)
		if err != nil {
			return nil, malformed(fmt.Sprintf("nodes[%d].properties", i), err)
		}
		n := &flow.Node{
			ID:         *nd.ID,
			Type:       nd.Type,
			Title:      nd.Title,
			Position:   flow.Position{X: nd.Position.X, Y: nd.Position.Y},
			Properties: props,
			Inputs:     make([]flow.InputSlot, 0, len(nd.Inputs)),
			Outputs:    make([]flow.OutputSlot, 0, len(nd.Outputs)),
			FlowID:     nd.FlowID,
		}
		for _, s := range nd.Inputs {
			n.Inputs = append(n.Inputs, flow.InputSlot{Name: s.Name, Type: s.Type, Required: s.Required})
		}
		for _, s := range nd.Outputs {
			n.Outputs = append(n.Outputs, flow.OutputSlot{Name: s.Name, Type: s.Type})
		}
		if _, dup := f.Nodes[n.ID]; dup {
			duplicates = append(duplicates, flow.Violation{Subject: flow.SubjectNode, ID: n.ID, Reason: flow.ReasonInvalidNode, Detail: "duplicate node id"})
			continue
		}
		f.Nodes[n.ID] = n
	}

	for i, cd := range connections {
		if cd.ID == nil || *cd.ID == "" {
			return nil, missing(fmt.Sprintf("connections[%d].id", i))
		}
		c := &flow.Connection{
			ID:           *cd.ID,
			SourceNodeID: cd.SourceNodeID,
			SourceOutput: cd.SourceOutput,
			TargetNodeID: cd.TargetNodeID,
			TargetInput:  cd.TargetInput,
			FlowID:       cd.FlowID,
		}
		if _, dup := f.Connections[c.ID]; dup {
			duplicates = append(duplicates, flow.Violation{Subject: flow.SubjectConnection, ID: c.ID, Reason: flow.ReasonDuplicateConnection})
			continue
		}
		f.Connections[c.ID] = c
	}

	f.Normalize()
	if len(duplicates) > 0 {
		var violations []flow.Violation
		violations = append(violations, duplicates...)
		var integrity *flow.IntegrityError
		if err := f.Validate(); errors.As(err, &integrity) {
			violations = append(violations, integrity.Violations...)
		}
		return nil, &DeserializationError{
			Kind:       KindIntegrityViolation,
			Violations: violations,
			Err:        &flow.IntegrityError{FlowID: f.ID, Violations: violations},
		}
	}
	return f, nil
}
