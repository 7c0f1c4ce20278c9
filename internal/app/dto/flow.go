// Package dto holds the request and response shapes of the flow service
package dto

import (
	"time"

	"github.com/mindflow/mindflow/internal/core/flow"
)

// CreateFlowRequest creates an empty flow, or a copy of a template flow
type CreateFlowRequest struct {
	Name        string         `json:"name" validate:"required,max=200"`
	Description string         `json:"description,omitempty" validate:"max=2000"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	TemplateID  string         `json:"template_id,omitempty" validate:"omitempty,flow_id"`
}

// UpdateFlowRequest is a partial update. Version, when set, must match the
// stored version.
type UpdateFlowRequest struct {
	Version     *int64         `json:"version,omitempty" validate:"omitempty,gte=1"`
	Name        *string        `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string        `json:"description,omitempty" validate:"omitempty,max=2000"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsReadOnly  *bool          `json:"is_readonly,omitempty"`
}

// Validate rejects updates that change nothing
func (r UpdateFlowRequest) Validate() error {
	if r.Name == nil && r.Description == nil && r.Metadata == nil && r.IsReadOnly == nil {
		return ErrEmptyUpdate
	}
	return nil
}

// PositionDTO is a canvas coordinate
type PositionDTO struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// InputSlotDTO describes an input slot
type InputSlotDTO struct {
	Name     string `json:"name" validate:"required,slot_name"`
	Type     string `json:"type,omitempty" validate:"max=64"`
	Required bool   `json:"required"`
}

// OutputSlotDTO describes an output slot
type OutputSlotDTO struct {
	Name string `json:"name" validate:"required,slot_name"`
	Type string `json:"type,omitempty" validate:"max=64"`
}

// CreateNodeRequest adds a node. A missing ID is generated.
type CreateNodeRequest struct {
	Version    *int64          `json:"version,omitempty" validate:"omitempty,gte=1"`
	ID         string          `json:"id,omitempty" validate:"omitempty,flow_id"`
	Type       string          `json:"type" validate:"required,node_type"`
	Title      string          `json:"title" validate:"max=200"`
	Position   PositionDTO     `json:"position"`
	Properties map[string]any  `json:"properties,omitempty"`
	Inputs     []InputSlotDTO  `json:"inputs,omitempty" validate:"omitempty,unique=Name,dive"`
	Outputs    []OutputSlotDTO `json:"outputs,omitempty" validate:"omitempty,unique=Name,dive"`
}

// UpdateNodeRequest is a partial node update. Nil slot lists are left
// unchanged; an empty list removes every slot.
type UpdateNodeRequest struct {
	Version    *int64          `json:"version,omitempty" validate:"omitempty,gte=1"`
	Title      *string         `json:"title,omitempty" validate:"omitempty,max=200"`
	Position   *PositionDTO    `json:"position,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	Inputs     []InputSlotDTO  `json:"inputs,omitempty" validate:"omitempty,unique=Name,dive"`
	Outputs    []OutputSlotDTO `json:"outputs,omitempty" validate:"omitempty,unique=Name,dive"`
}

// ConnectRequest connects an output slot to an input slot. A missing ID is
// generated.
type ConnectRequest struct {
	Version      *int64 `json:"version,omitempty" validate:"omitempty,gte=1"`
	ID           string `json:"id,omitempty" validate:"omitempty,flow_id"`
	SourceNodeID string `json:"source_node_id" validate:"required"`
	SourceOutput string `json:"source_output" validate:"required"`
	TargetNodeID string `json:"target_node_id" validate:"required"`
	TargetInput  string `json:"target_input" validate:"required"`
}

// NodeDTO is the wire form of a node
type NodeDTO struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Title      string          `json:"title"`
	Position   PositionDTO     `json:"position"`
	Properties map[string]any  `json:"properties"`
	Inputs     []InputSlotDTO  `json:"inputs"`
	Outputs    []OutputSlotDTO `json:"outputs"`
	FlowID     string          `json:"flow_id"`
}

// ConnectionDTO is the wire form of a connection
type ConnectionDTO struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id"`
	SourceOutput string `json:"source_output"`
	TargetNodeID string `json:"target_node_id"`
	TargetInput  string `json:"target_input"`
	FlowID       string `json:"flow_id"`
}

// FlowResponse is the wire form of a flow, nodes and connections in id order
type FlowResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     int64           `json:"version"`
	IsReadOnly  bool            `json:"is_readonly"`
	Metadata    map[string]any  `json:"metadata"`
	Nodes       []NodeDTO       `json:"nodes"`
	Connections []ConnectionDTO `json:"connections"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ConnectResponse reports the new connection and the one it replaced
type ConnectResponse struct {
	Connection ConnectionDTO  `json:"connection"`
	Replaced   *ConnectionDTO `json:"replaced,omitempty"`
	Version    int64          `json:"version"`
}

// NodeResponse carries a node and the flow version that holds it
type NodeResponse struct {
	Node    NodeDTO `json:"node"`
	Version int64   `json:"version"`
}

// VersionResponse reports the flow version after an edit
type VersionResponse struct {
	FlowID  string `json:"flow_id"`
	Version int64  `json:"version"`
}

// ValidateResponse summarizes a document that decoded cleanly
type ValidateResponse struct {
	Valid           bool   `json:"valid"`
	FlowID          string `json:"flow_id"`
	Version         int64  `json:"version"`
	NodeCount       int    `json:"node_count"`
	ConnectionCount int    `json:"connection_count"`
}

// RemoveNodeResponse lists connections removed together with the node
type RemoveNodeResponse struct {
	Removed []ConnectionDTO `json:"removed_connections"`
	Version int64           `json:"version"`
}

// NodeTypeInfo describes an available node kind
type NodeTypeInfo struct {
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Inputs      []InputSlotDTO  `json:"inputs"`
	Outputs     []OutputSlotDTO `json:"outputs"`
}

// FromFlow converts a flow to its wire form
func FromFlow(f *flow.Flow) FlowResponse {
	resp := FlowResponse{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Version:     f.Version,
		IsReadOnly:  f.IsReadOnly,
		Metadata:    flow.NativeValues(f.Metadata),
		Nodes:       make([]NodeDTO, 0, len(f.Nodes)),
		Connections: make([]ConnectionDTO, 0, len(f.Connections)),
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
	for _, n := range f.SortedNodes() {
		resp.Nodes = append(resp.Nodes, FromNode(n))
	}
	for _, c := range f.SortedConnections() {
		resp.Connections = append(resp.Connections, FromConnection(c))
	}
	return resp
}

// FromNode converts a node to its wire form
func FromNode(n *flow.Node) NodeDTO {
	return NodeDTO{
		ID:         n.ID,
		Type:       n.Type,
		Title:      n.Title,
		Position:   PositionDTO{X: n.Position.X, Y: n.Position.Y},
		Properties: flow.NativeValues(n.Properties),
		Inputs:     fromInputs(n.Inputs),
		Outputs:    fromOutputs(n.Outputs),
		FlowID:     n.FlowID,
	}
}

// FromConnection converts a connection to its wire form
func FromConnection(c *flow.Connection) ConnectionDTO {
	return ConnectionDTO{
		ID:           c.ID,
		SourceNodeID: c.SourceNodeID,
		SourceOutput: c.SourceOutput,
		TargetNodeID: c.TargetNodeID,
		TargetInput:  c.TargetInput,
		FlowID:       c.FlowID,
	}
}

// FromConnections converts a list of connections
func FromConnections(cs []*flow.Connection) []ConnectionDTO {
	out := make([]ConnectionDTO, 0, len(cs))
	for _, c := range cs {
		out = append(out, FromConnection(c))
	}
	return out
}

func fromInputs(slots []flow.InputSlot) []InputSlotDTO {
	out := make([]InputSlotDTO, 0, len(slots))
	for _, s := range slots {
		out = append(out, InputSlotDTO{Name: s.Name, Type: s.Type, Required: s.Required})
	}
	return out
}

func fromOutputs(slots []flow.OutputSlot) []OutputSlotDTO {
	out := make([]OutputSlotDTO, 0, len(slots))
	for _, s := range slots {
		out = append(out, OutputSlotDTO{Name: s.Name, Type: s.Type})
	}
	return out
}

// ToInputs converts wire slots to domain slots
func ToInputs(slots []InputSlotDTO) []flow.InputSlot {
	out := make([]flow.InputSlot, 0, len(slots))
	for _, s := range slots {
		out = append(out, flow.InputSlot{Name: s.Name, Type: s.Type, Required: s.Required})
	}
	return out
}

// ToOutputs converts wire slots to domain slots
func ToOutputs(slots []OutputSlotDTO) []flow.OutputSlot {
	out := make([]flow.OutputSlot, 0, len(slots))
	for _, s := range slots {
		out = append(out, flow.OutputSlot{Name: s.Name, Type: s.Type})
	}
	return out
}
