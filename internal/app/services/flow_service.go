// Package services implements the flow use cases on top of the flow store
package services

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/adapters/repository/flowstore"
	"github.com/mindflow/mindflow/internal/app/dto"
	"github.com/mindflow/mindflow/internal/core/flow"
	"github.com/mindflow/mindflow/internal/infrastructure/metrics"
	"github.com/mindflow/mindflow/pkg/serialization"
	"github.com/mindflow/mindflow/pkg/validation"
)

// FlowRepository persists flows
// PRINCIPLES:
// - DIP: the service depends on this, flowstore.Store implements it
// - ISP: only what the use cases need
type FlowRepository interface {
	Save(ctx context.Context, f *flow.Flow) (flowstore.Ack, error)
	Load(ctx context.Context, id string) (*flow.Flow, error)
	Delete(ctx context.Context, id string) error
	DeleteIfVersion(ctx context.Context, id string, version int64) error
	List(ctx context.Context) ([]flowstore.Summary, error)
}

// FlowService applies edits as load, mutate, save. A request carrying a
// version is rejected unless it matches the stored version.
type FlowService struct {
	repo    FlowRepository
	logger  *zap.Logger
	metrics *metrics.Collector
	newID   func() string
}

// Option configures a FlowService
type Option func(*FlowService)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *FlowService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(s *FlowService) { s.metrics = c }
}

// WithIDGenerator replaces uuid generation
func WithIDGenerator(newID func() string) Option {
	return func(s *FlowService) { s.newID = newID }
}

// NewFlowService creates a service over repo
func NewFlowService(repo FlowRepository, opts ...Option) *FlowService {
	s := &FlowService{
		repo:   repo,
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateFlow creates and saves an empty flow, or a fresh copy of the
// template flow named by req.TemplateID
func (s *FlowService) CreateFlow(ctx context.Context, req dto.CreateFlowRequest) (*flow.Flow, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	metadata, err := flow.ValuesOf(req.Metadata)
	if err != nil {
		return nil, validation.ValidationErrors{{Field: "metadata", Message: err.Error()}}
	}

	var f *flow.Flow
	if req.TemplateID != "" {
		tmpl, err := s.repo.Load(ctx, req.TemplateID)
		if err != nil {
			return nil, errors.Wrap(err, "load template")
		}
		f = flow.Instantiate(tmpl, s.newID(), req.Name, s.newID)
	} else {
		f = flow.New(s.newID(), req.Name)
	}

	update := flow.FlowUpdate{}
	if req.Description != "" {
		update.Description = &req.Description
	}
	if req.Metadata != nil {
		update.Metadata = metadata
	}
	if err := f.Update(update); err != nil {
		return nil, err
	}

	if _, err := s.repo.Save(ctx, f); err != nil {
		return nil, err
	}
	s.logger.Info("flow created", zap.String("flow_id", f.ID), zap.String("template_id", req.TemplateID))
	return f, nil
}

// GetFlow loads a flow
func (s *FlowService) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	return s.repo.Load(ctx, id)
}

// ListFlows summarizes every stored flow
func (s *FlowService) ListFlows(ctx context.Context) ([]flowstore.Summary, error) {
	return s.repo.List(ctx)
}

// UpdateFlow applies a partial header update. Unlocking happens before the
// other fields are applied and locking after, so one request can do both.
func (s *FlowService) UpdateFlow(ctx context.Context, id string, req dto.UpdateFlowRequest) (*flow.Flow, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	var metadata map[string]flow.Value
	if req.Metadata != nil {
		var err error
		if metadata, err = flow.ValuesOf(req.Metadata); err != nil {
			return nil, validation.ValidationErrors{{Field: "metadata", Message: err.Error()}}
		}
	}

	return s.mutate(ctx, id, req.Version, func(f *flow.Flow) error {
		if req.IsReadOnly != nil && !*req.IsReadOnly {
			f.SetReadOnly(false)
		}
		if req.Name != nil || req.Description != nil || metadata != nil {
			if err := f.Update(flow.FlowUpdate{Name: req.Name, Description: req.Description, Metadata: metadata}); err != nil {
				return err
			}
		}
		if req.IsReadOnly != nil && *req.IsReadOnly {
			f.SetReadOnly(true)
		}
		return nil
	})
}

// DeleteFlow removes a flow. With a version, the stored flow must still be
// at that version when it is deleted.
func (s *FlowService) DeleteFlow(ctx context.Context, id string, version *int64) error {
	if version == nil {
		return s.repo.Delete(ctx, id)
	}
	return s.repo.DeleteIfVersion(ctx, id, *version)
}

// AddNode adds a node and returns it with the saved flow
func (s *FlowService) AddNode(ctx context.Context, flowID string, req dto.CreateNodeRequest) (*flow.Node, *flow.Flow, error) {
	if err := validation.Struct(req); err != nil {
		return nil, nil, err
	}
	props, err := flow.ValuesOf(req.Properties)
	if err != nil {
		return nil, nil, validation.ValidationErrors{{Field: "properties", Message: err.Error()}}
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	node := &flow.Node{
		ID:         id,
		Type:       req.Type,
		Title:      req.Title,
		Position:   flow.Position{X: req.Position.X, Y: req.Position.Y},
		Properties: props,
		Inputs:     dto.ToInputs(req.Inputs),
		Outputs:    dto.ToOutputs(req.Outputs),
	}

	f, err := s.mutate(ctx, flowID, req.Version, func(f *flow.Flow) error {
		return f.AddNode(node)
	})
	if err != nil {
		return nil, nil, err
	}
	return f.Nodes[id], f, nil
}

// UpdateNode applies a partial node update
func (s *FlowService) UpdateNode(ctx context.Context, flowID, nodeID string, req dto.UpdateNodeRequest) (*flow.Node, *flow.Flow, error) {
	if err := validation.Struct(req); err != nil {
		return nil, nil, err
	}
	update := flow.NodeUpdate{Title: req.Title}
	if req.Position != nil {
		update.Position = &flow.Position{X: req.Position.X, Y: req.Position.Y}
	}
	if req.Properties != nil {
		props, err := flow.ValuesOf(req.Properties)
		if err != nil {
			return nil, nil, validation.ValidationErrors{{Field: "properties", Message: err.Error()}}
		}
		update.Properties = props
	}
	if req.Inputs != nil {
		inputs := dto.ToInputs(req.Inputs)
		update.Inputs = &inputs
	}
	if req.Outputs != nil {
		outputs := dto.ToOutputs(req.Outputs)
		update.Outputs = &outputs
	}

	f, err := s.mutate(ctx, flowID, req.Version, func(f *flow.Flow) error {
		return f.UpdateNode(nodeID, update)
	})
	if err != nil {
		return nil, nil, err
	}
	return f.Nodes[nodeID], f, nil
}

// RemoveNode removes a node and every connection touching it
func (s *FlowService) RemoveNode(ctx context.Context, flowID, nodeID string, version *int64) ([]*flow.Connection, *flow.Flow, error) {
	var removed []*flow.Connection
	f, err := s.mutate(ctx, flowID, version, func(f *flow.Flow) error {
		var err error
		removed, err = f.RemoveNode(nodeID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return removed, f, nil
}

// Connect adds a connection. A connection already feeding the target input
// is replaced and returned as displaced.
func (s *FlowService) Connect(ctx context.Context, flowID string, req dto.ConnectRequest) (conn, displaced *flow.Connection, f *flow.Flow, err error) {
	if err := validation.Struct(req); err != nil {
		return nil, nil, nil, err
	}
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	c := &flow.Connection{
		ID:           id,
		SourceNodeID: req.SourceNodeID,
		SourceOutput: req.SourceOutput,
		TargetNodeID: req.TargetNodeID,
		TargetInput:  req.TargetInput,
	}

	f, err = s.mutate(ctx, flowID, req.Version, func(f *flow.Flow) error {
		var err error
		displaced, err = f.Connect(c)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if displaced != nil {
		s.metrics.IncConnectionsReplaced()
		s.logger.Info("connection replaced",
			zap.String("flow_id", flowID),
			zap.String("connection_id", id),
			zap.String("replaced_id", displaced.ID),
		)
	}
	return f.Connections[id], displaced, f, nil
}

// Disconnect removes a connection
func (s *FlowService) Disconnect(ctx context.Context, flowID, connectionID string, version *int64) (*flow.Flow, error) {
	return s.mutate(ctx, flowID, version, func(f *flow.Flow) error {
		_, err := f.Disconnect(connectionID)
		return err
	})
}

// mutate loads flowID, checks the caller's version, applies fn and saves.
// Nothing is saved when fn fails.
func (s *FlowService) mutate(ctx context.Context, flowID string, version *int64, fn func(f *flow.Flow) error) (*flow.Flow, error) {
	start := time.Now()
	f, err := s.repo.Load(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(f, version); err != nil {
		s.metrics.IncVersionConflicts()
		return nil, err
	}
	if err := fn(f); err != nil {
		var rejected *flow.ValidationError
		if errors.As(err, &rejected) {
			s.metrics.IncValidationRejection(string(rejected.Reason))
			s.logger.Info("mutation rejected",
				zap.String("flow_id", flowID),
				zap.String("connection_id", rejected.ConnectionID),
				zap.String("reason", string(rejected.Reason)),
			)
		}
		return nil, err
	}
	if _, err := s.repo.Save(ctx, f); err != nil {
		return nil, err
	}
	s.logger.Debug("flow mutated",
		zap.String("flow_id", flowID),
		zap.Int64("version", f.Version),
		zap.Duration("took", time.Since(start)),
	)
	return f, nil
}

func checkVersion(f *flow.Flow, version *int64) error {
	if version != nil && *version != f.Version {
		return errors.Wrapf(flowstore.ErrVersionConflict, "flow %q is at version %d, request expected %d", f.ID, f.Version, *version)
	}
	return nil
}

// ExportFlow encodes a stored flow as an indented JSON or YAML document
func (s *FlowService) ExportFlow(ctx context.Context, id, format string) ([]byte, error) {
	fs, err := textualSerializer(format)
	if err != nil {
		return nil, err
	}
	f, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return fs.Encode(f)
}

// ImportOptions controls ImportFlow
type ImportOptions struct {
	Format string // json or yaml
	KeepID bool   // keep the document's flow id instead of assigning a new one
}

// ImportFlow decodes a document and saves it. Without KeepID the flow gets a
// new id and starts at version 1; with KeepID an existing flow is only
// overwritten when the document's version matches the stored one.
func (s *FlowService) ImportFlow(ctx context.Context, data []byte, opts ImportOptions) (*flow.Flow, error) {
	fs, err := textualSerializer(opts.Format)
	if err != nil {
		return nil, err
	}
	f, err := fs.Decode(data)
	if err != nil {
		return nil, err
	}
	if !opts.KeepID {
		f = rebind(f, s.newID())
	}
	if _, err := s.repo.Save(ctx, f); err != nil {
		return nil, err
	}
	s.logger.Info("flow imported", zap.String("flow_id", f.ID), zap.Int("nodes", len(f.Nodes)))
	return f, nil
}

// ValidateDocument decodes a document without saving it
func ValidateDocument(data []byte, format string) (*flow.Flow, error) {
	fs, err := textualSerializer(format)
	if err != nil {
		return nil, err
	}
	return fs.Decode(data)
}

// rebind moves f under a new flow id at version 1, keeping node and
// connection ids
func rebind(f *flow.Flow, id string) *flow.Flow {
	out := f.Clone()
	out.ID = id
	out.Version = 1
	for _, n := range out.Nodes {
		n.FlowID = id
	}
	for _, c := range out.Connections {
		c.FlowID = id
	}
	return out
}

func textualSerializer(format string) (*serialization.FlowSerializer, error) {
	codec, err := serialization.CodecByName(format)
	if err != nil {
		return nil, err
	}
	if _, ok := codec.(*serialization.JSONCodec); ok {
		codec = &serialization.JSONCodec{Indent: true}
	}
	if _, ok := codec.(*serialization.MsgPackCodec); ok {
		return nil, errors.Wrapf(dto.ErrUnsupportedCodec, "%q", format)
	}
	s, err := serialization.NewSerializer(serialization.Config{Codec: codec})
	if err != nil {
		return nil, err
	}
	return serialization.NewFlowSerializer(s), nil
}

// NodeTypes lists the built-in node kinds
func (s *FlowService) NodeTypes() []dto.NodeTypeInfo {
	return []dto.NodeTypeInfo{
		{
			Type:        "input",
			Title:       "Input Node",
			Description: "Basic input node",
			Category:    "inputs",
			Inputs:      []dto.InputSlotDTO{},
			Outputs:     []dto.OutputSlotDTO{{Name: "value", Type: "any"}},
		},
		{
			Type:        "output",
			Title:       "Output Node",
			Description: "Basic output node",
			Category:    "outputs",
			Inputs:      []dto.InputSlotDTO{{Name: "value", Type: "any", Required: true}},
			Outputs:     []dto.OutputSlotDTO{},
		},
		{
			Type:        "math_add",
			Title:       "Add",
			Description: "Add two numbers",
			Category:    "math",
			Inputs: []dto.InputSlotDTO{
				{Name: "a", Type: "number", Required: true},
				{Name: "b", Type: "number", Required: true},
			},
			Outputs: []dto.OutputSlotDTO{{Name: "sum", Type: "number"}},
		},
	}
}
