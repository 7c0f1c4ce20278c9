// Package flow defines domain-specific errors
package flow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Flow errors
	ErrInvalidFlowID   = errors.New("invalid flow ID")
	ErrInvalidFlowName = errors.New("invalid flow name")
	ErrReadOnly        = errors.New("flow is read-only")

	// Node errors
	ErrNilNode         = errors.New("node cannot be nil")
	ErrInvalidNodeID   = errors.New("invalid node ID")
	ErrNodeNotFound    = errors.New("node not found")
	ErrDuplicateNode   = errors.New("duplicate node ID")
	ErrInvalidSlotName = errors.New("invalid slot name")
	ErrDuplicateSlot   = errors.New("duplicate slot name")
	ErrSlotInUse       = errors.New("slot is used by a connection")

	// Connection errors
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrInvalidConnectionID = errors.New("invalid connection ID")
	ErrIncompleteEndpoint  = errors.New("connection endpoint is incomplete")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("duplicate connection ID")

	// Validator rejection reasons
	ErrUnknownSourceNode    = errors.New("unknown source node")
	ErrUnknownTargetNode    = errors.New("unknown target node")
	ErrUnknownSourceOutput  = errors.New("unknown source output")
	ErrUnknownTargetInput   = errors.New("unknown target input")
	ErrSelfLoop             = errors.New("self-loops are not permitted")
	ErrDuplicateTargetInput = errors.New("target input already connected")
	ErrForeignFlow          = errors.New("belongs to another flow")
)

// Reason names why a connection or node was rejected
type Reason string

const (
	ReasonUnknownSourceNode    Reason = "UnknownSourceNode"
	ReasonUnknownTargetNode    Reason = "UnknownTargetNode"
	ReasonUnknownSourceOutput  Reason = "UnknownSourceOutput"
	ReasonUnknownTargetInput   Reason = "UnknownTargetInput"
	ReasonSelfLoopNotPermitted Reason = "SelfLoopNotPermitted"
	ReasonDuplicateTargetInput Reason = "DuplicateTargetInput"
	ReasonDuplicateConnection  Reason = "DuplicateConnection"
	ReasonInvalidConnection    Reason = "InvalidConnection"
	ReasonInvalidNode          Reason = "InvalidNode"
	ReasonForeignFlow          Reason = "ForeignFlow"
)

var reasonErrors = map[Reason]error{
	ReasonUnknownSourceNode:    ErrUnknownSourceNode,
	ReasonUnknownTargetNode:    ErrUnknownTargetNode,
	ReasonUnknownSourceOutput:  ErrUnknownSourceOutput,
	ReasonUnknownTargetInput:   ErrUnknownTargetInput,
	ReasonSelfLoopNotPermitted: ErrSelfLoop,
	ReasonDuplicateTargetInput: ErrDuplicateTargetInput,
	ReasonDuplicateConnection:  ErrDuplicateConnection,
	ReasonForeignFlow:          ErrForeignFlow,
}

// ValidationError is a rejected connection together with its reason.
// It matches the reason's sentinel error under errors.Is.
type ValidationError struct {
	ConnectionID string `json:"connection_id"`
	Reason       Reason `json:"reason"`
	Detail       string `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("connection %q rejected: %s", e.ConnectionID, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap returns the sentinel error for the reason
func (e *ValidationError) Unwrap() error {
	return reasonErrors[e.Reason]
}

// Violation is one integrity problem found in a whole flow
type Violation struct {
	Subject string `json:"subject"` // "node" or "connection"
	ID      string `json:"id"`
	Reason  Reason `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

func (v Violation) String() string {
	s := fmt.Sprintf("%s %q: %s", v.Subject, v.ID, v.Reason)
	if v.Detail != "" {
		s += " (" + v.Detail + ")"
	}
	return s
}

// IntegrityError lists every violation found by Flow.Validate
type IntegrityError struct {
	FlowID     string
	Violations []Violation
}

func (e *IntegrityError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("flow %q has %d integrity violation(s): %s", e.FlowID, len(e.Violations), strings.Join(parts, "; "))
}

// ConnectionIDs returns the ids of offending connections in report order
func (e *IntegrityError) ConnectionIDs() []string {
	var ids []string
	for _, v := range e.Violations {
		if v.Subject == SubjectConnection {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

const (
	SubjectNode       = "node"
	SubjectConnection = "connection"
)
