package dto

import "errors"

// Request errors
var (
	ErrMissingFlowID    = errors.New("flow ID is required")
	ErrEmptyUpdate      = errors.New("update changes nothing")
	ErrUnsupportedCodec = errors.New("export format must be textual")
)
