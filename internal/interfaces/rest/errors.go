package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/adapters/repository/flowstore"
	"github.com/mindflow/mindflow/internal/adapters/repository/resilient"
	"github.com/mindflow/mindflow/internal/app/dto"
	"github.com/mindflow/mindflow/internal/core/flow"
	"github.com/mindflow/mindflow/pkg/serialization"
	"github.com/mindflow/mindflow/pkg/validation"
)

// Problem is an RFC 7807 error body with the flow-specific extensions
type Problem struct {
	Type       string                      `json:"type"`
	Title      string                      `json:"title"`
	Status     int                         `json:"status"`
	Detail     string                      `json:"detail,omitempty"`
	Code       string                      `json:"code"`
	RequestID  string                      `json:"request_id,omitempty"`
	Timestamp  string                      `json:"timestamp"`
	Errors     validation.ValidationErrors `json:"errors,omitempty"`
	Reason     flow.Reason                 `json:"reason,omitempty"`
	Violations []flow.Violation            `json:"violations,omitempty"`
}

func newProblem(status int, code, detail string) *Problem {
	return &Problem{
		Type:      "/errors/" + code,
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// problemFor maps a service error to its HTTP form
func problemFor(err error) *Problem {
	var (
		fieldErrs  validation.ValidationErrors
		docErr     *serialization.DeserializationError
		rejected   *flow.ValidationError
		integrity  *flow.IntegrityError
		storeErr   *flowstore.StoreError
		detail     = err.Error()
		badRequest = http.StatusBadRequest
	)

	switch {
	case errors.As(err, &fieldErrs):
		p := newProblem(badRequest, "validation", "request failed validation")
		p.Errors = fieldErrs
		return p
	case errors.Is(err, dto.ErrEmptyUpdate):
		return newProblem(badRequest, "empty-update", detail)
	case errors.Is(err, serialization.ErrUnknownCodec), errors.Is(err, dto.ErrUnsupportedCodec):
		return newProblem(badRequest, "unsupported-format", detail)

	case errors.As(err, &docErr):
		if docErr.Kind != serialization.KindIntegrityViolation {
			return newProblem(badRequest, "malformed-document", detail)
		}
		p := newProblem(http.StatusUnprocessableEntity, "integrity-violation", detail)
		p.Violations = docErr.Violations
		return p
	case errors.As(err, &rejected):
		if rejected.Reason == flow.ReasonDuplicateConnection {
			return newProblem(http.StatusConflict, "duplicate-connection", detail)
		}
		p := newProblem(http.StatusUnprocessableEntity, "connection-rejected", detail)
		p.Reason = rejected.Reason
		return p
	case errors.As(err, &integrity):
		p := newProblem(http.StatusUnprocessableEntity, "integrity-violation", detail)
		p.Violations = integrity.Violations
		return p
	case errors.Is(err, flow.ErrInvalidNodeID), errors.Is(err, flow.ErrInvalidSlotName),
		errors.Is(err, flow.ErrDuplicateSlot), errors.Is(err, flow.ErrInvalidFlowName),
		errors.Is(err, flow.ErrForeignFlow):
		return newProblem(http.StatusUnprocessableEntity, "invalid-node", detail)

	case errors.Is(err, flowstore.ErrNotFound):
		return newProblem(http.StatusNotFound, "flow-not-found", detail)
	case errors.Is(err, flow.ErrNodeNotFound):
		return newProblem(http.StatusNotFound, "node-not-found", detail)
	case errors.Is(err, flow.ErrConnectionNotFound):
		return newProblem(http.StatusNotFound, "connection-not-found", detail)

	case errors.Is(err, flowstore.ErrVersionConflict):
		return newProblem(http.StatusConflict, "version-conflict", detail)
	case errors.Is(err, flow.ErrDuplicateNode):
		return newProblem(http.StatusConflict, "duplicate-node", detail)
	case errors.Is(err, flow.ErrSlotInUse):
		return newProblem(http.StatusConflict, "slot-in-use", detail)
	case errors.Is(err, flow.ErrReadOnly):
		return newProblem(http.StatusForbidden, "read-only", detail)

	case errors.Is(err, resilient.ErrUnavailable):
		return newProblem(http.StatusServiceUnavailable, "storage-unavailable", "storage is temporarily unavailable")
	case errors.As(err, &storeErr):
		return newProblem(http.StatusServiceUnavailable, "storage-error", "storage operation failed")
	}
	return newProblem(http.StatusInternalServerError, "internal", "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as problem+json. Server-side failures are logged
// with the cause; client errors are not.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err)
	p.RequestID = chimiddleware.GetReqID(r.Context())
	if p.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", p.RequestID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
