package rest

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/app/dto"
	"github.com/mindflow/mindflow/internal/app/services"
	"github.com/mindflow/mindflow/pkg/validation"
)

type handler struct {
	service  *services.FlowService
	logger   *zap.Logger
	decoder  *validation.Decoder
	maxBytes int64
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *handler) nodeTypes(w http.ResponseWriter, _ *http.Request) {
	types := h.service.NodeTypes()
	writeJSON(w, http.StatusOK, map[string]interface{}{"node_types": types, "count": len(types)})
}

func (h *handler) listFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.service.ListFlows(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flows": flows, "count": len(flows)})
}

func (h *handler) createFlow(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateFlowRequest
	if err := h.decoder.Decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := h.service.CreateFlow(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/flows/"+f.ID)
	writeJSON(w, http.StatusCreated, dto.FromFlow(f))
}

func (h *handler) getFlow(w http.ResponseWriter, r *http.Request) {
	f, err := h.service.GetFlow(r.Context(), chi.URLParam(r, "flowID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.FromFlow(f))
}

func (h *handler) updateFlow(w http.ResponseWriter, r *http.Request) {
	var req dto.UpdateFlowRequest
	if err := h.decoder.Decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := h.service.UpdateFlow(r.Context(), chi.URLParam(r, "flowID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.FromFlow(f))
}

func (h *handler) deleteFlow(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.service.DeleteFlow(r.Context(), chi.URLParam(r, "flowID"), version); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) addNode(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateNodeRequest
	if err := h.decoder.Decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	node, f, err := h.service.AddNode(r.Context(), chi.URLParam(r, "flowID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/flows/"+f.ID+"/nodes/"+node.ID)
	writeJSON(w, http.StatusCreated, dto.NodeResponse{Node: dto.FromNode(node), Version: f.Version})
}

func (h *handler) updateNode(w http.ResponseWriter, r *http.Request) {
	var req dto.UpdateNodeRequest
	if err := h.decoder.Decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	node, f, err := h.service.UpdateNode(r.Context(), chi.URLParam(r, "flowID"), chi.URLParam(r, "nodeID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NodeResponse{Node: dto.FromNode(node), Version: f.Version})
}

func (h *handler) removeNode(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	removed, f, err := h.service.RemoveNode(r.Context(), chi.URLParam(r, "flowID"), chi.URLParam(r, "nodeID"), version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.RemoveNodeResponse{Removed: dto.FromConnections(removed), Version: f.Version})
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	var req dto.ConnectRequest
	if err := h.decoder.Decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	conn, displaced, f, err := h.service.Connect(r.Context(), chi.URLParam(r, "flowID"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := dto.ConnectResponse{Connection: dto.FromConnection(conn), Version: f.Version}
	if displaced != nil {
		replaced := dto.FromConnection(displaced)
		resp.Replaced = &replaced
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := h.service.Disconnect(r.Context(), chi.URLParam(r, "flowID"), chi.URLParam(r, "connectionID"), version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.VersionResponse{FlowID: f.ID, Version: f.Version})
}

func (h *handler) exportFlow(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	data, err := h.service.ExportFlow(r.Context(), chi.URLParam(r, "flowID"), format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	contentType := "application/json"
	if format == "yaml" {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": chi.URLParam(r, "flowID") + "." + format,
	}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handler) importFlow(w http.ResponseWriter, r *http.Request) {
	data, err := h.readDocument(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	keepID, err := boolParam(r, "keep_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := h.service.ImportFlow(r.Context(), data, services.ImportOptions{
		Format: documentFormat(r),
		KeepID: keepID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/flows/"+f.ID)
	writeJSON(w, http.StatusCreated, dto.FromFlow(f))
}

func (h *handler) validateDocument(w http.ResponseWriter, r *http.Request) {
	data, err := h.readDocument(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := services.ValidateDocument(data, documentFormat(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ValidateResponse{
		Valid:           true,
		FlowID:          f.ID,
		Version:         f.Version,
		NodeCount:       len(f.Nodes),
		ConnectionCount: len(f.Connections),
	})
}

func (h *handler) readDocument(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		return nil, validation.ValidationErrors{{Field: "request_body", Message: err.Error()}}
	}
	if len(data) == 0 {
		return nil, validation.ValidationErrors{{Field: "request_body", Message: "request body is empty"}}
	}
	return data, nil
}

// documentFormat takes ?format= first, then the Content-Type, then JSON
func documentFormat(r *http.Request) string {
	if format := r.URL.Query().Get("format"); format != "" {
		return format
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return "yaml"
	}
	return "json"
}

// versionParam reads the optional ?version= guard
func versionParam(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("version")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return nil, validation.ValidationErrors{{Field: "version", Value: raw, Message: "must be a positive integer"}}
	}
	return &v, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, validation.ValidationErrors{{Field: name, Value: raw, Message: "must be a boolean"}}
	}
	return v, nil
}
