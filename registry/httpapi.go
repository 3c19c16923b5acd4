package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// maxBodySize limits request bodies.
const maxBodySize = 1 << 20 // 1 MB

// HTTPHandler exposes the registry over HTTP.
type HTTPHandler struct {
	registry *Registry
	logger   *slog.Logger

	// intake bounds concurrent state-changing requests; beyond it the
	// registry answers overloaded. Heartbeats bypass the bound.
	intake chan struct{}
}

// NewHTTPHandler creates the registry HTTP API.
func NewHTTPHandler(r *Registry, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	depth := r.cfg.IntakeQueueDepth
	if depth <= 0 {
		depth = 256
	}
	return &HTTPHandler{
		registry: r,
		logger:   logger,
		intake:   make(chan struct{}, depth),
	}
}

// RegisterHTTPHandlers registers the registry endpoints on mux.
func (h *HTTPHandler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /register", h.handleRegister)
	mux.HandleFunc("POST /unregister", h.handleUnregister)
	mux.HandleFunc("POST /heartbeat", h.handleHeartbeat)
	mux.HandleFunc("GET /resolve", h.handleResolve)
	mux.HandleFunc("GET /components", h.handleComponents)
	mux.HandleFunc("GET /events", h.handleEvents)
}

// acquire reserves an intake slot, or reports overload.
func (h *HTTPHandler) acquire() bool {
	select {
	case h.intake <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *HTTPHandler) release() { <-h.intake }

func (h *HTTPHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.acquire() {
		h.writeError(w, tekerr.New(tekerr.CodeOverloaded, "registration intake saturated"))
		return
	}
	defer h.release()

	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	token, err := h.registry.Register(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"token": token})
}

func (h *HTTPHandler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if !h.acquire() {
		h.writeError(w, tekerr.New(tekerr.CodeOverloaded, "registration intake saturated"))
		return
	}
	defer h.release()

	var req struct {
		ID           string `json:"id"`
		InstanceUUID string `json:"instance_uuid"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.registry.Unregister(req.ID, req.InstanceUUID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, nil)
}

func (h *HTTPHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	// Heartbeats never reject for load.
	var req struct {
		ID           string             `json:"id"`
		InstanceUUID string             `json:"instance_uuid"`
		Metrics      map[string]float64 `json:"metrics,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	directives, err := h.registry.Heartbeat(req.ID, req.InstanceUUID, req.Metrics)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"directives": directives})
}

func (h *HTTPHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	capability := r.URL.Query().Get("capability")

	switch {
	case name != "" && capability != "":
		h.writeError(w, tekerr.New(tekerr.CodeInvalid, "specify name or capability, not both"))
	case name != "":
		endpoints, err := h.registry.Resolve(name)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeOK(w, map[string]any{"endpoints": endpoints})
	case capability != "":
		providers, err := h.registry.ResolveCapability(capability)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeOK(w, map[string]any{"providers": providers})
	default:
		h.writeError(w, tekerr.New(tekerr.CodeInvalid, "name or capability query parameter required"))
	}
}

func (h *HTTPHandler) handleComponents(w http.ResponseWriter, r *http.Request) {
	h.writeOK(w, map[string]any{"components": h.registry.Components()})
}

// handleEvents streams lifecycle events as server-sent events.
func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, tekerr.New(tekerr.CodeInvalid, "streaming unsupported"))
		return
	}

	var filter EventFilter
	if t := r.URL.Query().Get("type"); t != "" {
		filter.Types = []EventType{EventType(t)}
	}
	if id := r.URL.Query().Get("component"); id != "" {
		filter.ComponentIDs = []string{id}
	}

	events, cancel := h.registry.Subscribe(filter)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return tekerr.New(tekerr.CodeInvalid, "decode request: %v", err)
	}
	return nil
}

type wireResponse struct {
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *tekerr.Error `json:"error,omitempty"`
}

func (h *HTTPHandler) writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(wireResponse{OK: true, Data: data}); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	var te *tekerr.Error
	if !errors.As(err, &te) {
		te = tekerr.New(tekerr.CodeEngineFault, "%v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(tekerr.HTTPStatus(te.Code))
	if encErr := json.NewEncoder(w).Encode(wireResponse{OK: false, Error: te}); encErr != nil {
		h.logger.Warn("Failed to write error response", "error", encErr)
	}
}
