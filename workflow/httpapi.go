package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

const maxBodySize = 1 << 20 // 1 MB

// WorkNotifier is told when a /workflow push addressed to this component
// arrives. The daemon wires it to the sprint dashboard.
type WorkNotifier func(env PushEnvelope)

// HTTPHandler exposes the orchestrator over HTTP: definition storage,
// launch/pause/resume/cancel/checkpoint/restore, and the standard /workflow
// push endpoint.
type HTTPHandler struct {
	engine      *Engine
	logger      *slog.Logger
	componentID string
	notify      WorkNotifier

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewHTTPHandler creates the workflow HTTP API for one component identity.
func NewHTTPHandler(engine *Engine, componentID string, notify WorkNotifier, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		engine:      engine,
		logger:      logger,
		componentID: componentID,
		notify:      notify,
		defs:        make(map[string]*Definition),
	}
}

// RegisterHTTPHandlers registers the orchestrator endpoints on mux.
func (h *HTTPHandler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows", h.handleDefine)
	mux.HandleFunc("POST /workflows/{id}/launch", h.handleLaunch)
	mux.HandleFunc("GET /executions/{id}", h.handleGet)
	mux.HandleFunc("POST /executions/{id}/pause", h.handlePause)
	mux.HandleFunc("POST /executions/{id}/resume", h.handleResume)
	mux.HandleFunc("POST /executions/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /executions/{id}/checkpoint", h.handleCheckpoint)
	mux.HandleFunc("POST /executions/{id}/restore", h.handleRestore)
	mux.HandleFunc("POST /workflow", h.handlePush)
}

func (h *HTTPHandler) handleDefine(w http.ResponseWriter, r *http.Request) {
	var def Definition
	if err := decodeBody(r, &def); err != nil {
		h.writeError(w, err)
		return
	}
	if err := def.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	h.mu.Lock()
	h.defs[def.ID] = &def
	h.mu.Unlock()

	h.logger.Info("Workflow definition stored", "workflow", def.ID, "tasks", len(def.Tasks))
	h.writeOK(w, map[string]any{"id": def.ID})
}

func (h *HTTPHandler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	h.mu.RLock()
	def, ok := h.defs[id]
	h.mu.RUnlock()
	if !ok {
		h.writeError(w, tekerr.New(tekerr.CodeNotFound, "no workflow %s", id))
		return
	}

	var req struct {
		Inputs map[string]any `json:"inputs,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}

	exec, err := h.engine.Launch(context.WithoutCancel(r.Context()), def, req.Inputs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"execution_id": exec.ExecutionID})
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, exec)
}

func (h *HTTPHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.simpleOp(w, h.engine.Pause(r.PathValue("id")))
}

func (h *HTTPHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.simpleOp(w, h.engine.Resume(r.PathValue("id")))
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var opts CancelOptions
	if r.ContentLength != 0 {
		if err := decodeBody(r, &opts); err != nil {
			h.writeError(w, err)
			return
		}
	}
	h.simpleOp(w, h.engine.Cancel(r.PathValue("id"), opts))
}

func (h *HTTPHandler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.engine.CheckpointNow(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"checkpoint_id": cp.CheckpointID, "storage_ref": cp.StorageRef})
}

func (h *HTTPHandler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CheckpointID string `json:"checkpoint_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	exec, err := h.engine.Restore(context.WithoutCancel(r.Context()), r.PathValue("id"), req.CheckpointID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"execution_id": exec.ExecutionID, "status": exec.Status})
}

// handlePush implements the standard /workflow push protocol.
func (h *HTTPHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	var env PushEnvelope
	if err := decodeBody(r, &env); err != nil {
		h.writeError(w, err)
		return
	}
	if err := env.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	if env.Dest != h.componentID {
		h.writeOK(w, map[string]any{"accepted": false, "ignored": true})
		return
	}

	if h.notify != nil {
		h.notify(env)
	}
	h.logger.Info("Workflow push accepted",
		"sprint", env.SprintName(), "from_purpose", env.Purpose[h.componentID])
	h.writeOK(w, map[string]any{"accepted": true})
}

func (h *HTTPHandler) simpleOp(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, nil)
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
