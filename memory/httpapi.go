package memory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

const maxBodySize = 1 << 20 // 1 MB

// HTTPHandler exposes the memory core over HTTP: catalog writes, injection
// assembly, budget tracking, and the sunset/sunrise protocol.
type HTTPHandler struct {
	catalogs   *Manager
	ledger     *Ledger
	supervisor *Supervisor
	logger     *slog.Logger
}

// NewHTTPHandler creates the memory HTTP API.
func NewHTTPHandler(catalogs *Manager, ledger *Ledger, supervisor *Supervisor, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		catalogs:   catalogs,
		ledger:     ledger,
		supervisor: supervisor,
		logger:     logger,
	}
}

// RegisterHTTPHandlers registers the memory endpoints on mux.
func (h *HTTPHandler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /memory/{scope}/items", h.handleAdd)
	mux.HandleFunc("GET /memory/{ci}/inject", h.handleInject)
	mux.HandleFunc("PUT /budget/{ci}", h.handleTrack)
	mux.HandleFunc("POST /budget/{ci}/consume", h.handleConsume)
	mux.HandleFunc("GET /budget/{ci}", h.handleBudget)
	mux.HandleFunc("POST /ci/{ci}/sunset", h.handleSunset)
	mux.HandleFunc("POST /ci/{ci}/sunrise", h.handleSunrise)
}

func (h *HTTPHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var item Item
	if err := decodeBody(r, &item); err != nil {
		h.writeError(w, err)
		return
	}
	stored, err := h.catalogs.Add(r.PathValue("scope"), item)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, stored)
}

func (h *HTTPHandler) handleInject(w http.ResponseWriter, r *http.Request) {
	var tags []string
	if raw := r.URL.Query().Get("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}
	inj, err := h.catalogs.Inject(r.PathValue("ci"), tags)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, inj)
}

func (h *HTTPHandler) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model     string `json:"model"`
		HardLimit int    `json:"hard_limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.HardLimit <= 0 {
		h.writeError(w, tekerr.New(tekerr.CodeInvalid, "hard_limit must be positive"))
		return
	}
	b := h.ledger.Track(r.PathValue("ci"), req.Model, req.HardLimit)
	h.writeOK(w, b)
}

func (h *HTTPHandler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string `json:"model"`
		Tokens int    `json:"tokens"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	ci := r.PathValue("ci")
	level, err := h.ledger.Consume(ci, req.Model, req.Tokens)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{
		"level":           level,
		"sunset_required": h.supervisor.NeedsSunset(ci, req.Model),
	})
}

func (h *HTTPHandler) handleBudget(w http.ResponseWriter, r *http.Request) {
	b, ok := h.ledger.Get(r.PathValue("ci"), r.URL.Query().Get("model"))
	if !ok {
		h.writeError(w, tekerr.New(tekerr.CodeNotFound, "no budget tracked for %q", r.PathValue("ci")))
		return
	}
	h.writeOK(w, b)
}

// handleSunset commits a CI's sunset response as its sunrise context.
func (h *HTTPHandler) handleSunset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Response string `json:"response"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.supervisor.CompleteSunset(r.PathValue("ci"), req.Response); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"prompt": SunsetPrompt})
}

func (h *HTTPHandler) handleSunrise(w http.ResponseWriter, r *http.Request) {
	message, err := h.supervisor.Sunrise(r.PathValue("ci"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"message": message, "awake": true})
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
		te = tekerr.New(tekerr.CodeInvalid, "%v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(tekerr.HTTPStatus(te.Code))
	if encErr := json.NewEncoder(w).Encode(wireResponse{OK: false, Error: te}); encErr != nil {
		h.logger.Warn("Failed to write error response", "error", encErr)
	}
}
