package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/service"
)

// maxBodyBytes bounds analysis request bodies.
const maxBodyBytes = 1 << 20

// SyncResponse is the body of POST /v1/analyze/sync and GET /v1/cache/{subject_id}.
type SyncResponse struct {
	Result *domain.PipelineState `json:"result"`
	Cached bool                  `json:"cached"`
}

// Handler serves the analysis API.
type Handler struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewHandler creates a Handler over svc.
func NewHandler(svc *service.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the analysis routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/analyze", h.HandleAnalyze)
	r.Post("/v1/analyze/sync", h.HandleAnalyzeSync)
	r.Get("/v1/cache/{subject_id}", h.HandleCacheLookup)
}

// admit decodes and validates the body and runs admission. It writes the
// error response itself and returns ok=false on any failure.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (domain.Caller, service.Request, bool) {
	var req service.Request
	caller, ok := GetCaller(r.Context())
	if !ok {
		WriteError(w, r, domain.ErrAuthentication("no caller resolved"))
		return caller, req, false
	}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, r, domain.ErrInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err)))
		return caller, req, false
	}
	AddLogField(r.Context(), "subject_id", req.SubjectID)

	if err := h.svc.Validate(req); err != nil {
		WriteError(w, r, err)
		return caller, req, false
	}

	decision, err := h.svc.CheckAdmission(r.Context(), caller)
	SetRateLimits(r.Context(), FromDecision(decision))
	if err != nil {
		WriteError(w, r, err)
		return caller, req, false
	}
	return caller, req, true
}

// HandleAnalyze streams progress events as server-sent events. Each event is
// one `data:` line holding the JSON ProgressEvent. A client disconnect
// cancels the run.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	caller, req, ok := h.admit(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, domain.ErrServer("streaming not supported", nil))
		return
	}

	events, err := h.svc.StartPipeline(r.Context(), caller, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to encode progress event", slog.String("error", err.Error()))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()

		switch ev.Status {
		case domain.StatusError:
			AddError(r.Context(), ev.Err)
		case domain.StatusComplete:
			if ev.Cached {
				AddLogField(r.Context(), "cache", "hit")
			}
		}
	}
}

// HandleAnalyzeSync runs the pipeline to completion and returns the final state.
func (h *Handler) HandleAnalyzeSync(w http.ResponseWriter, r *http.Request) {
	caller, req, ok := h.admit(w, r)
	if !ok {
		return
	}

	events, err := h.svc.StartPipeline(r.Context(), caller, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	state, cached, err := service.Collect(r.Context(), events)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Result: state, Cached: cached})
}

// HandleCacheLookup returns the caller's fresh cached analysis of a subject.
func (h *Handler) HandleCacheLookup(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCaller(r.Context())
	if !ok {
		WriteError(w, r, domain.ErrAuthentication("no caller resolved"))
		return
	}
	subjectID := chi.URLParam(r, "subject_id")
	AddLogField(r.Context(), "subject_id", subjectID)

	state, found, err := h.svc.CacheLookup(r.Context(), caller, subjectID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if !found {
		writeNotFound(w, "no cached analysis for "+subjectID)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Result: state, Cached: true})
}
