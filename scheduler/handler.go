package scheduler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GoCodeAlone/billing-webhooks/store"
)

// Handler provides HTTP endpoints for inspecting scheduled tasks.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new scheduler HTTP handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes registers scheduler API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tasks/history", h.history)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/v1/tasks/run", h.runNow)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	recs := h.runner.History(store.TaskKind(r.URL.Query().Get("kind")))
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "total": len(recs)})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.runner.tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) runNow(w http.ResponseWriter, r *http.Request) {
	n, err := h.runner.RunOnce(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
