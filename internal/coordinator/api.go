package coordinator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"forgeq/pkg/model"
	"forgeq/pkg/store"
)

// SubmitRequest is the job submission payload.
type SubmitRequest struct {
	Command        string   `json:"command"`
	Dependencies   []string `json:"dependencies,omitempty"`
	Requirements   []string `json:"requirements,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Router exposes the submission and query surface.
func (c *Coordinator) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", c.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", c.handleSubmitJob)
		r.Get("/jobs/{jobID}", c.handleJobStatus)
		r.Post("/jobs/{jobID}/cancel", c.handleCancelJob)
		r.Get("/stats", c.handleStats)
	})
	return r
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Coordinator) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "command is required"})
		return
	}

	jobID, err := c.SubmitJob(r.Context(), model.Job{
		Command:        req.Command,
		Dependencies:   req.Dependencies,
		Requirements:   req.Requirements,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		c.log.Warn("submit failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "submission failed"})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

func (c *Coordinator) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := c.GetJobStatus(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	if err != nil {
		c.log.Warn("status lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (c *Coordinator) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	err := c.CancelJob(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
	default:
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	}
}

func (c *Coordinator) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.Stats(r.Context())
	if err != nil {
		c.log.Warn("stats failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
