package admin

import (
	"context"
	"net/http"
)

type createBackfillRequest struct {
	Collection string `json:"collection"`
	DID        string `json:"did"`
}

type createBackfillResponse struct {
	ID string `json:"id"`
}

// CreateBackfill handles POST /admin/backfill (§4.6, §4.13): it records a
// pending job and launches the orchestrator in the background, since a
// backfill run outlives the request that started it.
func (h *Handlers) CreateBackfill(w http.ResponseWriter, r *http.Request) {
	var req createBackfillRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}

	jobID, err := h.jobs.Create(r.Context(), req.Collection, req.DID)
	if err != nil {
		respondError(w, badRequest("create backfill job: %v", err))
		return
	}

	go h.backfiller.Run(context.Background(), jobID, req.Collection)

	respondJSON(w, http.StatusAccepted, createBackfillResponse{ID: jobID})
}

// ListBackfillJobs handles GET /admin/backfill/status.
func (h *Handlers) ListBackfillJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context())
	if err != nil {
		respondError(w, badRequest("list backfill jobs: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}
